// ogc-gateway federates OGC API Processes providers behind one HTTP surface.
// Copyright (C) 2025 ogc-gateway contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package repo defines the JobRepository port: the single writer for Job
// state, its history, events, and the comment/sharing/ensemble
// collaboration tables layered over the same aggregate.
package repo

import (
	"context"
	"time"

	"github.com/citysciencelab/ogc-gateway/internal/model"
)

// ListFilter narrows JobRepository.List results.
type ListFilter struct {
	Provider  string
	ProcessID string
	Status    model.JobStatus
	UserID    string
	Page      int
	Limit     int
}

// Comment is a single free-text note attached to a job.
type Comment struct {
	ID        int64
	JobID     string
	UserID    string
	Body      string
	CreatedAt time.Time
}

// Ensemble is a named, owned collection grouping several jobs.
type Ensemble struct {
	ID     string
	Name   string
	UserID string
	JobIDs []string
}

// JobRepository is the single writer for job state. Every mutating call
// is atomic with respect to observers invoked by its caller; AppendStatus
// must never lose snapshots under concurrent updaters.
type JobRepository interface {
	Create(ctx context.Context, job *model.Job) (*model.Job, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	Update(ctx context.Context, job *model.Job) (*model.Job, error)
	List(ctx context.Context, filter ListFilter) ([]*model.Job, int, error)
	FindByHash(ctx context.Context, hash, userID string) (*model.Job, bool, error)
	MarkFailed(ctx context.Context, id, reason, diagnostic string) (*model.Job, error)
	AppendStatus(ctx context.Context, id string, si model.JobStatusInfo) (*model.Job, error)
	AppendEvent(ctx context.Context, id string, event model.JobEvent) error

	AcquireQueuedJob(ctx context.Context, workerID string) (*model.Job, bool, error)
	ExtendLease(ctx context.Context, id, workerID string, ttl time.Duration) error
	StealExpiredLease(ctx context.Context) ([]*model.Job, error)

	AddComment(ctx context.Context, jobID, userID, body string) (Comment, error)
	ListComments(ctx context.Context, jobID string) ([]Comment, error)
	ShareWith(ctx context.Context, jobID, ownerID, withUserID string) error
	ListSharedWith(ctx context.Context, jobID string) ([]string, error)
	CanView(ctx context.Context, jobID, userID string) (bool, error)

	CreateEnsemble(ctx context.Context, name, userID string) (Ensemble, error)
	AttachJobToEnsemble(ctx context.Context, ensembleID, jobID string) error
	GetEnsemble(ctx context.Context, ensembleID string) (Ensemble, error)

	Ping(ctx context.Context) error
	Close() error
}
