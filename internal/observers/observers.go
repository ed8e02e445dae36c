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

// Package observers implements the fixed lifecycle fan-out: status
// history recording, poll-task scheduling, and results verification.
// Every observer invocation is isolated from its siblings and from the
// transition that triggered it - an observer error is logged and
// swallowed, never propagated.
package observers

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/citysciencelab/ogc-gateway/internal/httpclient"
	"github.com/citysciencelab/ogc-gateway/internal/metrics"
	"github.com/citysciencelab/ogc-gateway/internal/model"
	"github.com/citysciencelab/ogc-gateway/internal/repo"
)

// Observer is the fixed hook set invoked by JobManager on every lifecycle
// event. Methods return no value; implementations must not block the
// caller for long since observers for one job's transition N run before
// transition N+1 is processed.
type Observer interface {
	OnJobCreated(ctx context.Context, job *model.Job, si model.JobStatusInfo)
	OnStatusChanged(ctx context.Context, job *model.Job, oldSI, newSI model.JobStatusInfo)
	OnJobCompleted(ctx context.Context, job *model.Job, finalSI model.JobStatusInfo)
}

// Fanout invokes every registered Observer for a hook, recovering and
// logging any panic or error so one observer can never abort another or
// the caller's transition.
type Fanout struct {
	observers []Observer
	log       *slog.Logger
}

// New builds a Fanout over the given observers, invoked in list order.
func New(log *slog.Logger, obs ...Observer) *Fanout {
	return &Fanout{observers: obs, log: log}
}

func (f *Fanout) OnJobCreated(ctx context.Context, job *model.Job, si model.JobStatusInfo) {
	for _, o := range f.observers {
		f.safeCall(func() { o.OnJobCreated(ctx, job, si) }, "on_job_created", job.ID)
	}
}

func (f *Fanout) OnStatusChanged(ctx context.Context, job *model.Job, oldSI, newSI model.JobStatusInfo) {
	for _, o := range f.observers {
		f.safeCall(func() { o.OnStatusChanged(ctx, job, oldSI, newSI) }, "on_status_changed", job.ID)
	}
}

func (f *Fanout) OnJobCompleted(ctx context.Context, job *model.Job, finalSI model.JobStatusInfo) {
	for _, o := range f.observers {
		f.safeCall(func() { o.OnJobCompleted(ctx, job, finalSI) }, "on_job_completed", job.ID)
	}
}

func (f *Fanout) safeCall(fn func(), hook, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("observer panicked", "hook", hook, "job_id", jobID, "panic", r)
		}
	}()
	fn()
}

// StatusHistoryObserver records a status_changed event with a short text
// message (not the snapshot itself) via JobRepository.AppendEvent on
// every hook. AppendStatus itself already persisted the snapshot into
// job_status_history; these events are for auditability.
type StatusHistoryObserver struct {
	Repo repo.JobRepository
	Now  func() time.Time
}

func (s StatusHistoryObserver) OnJobCreated(ctx context.Context, job *model.Job, si model.JobStatusInfo) {
	s.record(ctx, job.ID, "job created")
}

func (s StatusHistoryObserver) OnStatusChanged(ctx context.Context, job *model.Job, oldSI, newSI model.JobStatusInfo) {
	s.record(ctx, job.ID, "status "+string(oldSI.Status)+" -> "+string(newSI.Status))
}

func (s StatusHistoryObserver) OnJobCompleted(ctx context.Context, job *model.Job, finalSI model.JobStatusInfo) {
	s.record(ctx, job.ID, "job completed: "+string(finalSI.Status))
}

func (s StatusHistoryObserver) record(ctx context.Context, jobID, msg string) {
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}
	_ = s.Repo.AppendEvent(ctx, jobID, model.JobEvent{
		Timestamp: now,
		Kind:      model.EventStatusChanged,
		Payload:   []byte(`"` + msg + `"`),
	})
}

// Scheduler is the callback PollingSchedulerObserver invokes to hand a
// job off to JobManager's background poll loop. It must not block.
type Scheduler func(jobID string)

// PollingSchedulerObserver schedules the background poll loop whenever a
// job transitions into a non-terminal state that carries a remote status
// URL to poll against.
type PollingSchedulerObserver struct {
	Schedule Scheduler
}

func (p PollingSchedulerObserver) OnJobCreated(ctx context.Context, job *model.Job, si model.JobStatusInfo) {
	p.maybeSchedule(job)
}

func (p PollingSchedulerObserver) OnStatusChanged(ctx context.Context, job *model.Job, oldSI, newSI model.JobStatusInfo) {
	p.maybeSchedule(job)
}

func (p PollingSchedulerObserver) OnJobCompleted(ctx context.Context, job *model.Job, finalSI model.JobStatusInfo) {
	// terminal: nothing further to schedule
}

func (p PollingSchedulerObserver) maybeSchedule(job *model.Job) {
	if job.Status.IsTerminal() {
		return
	}
	if job.RemoteStatusURL == "" {
		return
	}
	if p.Schedule != nil {
		p.Schedule(job.ID)
	}
}

// ResultsVerificationObserver confirms, on terminal success, that a
// job's remote results link is actually reachable. It never mutates the
// job - JobManager itself performs the verification downgrade during
// CreateAndForward and within the poll loop; this observer exists for
// the async, best-effort recheck path and simply logs failures.
type ResultsVerificationObserver struct {
	HTTP    httpclient.Client
	Log     *slog.Logger
	Timeout time.Duration
}

func (r ResultsVerificationObserver) OnJobCreated(ctx context.Context, job *model.Job, si model.JobStatusInfo) {
}

func (r ResultsVerificationObserver) OnStatusChanged(ctx context.Context, job *model.Job, oldSI, newSI model.JobStatusInfo) {
}

func (r ResultsVerificationObserver) OnJobCompleted(ctx context.Context, job *model.Job, finalSI model.JobStatusInfo) {
	if finalSI.Status != model.StatusSuccessful {
		return
	}
	link := resultsLink(finalSI.Links)
	if link == "" || isLocal(link) {
		return
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if _, err := r.HTTP.Get(ctx, link, nil, timeout); err != nil {
		r.Log.Warn("results verification observer: remote results unreachable", "job_id", job.ID, "link", link, "error", err)
	}
}

// MetricsObserver feeds the job lifecycle counters: jobs created per
// provider, and terminal outcomes per provider and final status.
type MetricsObserver struct{}

func (MetricsObserver) OnJobCreated(_ context.Context, job *model.Job, _ model.JobStatusInfo) {
	metrics.IncJobCreated(job.Provider)
}

func (MetricsObserver) OnStatusChanged(context.Context, *model.Job, model.JobStatusInfo, model.JobStatusInfo) {
}

func (MetricsObserver) OnJobCompleted(_ context.Context, job *model.Job, finalSI model.JobStatusInfo) {
	metrics.IncJobTerminal(job.Provider, string(finalSI.Status))
}

func resultsLink(links []model.Link) string {
	for _, l := range links {
		if l.Rel == "results" {
			return l.Href
		}
	}
	return ""
}

func isLocal(href string) bool {
	if strings.HasPrefix(href, "/") {
		return true
	}
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	return u.Host == ""
}
