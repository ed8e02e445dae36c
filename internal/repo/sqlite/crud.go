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

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/citysciencelab/ogc-gateway/internal/gwerr"
	"github.com/citysciencelab/ogc-gateway/internal/model"
	"github.com/citysciencelab/ogc-gateway/internal/repo"
)

var _ repo.JobRepository = (*Store)(nil)

// Create inserts job's row. It writes no history row; the first
// snapshot is appended separately through AppendStatus.
func (s *Store) Create(ctx context.Context, job *model.Job) (*model.Job, error) {
	siJSON, err := marshalStatusInfo(job.StatusInfo)
	if err != nil {
		return nil, fmt.Errorf("marshal status info: %w", err)
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO jobs (
			id, process_id, provider, remote_job_id, remote_status_url, status,
			status_info_json, inputs_json, inputs_url, inputs_storage, inputs_size,
			inputs_checksum, links_json, diagnostic, created, updated, version, user_id, hash
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			job.ID, job.ProcessID, job.Provider, nullIfEmpty(job.RemoteJobID), nullIfEmpty(job.RemoteStatusURL),
			string(job.Status), siJSON, nullIfEmpty(string(job.Inputs)), nullIfEmpty(job.InputsURL),
			string(job.InputsStorage), job.InputsSize, nullIfEmpty(job.InputsChecksum), marshalLinks(job.Links),
			nullIfEmpty(job.Diagnostic), job.Created.UTC().Format(time.RFC3339Nano), job.Updated.UTC().Format(time.RFC3339Nano),
			job.Version, job.UserID, nullIfEmpty(job.Hash))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func scanJob(row *sql.Row) (*model.Job, error) {
	var j model.Job
	var remoteJobID, remoteStatusURL, inputsJSON, inputsURL, inputsChecksum, linksJSON, diagnostic, hash sql.NullString
	var status string
	var statusInfoJSON, created, updated string
	err := row.Scan(&j.ID, &j.ProcessID, &j.Provider, &remoteJobID, &remoteStatusURL, &status,
		&statusInfoJSON, &inputsJSON, &inputsURL, &j.InputsStorage, &j.InputsSize, &inputsChecksum,
		&linksJSON, &diagnostic, &created, &updated, &j.Version, &j.UserID, &hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.RemoteJobID = fromNullString(remoteJobID)
	j.RemoteStatusURL = fromNullString(remoteStatusURL)
	j.Status = model.JobStatus(status)
	j.InputsURL = fromNullString(inputsURL)
	j.InputsChecksum = fromNullString(inputsChecksum)
	j.Diagnostic = fromNullString(diagnostic)
	j.Hash = fromNullString(hash)
	if inputsJSON.Valid {
		j.Inputs = []byte(inputsJSON.String)
	}
	j.Links = unmarshalLinks(linksJSON.String)
	si, err := unmarshalStatusInfo(statusInfoJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal status info: %w", err)
	}
	j.StatusInfo = si
	j.Created, err = time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parse created: %w", err)
	}
	j.Updated, err = time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return nil, fmt.Errorf("parse updated: %w", err)
	}
	return &j, nil
}

const jobColumns = `id, process_id, provider, remote_job_id, remote_status_url, status,
	status_info_json, inputs_json, inputs_url, inputs_storage, inputs_size, inputs_checksum,
	links_json, diagnostic, created, updated, version, user_id, hash`

// Get returns the job by id, or (nil, nil) if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// Update persists job's mutable fields (status, status info, links,
// remote identity, diagnostic, version, timestamps).
func (s *Store) Update(ctx context.Context, job *model.Job) (*model.Job, error) {
	siJSON, err := marshalStatusInfo(job.StatusInfo)
	if err != nil {
		return nil, fmt.Errorf("marshal status info: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
		remote_job_id = ?, remote_status_url = ?, status = ?, status_info_json = ?,
		links_json = ?, diagnostic = ?, updated = ?, version = ?
		WHERE id = ?`,
		nullIfEmpty(job.RemoteJobID), nullIfEmpty(job.RemoteStatusURL), string(job.Status), siJSON,
		marshalLinks(job.Links), nullIfEmpty(job.Diagnostic), job.Updated.UTC().Format(time.RFC3339Nano),
		job.Version, job.ID)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, wrapNotFound(job.ID)
	}
	return job, nil
}

// List returns jobs matching filter, newest first, with pagination and
// the total matching count.
func (s *Store) List(ctx context.Context, filter repo.ListFilter) ([]*model.Job, int, error) {
	where := "WHERE 1=1"
	var args []any
	if filter.Provider != "" {
		where += " AND provider = ?"
		args = append(args, filter.Provider)
	}
	if filter.ProcessID != "" {
		where += " AND process_id = ?"
		args = append(args, filter.ProcessID)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.UserID != "" {
		where += " AND user_id = ?"
		args = append(args, filter.UserID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page < 0 {
		page = 0
	}
	queryArgs := append(append([]any{}, args...), limit, page*limit)
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs `+where+` ORDER BY created DESC LIMIT ? OFFSET ?`, queryArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	return out, total, rows.Err()
}

func scanJobRows(rows *sql.Rows) (*model.Job, error) {
	var j model.Job
	var remoteJobID, remoteStatusURL, inputsJSON, inputsURL, inputsChecksum, linksJSON, diagnostic, hash sql.NullString
	var status string
	var statusInfoJSON, created, updated string
	err := rows.Scan(&j.ID, &j.ProcessID, &j.Provider, &remoteJobID, &remoteStatusURL, &status,
		&statusInfoJSON, &inputsJSON, &inputsURL, &j.InputsStorage, &j.InputsSize, &inputsChecksum,
		&linksJSON, &diagnostic, &created, &updated, &j.Version, &j.UserID, &hash)
	if err != nil {
		return nil, err
	}
	j.RemoteJobID = fromNullString(remoteJobID)
	j.RemoteStatusURL = fromNullString(remoteStatusURL)
	j.Status = model.JobStatus(status)
	j.InputsURL = fromNullString(inputsURL)
	j.InputsChecksum = fromNullString(inputsChecksum)
	j.Diagnostic = fromNullString(diagnostic)
	j.Hash = fromNullString(hash)
	if inputsJSON.Valid {
		j.Inputs = []byte(inputsJSON.String)
	}
	j.Links = unmarshalLinks(linksJSON.String)
	si, err := unmarshalStatusInfo(statusInfoJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal status info: %w", err)
	}
	j.StatusInfo = si
	if j.Created, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created: %w", err)
	}
	if j.Updated, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parse updated: %w", err)
	}
	return &j, nil
}

// FindByHash looks up a prior successful job created by the same user
// with an identical idempotency hash. Only successful jobs qualify for
// deterministic replay: an in-flight or failed execution with the same
// inputs must not short-circuit a fresh forward.
func (s *Store) FindByHash(ctx context.Context, hash, userID string) (*model.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE hash = ? AND user_id = ? AND status = ?
		ORDER BY created DESC LIMIT 1`, hash, userID, string(model.StatusSuccessful))
	j, err := scanJob(row)
	if err != nil {
		return nil, false, fmt.Errorf("find by hash: %w", err)
	}
	return j, j != nil, nil
}

// MarkFailed force-fails a job outside the normal derivation path: it
// updates the job row, then appends the failed snapshot to its history.
func (s *Store) MarkFailed(ctx context.Context, id, reason, diagnostic string) (*model.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, wrapNotFound(id)
	}
	now := s.now()
	progress := job.LastProgress()
	job.StatusInfo = model.JobStatusInfo{
		JobID:     job.ID,
		Status:    model.StatusFailed,
		Type:      "process",
		ProcessID: job.ProcessID,
		Message:   reason,
		Finished:  &now,
		Updated:   &now,
		Progress:  &progress,
		Links:     job.StatusInfo.Links,
	}
	job.Status = model.StatusFailed
	job.Diagnostic = diagnostic
	job.Updated = now
	job.Version++
	if _, err := s.Update(ctx, job); err != nil {
		return nil, err
	}
	if _, err := s.AppendStatus(ctx, id, job.StatusInfo); err != nil {
		return nil, err
	}
	return job, nil
}

// AppendStatus records si as the next history row for id and returns the
// current (already-updated) job.
func (s *Store) AppendStatus(ctx context.Context, id string, si model.JobStatusInfo) (*model.Job, error) {
	siJSON, err := marshalStatusInfo(si)
	if err != nil {
		return nil, fmt.Errorf("marshal status info: %w", err)
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var seq int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM job_status_history WHERE job_id = ?`, id).Scan(&seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO job_status_history (job_id, seq, status_info_json, created_at)
			VALUES (?,?,?,?)`, id, seq, siJSON, s.now().UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("append status history: %w", err)
	}
	return s.Get(ctx, id)
}

// AppendEvent records a diagnostic event alongside a job's history.
func (s *Store) AppendEvent(ctx context.Context, id string, event model.JobEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_events (job_id, timestamp, kind, payload_json)
		VALUES (?,?,?,?)`, id, event.Timestamp.UTC().Format(time.RFC3339Nano), string(event.Kind), nullIfEmpty(string(event.Payload)))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// AcquireQueuedJob claims the oldest job still in accepted status with no
// live lease, stamping it with workerID and a lease so only one worker
// drives it. Used by a worker-pool dispatch model as an alternative to
// jobmanager's direct per-job goroutine; unused while the gateway's
// default dispatch keeps the simpler model, kept as a lower-contention
// fallback for GATEWAY_WORKER_COUNT-bounded deployments.
func (s *Store) AcquireQueuedJob(ctx context.Context, workerID string) (*model.Job, bool, error) {
	var job *model.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT id FROM jobs
			WHERE status = ? AND (lease_owner IS NULL OR lease_expires_at < ?)
			ORDER BY created ASC LIMIT 1`, string(model.StatusAccepted), s.now().UTC().Format(time.RFC3339Nano))
		var id string
		if err := row.Scan(&id); err == sql.ErrNoRows {
			return nil
		} else if err != nil {
			return err
		}
		leaseUntil := s.now().Add(30 * time.Second).UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET lease_owner = ?, lease_expires_at = ? WHERE id = ?`, workerID, leaseUntil, id); err != nil {
			return err
		}
		gotRow := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
		j, err := scanJob(gotRow)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("acquire queued job: %w", err)
	}
	return job, job != nil, nil
}

// ExtendLease renews a worker's claim on id so long-running executions
// are not reclaimed mid-flight.
func (s *Store) ExtendLease(ctx context.Context, id, workerID string, ttl time.Duration) error {
	leaseUntil := s.now().Add(ttl).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET lease_expires_at = ? WHERE id = ? AND lease_owner = ?`, leaseUntil, id, workerID)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gwerr.New(gwerr.NotFound, "lease not held by "+workerID)
	}
	return nil
}

// StealExpiredLease returns every non-terminal job whose lease has
// expired, so a reaper can fail them or hand them to another worker.
func (s *Store) StealExpiredLease(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE lease_owner IS NOT NULL AND lease_expires_at < ? AND status NOT IN (?,?,?)`,
		s.now().UTC().Format(time.RFC3339Nano), string(model.StatusSuccessful), string(model.StatusFailed), string(model.StatusDismissed))
	if err != nil {
		return nil, fmt.Errorf("steal expired lease: %w", err)
	}
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// AddComment appends a free-text note to jobID.
func (s *Store) AddComment(ctx context.Context, jobID, userID, body string) (repo.Comment, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO job_comments (job_id, user_id, body, created_at) VALUES (?,?,?,?)`,
		jobID, userID, body, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return repo.Comment{}, fmt.Errorf("add comment: %w", err)
	}
	id, _ := res.LastInsertId()
	return repo.Comment{ID: id, JobID: jobID, UserID: userID, Body: body, CreatedAt: now}, nil
}

// ListComments returns every comment on jobID, oldest first.
func (s *Store) ListComments(ctx context.Context, jobID string) ([]repo.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, job_id, user_id, body, created_at FROM job_comments WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()
	var out []repo.Comment
	for rows.Next() {
		var c repo.Comment
		var createdAt string
		if err := rows.Scan(&c.ID, &c.JobID, &c.UserID, &c.Body, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ShareWith grants withUserID read access to ownerID's job.
func (s *Store) ShareWith(ctx context.Context, jobID, ownerID, withUserID string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return wrapNotFound(jobID)
	}
	if job.UserID != ownerID {
		return gwerr.New(gwerr.NotAuthorized, "only the owner may share job "+jobID)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO jobs_users (job_id, user_id) VALUES (?,?)`, jobID, withUserID)
	if err != nil {
		return fmt.Errorf("share job: %w", err)
	}
	return nil
}

// ListSharedWith returns every user id a job has been shared with.
func (s *Store) ListSharedWith(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM jobs_users WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list shared with: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CanView reports whether userID owns jobID or has been shared on it.
func (s *Store) CanView(ctx context.Context, jobID, userID string) (bool, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, wrapNotFound(jobID)
	}
	if job.UserID == userID {
		return true, nil
	}
	var n int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs_users WHERE job_id = ? AND user_id = ?`, jobID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check shared access: %w", err)
	}
	return n > 0, nil
}

// CreateEnsemble creates a new named, owned collection of jobs.
func (s *Store) CreateEnsemble(ctx context.Context, name, userID string) (repo.Ensemble, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO ensembles (id, name, user_id, created_at) VALUES (?,?,?,?)`,
		id, name, userID, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return repo.Ensemble{}, fmt.Errorf("create ensemble: %w", err)
	}
	return repo.Ensemble{ID: id, Name: name, UserID: userID}, nil
}

// AttachJobToEnsemble adds jobID to ensembleID's member set.
func (s *Store) AttachJobToEnsemble(ctx context.Context, ensembleID, jobID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO ensemble_jobs (ensemble_id, job_id) VALUES (?,?)`, ensembleID, jobID)
	if err != nil {
		return fmt.Errorf("attach job to ensemble: %w", err)
	}
	return nil
}

// GetEnsemble returns an ensemble and its current job membership.
func (s *Store) GetEnsemble(ctx context.Context, ensembleID string) (repo.Ensemble, error) {
	var ens repo.Ensemble
	ens.ID = ensembleID
	row := s.db.QueryRowContext(ctx, `SELECT name, user_id FROM ensembles WHERE id = ?`, ensembleID)
	if err := row.Scan(&ens.Name, &ens.UserID); err == sql.ErrNoRows {
		return repo.Ensemble{}, gwerr.New(gwerr.NotFound, "ensemble not found: "+ensembleID)
	} else if err != nil {
		return repo.Ensemble{}, fmt.Errorf("get ensemble: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT job_id FROM ensemble_jobs WHERE ensemble_id = ?`, ensembleID)
	if err != nil {
		return repo.Ensemble{}, fmt.Errorf("list ensemble jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var jobID string
		if err := rows.Scan(&jobID); err != nil {
			return repo.Ensemble{}, err
		}
		ens.JobIDs = append(ens.JobIDs, jobID)
	}
	return ens, rows.Err()
}
