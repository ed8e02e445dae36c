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

package jobmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/citysciencelab/ogc-gateway/internal/metrics"
	"github.com/citysciencelab/ogc-gateway/internal/model"
)

// schedulePoll registers and starts the background poll task for jobID,
// unless one is already running or the manager is shutting down. The
// task registry guarantees at most one live poll per job.
func (m *Manager) schedulePoll(jobID string, pd model.ProviderDescriptor) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	if _, exists := m.tasks[jobID]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.tasks[jobID] = cancel
	metrics.SetActivePolls(len(m.tasks))
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.endTask(jobID)
		m.poll(ctx, jobID, pd)
	}()
}

func (m *Manager) endTask(jobID string) {
	m.mu.Lock()
	delete(m.tasks, jobID)
	metrics.SetActivePolls(len(m.tasks))
	m.mu.Unlock()
}

// poll is the background loop: it re-fetches the remote status URL
// until the job reaches a terminal state, the poll timeout elapses, or
// the manager is shut down. With a zero poll timeout the deadline is
// already reached at the first loop check, so the job times out without
// any poll GET being issued.
func (m *Manager) poll(ctx context.Context, jobID string, pd model.ProviderDescriptor) {
	start := m.now()
	var deadline time.Time
	hasDeadline := m.cfg.PollTimeout != nil
	if hasDeadline {
		// A zero PollTimeout is the explicit "fail on first iteration"
		// boundary case: deadline equals start, so the very first loop
		// check already finds it expired.
		deadline = start.Add(*m.cfg.PollTimeout)
	}

	interval := m.cfg.PollMinInterval

	for {
		job, err := m.repo.Get(ctx, jobID)
		if err != nil || job == nil {
			return
		}
		if job.Status.IsTerminal() {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if hasDeadline && !m.now().Before(deadline) {
			m.timeoutJob(ctx, job)
			return
		}

		resp, err := m.pollOnce(ctx, job, pd.Timeout)
		if err != nil {
			m.recordPollFailure(ctx, jobID, err)
		} else if si, ok := m.deriveFromPoll(ctx, job, pd, resp); ok {
			m.applyPollResult(ctx, job, si, pd)
			if job.Status.IsTerminal() {
				return
			}
		} else {
			m.recordPollFailure(ctx, jobID, errMalformedPollBody)
		}

		sleep := jitterDuration(interval)
		if hasDeadline {
			remaining := deadline.Sub(m.now())
			if remaining <= 0 {
				m.timeoutJob(ctx, job)
				return
			}
			if sleep > remaining {
				sleep = remaining
			}
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if interval < m.cfg.PollMaxInterval {
			interval *= 2
			if interval > m.cfg.PollMaxInterval {
				interval = m.cfg.PollMaxInterval
			}
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context, job *model.Job, timeout time.Duration) (resp struct {
	status int
	header http.Header
	body   []byte
}, err error) {
	pollStart := time.Now()
	defer func() { metrics.ObservePollPhase(metrics.PhasePoll, time.Since(pollStart)) }()
	attempts := 0
	err = m.retrier.Do(ctx, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			metrics.IncUpstreamRetry(metrics.OpPollStatus, job.Provider)
		}
		start := time.Now()
		r, e := m.http.Get(ctx, job.RemoteStatusURL, nil, timeout)
		code := -1
		if r != nil {
			code = r.Status
		}
		metrics.ObserveUpstreamRequest(metrics.OpPollStatus, job.Provider, code, time.Since(start))
		if e != nil {
			return e
		}
		resp.status = r.Status
		resp.header = r.Header
		resp.body = r.Body
		return nil
	})
	return resp, err
}

var errMalformedPollBody = errors.New("poll response did not decode as a JobStatusInfo")

func (m *Manager) deriveFromPoll(ctx context.Context, job *model.Job, pd model.ProviderDescriptor, r struct {
	status int
	header http.Header
	body   []byte
}) (model.JobStatusInfo, bool) {
	var obj map[string]any
	if err := json.Unmarshal(r.body, &obj); err != nil || !hasRequiredKeys(obj) {
		return model.JobStatusInfo{}, false
	}
	si := model.JobStatusInfo{
		JobID:     job.ID,
		Status:    model.JobStatus(stringVal(obj, "status")),
		Type:      "process",
		ProcessID: job.ProcessID,
		Message:   stringVal(obj, "message"),
	}
	now := m.now()
	if p, ok := intVal(obj, "progress"); ok {
		si.Progress = &p
	} else if si.Status == model.StatusRunning {
		zero := 0
		si.Progress = &zero
	}
	if si.Message == "" && si.Status == model.StatusRunning {
		si.Message = "Running"
	}
	if job.StatusInfo.Started == nil && si.Status == model.StatusRunning {
		si.Started = &now
	} else {
		si.Started = job.StatusInfo.Started
	}
	if si.Status.IsTerminal() {
		si.Finished = &now
		if si.Status == model.StatusSuccessful {
			hundred := 100
			si.Progress = &hundred
		}
	}
	return si, true
}

func (m *Manager) applyPollResult(ctx context.Context, job *model.Job, si model.JobStatusInfo, pd model.ProviderDescriptor) {
	si.Links = m.normalizeLinks(job.ID, si.Links, si.Status == model.StatusSuccessful)
	old := job.StatusInfo
	if err := m.applyAndPersist(ctx, job, si); err != nil {
		m.log.Error("poll: apply status failed", "job_id", job.ID, "error", err)
		return
	}
	m.observer.OnStatusChanged(ctx, job, old, si)
	if si.Status == model.StatusSuccessful {
		m.verifyAndMaybeDowngrade(ctx, job, pd)
		return
	}
	if si.Status.IsTerminal() {
		m.observer.OnJobCompleted(ctx, job, si)
	}
}

func (m *Manager) recordPollFailure(ctx context.Context, jobID string, err error) {
	_ = m.repo.AppendEvent(ctx, jobID, model.JobEvent{
		Timestamp: m.now(),
		Kind:      model.EventPollFailed,
		Payload:   []byte(fmt.Sprintf("%q", err.Error())),
	})
}

// timeoutJob performs the terminal failed transition once the poll
// budget is exhausted: "Timed out after {poll_timeout}s".
func (m *Manager) timeoutJob(ctx context.Context, job *model.Job) {
	now := m.now()
	progress := job.LastProgress()
	var timeout time.Duration
	if m.cfg.PollTimeout != nil {
		timeout = *m.cfg.PollTimeout
	}
	si := model.JobStatusInfo{
		JobID:     job.ID,
		Status:    model.StatusFailed,
		Type:      "process",
		ProcessID: job.ProcessID,
		Message:   fmt.Sprintf("Timed out after %gs", timeout.Seconds()),
		Finished:  &now,
		Progress:  &progress,
		Links:     []model.Link{m.selfLink(job.ID)},
	}
	old := job.StatusInfo
	if err := m.applyAndPersist(ctx, job, si); err != nil {
		m.log.Error("poll timeout transition failed", "job_id", job.ID, "error", err)
		return
	}
	m.observer.OnStatusChanged(ctx, job, old, si)
	m.observer.OnJobCompleted(ctx, job, si)
}

func jitterDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half+1)))
}

func hasRequiredKeys(obj map[string]any) bool {
	if obj == nil {
		return false
	}
	_, a := obj["jobID"]
	_, b := obj["status"]
	_, c := obj["type"]
	return a && b && c
}

func stringVal(obj map[string]any, key string) string {
	if v, ok := obj[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func intVal(obj map[string]any, key string) (int, bool) {
	if v, ok := obj[key]; ok {
		if f, ok := v.(float64); ok {
			return int(f), true
		}
	}
	return 0, false
}
