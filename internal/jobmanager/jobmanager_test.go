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
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/citysciencelab/ogc-gateway/internal/gwerr"
	"github.com/citysciencelab/ogc-gateway/internal/httpclient"
	"github.com/citysciencelab/ogc-gateway/internal/model"
	"github.com/citysciencelab/ogc-gateway/internal/repo"
)

// --- fakes ---------------------------------------------------------------

// fakeRepo stores a clone of every job it is handed and hands back a
// fresh clone from every read, the same way a real database round trip
// would: forward() and poll() each work on their own local *model.Job,
// never a pointer shared across goroutines.
type fakeRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func newFakeRepo() *fakeRepo { return &fakeRepo{jobs: map[string]*model.Job{}} }

func cloneJob(j *model.Job) *model.Job {
	if j == nil {
		return nil
	}
	c := *j
	c.StatusInfo = j.StatusInfo.Clone()
	if j.Inputs != nil {
		c.Inputs = append(json.RawMessage(nil), j.Inputs...)
	}
	if j.Links != nil {
		c.Links = append([]model.Link(nil), j.Links...)
	}
	return &c
}

func (r *fakeRepo) Create(_ context.Context, job *model.Job) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = cloneJob(job)
	return job, nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneJob(r.jobs[id]), nil
}

func (r *fakeRepo) Update(_ context.Context, job *model.Job) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = cloneJob(job)
	return job, nil
}

func (r *fakeRepo) List(context.Context, repo.ListFilter) ([]*model.Job, int, error) {
	return nil, 0, nil
}

func (r *fakeRepo) FindByHash(_ context.Context, hash, userID string) (*model.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.Hash == hash && j.UserID == userID && j.Status == model.StatusSuccessful {
			return cloneJob(j), true, nil
		}
	}
	return nil, false, nil
}

func (r *fakeRepo) MarkFailed(context.Context, string, string, string) (*model.Job, error) {
	return nil, nil
}

func (r *fakeRepo) AppendStatus(_ context.Context, id string, _ model.JobStatusInfo) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneJob(r.jobs[id]), nil
}

func (r *fakeRepo) AppendEvent(context.Context, string, model.JobEvent) error { return nil }

func (r *fakeRepo) AcquireQueuedJob(context.Context, string) (*model.Job, bool, error) {
	return nil, false, nil
}
func (r *fakeRepo) ExtendLease(context.Context, string, string, time.Duration) error { return nil }
func (r *fakeRepo) StealExpiredLease(context.Context) ([]*model.Job, error)          { return nil, nil }

func (r *fakeRepo) AddComment(context.Context, string, string, string) (repo.Comment, error) {
	return repo.Comment{}, nil
}
func (r *fakeRepo) ListComments(context.Context, string) ([]repo.Comment, error) { return nil, nil }
func (r *fakeRepo) ShareWith(context.Context, string, string, string) error      { return nil }
func (r *fakeRepo) ListSharedWith(context.Context, string) ([]string, error)     { return nil, nil }
func (r *fakeRepo) CanView(context.Context, string, string) (bool, error)        { return true, nil }

func (r *fakeRepo) CreateEnsemble(context.Context, string, string) (repo.Ensemble, error) {
	return repo.Ensemble{}, nil
}
func (r *fakeRepo) AttachJobToEnsemble(context.Context, string, string) error { return nil }
func (r *fakeRepo) GetEnsemble(context.Context, string) (repo.Ensemble, error) {
	return repo.Ensemble{}, nil
}

func (r *fakeRepo) Ping(context.Context) error { return nil }
func (r *fakeRepo) Close() error               { return nil }

type fakeProviders struct{ pd model.ProviderDescriptor }

func (f fakeProviders) Resolve(prefix string) (model.ProviderDescriptor, bool) {
	if prefix != f.pd.Name {
		return model.ProviderDescriptor{}, false
	}
	return f.pd, true
}

func (f fakeProviders) All() []model.ProviderDescriptor { return []model.ProviderDescriptor{f.pd} }

// fakeHTTP serves canned responses to Get/Post, indexed by call number
// (1-based) so a test can script a sequence: the first Post is the
// forward, the first Get is typically a Location follow-up, subsequent
// Gets are poll iterations or the final results verification.
type fakeHTTP struct {
	mu       sync.Mutex
	postN    int
	getN     int
	post     func(n int) (*httpclient.Response, error)
	get      func(n int) (*httpclient.Response, error)
	getCalls []string
}

func (f *fakeHTTP) Post(_ context.Context, url string, _ []byte, _ http.Header, _ time.Duration) (*httpclient.Response, error) {
	f.mu.Lock()
	f.postN++
	n := f.postN
	f.mu.Unlock()
	if f.post == nil {
		return &httpclient.Response{Status: 200}, nil
	}
	return f.post(n)
}

func (f *fakeHTTP) Get(_ context.Context, url string, _ http.Header, _ time.Duration) (*httpclient.Response, error) {
	f.mu.Lock()
	f.getN++
	n := f.getN
	f.getCalls = append(f.getCalls, url)
	f.mu.Unlock()
	if f.get == nil {
		return &httpclient.Response{Status: 200}, nil
	}
	return f.get(n)
}

func (f *fakeHTTP) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getN
}

type fakeObserver struct {
	mu        sync.Mutex
	completed []model.JobStatusInfo
	changed   []model.JobStatusInfo
	done      chan string
}

func newFakeObserver() *fakeObserver { return &fakeObserver{done: make(chan string, 8)} }

func (o *fakeObserver) OnJobCreated(context.Context, *model.Job, model.JobStatusInfo) {}

func (o *fakeObserver) OnStatusChanged(_ context.Context, _ *model.Job, _, newSI model.JobStatusInfo) {
	o.mu.Lock()
	o.changed = append(o.changed, newSI)
	o.mu.Unlock()
}

func (o *fakeObserver) OnJobCompleted(_ context.Context, job *model.Job, si model.JobStatusInfo) {
	o.mu.Lock()
	o.completed = append(o.completed, si)
	o.mu.Unlock()
	o.done <- job.ID
}

func (o *fakeObserver) waitDone(t *testing.T, jobID string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case id := <-o.done:
			if id == jobID {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for job %s to complete", jobID)
		}
	}
}

// --- test scaffolding ------------------------------------------------------

func testProvider(url string) model.ProviderDescriptor {
	return model.ProviderDescriptor{
		Name:    "prov",
		URL:     url,
		Timeout: time.Second,
		Processes: map[string]model.ProcessConfig{
			"echo": {RawID: "echo", Version: "1"},
			"deterministic-echo": {
				RawID:         "deterministic-echo",
				Version:       "1",
				Deterministic: true,
			},
		},
	}
}

func newTestManager(t *testing.T, pd model.ProviderDescriptor, hc *fakeHTTP, obs *fakeObserver, cfg Config) *Manager {
	t.Helper()
	cfg.PollMinInterval = time.Millisecond
	cfg.PollMaxInterval = 5 * time.Millisecond
	return New(cfg, Deps{
		Repo:      newFakeRepo(),
		Providers: fakeProviders{pd: pd},
		HTTP:      hc,
		Retrier:   &passthroughRetrier{},
		Observer:  obs,
	})
}

// passthroughRetrier runs op exactly once, never sleeping, so tests stay
// fast regardless of the default retry backoff schedule.
type passthroughRetrier struct{}

func (passthroughRetrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return op(ctx)
}

// retryingRetrier re-runs op up to maxAttempts times while the error is
// transient, with no delay between attempts, so scenario C exercises
// bounded retries and still runs in well under a second.
type retryingRetrier struct{ maxAttempts int }

func (r retryingRetrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !gwerr.IsTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func jsonBody(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// --- scenarios -------------------------------------------------------------

// Scenario A: the provider responds to the forward POST with an empty
// body and a Location header (S3). The follow-up GET reports "running",
// and the subsequent poll iteration reports "successful"; verification
// probes the provider's results endpoint before completion.
func TestCreateAndForward_LocationFollowupThenPollToSuccess(t *testing.T) {
	pd := testProvider("http://upstream.example/")
	obs := newFakeObserver()
	h := &fakeHTTP{
		post: func(n int) (*httpclient.Response, error) {
			return &httpclient.Response{
				Status: 201,
				Header: http.Header{"Location": []string{"http://upstream.example/jobs/R1?f=json"}},
			}, nil
		},
		get: func(n int) (*httpclient.Response, error) {
			switch n {
			case 1: // S3 follow-up
				return &httpclient.Response{Status: 200, Body: jsonBody(map[string]any{
					"jobID": "R1", "status": "running", "type": "process",
				})}, nil
			case 2: // first poll iteration
				return &httpclient.Response{Status: 200, Body: jsonBody(map[string]any{
					"jobID": "R1", "status": "successful", "type": "process", "progress": 100,
				})}, nil
			default: // results verification
				return &httpclient.Response{Status: 200, Body: []byte(`{"type":"FeatureCollection","features":[]}`)}, nil
			}
		},
	}
	m := newTestManager(t, pd, h, obs, Config{APIPrefix: "/"})

	res, err := m.CreateAndForward(context.Background(), "prov:echo", jsonBody(map[string]any{"x": 1}), nil, "alice")
	if err != nil {
		t.Fatalf("CreateAndForward: %v", err)
	}
	if res.Status.Status != model.StatusAccepted {
		t.Fatalf("initial response status = %s, want accepted", res.Status.Status)
	}

	obs.waitDone(t, jobIDFromLocation(res.Location))

	job, err := m.GetJob(context.Background(), jobIDFromLocation(res.Location))
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != model.StatusSuccessful {
		t.Fatalf("final status = %s, want successful", job.Status)
	}
	if job.RemoteJobID != "R1" {
		t.Fatalf("remote job id = %q, want R1", job.RemoteJobID)
	}
	for _, l := range job.StatusInfo.Links {
		if !isLocalHref(l.Href) {
			t.Fatalf("exposed link %q is not local", l.Href)
		}
	}
}

// Scenario B: the provider returns outputs directly in the forward
// response (S2). The job is synthesized as immediately successful and
// still passes through results verification before completing.
func TestCreateAndForward_ImmediateResults(t *testing.T) {
	pd := testProvider("http://upstream.example/")
	obs := newFakeObserver()
	h := &fakeHTTP{
		post: func(n int) (*httpclient.Response, error) {
			return &httpclient.Response{Status: 200, Body: jsonBody(map[string]any{
				"outputs": map[string]any{"result": 42},
			})}, nil
		},
		get: func(n int) (*httpclient.Response, error) {
			return &httpclient.Response{Status: 200, Body: []byte(`{"outputs":{"result":42}}`)}, nil
		},
	}
	m := newTestManager(t, pd, h, obs, Config{APIPrefix: "/"})

	res, err := m.CreateAndForward(context.Background(), "prov:echo", jsonBody(map[string]any{}), nil, "alice")
	if err != nil {
		t.Fatalf("CreateAndForward: %v", err)
	}
	jobID := jobIDFromLocation(res.Location)
	obs.waitDone(t, jobID)

	job, err := m.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != model.StatusSuccessful {
		t.Fatalf("status = %s, want successful", job.Status)
	}
	if job.RemoteStatusURL != "" {
		t.Fatalf("remote_status_url = %q, want empty for immediate results", job.RemoteStatusURL)
	}
}

// Scenario C: the forward POST fails with a transient transport error on
// every attempt; the bounded retry schedule exhausts and the job fails
// with the forwarding diagnostic.
func TestCreateAndForward_ForwardFailsAfterRetries(t *testing.T) {
	pd := testProvider("http://upstream.example/")
	obs := newFakeObserver()
	h := &fakeHTTP{
		post: func(n int) (*httpclient.Response, error) {
			return nil, gwerr.Wrap(gwerr.UpstreamConnectionError, "dial", context.DeadlineExceeded)
		},
	}
	m := New(Config{APIPrefix: "/", PollMinInterval: time.Millisecond}, Deps{
		Repo:      newFakeRepo(),
		Providers: fakeProviders{pd: pd},
		HTTP:      h,
		Retrier:   retryingRetrier{maxAttempts: 3},
		Observer:  obs,
	})

	res, err := m.CreateAndForward(context.Background(), "prov:echo", jsonBody(map[string]any{}), nil, "alice")
	if err != nil {
		t.Fatalf("CreateAndForward: %v", err)
	}
	jobID := jobIDFromLocation(res.Location)
	obs.waitDone(t, jobID)

	job, err := m.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if !strings.Contains(job.Diagnostic, "forward failed") {
		t.Fatalf("diagnostic = %q, want it to mention the forward failure", job.Diagnostic)
	}
	if h.postN != 3 {
		t.Fatalf("post attempts = %d, want 3", h.postN)
	}
}

// Scenario D: PollTimeout=0 is the explicit "fail on first iteration"
// boundary case - the job reaches running via the S3 follow-up, then the
// poll loop must time it out on its very first check, without issuing
// any further poll GET.
func TestPoll_ZeroTimeoutFailsImmediately(t *testing.T) {
	pd := testProvider("http://upstream.example/")
	obs := newFakeObserver()
	h := &fakeHTTP{
		post: func(n int) (*httpclient.Response, error) {
			return &httpclient.Response{
				Status: 201,
				Header: http.Header{"Location": []string{"http://upstream.example/jobs/R1?f=json"}},
			}, nil
		},
		get: func(n int) (*httpclient.Response, error) {
			return &httpclient.Response{Status: 200, Body: jsonBody(map[string]any{
				"jobID": "R1", "status": "running", "type": "process",
			})}, nil
		},
	}
	zero := time.Duration(0)
	m := newTestManager(t, pd, h, obs, Config{APIPrefix: "/", PollTimeout: &zero})

	res, err := m.CreateAndForward(context.Background(), "prov:echo", jsonBody(map[string]any{}), nil, "alice")
	if err != nil {
		t.Fatalf("CreateAndForward: %v", err)
	}
	jobID := jobIDFromLocation(res.Location)
	obs.waitDone(t, jobID)

	job, err := m.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.StatusInfo.Message != "Timed out after 0s" {
		t.Fatalf("message = %q, want the zero-timeout message", job.StatusInfo.Message)
	}
	// Exactly one GET: the S3 follow-up. The poll loop must not issue a
	// second GET once the deadline has already elapsed.
	if got := h.getCount(); got != 1 {
		t.Fatalf("GET calls = %d, want 1 (follow-up only, no poll fetch)", got)
	}
}

// Scenario E: a job reaches a successful derivation, but the results
// verification probe fails with a permanent 410; the job downgrades to
// failed per the successful->failed exception in the state machine.
func TestVerification_DowngradesOnPermanentFailure(t *testing.T) {
	pd := testProvider("http://upstream.example/")
	obs := newFakeObserver()
	h := &fakeHTTP{
		post: func(n int) (*httpclient.Response, error) {
			return &httpclient.Response{Status: 200, Body: jsonBody(map[string]any{
				"outputs": map[string]any{"result": 1},
			})}, nil
		},
		get: func(n int) (*httpclient.Response, error) {
			return nil, gwerr.WithStatus(gwerr.UpstreamHTTPError, 410, "gone", nil)
		},
	}
	m := newTestManager(t, pd, h, obs, Config{APIPrefix: "/"})

	res, err := m.CreateAndForward(context.Background(), "prov:echo", jsonBody(map[string]any{}), nil, "alice")
	if err != nil {
		t.Fatalf("CreateAndForward: %v", err)
	}
	jobID := jobIDFromLocation(res.Location)
	obs.waitDone(t, jobID)

	job, err := m.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed (downgraded)", job.Status)
	}
	if !strings.Contains(job.Diagnostic, "result verification failed") {
		t.Fatalf("diagnostic = %q, want verification-failure wording", job.Diagnostic)
	}
	for _, l := range job.StatusInfo.Links {
		if l.Rel == "results" {
			t.Fatalf("downgraded job must not expose a results link, found %+v", l)
		}
	}
}

// Scenario F: a deterministic process's second execution with identical
// inputs, version and user reuses the existing successful job instead of
// forwarding again.
func TestCreateAndForward_DeterministicReplayShortCircuits(t *testing.T) {
	pd := testProvider("http://upstream.example/")
	obs := newFakeObserver()
	h := &fakeHTTP{
		post: func(n int) (*httpclient.Response, error) {
			return &httpclient.Response{Status: 200, Body: jsonBody(map[string]any{
				"outputs": map[string]any{"result": 1},
			})}, nil
		},
		get: func(n int) (*httpclient.Response, error) {
			return &httpclient.Response{Status: 200, Body: []byte(`{"outputs":{"result":1}}`)}, nil
		},
	}
	m := newTestManager(t, pd, h, obs, Config{APIPrefix: "/"})

	body := jsonBody(map[string]any{"x": 1})
	first, err := m.CreateAndForward(context.Background(), "prov:deterministic-echo", body, nil, "alice")
	if err != nil {
		t.Fatalf("first CreateAndForward: %v", err)
	}
	obs.waitDone(t, jobIDFromLocation(first.Location))

	second, err := m.CreateAndForward(context.Background(), "prov:deterministic-echo", body, nil, "alice")
	if err != nil {
		t.Fatalf("second CreateAndForward: %v", err)
	}
	if second.Location != first.Location {
		t.Fatalf("replayed execution got a new job at %q, want reuse of %q", second.Location, first.Location)
	}
	if h.postN != 1 {
		t.Fatalf("forward POST count = %d, want 1 (second call must short-circuit)", h.postN)
	}
}

func TestDismiss_CancelsNonTerminalJob(t *testing.T) {
	pd := testProvider("http://upstream.example/")
	obs := newFakeObserver()
	h := &fakeHTTP{
		post: func(n int) (*httpclient.Response, error) {
			return &httpclient.Response{
				Status: 201,
				Header: http.Header{"Location": []string{"http://upstream.example/jobs/R1?f=json"}},
			}, nil
		},
		get: func(n int) (*httpclient.Response, error) {
			return &httpclient.Response{Status: 200, Body: jsonBody(map[string]any{
				"jobID": "R1", "status": "running", "type": "process",
			})}, nil
		},
	}
	m := newTestManager(t, pd, h, obs, Config{APIPrefix: "/"})

	res, err := m.CreateAndForward(context.Background(), "prov:echo", jsonBody(map[string]any{}), nil, "alice")
	if err != nil {
		t.Fatalf("CreateAndForward: %v", err)
	}
	jobID := jobIDFromLocation(res.Location)

	// Give the forward goroutine a moment to reach "running" before
	// dismissing, so we exercise cancellation of a live poll task.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		job, _ := m.GetJob(context.Background(), jobID)
		if job.Status == model.StatusRunning {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := m.Dismiss(context.Background(), jobID); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	job, err := m.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != model.StatusDismissed {
		t.Fatalf("status = %s, want dismissed", job.Status)
	}
	if err := m.Dismiss(context.Background(), jobID); err == nil {
		t.Fatalf("second Dismiss on a terminal job should fail")
	}
}

func TestShutdown_IsIdempotent(t *testing.T) {
	pd := testProvider("http://upstream.example/")
	obs := newFakeObserver()
	h := &fakeHTTP{}
	m := newTestManager(t, pd, h, obs, Config{APIPrefix: "/"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Shutdown(ctx)
	m.Shutdown(ctx)
}

// jobIDFromLocation extracts the trailing path segment from a job
// location such as "/jobs/<id>", matching how Manager.jobLocation builds it.
func jobIDFromLocation(location string) string {
	parts := strings.Split(location, "/")
	return parts[len(parts)-1]
}
