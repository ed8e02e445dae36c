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

// Package jobmanager is the core of the gateway: it owns the job state
// machine and composes the provider catalog, HTTP client, retry policy,
// status-derivation strategies, repository, and observers into the
// execute/poll/verify lifecycle described by the job orchestration
// subsystem.
package jobmanager

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/citysciencelab/ogc-gateway/internal/gwerr"
	"github.com/citysciencelab/ogc-gateway/internal/httpclient"
	"github.com/citysciencelab/ogc-gateway/internal/metrics"
	"github.com/citysciencelab/ogc-gateway/internal/model"
	"github.com/citysciencelab/ogc-gateway/internal/processid"
	"github.com/citysciencelab/ogc-gateway/internal/providers"
	"github.com/citysciencelab/ogc-gateway/internal/repo"
	"github.com/citysciencelab/ogc-gateway/internal/resultpub"
	"github.com/citysciencelab/ogc-gateway/internal/retry"
	"github.com/citysciencelab/ogc-gateway/internal/statusderive"
)

// Observer is the subset of observers.Observer JobManager depends on; it
// is redeclared here so this package does not import observers (which
// itself imports httpclient) purely for an interface name, and so tests
// can supply minimal fakes.
type Observer interface {
	OnJobCreated(ctx context.Context, job *model.Job, si model.JobStatusInfo)
	OnStatusChanged(ctx context.Context, job *model.Job, oldSI, newSI model.JobStatusInfo)
	OnJobCompleted(ctx context.Context, job *model.Job, finalSI model.JobStatusInfo)
}

// InputsStore is the inputs-storage port: bodies larger than the inline
// limit are written here and referenced by URL instead of embedded.
type InputsStore interface {
	Put(ctx context.Context, jobID string, body []byte) (url string, err error)
}

// Config controls size limits and timing the manager is not told by any
// one provider.
type Config struct {
	InlineInputsLimit int64          // default 64 KiB
	PollTimeout       *time.Duration // nil = unbounded (default); &0 = fail on first poll iteration
	PollMinInterval   time.Duration  // default 1s
	PollMaxInterval   time.Duration  // default 15s
	ShutdownGrace     time.Duration  // default 5s
	APIPrefix         string         // default "/"
}

func (c Config) withDefaults() Config {
	if c.InlineInputsLimit <= 0 {
		c.InlineInputsLimit = 64 * 1024
	}
	if c.PollMinInterval <= 0 {
		c.PollMinInterval = time.Second
	}
	if c.PollMaxInterval <= 0 || c.PollMaxInterval < c.PollMinInterval {
		c.PollMaxInterval = 15 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.APIPrefix == "" {
		c.APIPrefix = "/"
	}
	return c
}

// Manager is the JobManager core.
type Manager struct {
	cfg        Config
	repo       repo.JobRepository
	providers  providers.Port
	validator  processid.Validator
	http       httpclient.Client
	retrier    retry.Port
	observer   Observer
	strategies []statusderive.Strategy
	inputs     InputsStore
	results    resultpub.Port
	log        *slog.Logger
	now        func() time.Time
	newID      func() string

	mu       sync.Mutex
	tasks    map[string]context.CancelFunc
	wg       sync.WaitGroup
	shutdown bool
}

// Deps bundles Manager's collaborators.
type Deps struct {
	Repo       repo.JobRepository
	Providers  providers.Port
	Validator  processid.Validator
	HTTP       httpclient.Client
	Retrier    retry.Port
	Observer   Observer
	Strategies []statusderive.Strategy
	Inputs     InputsStore
	Results    resultpub.Port // optional; nil disables geoserver publication
	Log        *slog.Logger
}

// New builds a Manager ready to serve requests.
func New(cfg Config, d Deps) *Manager {
	if d.Validator == nil {
		d.Validator = processid.Default{}
	}
	if d.Strategies == nil {
		d.Strategies = statusderive.Default()
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Manager{
		cfg:        cfg.withDefaults(),
		repo:       d.Repo,
		providers:  d.Providers,
		validator:  d.Validator,
		http:       d.HTTP,
		retrier:    d.Retrier,
		observer:   d.Observer,
		strategies: d.Strategies,
		inputs:     d.Inputs,
		results:    d.Results,
		log:        d.Log,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.NewString() },
		tasks:      make(map[string]context.CancelFunc),
	}
}

// CreateResult is the shape create_and_forward returns to its HTTP caller.
type CreateResult struct {
	Location string
	Status   model.JobStatusInfo
}

// CreateAndForward resolves processID, creates a local job, forwards the
// execution body to the provider, derives and persists the initial
// status snapshot, and schedules polling if the job is not already
// terminal. It always returns the accepted snapshot as its body, per the
// fixed initial-response contract; callers observe derived state via
// GetJob.
func (m *Manager) CreateAndForward(ctx context.Context, qualifiedProcessID string, execBody json.RawMessage, headers http.Header, userID string) (CreateResult, error) {
	acceptStart := time.Now()
	defer func() { metrics.ObservePollPhase(metrics.PhaseAccept, time.Since(acceptStart)) }()

	if strings.TrimSpace(qualifiedProcessID) == "" {
		return CreateResult{}, gwerr.New(gwerr.InvalidUsage, "process id must not be empty")
	}

	provider, rawID, pd, pc, err := m.resolveProcess(qualifiedProcessID)
	if err != nil {
		return CreateResult{}, err
	}

	version := pc.Version
	hash := computeHash(execBody, version, userID)
	if pc.Deterministic {
		if existing, found, err := m.repo.FindByHash(ctx, hash, userID); err == nil && found {
			return CreateResult{
				Location: m.jobLocation(existing.ID),
				Status:   existing.StatusInfo,
			}, nil
		}
	}

	id := m.newID()
	now := m.now()
	job := model.NewJob(id, qualifiedProcessID, provider, userID, now)
	job.Hash = hash

	if err := m.attachInputs(ctx, job, execBody); err != nil {
		return CreateResult{}, err
	}

	if _, err := m.repo.Create(ctx, job); err != nil {
		return CreateResult{}, gwerr.Wrap(gwerr.InternalError, "create job", err)
	}

	accepted := m.acceptedSnapshot(job, qualifiedProcessID, now)
	if err := m.applyAndPersist(ctx, job, accepted); err != nil {
		return CreateResult{}, err
	}
	m.observer.OnJobCreated(ctx, job, accepted)

	result := CreateResult{Location: m.jobLocation(job.ID), Status: accepted}

	go m.forward(detach(ctx), job, pd, rawID, execBody, headers, qualifiedProcessID)

	return result, nil
}

// resolveProcess extracts the provider/raw id, falling back to a linear
// search across providers if the qualified form is absent.
func (m *Manager) resolveProcess(qualifiedProcessID string) (provider, rawID string, pd model.ProviderDescriptor, pc model.ProcessConfig, err error) {
	provider, rawID, ok := m.validator.Extract(qualifiedProcessID)
	if ok {
		pd, ok = m.providers.Resolve(provider)
		if !ok {
			return "", "", model.ProviderDescriptor{}, model.ProcessConfig{}, gwerr.New(gwerr.NotFound, "unknown provider "+provider)
		}
		pc, ok = pd.Process(rawID)
		if !ok {
			return "", "", model.ProviderDescriptor{}, model.ProcessConfig{}, gwerr.New(gwerr.NotFound, "unknown process "+qualifiedProcessID)
		}
		return provider, rawID, pd, pc, nil
	}

	var matches []string
	for _, cand := range m.providers.All() {
		if _, ok := cand.Process(qualifiedProcessID); ok {
			matches = append(matches, cand.Name)
		}
	}
	if len(matches) != 1 {
		return "", "", model.ProviderDescriptor{}, model.ProcessConfig{}, gwerr.New(gwerr.NotFound, "cannot resolve process "+qualifiedProcessID)
	}
	pd, _ = m.providers.Resolve(matches[0])
	pc, _ = pd.Process(qualifiedProcessID)
	return matches[0], qualifiedProcessID, pd, pc, nil
}

func (m *Manager) attachInputs(ctx context.Context, job *model.Job, execBody json.RawMessage) error {
	sum := sha256.Sum256(execBody)
	job.InputsChecksum = hex.EncodeToString(sum[:])
	job.InputsSize = int64(len(execBody))
	if int64(len(execBody)) <= m.cfg.InlineInputsLimit || m.inputs == nil {
		job.Inputs = execBody
		job.InputsStorage = model.InputsInline
		return nil
	}
	u, err := m.inputs.Put(ctx, job.ID, execBody)
	if err != nil {
		return gwerr.Wrap(gwerr.InternalError, "store large inputs", err)
	}
	job.InputsURL = u
	job.InputsStorage = model.InputsObject
	return nil
}

func (m *Manager) acceptedSnapshot(job *model.Job, processID string, now time.Time) model.JobStatusInfo {
	progress := 0
	return model.JobStatusInfo{
		JobID:     job.ID,
		Status:    model.StatusAccepted,
		Type:      "process",
		ProcessID: processID,
		Created:   &now,
		Updated:   &now,
		Progress:  &progress,
		Links:     []model.Link{m.selfLink(job.ID)},
	}
}

func (m *Manager) selfLink(jobID string) model.Link {
	return model.Link{Href: m.jobLocation(jobID), Rel: "self"}
}

func (m *Manager) resultsLink(jobID string) model.Link {
	return model.Link{Href: m.jobLocation(jobID) + "/results", Rel: "results"}
}

func (m *Manager) jobLocation(jobID string) string {
	return strings.TrimRight(m.cfg.APIPrefix, "/") + "/jobs/" + jobID
}

// forward runs the POST-and-derive step in the background so
// CreateAndForward can return immediately with the accepted snapshot.
func (m *Manager) forward(ctx context.Context, job *model.Job, pd model.ProviderDescriptor, rawID string, execBody json.RawMessage, headers http.Header, processID string) {
	execURL := pd.URL + "processes/" + rawID + "/execution"
	var resp *httpclient.Response
	attempts := 0
	err := m.retrier.Do(ctx, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			metrics.IncUpstreamRetry(metrics.OpExecute, job.Provider)
		}
		start := time.Now()
		r, e := m.http.Post(ctx, execURL, execBody, forwardHeaders(headers, pd), pd.Timeout)
		metrics.ObserveUpstreamRequest(metrics.OpExecute, job.Provider, respCode(r), time.Since(start))
		resp = r
		return e
	})
	if err != nil {
		m.failJob(ctx, job, "forward failed: "+err.Error(), gwerr.KindOf(err))
		return
	}

	derived := m.derive(ctx, job, pd, resp, processID)
	m.finishTransition(ctx, job, derived, pd)
}

// respCode turns a possibly-nil client response into the code label
// ObserveUpstreamRequest expects: the HTTP status, or -1 for a
// transport-level failure that produced no response at all.
func respCode(r *httpclient.Response) int {
	if r == nil {
		return -1
	}
	return r.Status
}

func (m *Manager) derive(ctx context.Context, job *model.Job, pd model.ProviderDescriptor, resp *httpclient.Response, processID string) statusderive.Result {
	deriveStart := time.Now()
	defer func() { metrics.ObservePollPhase(metrics.PhaseDerive, time.Since(deriveStart)) }()
	httpResp := &http.Response{StatusCode: resp.Status, Header: resp.Header}
	dctx := statusderive.Context{
		Job:          job,
		ProcessID:    processID,
		ProviderURL:  pd.URL,
		ProviderResp: httpResp,
		ProviderBody: resp.Body,
		AcceptedSI:   job.StatusInfo,
		Now:          m.now(),
		Follow: func(followURL string) (int, []byte, error) {
			start := time.Now()
			r, err := m.http.Get(ctx, followURL, nil, pd.Timeout)
			metrics.ObserveUpstreamRequest(metrics.OpFollowLocation, job.Provider, respCode(r), time.Since(start))
			if err != nil {
				return 0, nil, err
			}
			return r.Status, r.Body, nil
		},
	}
	return statusderive.Orchestrate(dctx, m.strategies)
}

// finishTransition applies a derived Result to the job: normalizes
// identifiers and links, persists the transition, and schedules polling
// or verifies immediate results as appropriate.
func (m *Manager) finishTransition(ctx context.Context, job *model.Job, derived statusderive.Result, pd model.ProviderDescriptor) {
	si := derived.StatusInfo
	si.JobID = job.ID
	si.ProcessID = job.ProcessID
	si.Links = m.normalizeLinks(job.ID, si.Links, si.Status == model.StatusSuccessful)

	old := job.StatusInfo
	if derived.RemoteJobID != "" {
		job.RemoteJobID = derived.RemoteJobID
	}
	job.RemoteStatusURL = derived.RemoteStatusURL
	if derived.Diagnostic != "" {
		job.Diagnostic = derived.Diagnostic
	}

	if err := m.applyAndPersist(ctx, job, si); err != nil {
		m.log.Error("apply derived status failed", "job_id", job.ID, "error", err)
		return
	}
	m.observer.OnStatusChanged(ctx, job, old, si)

	if si.Status == model.StatusSuccessful {
		m.verifyAndMaybeDowngrade(ctx, job, pd)
		return
	}
	if !si.Status.IsTerminal() && job.RemoteStatusURL != "" {
		m.schedulePoll(job.ID, pd)
		return
	}
	if si.Status.IsTerminal() {
		m.observer.OnJobCompleted(ctx, job, job.StatusInfo)
	}
}

// normalizeLinks drops any link pointing at a non-local host and ensures
// self (and, for terminal success, results) links are present. Provider
// identities never leak through exposed links.
func (m *Manager) normalizeLinks(jobID string, links []model.Link, successful bool) []model.Link {
	out := []model.Link{m.selfLink(jobID)}
	for _, l := range links {
		if isLocalHref(l.Href) && l.Rel != "self" && l.Rel != "results" {
			out = append(out, l)
		}
	}
	if successful {
		out = append(out, m.resultsLink(jobID))
	}
	return out
}

func isLocalHref(href string) bool {
	if strings.HasPrefix(href, "/") {
		return true
	}
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	return u.Host == ""
}

func (m *Manager) applyAndPersist(ctx context.Context, job *model.Job, si model.JobStatusInfo) error {
	if err := job.ApplyStatusInfo(si, m.now()); err != nil {
		return gwerr.Wrap(gwerr.InternalError, "apply status transition", err)
	}
	if _, err := m.repo.Update(ctx, job); err != nil {
		return gwerr.Wrap(gwerr.InternalError, "persist job", err)
	}
	if _, err := m.repo.AppendStatus(ctx, job.ID, si); err != nil {
		return gwerr.Wrap(gwerr.InternalError, "append status", err)
	}
	return nil
}

func (m *Manager) failJob(ctx context.Context, job *model.Job, diagnostic string, kind gwerr.Kind) {
	now := m.now()
	progress := job.LastProgress()
	si := model.JobStatusInfo{
		JobID:     job.ID,
		Status:    model.StatusFailed,
		Type:      "process",
		ProcessID: job.ProcessID,
		Message:   "Execution failed",
		Finished:  &now,
		Progress:  &progress,
		Links:     []model.Link{m.selfLink(job.ID)},
	}
	old := job.StatusInfo
	job.Diagnostic = diagnostic
	if err := m.applyAndPersist(ctx, job, si); err != nil {
		m.log.Error("fail job transition failed", "job_id", job.ID, "error", err)
		return
	}
	m.observer.OnStatusChanged(ctx, job, old, si)
	m.observer.OnJobCompleted(ctx, job, si)
}

// verifyAndMaybeDowngrade probes the provider's own results endpoint
// through the retry port; permanent failure downgrades the job to
// failed, stripping the results link. A failed result publication is
// recorded as a publication_failed event and leaves the job successful. The
// job's exposed results link is always local by the time this runs
// (normalizeLinks already ran in finishTransition/applyPollResult), so
// the probe target is reconstructed from remote_job_id instead of read
// off the snapshot.
func (m *Manager) verifyAndMaybeDowngrade(ctx context.Context, job *model.Job, pd model.ProviderDescriptor) {
	verifyStart := time.Now()
	defer func() { metrics.ObservePollPhase(metrics.PhaseVerify, time.Since(verifyStart)) }()
	url := m.remoteResultsURL(job)
	var body []byte
	err := m.retrier.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		r, e := m.http.Get(ctx, url, nil, pd.Timeout)
		metrics.ObserveUpstreamRequest(metrics.OpVerifyResults, job.Provider, respCode(r), time.Since(start))
		if e == nil {
			body = r.Body
		}
		return e
	})
	if err == nil {
		if perr := m.publishResult(ctx, job, body); perr != nil {
			payload, _ := json.Marshal("publish failed: " + perr.Error())
			_ = m.repo.AppendEvent(ctx, job.ID, model.JobEvent{
				Timestamp: m.now(),
				Kind:      model.EventPublicationFailed,
				Payload:   payload,
			})
		}
		m.observer.OnJobCompleted(ctx, job, job.StatusInfo)
		return
	}
	m.downgrade(ctx, job, "result verification failed: "+err.Error())
}

// publishResult ships a successful job's feature collection to its
// configured result store. A no-op unless the job's process declares
// result-storage: geoserver and a publisher is wired in.
func (m *Manager) publishResult(ctx context.Context, job *model.Job, body []byte) error {
	if m.results == nil || len(body) == 0 {
		return nil
	}
	_, _, _, pc, err := m.resolveProcess(job.ProcessID)
	if err != nil || pc.ResultStorage != model.ResultGeoserver {
		return nil
	}
	doc := json.RawMessage(body)
	if pc.ResultPath != "" {
		extracted, err := resultpub.ExtractByPath(doc, pc.ResultPath)
		if err != nil {
			return gwerr.Wrap(gwerr.PublicationFailed, "extract result path "+pc.ResultPath, err)
		}
		doc = extracted
	}
	start := time.Now()
	err = m.results.Publish(ctx, job.ID, doc)
	code := 200
	if err != nil {
		code = -1
	}
	metrics.ObserveUpstreamRequest(metrics.OpPublishResult, job.Provider, code, time.Since(start))
	return err
}

// downgrade fails out a job that reached a remote-success snapshot but
// could not be verified, stripping the results link.
func (m *Manager) downgrade(ctx context.Context, job *model.Job, diagnostic string) {
	now := m.now()
	progress := 100
	si := model.JobStatusInfo{
		JobID:     job.ID,
		Status:    model.StatusFailed,
		Type:      "process",
		ProcessID: job.ProcessID,
		Message:   "result fetch failed",
		Finished:  &now,
		Progress:  &progress,
		Links:     []model.Link{m.selfLink(job.ID)},
	}
	old := job.StatusInfo
	job.Diagnostic = diagnostic
	if aerr := m.applyAndPersist(ctx, job, si); aerr != nil {
		m.log.Error("verification downgrade failed", "job_id", job.ID, "error", aerr)
		return
	}
	m.observer.OnStatusChanged(ctx, job, old, si)
	m.observer.OnJobCompleted(ctx, job, si)
}

func findRel(links []model.Link, rel string) string {
	for _, l := range links {
		if l.Rel == rel {
			return l.Href
		}
	}
	return ""
}

// GetJob returns the stored job. Its StatusInfo links are already local
// and StatusInfo never carries inputs; the Job's own Inputs field is
// populated as stored.
func (m *Manager) GetJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.InternalError, "get job", err)
	}
	if job == nil {
		return nil, gwerr.New(gwerr.NotFound, "job not found: "+id)
	}
	return job, nil
}

// GetResults proxies to the remote results endpoint for a successful job.
func (m *Manager) GetResults(ctx context.Context, id string) (*httpclient.Response, error) {
	job, err := m.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.StatusSuccessful {
		return nil, gwerr.New(gwerr.NotFound, "result-not-ready")
	}
	link := findRel(job.StatusInfo.Links, "results")
	if link == "" {
		return nil, gwerr.New(gwerr.NotFound, "result-not-ready")
	}
	pd, _ := m.providers.Resolve(job.Provider)
	timeout := pd.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	var resp *httpclient.Response
	err = m.retrier.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		r, e := m.http.Get(ctx, m.remoteResultsURL(job), nil, timeout)
		metrics.ObserveUpstreamRequest(metrics.OpFetchResults, job.Provider, respCode(r), time.Since(start))
		resp = r
		return e
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// remoteResultsURL reconstructs the provider-side results URL from the
// job's remote identity. The gateway never persists the provider's own
// results href (only the local one is kept on the snapshot), so it is
// re-derived from remote_job_id and the provider base URL.
func (m *Manager) remoteResultsURL(job *model.Job) string {
	pd, _ := m.providers.Resolve(job.Provider)
	remoteID := job.RemoteJobID
	if remoteID == "" {
		remoteID = job.ID
	}
	return strings.TrimRight(pd.URL, "/") + "/jobs/" + remoteID + "/results"
}

// SchedulePollIfNeeded exposes the poll-task registry to external
// Scheduler callbacks (observers.PollingSchedulerObserver) that know
// only a job ID, by looking up its provider descriptor itself. A no-op
// if the job is unknown, already terminal, has no remote status URL, or
// already has a live poll task - schedulePoll is idempotent per job ID.
func (m *Manager) SchedulePollIfNeeded(jobID string) {
	job, err := m.repo.Get(context.Background(), jobID)
	if err != nil || job == nil || job.Status.IsTerminal() || job.RemoteStatusURL == "" {
		return
	}
	pd, ok := m.providers.Resolve(job.Provider)
	if !ok {
		return
	}
	m.schedulePoll(jobID, pd)
}

// Dismiss transitions a non-terminal job to dismissed, cancelling any
// live poll task for it first so the background loop never races the
// dismissal with a late-arriving status.
func (m *Manager) Dismiss(ctx context.Context, id string) error {
	job, err := m.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return gwerr.New(gwerr.InvalidUsage, "job already terminal")
	}

	m.mu.Lock()
	if cancel, ok := m.tasks[id]; ok {
		cancel()
	}
	m.mu.Unlock()

	now := m.now()
	si := job.StatusInfo
	si.Status = model.StatusDismissed
	si.Message = "dismissed by caller"
	si.Finished = &now
	si.Links = m.normalizeLinks(job.ID, si.Links, false)

	old := job.StatusInfo
	if err := m.applyAndPersist(ctx, job, si); err != nil {
		return err
	}
	m.observer.OnStatusChanged(ctx, job, old, si)
	m.observer.OnJobCompleted(ctx, job, si)
	return nil
}

// Shutdown cancels every live poll task and waits up to the configured
// grace period for them to exit. Calling Shutdown twice is a no-op on
// the second call.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	for _, cancel := range m.tasks {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownGrace):
		m.log.Warn("jobmanager: shutdown grace period exceeded, poll tasks may still be running")
	case <-ctx.Done():
	}
}

func computeHash(execBody json.RawMessage, version, userID string) string {
	canon := canonicalJSON(execBody)
	h := sha512.New()
	h.Write(canon)
	h.Write([]byte(version))
	h.Write([]byte(userID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-encodes body with lexicographically sorted object keys
// and no insignificant whitespace, per the idempotency key definition.
func canonicalJSON(body []byte) []byte {
	if len(body) == 0 {
		return []byte("null")
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return body
	}
	var buf strings.Builder
	writeCanonical(&buf, v)
	return []byte(buf.String())
}

func writeCanonical(buf *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			writeCanonical(buf, t[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, e)
		}
		buf.WriteByte(']')
	default:
		b, _ := json.Marshal(t)
		buf.Write(b)
	}
}

func forwardHeaders(h http.Header, pd model.ProviderDescriptor) http.Header {
	out := make(http.Header, len(h)+1)
	if v := h.Get("Prefer"); v != "" {
		out.Set("Prefer", v)
	}
	applyAuth(out, pd.Auth)
	return out
}

func applyAuth(h http.Header, auth model.ProviderAuth) {
	switch auth.Kind {
	case model.AuthBasic:
		token := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		h.Set("Authorization", "Basic "+token)
	case model.AuthAPIKey:
		name := auth.Header
		if name == "" {
			name = "X-Api-Key"
		}
		h.Set(name, auth.APIKey)
	case model.AuthBearer:
		h.Set("Authorization", "Bearer "+auth.Token)
	}
}

// detach returns a context that carries no deadline from its parent but
// keeps going after an HTTP handler returns; forwarding and polling must
// outlive the request that triggered them. A fresh background context is
// used rather than context.WithoutCancel (Go 1.21+) so intent is
// explicit at every call site.
func detach(_ context.Context) context.Context {
	return context.Background()
}
