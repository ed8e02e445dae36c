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

// Package processmanager aggregates the federated process catalog and
// resolves per-process descriptions, delegating execution to the job
// manager. It never owns job state itself.
package processmanager

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/citysciencelab/ogc-gateway/internal/gwerr"
	"github.com/citysciencelab/ogc-gateway/internal/httpclient"
	"github.com/citysciencelab/ogc-gateway/internal/identity"
	"github.com/citysciencelab/ogc-gateway/internal/jobmanager"
	"github.com/citysciencelab/ogc-gateway/internal/metrics"
	"github.com/citysciencelab/ogc-gateway/internal/model"
	"github.com/citysciencelab/ogc-gateway/internal/processid"
	"github.com/citysciencelab/ogc-gateway/internal/providers"
)

// Executor is the subset of jobmanager.Manager ProcessManager delegates
// execution to.
type Executor interface {
	CreateAndForward(ctx context.Context, processID string, execBody json.RawMessage, headers http.Header, userID string) (jobmanager.CreateResult, error)
}

// ProcessDescription is the remote process description returned by
// Get, with links already rewritten to local form.
type ProcessDescription struct {
	ID          string         `json:"id"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Version     string         `json:"version,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Links       []model.Link   `json:"links,omitempty"`
}

type cacheEntry struct {
	entries  []CatalogEntry
	expireAt time.Time
}

type CatalogEntry struct {
	ID    string       `json:"id"`
	Title string       `json:"title,omitempty"`
	Links []model.Link `json:"links,omitempty"`
}

// Manager is the ProcessManager core.
type Manager struct {
	providers providers.Port
	http      httpclient.Client
	validator processid.Validator
	apiPrefix string
	ttl       time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New builds a Manager with a default 5 minute per-provider catalog TTL.
func New(p providers.Port, client httpclient.Client, apiPrefix string) *Manager {
	return &Manager{
		providers: p,
		http:      client,
		validator: processid.Default{},
		apiPrefix: apiPrefix,
		ttl:       5 * time.Minute,
		cache:     make(map[string]cacheEntry),
	}
}

// ListAll fetches every configured provider's process catalog in
// parallel, skips excluded processes, prefixes each id with the
// provider's name, and aggregates the result.
func (m *Manager) ListAll(ctx context.Context, subject identity.Subject) ([]CatalogEntry, error) {
	all := m.providers.All()
	type result struct {
		entries []CatalogEntry
		err     error
	}
	results := make(chan result, len(all))
	var wg sync.WaitGroup
	for _, pd := range all {
		wg.Add(1)
		go func(pd model.ProviderDescriptor) {
			defer wg.Done()
			entries, err := m.listProvider(ctx, pd)
			results <- result{entries: entries, err: err}
		}(pd)
	}
	go func() { wg.Wait(); close(results) }()

	var out []CatalogEntry
	for r := range results {
		if r.err != nil {
			continue
		}
		out = append(out, r.entries...)
	}
	return out, nil
}

func (m *Manager) listProvider(ctx context.Context, pd model.ProviderDescriptor) ([]CatalogEntry, error) {
	m.mu.Lock()
	cached, ok := m.cache[pd.Name]
	m.mu.Unlock()
	if ok && time.Now().Before(cached.expireAt) {
		return cached.entries, nil
	}

	start := time.Now()
	resp, err := m.http.Get(ctx, pd.URL+"processes", nil, pd.Timeout)
	metrics.ObserveUpstreamRequest(metrics.OpListProcesses, pd.Name, responseCode(resp), time.Since(start))
	if err != nil {
		return nil, err
	}
	var body struct {
		Processes []CatalogEntry `json:"processes"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, gwerr.Wrap(gwerr.UpstreamContentError, pd.Name, err)
	}

	var out []CatalogEntry
	for _, e := range body.Processes {
		pc, known := pd.Process(e.ID)
		if known && pc.Excluded {
			continue
		}
		out = append(out, CatalogEntry{
			ID:    m.validator.Join(pd.Name, e.ID),
			Title: e.Title,
		})
	}

	m.mu.Lock()
	m.cache[pd.Name] = cacheEntry{entries: out, expireAt: time.Now().Add(m.ttl)}
	m.mu.Unlock()
	return out, nil
}

// Get resolves processID, checks the caller's authorization for
// non-anonymous processes, fetches the remote description, and rewrites
// its links to local form.
func (m *Manager) Get(ctx context.Context, processID string, subject identity.Subject) (ProcessDescription, error) {
	provider, rawID, ok := m.validator.Extract(processID)
	if !ok {
		return ProcessDescription{}, gwerr.New(gwerr.NotFound, "process id must be qualified as provider:id")
	}
	pd, ok := m.providers.Resolve(provider)
	if !ok {
		return ProcessDescription{}, gwerr.New(gwerr.NotFound, "unknown provider "+provider)
	}
	pc, ok := pd.Process(rawID)
	if !ok {
		return ProcessDescription{}, gwerr.New(gwerr.NotFound, "unknown process "+processID)
	}
	if !pc.AnonymousAccess {
		if !subject.HasRole(provider) && !subject.HasRole(provider+"_"+rawID) {
			return ProcessDescription{}, gwerr.New(gwerr.NotAuthorized, "caller lacks role for "+processID)
		}
	}

	start := time.Now()
	resp, err := m.http.Get(ctx, pd.URL+"processes/"+rawID, nil, pd.Timeout)
	metrics.ObserveUpstreamRequest(metrics.OpGetProcess, pd.Name, responseCode(resp), time.Since(start))
	if err != nil {
		return ProcessDescription{}, err
	}
	var desc ProcessDescription
	if err := json.Unmarshal(resp.Body, &desc); err != nil {
		return ProcessDescription{}, gwerr.Wrap(gwerr.UpstreamContentError, processID, err)
	}
	desc.ID = processID
	desc.Links = m.localLinks()
	return desc, nil
}

func responseCode(r *httpclient.Response) int {
	if r == nil {
		return -1
	}
	return r.Status
}

func (m *Manager) localLinks() []model.Link {
	return []model.Link{{Href: strings.TrimRight(m.apiPrefix, "/") + "/processes", Rel: "self"}}
}

// Execute validates execBody's inputs against the schema embedded in the
// resolved process description and delegates to the job manager.
func (m *Manager) Execute(ctx context.Context, exec Executor, processID string, execBody json.RawMessage, headers http.Header, subject identity.Subject, schema map[string]any) (jobmanager.CreateResult, error) {
	if err := ValidateInputs(execBody, schema); err != nil {
		return jobmanager.CreateResult{}, err
	}
	return exec.CreateAndForward(ctx, processID, execBody, headers, subject.UserID)
}
