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

// Package httpapi wires the job orchestration subsystem to a stdlib
// net/http.ServeMux, translating gwerr.Kind into the OGC exception
// document shape and HTTP status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"github.com/citysciencelab/ogc-gateway/internal/ctxkeys"
	"github.com/citysciencelab/ogc-gateway/internal/gwerr"
	"github.com/citysciencelab/ogc-gateway/internal/identity"
	"github.com/citysciencelab/ogc-gateway/internal/jobmanager"
	"github.com/citysciencelab/ogc-gateway/internal/metrics"
	"github.com/citysciencelab/ogc-gateway/internal/model"
	"github.com/citysciencelab/ogc-gateway/internal/processmanager"
	"github.com/citysciencelab/ogc-gateway/internal/repo"
)

// JobRepo is the subset of repo.JobRepository the HTTP layer reads
// directly (listing, sharing, comments, ensembles, readiness).
type JobRepo interface {
	List(ctx context.Context, filter repo.ListFilter) ([]*model.Job, int, error)
	CanView(ctx context.Context, jobID, userID string) (bool, error)
	AddComment(ctx context.Context, jobID, userID, body string) (repo.Comment, error)
	ListComments(ctx context.Context, jobID string) ([]repo.Comment, error)
	ShareWith(ctx context.Context, jobID, ownerID, withUserID string) error
	CreateEnsemble(ctx context.Context, name, userID string) (repo.Ensemble, error)
	AttachJobToEnsemble(ctx context.Context, ensembleID, jobID string) error
	GetEnsemble(ctx context.Context, ensembleID string) (repo.Ensemble, error)
	Ping(ctx context.Context) error
}

// API is the HTTP layer, composing the job manager, process catalog
// manager, and repository reads behind one ServeMux. A nil Verifier
// (dev mode) treats every request as Anonymous.
type API struct {
	Jobs      *jobmanager.Manager
	Processes *processmanager.Manager
	Repo      JobRepo
	Verifier  identity.Verifier
	Log       *slog.Logger
	RateLimit int // requests/minute per caller; 0 disables rate limiting
}

// exception is the OGC API exception document shape.
type exception struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// Router builds the complete HTTP surface on a fresh ServeMux.
func (a *API) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /processes", a.handleListProcesses)
	mux.HandleFunc("GET /processes/{id}", a.handleGetProcess)
	mux.HandleFunc("POST /processes/{id}/execution", a.handleExecute)
	mux.HandleFunc("GET /jobs", a.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", a.handleGetJob)
	mux.HandleFunc("GET /jobs/{id}/results", a.handleGetResults)
	mux.HandleFunc("DELETE /jobs/{id}", a.handleDismissJob)
	mux.HandleFunc("POST /jobs/{id}/comments", a.handleAddComment)
	mux.HandleFunc("GET /jobs/{id}/comments", a.handleListComments)
	mux.HandleFunc("POST /jobs/{id}/share", a.handleShareJob)
	mux.HandleFunc("POST /ensembles", a.handleCreateEnsemble)
	mux.HandleFunc("POST /ensembles/{id}/jobs", a.handleAttachEnsembleJob)
	mux.HandleFunc("GET /ensembles/{id}", a.handleGetEnsemble)
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)
	mux.Handle("GET /metrics", metrics.Handler())

	var h http.Handler = mux
	if a.RateLimit > 0 {
		h = httprate.LimitByIP(a.RateLimit, time.Minute)(h)
	}
	return a.withCorrelation(a.withSubject(h))
}

// withCorrelation ensures every request carries a correlation id (reusing
// one supplied via X-Correlation-ID, generating one otherwise), echoes it
// back on the response, and stashes it in the context so log lines for
// one request can be grepped together across the job lifecycle.
func (a *API) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Correlation-ID"); id != "" {
			ctx = ctxkeys.WithCorrelationID(ctx, id)
		} else {
			ctx, _ = ctxkeys.EnsureCorrelationID(ctx)
		}
		w.Header().Set("X-Correlation-ID", ctxkeys.GetCorrelationID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withSubject resolves the Authorization header into a Subject and
// stashes it in the request context for handlers to read.
func (a *API) withSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := identity.Anonymous
		if bearer := r.Header.Get("Authorization"); bearer != "" && a.Verifier != nil {
			s, err := a.Verifier.Verify(r.Context(), bearer)
			if err != nil {
				a.logWithCorrelation(r.Context()).Warn("rejected bearer token", "error", err)
				writeException(w, gwerr.New(gwerr.NotAuthorized, "invalid bearer token"), r.URL.Path)
				return
			}
			subject = s
		}
		ctx := context.WithValue(r.Context(), ctxkeys.Subject, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logWithCorrelation returns a's logger bound with the request's
// correlation id, or the plain logger if none was established.
func (a *API) logWithCorrelation(ctx context.Context) *slog.Logger {
	log := a.Log
	if log == nil {
		log = slog.Default()
	}
	if id := ctxkeys.GetCorrelationID(ctx); id != "" {
		return log.With("correlation_id", id)
	}
	return log
}

func subjectFrom(r *http.Request) identity.Subject {
	if s, ok := r.Context().Value(ctxkeys.Subject).(identity.Subject); ok {
		return s
	}
	return identity.Anonymous
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeException(w http.ResponseWriter, err error, instance string) {
	kind := gwerr.KindOf(err)
	status := gwerr.HTTPStatus(kind)
	writeJSON(w, status, exception{
		Type:     string(kind),
		Title:    strings.ReplaceAll(string(kind), "-", " "),
		Status:   status,
		Detail:   err.Error(),
		Instance: instance,
	})
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := a.Repo.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not-ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func parsePageLimit(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	return
}
