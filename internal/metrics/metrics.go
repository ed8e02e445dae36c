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

// Package metrics exposes Prometheus counters and histograms for the
// gateway's upstream calls and job lifecycle, grouped under the
// "gateway" namespace.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	upstreamRequests        *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec
	upstreamRetries         *prometheus.CounterVec
	pollPhaseDuration       *prometheus.HistogramVec
	jobsCreated             *prometheus.CounterVec
	jobsTerminal            *prometheus.CounterVec
	activePolls             prometheus.Gauge
)

// Named operations used as the "op" label on upstream request metrics.
const (
	OpListProcesses  = "list_processes"
	OpGetProcess     = "get_process"
	OpExecute        = "execute"
	OpPollStatus     = "poll_status"
	OpFollowLocation = "follow_location"
	OpFetchResults   = "fetch_results"
	OpPublishResult  = "publish_result"
	OpVerifyResults  = "verify_results"
)

// Named phases used as the "phase" label on pollPhaseDuration.
const (
	PhaseAccept = "accept"
	PhaseDerive = "derive"
	PhasePoll   = "poll"
	PhaseVerify = "verify"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Used by tests
// to ensure clean state between runs.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveUpstreamRequest records a completed upstream HTTP request
// attempt against a provider. code should be the HTTP status code; use
// a negative value to indicate a transport-level error.
func ObserveUpstreamRequest(op, provider string, code int, duration time.Duration) {
	labelOp := sanitizeLabel(op, "unknown")
	labelProvider := sanitizeLabel(provider, "unknown")
	status := "error"
	if code >= 0 {
		status = strconv.Itoa(code)
	}

	mu.RLock()
	defer mu.RUnlock()
	if upstreamRequests != nil {
		upstreamRequests.WithLabelValues(labelOp, status, labelProvider).Inc()
	}
	if upstreamRequestDuration != nil {
		upstreamRequestDuration.WithLabelValues(labelOp, labelProvider).Observe(durationSeconds(duration))
	}
}

// IncUpstreamRetry increments the retry counter for a given upstream
// operation and provider.
func IncUpstreamRetry(op, provider string) {
	labelOp := sanitizeLabel(op, "unknown")
	labelProvider := sanitizeLabel(provider, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if upstreamRetries != nil {
		upstreamRetries.WithLabelValues(labelOp, labelProvider).Inc()
	}
}

// ObservePollPhase records the duration of a job-lifecycle phase
// (accept/derive/poll/verify).
func ObservePollPhase(phase string, duration time.Duration) {
	labelPhase := sanitizeLabel(phase, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if pollPhaseDuration != nil {
		pollPhaseDuration.WithLabelValues(labelPhase).Observe(durationSeconds(duration))
	}
}

// IncJobCreated increments the jobs-created counter for provider.
func IncJobCreated(provider string) {
	labelProvider := sanitizeLabel(provider, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if jobsCreated != nil {
		jobsCreated.WithLabelValues(labelProvider).Inc()
	}
}

// IncJobTerminal increments the terminal-status counter for provider,
// grouped by the job's final status.
func IncJobTerminal(provider, status string) {
	labelProvider := sanitizeLabel(provider, "unknown")
	labelStatus := sanitizeLabel(status, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if jobsTerminal != nil {
		jobsTerminal.WithLabelValues(labelProvider, labelStatus).Inc()
	}
}

// SetActivePolls reports the current number of live background poll
// loops.
func SetActivePolls(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if activePolls != nil {
		activePolls.Set(float64(n))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Total upstream HTTP requests grouped by operation, status code, and provider.",
	}, []string{"op", "code", "provider"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Duration of upstream HTTP requests by operation and provider.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"op", "provider"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "upstream",
		Name:      "retries_total",
		Help:      "Total number of upstream retries by operation and provider.",
	}, []string{"op", "provider"})

	phaseHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "jobs",
		Name:      "phase_duration_seconds",
		Help:      "Duration of job lifecycle phases (accept, derive, poll, verify).",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"phase"})

	created := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "jobs",
		Name:      "created_total",
		Help:      "Total jobs created, by provider.",
	}, []string{"provider"})

	terminal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "jobs",
		Name:      "terminal_total",
		Help:      "Total jobs reaching a terminal status, by provider and status.",
	}, []string{"provider", "status"})

	polls := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "jobs",
		Name:      "active_polls",
		Help:      "Current number of live background poll loops.",
	})

	registry.MustRegister(reqTotal, reqDuration, retries, phaseHist, created, terminal, polls)

	reg = registry
	upstreamRequests = reqTotal
	upstreamRequestDuration = reqDuration
	upstreamRetries = retries
	pollPhaseDuration = phaseHist
	jobsCreated = created
	jobsTerminal = terminal
	activePolls = polls
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '.' || r == ':':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
