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

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestExpositionCarriesRecordedSamples(t *testing.T) {
	Reset()
	ObserveUpstreamRequest(OpExecute, "prov", 201, 50*time.Millisecond)
	ObserveUpstreamRequest(OpPollStatus, "prov", -1, 10*time.Millisecond)
	IncUpstreamRetry(OpExecute, "prov")
	IncJobCreated("prov")
	IncJobTerminal("prov", "successful")
	SetActivePolls(3)
	ObservePollPhase(PhasePoll, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("exposition status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`gateway_upstream_requests_total{code="201",op="execute",provider="prov"} 1`,
		`gateway_upstream_requests_total{code="error",op="poll_status",provider="prov"} 1`,
		`gateway_upstream_retries_total{op="execute",provider="prov"} 1`,
		`gateway_jobs_created_total{provider="prov"} 1`,
		`gateway_jobs_terminal_total{provider="prov",status="successful"} 1`,
		`gateway_jobs_active_polls 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q\n%s", want, body)
		}
	}
}

func TestSanitizeLabel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"prov", "prov"},
		{"Prov Name!", "prov_name_"},
		{"", "unknown"},
		{"  spaced  ", "spaced"},
		{"prov:echo", "prov:echo"},
	}
	for _, tt := range tests {
		if got := sanitizeLabel(tt.in, "unknown"); got != tt.want {
			t.Fatalf("sanitizeLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
