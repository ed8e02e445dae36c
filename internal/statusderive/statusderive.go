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

// Package statusderive turns a heterogeneous provider HTTP response into a
// normalized model.JobStatusInfo. Strategies are tried in a fixed order;
// the first whose CanHandle matches wins.
package statusderive

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/citysciencelab/ogc-gateway/internal/model"
)

// Context is everything a Strategy needs to classify and derive a
// snapshot from one provider response.
type Context struct {
	Job          *model.Job
	ProcessID    string
	ProviderURL  string // base URL, trailing slash
	ProviderResp *http.Response
	ProviderBody []byte
	AcceptedSI   model.JobStatusInfo
	Now          time.Time

	// Follow resolves a GET against an absolute URL, used by
	// LocationFollowup for its single auxiliary request. Returns the
	// response status, body and an error.
	Follow func(url string) (status int, body []byte, err error)
}

// Result is what a Strategy derives from a Context.
type Result struct {
	StatusInfo      model.JobStatusInfo
	RemoteStatusURL string
	RemoteJobID     string
	Diagnostic      string
}

// Strategy classifies and derives a Result from a Context.
type Strategy interface {
	CanHandle(ctx Context) bool
	Derive(ctx Context) Result
}

// hasRequiredFields reports whether obj carries the OGC JobStatusInfo
// fields that must be present for a body to be treated as a direct
// status document.
func hasRequiredFields(obj map[string]any) bool {
	_, hasJobID := obj["jobID"]
	_, hasStatus := obj["status"]
	_, hasType := obj["type"]
	return hasJobID && hasStatus && hasType
}

func parseBody(body []byte) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// Orchestrate runs the fixed S1->S2->S3->S4 strategy chain and returns
// the first match's Result.
func Orchestrate(ctx Context, strategies []Strategy) Result {
	for _, s := range strategies {
		if s.CanHandle(ctx) {
			return s.Derive(ctx)
		}
	}
	return fallback(ctx, "no strategy matched")
}

// Default returns the canonical ordered strategy chain: S1, S2, S3, S4.
func Default() []Strategy {
	return []Strategy{
		DirectStatusInfo{},
		ImmediateResults{},
		LocationFollowup{},
		FallbackFailed{},
	}
}

func fallback(ctx Context, reason string) Result {
	return FallbackFailed{}.deriveWithReason(ctx, reason)
}
