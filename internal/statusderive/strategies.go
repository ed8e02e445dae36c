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

package statusderive

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/citysciencelab/ogc-gateway/internal/model"
)

// DirectStatusInfo is S1: the provider body already carries a complete
// JobStatusInfo-shaped object.
type DirectStatusInfo struct{}

func (DirectStatusInfo) CanHandle(ctx Context) bool {
	obj, ok := parseBody(ctx.ProviderBody)
	if !ok {
		return false
	}
	if !hasRequiredFields(obj) {
		return false
	}
	// S1 also matches when outputs is present alongside the required
	// fields; it only defers to S2 when outputs is present WITHOUT them.
	return true
}

func (DirectStatusInfo) Derive(ctx Context) Result {
	obj, _ := parseBody(ctx.ProviderBody)
	si := model.JobStatusInfo{
		JobID:     stringField(obj, "jobID"),
		Status:    model.JobStatus(stringField(obj, "status")),
		Type:      "process",
		ProcessID: ctx.ProcessID,
		Message:   stringField(obj, "message"),
	}
	if p, ok := intField(obj, "progress"); ok {
		si.Progress = &p
	}

	var remoteStatusURL string
	if loc := ctx.ProviderResp.Header.Get("Location"); loc != "" {
		remoteStatusURL = resolveAgainst(ctx.ProviderURL, loc)
	} else if si.JobID != "" && si.JobID != ctx.Job.ID {
		remoteStatusURL = strings.TrimRight(ctx.ProviderURL, "/") + "/jobs/" + si.JobID + "?f=json"
	}

	return Result{
		StatusInfo:      si,
		RemoteStatusURL: remoteStatusURL,
		RemoteJobID:     si.JobID,
	}
}

// ImmediateResults is S2: the provider returned outputs directly, with no
// statusInfo shape at all - treat the job as already successful.
type ImmediateResults struct{}

func (ImmediateResults) CanHandle(ctx Context) bool {
	obj, ok := parseBody(ctx.ProviderBody)
	if !ok {
		return false
	}
	_, hasOutputs := obj["outputs"]
	return hasOutputs && !hasRequiredFields(obj)
}

func (ImmediateResults) Derive(ctx Context) Result {
	progress := 100
	finished := ctx.Now
	started := ctx.AcceptedSI.Created
	si := model.JobStatusInfo{
		JobID:     ctx.Job.ID,
		Status:    model.StatusSuccessful,
		Type:      "process",
		ProcessID: ctx.ProcessID,
		Message:   "Completed (immediate results)",
		Started:   started,
		Finished:  &finished,
		Progress:  &progress,
	}
	return Result{StatusInfo: si}
}

// LocationFollowup is S3: the body lacks the required fields but a
// Location header points at where the real status document lives.
type LocationFollowup struct{}

func (LocationFollowup) CanHandle(ctx Context) bool {
	obj, ok := parseBody(ctx.ProviderBody)
	if ok && hasRequiredFields(obj) {
		return false
	}
	return ctx.ProviderResp.Header.Get("Location") != ""
}

func (LocationFollowup) Derive(ctx Context) Result {
	loc := resolveAgainst(ctx.ProviderURL, ctx.ProviderResp.Header.Get("Location"))
	if ctx.Follow == nil {
		return failedResult(ctx, fmt.Sprintf("location_followup_failed: %s reason=no-follow-capability", loc))
	}
	status, body, err := ctx.Follow(loc)
	if err != nil {
		return failedResult(ctx, fmt.Sprintf("location_followup_failed: %s reason=%v", loc, err))
	}
	obj, ok := parseBody(body)
	if !ok || !hasRequiredFields(obj) {
		return failedResult(ctx, fmt.Sprintf("location_followup_failed: %s reason=malformed-body status=%d", loc, status))
	}
	si := model.JobStatusInfo{
		JobID:     stringField(obj, "jobID"),
		Status:    model.JobStatus(stringField(obj, "status")),
		Type:      "process",
		ProcessID: ctx.ProcessID,
		Message:   stringField(obj, "message"),
	}
	if p, ok := intField(obj, "progress"); ok {
		si.Progress = &p
	}
	return Result{
		StatusInfo:      si,
		RemoteStatusURL: loc,
		RemoteJobID:     si.JobID,
	}
}

// FallbackFailed is S4: the terminal catch-all. CanHandle is always true.
type FallbackFailed struct{}

func (FallbackFailed) CanHandle(ctx Context) bool { return true }

func (FallbackFailed) Derive(ctx Context) Result {
	bodyType := "object"
	if _, ok := parseBody(ctx.ProviderBody); !ok {
		bodyType = "non-json"
	}
	status := 0
	if ctx.ProviderResp != nil {
		status = ctx.ProviderResp.StatusCode
	}
	return failedResult(ctx, fmt.Sprintf("provider_status=%d body_type=%s", status, bodyType))
}

func (FallbackFailed) deriveWithReason(ctx Context, reason string) Result {
	return failedResult(ctx, reason)
}

func failedResult(ctx Context, diagnostic string) Result {
	finished := ctx.Now
	si := model.JobStatusInfo{
		JobID:     ctx.Job.ID,
		Status:    model.StatusFailed,
		Type:      "process",
		ProcessID: ctx.ProcessID,
		Message:   "Execution failed",
		Finished:  &finished,
	}
	return Result{StatusInfo: si, Diagnostic: diagnostic}
}

func resolveAgainst(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func stringField(obj map[string]any, key string) string {
	if v, ok := obj[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func intField(obj map[string]any, key string) (int, bool) {
	if v, ok := obj[key]; ok {
		if f, ok := v.(float64); ok {
			return int(f), true
		}
	}
	return 0, false
}
