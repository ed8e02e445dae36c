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

package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/citysciencelab/ogc-gateway/internal/gwerr"
	"github.com/citysciencelab/ogc-gateway/internal/model"
	"github.com/citysciencelab/ogc-gateway/internal/repo"
)

func (a *API) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	entries, err := a.Processes.ListAll(r.Context(), subjectFrom(r))
	if err != nil {
		writeException(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processes": entries})
}

func (a *API) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	desc, err := a.Processes.Get(r.Context(), id, subjectFrom(r))
	if err != nil {
		writeException(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (a *API) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, err := io.ReadAll(io.LimitReader(r.Body, 16*1024*1024))
	if err != nil {
		writeException(w, gwerr.Wrap(gwerr.InvalidUsage, "read execution body", err), r.URL.Path)
		return
	}
	subject := subjectFrom(r)
	desc, err := a.Processes.Get(r.Context(), id, subject)
	var schema map[string]any
	if err == nil {
		schema = desc.Inputs
	}
	result, err := a.Processes.Execute(r.Context(), a.Jobs, id, body, r.Header, subject, schema)
	if err != nil {
		writeException(w, err, r.URL.Path)
		return
	}
	w.Header().Set("Location", result.Location)
	writeJSON(w, http.StatusCreated, result.Status)
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	subject := subjectFrom(r)
	page, limit := parsePageLimit(r)
	filter := repo.ListFilter{
		ProcessID: r.URL.Query().Get("processID"),
		Status:    model.JobStatus(r.URL.Query().Get("status")),
		UserID:    subject.UserID,
		Page:      page,
		Limit:     limit,
	}
	jobs, total, err := a.Repo.List(r.Context(), filter)
	if err != nil {
		writeException(w, err, r.URL.Path)
		return
	}
	snapshots := make([]model.JobStatusInfo, 0, len(jobs))
	for _, j := range jobs {
		snapshots = append(snapshots, j.StatusInfo)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":        snapshots,
		"links":       []model.Link{{Href: r.URL.Path, Rel: "self"}},
		"total_count": total,
	})
}

// requireJobAccess enforces per-job visibility: the owner, anyone the
// job was shared with, and the admin role may see it. Returns false
// after writing the exception response.
func (a *API) requireJobAccess(w http.ResponseWriter, r *http.Request, jobID string) bool {
	subject := subjectFrom(r)
	if subject.HasRole("admin") {
		return true
	}
	ok, err := a.Repo.CanView(r.Context(), jobID, subject.UserID)
	if err != nil {
		writeException(w, err, r.URL.Path)
		return false
	}
	if !ok {
		writeException(w, gwerr.New(gwerr.NotAuthorized, "no access to job "+jobID), r.URL.Path)
		return false
	}
	return true
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := a.Jobs.GetJob(r.Context(), id)
	if err != nil {
		writeException(w, err, r.URL.Path)
		return
	}
	if !a.requireJobAccess(w, r, id) {
		return
	}
	writeJSON(w, http.StatusOK, job.StatusInfo)
}

func (a *API) handleGetResults(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.Jobs.GetJob(r.Context(), id); err != nil {
		writeException(w, err, r.URL.Path)
		return
	}
	if !a.requireJobAccess(w, r, id) {
		return
	}
	resp, err := a.Jobs.GetResults(r.Context(), id)
	if err != nil {
		writeException(w, err, r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}

func (a *API) handleDismissJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.Jobs.GetJob(r.Context(), id); err != nil {
		writeException(w, err, r.URL.Path)
		return
	}
	if !a.requireJobAccess(w, r, id) {
		return
	}
	if err := a.Jobs.Dismiss(r.Context(), id); err != nil {
		writeException(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

func (a *API) handleAddComment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	subject := subjectFrom(r)
	var body struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeException(w, gwerr.Wrap(gwerr.InvalidUsage, "decode comment body", err), r.URL.Path)
		return
	}
	if !a.requireJobAccess(w, r, id) {
		return
	}
	comment, err := a.Repo.AddComment(r.Context(), id, subject.UserID, body.Body)
	if err != nil {
		writeException(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (a *API) handleListComments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.requireJobAccess(w, r, id) {
		return
	}
	comments, err := a.Repo.ListComments(r.Context(), id)
	if err != nil {
		writeException(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (a *API) handleShareJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	subject := subjectFrom(r)
	var body struct {
		UserID string `json:"userID"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeException(w, gwerr.Wrap(gwerr.InvalidUsage, "decode share request", err), r.URL.Path)
		return
	}
	if err := a.Repo.ShareWith(r.Context(), id, subject.UserID, body.UserID); err != nil {
		writeException(w, err, r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreateEnsemble(w http.ResponseWriter, r *http.Request) {
	subject := subjectFrom(r)
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeException(w, gwerr.New(gwerr.InvalidUsage, "name is required"), r.URL.Path)
		return
	}
	ens, err := a.Repo.CreateEnsemble(r.Context(), body.Name, subject.UserID)
	if err != nil {
		writeException(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, ens)
}

func (a *API) handleAttachEnsembleJob(w http.ResponseWriter, r *http.Request) {
	ensembleID := r.PathValue("id")
	var body struct {
		JobID string `json:"jobID"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.JobID == "" {
		writeException(w, gwerr.New(gwerr.InvalidUsage, "jobID is required"), r.URL.Path)
		return
	}
	if err := a.Repo.AttachJobToEnsemble(r.Context(), ensembleID, body.JobID); err != nil {
		writeException(w, err, r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetEnsemble(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ens, err := a.Repo.GetEnsemble(r.Context(), id)
	if err != nil {
		writeException(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, ens)
}
