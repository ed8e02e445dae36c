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

package observers

import (
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/citysciencelab/ogc-gateway/internal/httpclient"
	"github.com/citysciencelab/ogc-gateway/internal/model"
)

type panickingObserver struct{}

func (panickingObserver) OnJobCreated(context.Context, *model.Job, model.JobStatusInfo) {
	panic("boom")
}
func (panickingObserver) OnStatusChanged(context.Context, *model.Job, model.JobStatusInfo, model.JobStatusInfo) {
	panic("boom")
}
func (panickingObserver) OnJobCompleted(context.Context, *model.Job, model.JobStatusInfo) {
	panic("boom")
}

type countingObserver struct {
	created, changed, completed int
}

func (c *countingObserver) OnJobCreated(context.Context, *model.Job, model.JobStatusInfo) {
	c.created++
}
func (c *countingObserver) OnStatusChanged(context.Context, *model.Job, model.JobStatusInfo, model.JobStatusInfo) {
	c.changed++
}
func (c *countingObserver) OnJobCompleted(context.Context, *model.Job, model.JobStatusInfo) {
	c.completed++
}

// A panicking observer earlier in the list must never stop later
// observers or the caller's transition.
func TestFanoutIsolatesPanics(t *testing.T) {
	counting := &countingObserver{}
	f := New(slog.Default(), panickingObserver{}, counting)
	job := model.NewJob("j-1", "prov:echo", "prov", "alice", time.Now().UTC())
	si := model.JobStatusInfo{JobID: "j-1", Status: model.StatusAccepted, Type: "process"}

	f.OnJobCreated(context.Background(), job, si)
	f.OnStatusChanged(context.Background(), job, si, si)
	f.OnJobCompleted(context.Background(), job, si)

	if counting.created != 1 || counting.changed != 1 || counting.completed != 1 {
		t.Fatalf("counting observer saw %d/%d/%d, want 1/1/1",
			counting.created, counting.changed, counting.completed)
	}
}

func TestPollingSchedulerObserver(t *testing.T) {
	var scheduled []string
	obs := PollingSchedulerObserver{Schedule: func(jobID string) { scheduled = append(scheduled, jobID) }}

	job := model.NewJob("j-1", "prov:echo", "prov", "alice", time.Now().UTC())
	si := model.JobStatusInfo{JobID: "j-1", Status: model.StatusRunning, Type: "process"}

	// Non-terminal without a remote URL: nothing to poll.
	job.Status = model.StatusRunning
	obs.OnStatusChanged(context.Background(), job, si, si)
	if len(scheduled) != 0 {
		t.Fatalf("scheduled without a remote status URL: %v", scheduled)
	}

	// Non-terminal with a remote URL: schedule.
	job.RemoteStatusURL = "http://prov.example/jobs/R1"
	obs.OnStatusChanged(context.Background(), job, si, si)
	if len(scheduled) != 1 || scheduled[0] != "j-1" {
		t.Fatalf("scheduled = %v, want [j-1]", scheduled)
	}

	// Terminal: never schedule, even with a remote URL set.
	job.Status = model.StatusSuccessful
	obs.OnStatusChanged(context.Background(), job, si, si)
	if len(scheduled) != 1 {
		t.Fatalf("scheduled a terminal job: %v", scheduled)
	}
}

type verifyClient struct {
	calls []string
	err   error
}

func (c *verifyClient) Get(_ context.Context, url string, _ http.Header, _ time.Duration) (*httpclient.Response, error) {
	c.calls = append(c.calls, url)
	if c.err != nil {
		return nil, c.err
	}
	return &httpclient.Response{Status: 200}, nil
}

func (c *verifyClient) Post(context.Context, string, []byte, http.Header, time.Duration) (*httpclient.Response, error) {
	return nil, nil
}

func TestResultsVerificationObserver(t *testing.T) {
	job := model.NewJob("j-1", "prov:echo", "prov", "alice", time.Now().UTC())

	t.Run("skips local links", func(t *testing.T) {
		client := &verifyClient{}
		obs := ResultsVerificationObserver{HTTP: client, Log: slog.Default()}
		si := model.JobStatusInfo{
			Status: model.StatusSuccessful,
			Links:  []model.Link{{Href: "/jobs/j-1/results", Rel: "results"}},
		}
		obs.OnJobCompleted(context.Background(), job, si)
		if len(client.calls) != 0 {
			t.Fatalf("probed a local results link: %v", client.calls)
		}
	})

	t.Run("probes remote links", func(t *testing.T) {
		client := &verifyClient{}
		obs := ResultsVerificationObserver{HTTP: client, Log: slog.Default()}
		si := model.JobStatusInfo{
			Status: model.StatusSuccessful,
			Links:  []model.Link{{Href: "http://prov.example/jobs/R1/results", Rel: "results"}},
		}
		obs.OnJobCompleted(context.Background(), job, si)
		if len(client.calls) != 1 {
			t.Fatalf("probe calls = %v, want exactly one", client.calls)
		}
	})

	t.Run("ignores non-successful jobs", func(t *testing.T) {
		client := &verifyClient{}
		obs := ResultsVerificationObserver{HTTP: client, Log: slog.Default()}
		si := model.JobStatusInfo{
			Status: model.StatusFailed,
			Links:  []model.Link{{Href: "http://prov.example/jobs/R1/results", Rel: "results"}},
		}
		obs.OnJobCompleted(context.Background(), job, si)
		if len(client.calls) != 0 {
			t.Fatalf("probed a failed job: %v", client.calls)
		}
	})
}
