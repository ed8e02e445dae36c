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

package processmanager

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/citysciencelab/ogc-gateway/internal/gwerr"
	"github.com/citysciencelab/ogc-gateway/internal/httpclient"
	"github.com/citysciencelab/ogc-gateway/internal/identity"
	"github.com/citysciencelab/ogc-gateway/internal/model"
)

type fakeProviders struct{ pds []model.ProviderDescriptor }

func (f fakeProviders) Resolve(prefix string) (model.ProviderDescriptor, bool) {
	for _, pd := range f.pds {
		if pd.Name == prefix {
			return pd, true
		}
	}
	return model.ProviderDescriptor{}, false
}

func (f fakeProviders) All() []model.ProviderDescriptor { return f.pds }

// fakeHTTP serves canned bodies keyed by URL substring.
type fakeHTTP struct {
	responses map[string]string
	calls     []string
}

func (f *fakeHTTP) Get(_ context.Context, url string, _ http.Header, _ time.Duration) (*httpclient.Response, error) {
	f.calls = append(f.calls, url)
	for key, body := range f.responses {
		if strings.Contains(url, key) {
			return &httpclient.Response{Status: 200, Body: []byte(body)}, nil
		}
	}
	return nil, gwerr.WithStatus(gwerr.UpstreamHTTPError, 502, url, nil)
}

func (f *fakeHTTP) Post(context.Context, string, []byte, http.Header, time.Duration) (*httpclient.Response, error) {
	return nil, gwerr.New(gwerr.InternalError, "unexpected POST")
}

func testProviders() fakeProviders {
	return fakeProviders{pds: []model.ProviderDescriptor{
		{
			Name:    "alpha",
			URL:     "http://alpha.example/",
			Timeout: time.Second,
			Processes: map[string]model.ProcessConfig{
				"echo":   {RawID: "echo", AnonymousAccess: true},
				"hidden": {RawID: "hidden", Excluded: true},
				"closed": {RawID: "closed"},
			},
		},
		{
			Name:    "beta",
			URL:     "http://beta.example/",
			Timeout: time.Second,
			Processes: map[string]model.ProcessConfig{
				"buffer": {RawID: "buffer", AnonymousAccess: true},
			},
		},
	}}
}

func TestListAllAggregatesAndExcludes(t *testing.T) {
	h := &fakeHTTP{responses: map[string]string{
		"alpha.example": `{"processes":[{"id":"echo"},{"id":"hidden"}]}`,
		"beta.example":  `{"processes":[{"id":"buffer"}]}`,
	}}
	m := New(testProviders(), h, "/")

	entries, err := m.ListAll(context.Background(), identity.Anonymous)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	ids := make(map[string]bool, len(entries))
	for _, e := range entries {
		ids[e.ID] = true
	}
	if !ids["alpha:echo"] || !ids["beta:buffer"] {
		t.Fatalf("catalog = %v, want prefixed alpha:echo and beta:buffer", ids)
	}
	if ids["alpha:hidden"] {
		t.Fatal("excluded process must not appear in the catalog")
	}
}

func TestListAllUsesTTLCache(t *testing.T) {
	h := &fakeHTTP{responses: map[string]string{
		"alpha.example": `{"processes":[{"id":"echo"}]}`,
		"beta.example":  `{"processes":[]}`,
	}}
	m := New(testProviders(), h, "/")

	if _, err := m.ListAll(context.Background(), identity.Anonymous); err != nil {
		t.Fatalf("first ListAll: %v", err)
	}
	first := len(h.calls)
	if _, err := m.ListAll(context.Background(), identity.Anonymous); err != nil {
		t.Fatalf("second ListAll: %v", err)
	}
	if len(h.calls) != first {
		t.Fatalf("second ListAll hit upstream (%d -> %d calls), want cached", first, len(h.calls))
	}
}

func TestGetEnforcesRoles(t *testing.T) {
	h := &fakeHTTP{responses: map[string]string{
		"alpha.example/processes/closed": `{"id":"closed","title":"Closed"}`,
		"alpha.example/processes/echo":   `{"id":"echo","title":"Echo"}`,
	}}
	m := New(testProviders(), h, "/")

	if _, err := m.Get(context.Background(), "alpha:closed", identity.Anonymous); gwerr.KindOf(err) != gwerr.NotAuthorized {
		t.Fatalf("anonymous access to a closed process = %v, want not-authorized", err)
	}

	withProviderRole := identity.Subject{UserID: "u", Roles: []string{"alpha"}}
	if _, err := m.Get(context.Background(), "alpha:closed", withProviderRole); err != nil {
		t.Fatalf("provider role should grant access: %v", err)
	}

	withProcessRole := identity.Subject{UserID: "u", Roles: []string{"alpha_closed"}}
	if _, err := m.Get(context.Background(), "alpha:closed", withProcessRole); err != nil {
		t.Fatalf("process role should grant access: %v", err)
	}

	desc, err := m.Get(context.Background(), "alpha:echo", identity.Anonymous)
	if err != nil {
		t.Fatalf("anonymous process: %v", err)
	}
	if desc.ID != "alpha:echo" {
		t.Fatalf("description id = %q, want the qualified form", desc.ID)
	}
	for _, l := range desc.Links {
		if strings.Contains(l.Href, "alpha.example") {
			t.Fatalf("description leaks provider link %q", l.Href)
		}
	}
}

func TestGetUnknownProcess(t *testing.T) {
	m := New(testProviders(), &fakeHTTP{}, "/")
	if _, err := m.Get(context.Background(), "alpha:nope", identity.Anonymous); gwerr.KindOf(err) != gwerr.NotFound {
		t.Fatalf("unknown process = %v, want not-found", err)
	}
	if _, err := m.Get(context.Background(), "unqualified", identity.Anonymous); gwerr.KindOf(err) != gwerr.NotFound {
		t.Fatalf("unqualified id = %v, want not-found", err)
	}
}
