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

package resultpub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/citysciencelab/ogc-gateway/internal/gwerr"
	"github.com/citysciencelab/ogc-gateway/internal/httpclient"
)

func TestExtractByPath(t *testing.T) {
	doc := json.RawMessage(`{"outputs":{"raster":{"type":"FeatureCollection","features":[]},"scalar":7}}`)

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{"empty path returns document", "", string(doc), false},
		{"one level", "outputs", `{"raster":{"type":"FeatureCollection","features":[]},"scalar":7}`, false},
		{"two levels", "outputs.raster", `{"type":"FeatureCollection","features":[]}`, false},
		{"missing key", "outputs.vector", "", true},
		{"descend into non-object", "outputs.scalar.deeper", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractByPath(doc, tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractByPath(%q) error = %v, wantErr=%v", tt.path, err, tt.wantErr)
			}
			if err == nil && string(got) != tt.want {
				t.Fatalf("ExtractByPath(%q) = %s, want %s", tt.path, got, tt.want)
			}
		})
	}
}

// recordingClient captures the last request so tests can assert on the
// URL and headers Publish builds.
type recordingClient struct {
	url     string
	headers http.Header
	status  int
	err     error
}

func (c *recordingClient) Get(context.Context, string, http.Header, time.Duration) (*httpclient.Response, error) {
	return nil, nil
}

func (c *recordingClient) Post(_ context.Context, url string, _ []byte, headers http.Header, _ time.Duration) (*httpclient.Response, error) {
	c.url = url
	c.headers = headers
	if c.err != nil {
		return nil, c.err
	}
	return &httpclient.Response{Status: c.status}, nil
}

func TestGeoserverPublish(t *testing.T) {
	client := &recordingClient{status: 201}
	g := Geoserver{
		HTTP:      client,
		BaseURL:   "http://geoserver.example/",
		Username:  "admin",
		Password:  "secret",
		Workspace: "gateway",
	}

	if err := g.Publish(context.Background(), "job-1", json.RawMessage(`{"type":"FeatureCollection"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !strings.Contains(client.url, "/rest/workspaces/gateway/datastores/job-1/featuretypes") {
		t.Fatalf("publish URL = %q", client.url)
	}
	if got := client.headers.Get("Authorization"); !strings.HasPrefix(got, "Basic ") {
		t.Fatalf("Authorization = %q, want basic auth", got)
	}
}

func TestGeoserverPublishFailures(t *testing.T) {
	t.Run("empty collection", func(t *testing.T) {
		g := Geoserver{HTTP: &recordingClient{status: 201}}
		err := g.Publish(context.Background(), "job-1", nil)
		if gwerr.KindOf(err) != gwerr.PublicationFailed {
			t.Fatalf("error kind = %s, want publication-failed", gwerr.KindOf(err))
		}
	})
	t.Run("upstream rejection", func(t *testing.T) {
		g := Geoserver{HTTP: &recordingClient{status: 500}}
		err := g.Publish(context.Background(), "job-1", json.RawMessage(`{}`))
		if gwerr.KindOf(err) != gwerr.PublicationFailed {
			t.Fatalf("error kind = %s, want publication-failed", gwerr.KindOf(err))
		}
	})
}
