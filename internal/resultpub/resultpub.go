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

// Package resultpub is the result-publication port: it ingests a
// terminal job's feature collection into a spatial datastore so it is
// addressable as a layer. Consumed only for processes whose
// result_storage is "geoserver". The core never parses the feature
// collection itself beyond navigating an optional result_path dotted key.
package resultpub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/citysciencelab/ogc-gateway/internal/gwerr"
	"github.com/citysciencelab/ogc-gateway/internal/httpclient"
)

// Port publishes a job's result feature collection as a named layer.
type Port interface {
	Publish(ctx context.Context, jobID string, featureCollection json.RawMessage) error
}

// Geoserver publishes feature collections to a GeoServer REST endpoint
// via the shared HTTPClient port, using HTTP basic auth.
type Geoserver struct {
	HTTP      httpclient.Client
	BaseURL   string // trailing slash
	Username  string
	Password  string
	Workspace string
}

// Publish implements Port. It POSTs featureCollection to the
// workspace's datastore import endpoint, naming the resulting layer
// after jobID.
func (g Geoserver) Publish(ctx context.Context, jobID string, featureCollection json.RawMessage) error {
	if len(featureCollection) == 0 {
		return gwerr.New(gwerr.PublicationFailed, "empty feature collection")
	}
	url := strings.TrimRight(g.BaseURL, "/") + "/rest/workspaces/" + g.Workspace + "/datastores/" + jobID + "/featuretypes"
	headers := http.Header{}
	if g.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(g.Username + ":" + g.Password))
		headers.Set("Authorization", "Basic "+token)
	}
	resp, err := g.HTTP.Post(ctx, url, featureCollection, headers, 0)
	if err != nil {
		return gwerr.Wrap(gwerr.PublicationFailed, fmt.Sprintf("publish job %s", jobID), err)
	}
	if resp.Status >= 300 {
		return gwerr.New(gwerr.PublicationFailed, fmt.Sprintf("geoserver returned %d for job %s", resp.Status, jobID))
	}
	return nil
}

// ExtractByPath navigates a dotted key (e.g. "outputs.raster") into a
// JSON document, returning the raw sub-value at that path. An empty path
// returns doc unchanged.
func ExtractByPath(doc json.RawMessage, path string) (json.RawMessage, error) {
	if path == "" {
		return doc, nil
	}
	var cur any = json.RawMessage(doc)
	for _, key := range strings.Split(path, ".") {
		raw, ok := cur.(json.RawMessage)
		if !ok {
			return nil, gwerr.New(gwerr.InternalError, "result_path: "+key+" is not an object")
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, gwerr.Wrap(gwerr.InternalError, "result_path: decode", err)
		}
		v, ok := obj[key]
		if !ok {
			return nil, gwerr.New(gwerr.InternalError, "result_path: missing key "+key)
		}
		cur = v
	}
	raw, _ := cur.(json.RawMessage)
	return raw, nil
}
