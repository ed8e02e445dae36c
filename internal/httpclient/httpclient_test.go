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

package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/citysciencelab/ogc-gateway/internal/gwerr"
)

func TestRealGetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New()
	resp, err := c.Get(context.Background(), srv.URL, nil, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
}

func TestRealGetMapsServerErrorToTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer srv.Close()

	c := New()
	_, err := c.Get(context.Background(), srv.URL, nil, time.Second)
	if err == nil {
		t.Fatalf("expected error for 503")
	}
	if !gwerr.IsTransient(err) {
		t.Fatalf("expected 503 to classify as transient, got %v", err)
	}
}

func TestRealGetMapsConnectionFailure(t *testing.T) {
	c := New()
	_, err := c.Get(context.Background(), "http://127.0.0.1:1", nil, 200*time.Millisecond)
	if err == nil {
		t.Fatalf("expected connection error")
	}
	if gwerr.KindOf(err) != gwerr.UpstreamConnectionError && gwerr.KindOf(err) != gwerr.UpstreamTimeout {
		t.Fatalf("expected connection or timeout kind, got %s", gwerr.KindOf(err))
	}
}
