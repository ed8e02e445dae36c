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

// Package httpclient is the HTTPClient port: it issues requests to
// providers and maps transport/content errors into the gwerr taxonomy so
// callers never need to inspect *url.Error or raw status codes.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/citysciencelab/ogc-gateway/internal/gwerr"
)

// Response is the normalized shape every Client call returns on success.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
	Request *http.Request
}

// Client is the capability port consumed by the job manager and process
// manager. It never returns raw net/http errors: failures are always
// *gwerr.Error.
type Client interface {
	Get(ctx context.Context, url string, headers http.Header, timeout time.Duration) (*Response, error)
	Post(ctx context.Context, url string, body []byte, headers http.Header, timeout time.Duration) (*Response, error)
}

// Real is the *http.Client-backed Client adapter used in production. A
// single instance is shared process-wide; its Transport is tuned for
// concurrent per-host connection reuse.
type Real struct {
	HTTP *http.Client
}

// New builds a Real client with a transport tuned for many concurrent
// upstream providers.
func New() *Real {
	transport := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Real{HTTP: &http.Client{Transport: transport}}
}

func (c *Real) Get(ctx context.Context, url string, headers http.Header, timeout time.Duration) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.InvalidUsage, "build GET request", err)
	}
	copyHeaders(req, headers)
	return c.do(req, timeout)
}

func (c *Real) Post(ctx context.Context, url string, body []byte, headers http.Header, timeout time.Duration) (*Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.InvalidUsage, "build POST request", err)
	}
	copyHeaders(req, headers)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, timeout)
}

func (c *Real) do(req *http.Request, timeout time.Duration) (*Response, error) {
	ctx := req.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, gwerr.Wrap(gwerr.UpstreamTimeout, req.URL.String(), err)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, gwerr.Wrap(gwerr.UpstreamTimeout, req.URL.String(), err)
		}
		return nil, gwerr.Wrap(gwerr.UpstreamConnectionError, req.URL.String(), err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.UpstreamContentError, req.URL.String(), err)
	}
	out := &Response{Status: resp.StatusCode, Header: resp.Header, Body: data, Request: req}
	if resp.StatusCode >= 300 {
		return out, gwerr.WithStatus(gwerr.UpstreamHTTPError, resp.StatusCode, req.URL.String(), nil)
	}
	return out, nil
}

func copyHeaders(req *http.Request, headers http.Header) {
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}
