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

// Package gwerr defines the domain error taxonomy shared by every layer of
// the gateway. Callers classify failures by Kind rather than inspecting
// error strings; the HTTP layer maps Kind to a status code and the retry
// layer maps Kind to transient/permanent.
package gwerr

import (
	"errors"
	"fmt"
)

// Kind is the domain error taxonomy described by the gateway's error model.
type Kind string

const (
	InvalidUsage            Kind = "invalid-usage"
	NotFound                Kind = "not-found"
	NotAuthorized           Kind = "not-authorized"
	UpstreamTimeout         Kind = "upstream-timeout"
	UpstreamHTTPError       Kind = "upstream-http-error"
	UpstreamConnectionError Kind = "upstream-connection-error"
	UpstreamContentError    Kind = "upstream-content-error"
	PublicationFailed       Kind = "publication-failed"
	RateLimited             Kind = "rate-limited"
	InternalError           Kind = "internal-error"
)

// Error wraps an underlying cause with a domain Kind and optional context
// (e.g. the provider's HTTP status for UpstreamHTTPError).
type Error struct {
	Kind   Kind
	Status int // optional: provider status for UpstreamHTTPError
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error that carries cause under the given kind.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// WithStatus attaches an upstream HTTP status code to an error.
func WithStatus(kind Kind, status int, msg string, cause error) *Error {
	return &Error{Kind: kind, Status: status, Msg: msg, Err: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, else InternalError.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// IsTransient reports whether err's Kind is eligible for retry per the
// gateway's transient classification: upstream timeouts, transport
// failures, and 502/503/504 upstream responses.
func IsTransient(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case UpstreamTimeout, UpstreamConnectionError:
		return true
	case UpstreamHTTPError:
		switch e.Status {
		case 502, 503, 504:
			return true
		}
	}
	return false
}

// HTTPStatus maps a Kind to the status code the httpapi layer writes.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidUsage:
		return 400
	case NotAuthorized:
		return 403
	case NotFound:
		return 404
	case RateLimited:
		return 429
	case UpstreamTimeout:
		return 504
	case UpstreamHTTPError, UpstreamConnectionError, UpstreamContentError, PublicationFailed:
		return 502
	default:
		return 500
	}
}
