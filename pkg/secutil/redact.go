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

// Package secutil holds the security helpers the gateway needs at its
// edges: masking credentials before configuration reaches the log
// sinks, and hashing/verifying the bootstrap admin password.
package secutil

import (
	"net/url"
	"strings"
)

// RedactSecret masks a credential for logging while leaving just enough
// of it to tell which value was configured. Empty input stays empty so
// "unset" remains distinguishable from "set" in log output.
func RedactSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:3] + strings.Repeat("*", len(s)-5) + s[len(s)-2:]
}

// RedactURL strips userinfo and the query string from a URL before it
// is logged; endpoint coordinates carry credentials in both positions.
// Unparseable input is replaced wholesale rather than logged raw.
func RedactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable-url>"
	}
	if u.User != nil {
		u.User = url.User("xxx")
	}
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	return u.String()
}
