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

// Package processid splits and rejoins the qualified "provider:raw_id"
// process identifiers that cross the HTTP boundary. It is the only place
// that knows the separator character.
package processid

import "strings"

const separator = ":"

// Validator is the ProcessIdValidator port.
type Validator interface {
	Extract(qualified string) (provider, rawID string, ok bool)
	Join(provider, rawID string) string
}

// Default is the stateless, zero-value Validator used everywhere in this
// service; it is safe for concurrent use since it carries no state.
type Default struct{}

// Extract splits "provider:raw_id" into its two parts. It reports ok=false
// when the qualified form is absent (no separator), leaving callers free
// to fall back to a linear search across known providers.
func (Default) Extract(qualified string) (provider, rawID string, ok bool) {
	idx := strings.Index(qualified, separator)
	if idx <= 0 || idx == len(qualified)-1 {
		return "", "", false
	}
	return qualified[:idx], qualified[idx+1:], true
}

// Join rejoins a provider prefix and raw process id into the qualified
// external form.
func (Default) Join(provider, rawID string) string {
	return provider + separator + rawID
}
