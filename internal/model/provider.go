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

package model

import "time"

// AuthKind names how the gateway authenticates to a provider.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBasic  AuthKind = "basic"
	AuthAPIKey AuthKind = "api-key"
	AuthBearer AuthKind = "bearer"
)

// ResultStorage names where a process's terminal results should be
// published once verified.
type ResultStorage string

const (
	ResultRemote    ResultStorage = "remote"
	ResultGeoserver ResultStorage = "geoserver"
)

// ProviderAuth carries the credential material for one provider. Fields
// are populated according to Kind; unused fields are left zero.
type ProviderAuth struct {
	Kind     AuthKind
	Username string
	Password string
	APIKey   string
	Header   string
	Token    string
}

// ProcessConfig is the per-process configuration entry under a provider
// in the catalog file.
type ProcessConfig struct {
	RawID           string
	Description     string
	Version         string
	ResultStorage   ResultStorage
	Excluded        bool
	ResultPath      string
	GraphProperties map[string]any
	AnonymousAccess bool
	Deterministic   bool
}

// ProviderDescriptor is the read-only, hot-reloadable configuration for
// one upstream provider.
type ProviderDescriptor struct {
	Name      string
	URL       string // always carries a trailing slash
	Timeout   time.Duration
	Auth      ProviderAuth
	Processes map[string]ProcessConfig // keyed by RawID
}

// Process looks up a process config by its raw (unqualified) id.
func (p ProviderDescriptor) Process(rawID string) (ProcessConfig, bool) {
	pc, ok := p.Processes[rawID]
	return pc, ok
}
