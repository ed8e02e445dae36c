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

package processid

import "testing"

func TestExtract(t *testing.T) {
	tests := []struct {
		name      string
		qualified string
		provider  string
		rawID     string
		ok        bool
	}{
		{"qualified", "prov:echo", "prov", "echo", true},
		{"raw id with separator", "prov:ns:echo", "prov", "ns:echo", true},
		{"no separator", "echo", "", "", false},
		{"empty", "", "", "", false},
		{"leading separator", ":echo", "", "", false},
		{"trailing separator", "prov:", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, rawID, ok := Default{}.Extract(tt.qualified)
			if provider != tt.provider || rawID != tt.rawID || ok != tt.ok {
				t.Fatalf("Extract(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.qualified, provider, rawID, ok, tt.provider, tt.rawID, tt.ok)
			}
		})
	}
}

func TestJoinRoundTripsExtract(t *testing.T) {
	joined := Default{}.Join("prov", "echo")
	if joined != "prov:echo" {
		t.Fatalf("Join = %q, want prov:echo", joined)
	}
	provider, rawID, ok := Default{}.Extract(joined)
	if !ok || provider != "prov" || rawID != "echo" {
		t.Fatalf("Extract(Join(...)) = (%q, %q, %v)", provider, rawID, ok)
	}
}
