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

package ctxkeys

import (
	"context"

	"github.com/google/uuid"
)

// GetCorrelationID returns the request correlation id stored on ctx, or
// "" when none has been established yet.
func GetCorrelationID(ctx context.Context) string {
	s, _ := ctx.Value(CorrelationID).(string)
	return s
}

// WithCorrelationID returns a child context carrying id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationID, id)
}

// EnsureCorrelationID returns a context guaranteed to carry a
// correlation id, minting a fresh one when the caller supplied none.
// Correlation ids share the job id's UUID format so one grep pattern
// covers both in the logs.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := GetCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelationID(ctx, id), id
}
