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

// Package retry executes an operation with bounded retries and
// exponential backoff, filtered by the gwerr transient/permanent
// classification. It generalizes the bounded-retry idiom used elsewhere
// in this codebase's HTTP call sites to any context-bearing operation.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/citysciencelab/ogc-gateway/internal/gwerr"
)

// Config controls the retry schedule.
type Config struct {
	MaxAttempts int           // total attempts including the first; default 3
	BaseDelay   time.Duration // default 200ms
	MaxDelay    time.Duration // default 1s
}

// DefaultConfig matches the gateway's default retry policy: up to 3
// attempts, exponential backoff with base 0.2s, cap 1s.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Second
	}
	return c
}

// Port is the capability interface consumed by callers that only need to
// retry, without depending on this package's concrete Config type.
type Port interface {
	Do(ctx context.Context, op func(ctx context.Context) error) error
}

// Retrier is the default Port implementation.
type Retrier struct {
	Config Config
}

// New builds a Retrier with cfg, filling unset fields with defaults.
func New(cfg Config) *Retrier {
	return &Retrier{Config: cfg.withDefaults()}
}

// Do runs op, retrying while the returned error is transient per
// gwerr.IsTransient, up to Config.MaxAttempts, sleeping an
// exponentially-increasing, jittered delay between attempts. It returns
// immediately (no further attempts) on a permanent error, and stops
// retrying once ctx is done.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	cfg := r.Config.withDefaults()
	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !gwerr.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		sleep := jitter(delay)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}

// jitter returns a duration uniformly distributed in [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half+1)))
}
