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

// Package providers implements the ProvidersPort: it resolves a provider
// prefix to its ProviderDescriptor and owns the YAML catalog file,
// including an mtime-polling hot reload loop. Reload is atomic: a parse
// or validation failure leaves the previous catalog in place.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/citysciencelab/ogc-gateway/internal/gwerr"
	"github.com/citysciencelab/ogc-gateway/internal/model"
)

// Port is the ProvidersPort consumed by JobManager and ProcessManager.
type Port interface {
	Resolve(prefix string) (model.ProviderDescriptor, bool)
	All() []model.ProviderDescriptor
}

// fileProcess is the on-disk shape of one process entry. Field names
// follow the catalog file's kebab-case keys.
type fileProcess struct {
	ID              string         `yaml:"id"`
	Description     string         `yaml:"description"`
	Version         string         `yaml:"version"`
	ResultStorage   string         `yaml:"result-storage"`
	Exclude         bool           `yaml:"exclude"`
	ResultPath      string         `yaml:"result-path"`
	GraphProperties map[string]any `yaml:"graph-properties"`
	AnonymousAccess bool           `yaml:"anonymous-access"`
	Deterministic   bool           `yaml:"deterministic"`
}

type fileAuth struct {
	Type     string `yaml:"type"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	APIKey   string `yaml:"api-key"`
	Header   string `yaml:"header"`
	Token    string `yaml:"token"`
}

type fileProvider struct {
	Name           string        `yaml:"name"`
	URL            string        `yaml:"url"`
	TimeoutSeconds int           `yaml:"timeout"`
	Auth           fileAuth      `yaml:"authentication"`
	Processes      []fileProcess `yaml:"processes"`
}

type fileCatalog struct {
	Providers []fileProvider `yaml:"providers"`
}

// Catalog is the live, hot-reloadable set of provider descriptors.
// Readers call Resolve/All; the reload loop swaps an atomic snapshot.
type Catalog struct {
	path     string
	interval time.Duration
	log      *slog.Logger
	snapshot atomic.Pointer[snapshot]
}

type snapshot struct {
	byName  map[string]model.ProviderDescriptor
	ordered []model.ProviderDescriptor
	mtime   time.Time
}

// Load reads and parses path once, returning a Catalog ready for use. The
// caller should additionally run Watch in a goroutine for hot reload.
func Load(path string, reloadInterval time.Duration, log *slog.Logger) (*Catalog, error) {
	if reloadInterval <= 0 {
		reloadInterval = 500 * time.Millisecond
	}
	c := &Catalog{path: path, interval: reloadInterval, log: log}
	snap, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	c.snapshot.Store(snap)
	return c, nil
}

// Resolve implements Port.
func (c *Catalog) Resolve(prefix string) (model.ProviderDescriptor, bool) {
	snap := c.snapshot.Load()
	pd, ok := snap.byName[prefix]
	return pd, ok
}

// All implements Port.
func (c *Catalog) All() []model.ProviderDescriptor {
	snap := c.snapshot.Load()
	out := make([]model.ProviderDescriptor, len(snap.ordered))
	copy(out, snap.ordered)
	return out
}

// Watch polls the catalog file's mtime every reloadInterval and
// atomically swaps in a freshly parsed snapshot whenever it changes. A
// parse or validation error is logged and the previous snapshot is kept.
// Watch blocks until ctx is cancelled, debouncing bursts of writes by
// requiring the mtime to have settled for one full tick before reloading.
func (c *Catalog) Watch(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	var lastSeen time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if info, err := os.Stat(c.path); err == nil && !info.ModTime().Equal(lastSeen) {
				lastSeen = info.ModTime()
				continue
			}
			c.maybeReload()
		}
	}
}

func (c *Catalog) maybeReload() {
	info, err := os.Stat(c.path)
	if err != nil {
		c.log.Warn("providers: stat failed, keeping previous catalog", "path", c.path, "error", err)
		return
	}
	cur := c.snapshot.Load()
	if !info.ModTime().After(cur.mtime) {
		return
	}
	snap, err := parseFile(c.path)
	if err != nil {
		c.log.Warn("providers: reload failed, keeping previous catalog", "path", c.path, "error", err)
		return
	}
	c.snapshot.Store(snap)
	c.log.Info("providers: catalog reloaded", "path", c.path, "providers", len(snap.ordered))
}

func parseFile(path string) (*snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.InternalError, "read providers file", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.InternalError, "stat providers file", err)
	}
	var fc fileCatalog
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, gwerr.Wrap(gwerr.InternalError, "parse providers yaml", err)
	}
	snap := &snapshot{byName: make(map[string]model.ProviderDescriptor, len(fc.Providers)), mtime: info.ModTime()}
	for _, fp := range fc.Providers {
		pd, err := toDescriptor(fp)
		if err != nil {
			return nil, err
		}
		snap.byName[pd.Name] = pd
		snap.ordered = append(snap.ordered, pd)
	}
	return snap, nil
}

func toDescriptor(fp fileProvider) (model.ProviderDescriptor, error) {
	if fp.Name == "" {
		return model.ProviderDescriptor{}, gwerr.New(gwerr.InternalError, "provider entry missing name")
	}
	if fp.URL == "" {
		return model.ProviderDescriptor{}, gwerr.New(gwerr.InternalError, fmt.Sprintf("provider %q missing url", fp.Name))
	}
	url := fp.URL
	if url[len(url)-1] != '/' {
		url += "/"
	}
	timeout := 60 * time.Second
	if fp.TimeoutSeconds > 0 {
		timeout = time.Duration(fp.TimeoutSeconds) * time.Second
	}
	auth := model.ProviderAuth{
		Kind:     model.AuthKind(orDefault(fp.Auth.Type, string(model.AuthNone))),
		Username: fp.Auth.Username,
		Password: fp.Auth.Password,
		APIKey:   fp.Auth.APIKey,
		Header:   fp.Auth.Header,
		Token:    fp.Auth.Token,
	}
	processes := make(map[string]model.ProcessConfig, len(fp.Processes))
	for _, p := range fp.Processes {
		storage := model.ResultStorage(orDefault(p.ResultStorage, string(model.ResultRemote)))
		processes[p.ID] = model.ProcessConfig{
			RawID:           p.ID,
			Description:     p.Description,
			Version:         p.Version,
			ResultStorage:   storage,
			Excluded:        p.Exclude,
			ResultPath:      p.ResultPath,
			GraphProperties: p.GraphProperties,
			AnonymousAccess: p.AnonymousAccess,
			Deterministic:   p.Deterministic,
		}
	}
	return model.ProviderDescriptor{
		Name:      fp.Name,
		URL:       url,
		Timeout:   timeout,
		Auth:      auth,
		Processes: processes,
	}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
