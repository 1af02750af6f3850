// Copyright 2024 The exportd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache fetches, persists and version-checks the concatenated
// Highcharts library blob every renderer page is seeded with.
//
// On disk the cache is two files in the cache directory: sources.js
// (the blob) and manifest.json (the version plus the set of module
// names known to be in the blob). A fetch happens only when the
// manifest does not satisfy the configured version and module set.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gofrs/flock"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
	"resenje.org/singleflight"

	"github.com/hcexport/exportd/pkg/config"
)

const (
	sourcesFile  = "sources.js"
	manifestFile = "manifest.json"
	lockFile     = ".lock"
)

// ErrorKind classifies cache failures.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindIO
	KindParse
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindIO:
		return "io"
	case KindParse:
		return "parse"
	}
	return "unknown"
}

// Error is a cache failure. Fatal at startup; the admin version-switch
// path reports it without serving stale state.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cache %s error: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Manifest pairs a configured version with the module names present in
// the blob. Modules maps name to 1 so membership tests on a loaded
// manifest are O(1).
type Manifest struct {
	Version string         `json:"version"`
	Modules map[string]int `json:"modules"`
}

// Cache is the process-wide asset cache. Ensure and SwitchVersion are
// safe for concurrent use; concurrent Ensure calls collapse into one.
type Cache struct {
	logger log.Logger
	client *http.Client

	mtx      sync.RWMutex
	cfg      config.HighchartsConfig
	sources  string
	version  string
	manifest Manifest

	group singleflight.Group[string, struct{}]
}

// New returns a cache over the given configuration. A nil client means
// a pooled default client.
func New(logger log.Logger, cfg config.HighchartsConfig, client *http.Client) *Cache {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &Cache{logger: logger, client: client, cfg: cfg}
}

// Sources returns the current library blob. Page factories snapshot
// this at page creation; a concurrent version switch does not affect
// pages already seeded.
func (c *Cache) Sources() string {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.sources
}

// Version returns the version comment extracted from the head of the
// blob: the text before the first "*/" with the comment markers and
// surrounding whitespace stripped. Empty when no blob is loaded.
func (c *Cache) Version() string {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.version
}

// ActiveVersion returns the configured version recorded in the active
// manifest, e.g. "latest" or "10.3.3".
func (c *Cache) ActiveVersion() string {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.manifest.Version
}

// ActiveManifest returns a copy of the active manifest.
func (c *Cache) ActiveManifest() Manifest {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	m := Manifest{Version: c.manifest.Version, Modules: make(map[string]int, len(c.manifest.Modules))}
	for k, v := range c.manifest.Modules {
		m.Modules[k] = v
	}
	return m
}

// HasModule reports whether the active blob contains the named module.
func (c *Cache) HasModule(name string) bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	_, ok := c.manifest.Modules[name]
	return ok
}

// extractVersion implements the Version contract on a raw blob.
func extractVersion(blob string) string {
	end := strings.Index(blob, "*/")
	if end < 0 {
		return ""
	}
	head := blob[:end]
	head = strings.TrimPrefix(strings.TrimSpace(head), "/*")
	return strings.TrimSpace(head)
}

// Ensure makes the in-memory blob and manifest match the configuration,
// fetching from the CDN only when the on-disk manifest is absent or
// does not satisfy it. Idempotent; concurrent calls are collapsed and
// cross-process access is serialised with a lock file.
func (c *Cache) Ensure(ctx context.Context) error {
	_, _, err := c.group.Do(ctx, "ensure", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.ensure(ctx)
	})
	return err
}

func (c *Cache) ensure(ctx context.Context) error {
	c.mtx.RLock()
	cfg := c.cfg
	c.mtx.RUnlock()

	if err := os.MkdirAll(cfg.CachePath, 0o755); err != nil {
		return &Error{Kind: KindIO, Err: errors.Wrap(err, "create cache directory")}
	}

	fl := flock.New(filepath.Join(cfg.CachePath, lockFile))
	if err := fl.Lock(); err != nil {
		return &Error{Kind: KindIO, Err: errors.Wrap(err, "lock cache directory")}
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			_ = level.Warn(c.logger).Log("msg", "unlocking cache directory failed", "err", err)
		}
	}()

	manifest, err := readManifest(filepath.Join(cfg.CachePath, manifestFile))
	if err != nil {
		return err
	}

	if manifest != nil && !cfg.ForceFetch && manifestSatisfies(manifest, &cfg) {
		blob, err := os.ReadFile(filepath.Join(cfg.CachePath, sourcesFile))
		if err == nil {
			c.install(string(blob), *manifest)
			_ = level.Info(c.logger).Log("msg", "using cached highcharts sources", "version", c.Version())
			return nil
		}
		_ = level.Warn(c.logger).Log("msg", "manifest matches but sources are unreadable, refetching", "err", err)
	}

	return c.fetch(ctx, cfg)
}

// manifestSatisfies checks the manifest against the configured version
// and requested module set. Modules present beyond the requested set do
// not count as a match on their own: a differing count forces a fetch.
func manifestSatisfies(m *Manifest, cfg *config.HighchartsConfig) bool {
	if m.Version != cfg.Version {
		return false
	}
	requested := cfg.RequestedModules()
	if len(requested) != len(m.Modules) {
		return false
	}
	for _, name := range requested {
		if _, ok := m.Modules[name]; !ok {
			return false
		}
	}
	return true
}

func readManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Kind: KindIO, Err: errors.Wrap(err, "read manifest")}
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &Error{Kind: KindParse, Err: errors.Wrap(err, "parse manifest")}
	}
	return &m, nil
}

// install makes blob and manifest the active snapshot.
func (c *Cache) install(blob string, m Manifest) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.sources = blob
	c.version = extractVersion(blob)
	c.manifest = m
}

// SwitchVersion points the cache at a new library version and fetches
// it. On failure the previous configured version is restored and the
// previously installed blob stays active.
func (c *Cache) SwitchVersion(ctx context.Context, newVersion string) error {
	if newVersion != "latest" {
		if _, err := semver.NewVersion(newVersion); err != nil {
			return &Error{Kind: KindParse, Err: errors.Wrapf(err, "invalid version %q", newVersion)}
		}
	}

	c.mtx.Lock()
	oldVersion := c.cfg.Version
	c.cfg.Version = newVersion
	c.mtx.Unlock()

	if err := c.Ensure(ctx); err != nil {
		c.mtx.Lock()
		c.cfg.Version = oldVersion
		c.mtx.Unlock()
		return err
	}
	return nil
}
