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

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/hcexport/exportd/pkg/config"
	"github.com/hcexport/exportd/pkg/version"
)

func marshalManifest(m Manifest) ([]byte, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, &Error{Kind: KindParse, Err: errors.Wrap(err, "encode manifest")}
	}
	return b, nil
}

// fetchConcurrency bounds parallel CDN requests.
const fetchConcurrency = 4

// scriptRef is one entry of the canonical fetch list.
type scriptRef struct {
	// name recorded in the manifest module set.
	name string
	url  string
	// core script failures are fatal; others are skipped.
	core bool
}

// scriptURLs builds the canonical URL list for the configured scripts.
// An empty version segment means "latest" on the CDN. Module URLs use
// per-category path segments: plain modules under modules/, the map
// module under maps/modules/, indicators under stock/indicators/.
// Custom scripts are full URLs used as-is.
func scriptURLs(cfg *configSnapshot) []scriptRef {
	base := strings.TrimSuffix(cfg.CDNURL, "/") + "/"
	ver := ""
	if cfg.Version != "" && cfg.Version != "latest" {
		ver = strings.TrimSuffix(cfg.Version, "/") + "/"
	}

	refs := make([]scriptRef, 0,
		len(cfg.CoreScripts)+len(cfg.ModuleScripts)+len(cfg.IndicatorScripts)+len(cfg.CustomScripts))
	for _, s := range cfg.CoreScripts {
		refs = append(refs, scriptRef{name: s, url: fmt.Sprintf("%s%s%s.js", base, ver, s), core: true})
	}
	for _, s := range cfg.ModuleScripts {
		if s == "map" {
			refs = append(refs, scriptRef{name: s, url: fmt.Sprintf("%s%smaps/modules/map.js", base, ver)})
			continue
		}
		refs = append(refs, scriptRef{name: s, url: fmt.Sprintf("%s%smodules/%s.js", base, ver, s)})
	}
	for _, s := range cfg.IndicatorScripts {
		refs = append(refs, scriptRef{name: s, url: fmt.Sprintf("%s%sstock/indicators/%s.js", base, ver, s)})
	}
	for _, s := range cfg.CustomScripts {
		refs = append(refs, scriptRef{name: s, url: s})
	}
	return refs
}

// configSnapshot mirrors the fields of config.HighchartsConfig fetch
// needs; taken under the cache lock so a concurrent switch cannot tear
// the view.
type configSnapshot struct {
	Version          string
	CDNURL           string
	CachePath        string
	CoreScripts      []string
	ModuleScripts    []string
	IndicatorScripts []string
	CustomScripts    []string
}

// fetch downloads all configured scripts, concatenates the successful
// bodies and persists blob plus manifest, overwriting prior contents.
func (c *Cache) fetch(ctx context.Context, cfg config.HighchartsConfig) error {
	snap := &configSnapshot{
		Version:          cfg.Version,
		CDNURL:           cfg.CDNURL,
		CachePath:        cfg.CachePath,
		CoreScripts:      cfg.CoreScripts,
		ModuleScripts:    cfg.ModuleScripts,
		IndicatorScripts: cfg.IndicatorScripts,
		CustomScripts:    cfg.CustomScripts,
	}
	refs := scriptURLs(snap)
	bodies := make([]string, len(refs))
	fetched := make([]bool, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			body, err := c.get(gctx, ref.url)
			if err != nil {
				if ref.core {
					return &Error{Kind: KindNetwork, Err: errors.Wrapf(err, "fetch core script %q", ref.name)}
				}
				_ = level.Warn(c.logger).Log("msg", "skipping unavailable script", "script", ref.name, "url", ref.url, "err", err)
				return nil
			}
			bodies[i] = body
			fetched[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var blob strings.Builder
	modules := map[string]int{}
	for i, ref := range refs {
		if !fetched[i] {
			continue
		}
		if blob.Len() > 0 {
			blob.WriteString(";\n")
		}
		blob.WriteString(bodies[i])
		modules[ref.name] = 1
	}
	manifest := Manifest{Version: snap.Version, Modules: modules}

	if err := c.persist(snap.CachePath, blob.String(), manifest); err != nil {
		return err
	}
	c.install(blob.String(), manifest)
	_ = level.Info(c.logger).Log("msg", "fetched highcharts sources", "version", c.Version(), "scripts", len(modules))
	return nil
}

func (c *Cache) get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Cache) persist(dir, blob string, m Manifest) error {
	if err := os.WriteFile(filepath.Join(dir, sourcesFile), []byte(blob), 0o644); err != nil {
		return &Error{Kind: KindIO, Err: errors.Wrap(err, "write sources")}
	}
	b, err := marshalManifest(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), b, 0o644); err != nil {
		return &Error{Kind: KindIO, Err: errors.Wrap(err, "write manifest")}
	}
	return nil
}
