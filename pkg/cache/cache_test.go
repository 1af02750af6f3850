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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hcexport/exportd/pkg/config"
)

// fakeCDN serves versioned script bodies and counts requests.
type fakeCDN struct {
	srv      *httptest.Server
	requests atomic.Int64
	missing  map[string]bool
}

func newFakeCDN(t *testing.T) *fakeCDN {
	t.Helper()
	c := &fakeCDN{missing: map[string]bool{}}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.requests.Add(1)
		if c.missing[r.URL.Path] {
			http.NotFound(w, r)
			return
		}
		// The body head carries the version comment contract.
		_, _ = w.Write([]byte("/* Highcharts 10.3.3 */\nvar path=" + strings.TrimSuffix(r.URL.Path, ".js") + ";"))
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func testConfig(t *testing.T, cdnURL string) config.HighchartsConfig {
	t.Helper()
	return config.HighchartsConfig{
		Version:       "10.3.3",
		CDNURL:        cdnURL,
		CachePath:     t.TempDir(),
		CoreScripts:   []string{"highcharts"},
		ModuleScripts: []string{"stock", "map"},
	}
}

func TestEnsureFetchesAndPersists(t *testing.T) {
	cdn := newFakeCDN(t)
	cfg := testConfig(t, cdn.srv.URL)
	c := New(log.NewNopLogger(), cfg, nil)

	require.NoError(t, c.Ensure(context.Background()))
	require.Equal(t, int64(3), cdn.requests.Load())

	require.Equal(t, "Highcharts 10.3.3", c.Version())
	require.Equal(t, "10.3.3", c.ActiveVersion())
	require.True(t, c.HasModule("highcharts"))
	require.True(t, c.HasModule("stock"))
	require.False(t, c.HasModule("debugger"))

	// Bodies are joined with the separator.
	require.Equal(t, 2, strings.Count(c.Sources(), ";\n"))

	// Both files landed on disk.
	_, err := os.Stat(filepath.Join(cfg.CachePath, "sources.js"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.CachePath, "manifest.json"))
	require.NoError(t, err)
}

func TestEnsureReusesCachedSources(t *testing.T) {
	cdn := newFakeCDN(t)
	cfg := testConfig(t, cdn.srv.URL)

	c := New(log.NewNopLogger(), cfg, nil)
	require.NoError(t, c.Ensure(context.Background()))
	fetched := cdn.requests.Load()

	// A new cache over the same directory must come up without touching
	// the network.
	c2 := New(log.NewNopLogger(), cfg, nil)
	require.NoError(t, c2.Ensure(context.Background()))
	require.Equal(t, fetched, cdn.requests.Load())
	require.Equal(t, c.Sources(), c2.Sources())
}

func TestEnsureRefetchesOnModuleChange(t *testing.T) {
	cdn := newFakeCDN(t)
	cfg := testConfig(t, cdn.srv.URL)

	c := New(log.NewNopLogger(), cfg, nil)
	require.NoError(t, c.Ensure(context.Background()))
	before := cdn.requests.Load()

	// Asking for one more module invalidates the manifest.
	cfg.ModuleScripts = append(cfg.ModuleScripts, "heatmap")
	c2 := New(log.NewNopLogger(), cfg, nil)
	require.NoError(t, c2.Ensure(context.Background()))
	require.Greater(t, cdn.requests.Load(), before)
	require.True(t, c2.HasModule("heatmap"))
}

func TestEnsureForceFetch(t *testing.T) {
	cdn := newFakeCDN(t)
	cfg := testConfig(t, cdn.srv.URL)

	require.NoError(t, New(log.NewNopLogger(), cfg, nil).Ensure(context.Background()))
	before := cdn.requests.Load()

	cfg.ForceFetch = true
	require.NoError(t, New(log.NewNopLogger(), cfg, nil).Ensure(context.Background()))
	require.Greater(t, cdn.requests.Load(), before)
}

func TestEnsureSkipsUnavailableModule(t *testing.T) {
	cdn := newFakeCDN(t)
	cdn.missing["/10.3.3/modules/stock.js"] = true
	cfg := testConfig(t, cdn.srv.URL)

	c := New(log.NewNopLogger(), cfg, nil)
	require.NoError(t, c.Ensure(context.Background()))
	require.True(t, c.HasModule("highcharts"))
	require.False(t, c.HasModule("stock"))
	require.True(t, c.HasModule("map"))
}

func TestEnsureCoreFailureIsFatal(t *testing.T) {
	cdn := newFakeCDN(t)
	cdn.missing["/10.3.3/highcharts.js"] = true
	cfg := testConfig(t, cdn.srv.URL)

	err := New(log.NewNopLogger(), cfg, nil).Ensure(context.Background())
	require.Error(t, err)
	cerr := &Error{}
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, KindNetwork, cerr.Kind)
}

func TestSwitchVersion(t *testing.T) {
	cdn := newFakeCDN(t)
	cfg := testConfig(t, cdn.srv.URL)

	c := New(log.NewNopLogger(), cfg, nil)
	require.NoError(t, c.Ensure(context.Background()))

	require.NoError(t, c.SwitchVersion(context.Background(), "11.4.8"))
	require.Equal(t, "11.4.8", c.ActiveVersion())

	// The manifest on disk reflects the switch.
	m, err := readManifest(filepath.Join(cfg.CachePath, "manifest.json"))
	require.NoError(t, err)
	require.Equal(t, "11.4.8", m.Version)
}

func TestSwitchVersionRejectsGarbage(t *testing.T) {
	cdn := newFakeCDN(t)
	c := New(log.NewNopLogger(), testConfig(t, cdn.srv.URL), nil)
	require.NoError(t, c.Ensure(context.Background()))

	err := c.SwitchVersion(context.Background(), "not-a-version")
	require.Error(t, err)
	cerr := &Error{}
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, KindParse, cerr.Kind)
	require.Equal(t, "10.3.3", c.ActiveVersion())
}

func TestSwitchVersionRestoresOnFailure(t *testing.T) {
	cdn := newFakeCDN(t)
	cfg := testConfig(t, cdn.srv.URL)
	c := New(log.NewNopLogger(), cfg, nil)
	require.NoError(t, c.Ensure(context.Background()))
	oldSources := c.Sources()

	// The new version's core script is gone; the switch must fail and
	// leave the previous snapshot active.
	cdn.missing["/11.0.0/highcharts.js"] = true
	require.Error(t, c.SwitchVersion(context.Background(), "11.0.0"))
	require.Equal(t, "10.3.3", c.ActiveVersion())
	require.Equal(t, oldSources, c.Sources())

	// A later Ensure still works against the restored version.
	require.NoError(t, c.Ensure(context.Background()))
	require.Equal(t, "10.3.3", c.ActiveVersion())
}

func TestExtractVersion(t *testing.T) {
	cases := []struct {
		doc, blob, want string
	}{
		{doc: "plain comment", blob: "/* Highcharts 10.3.3 */\ncode", want: "Highcharts 10.3.3"},
		{doc: "leading whitespace", blob: "\n  /*\n Highcharts JS v11.4.8 (2024-08-29)\n*/\ncode", want: "Highcharts JS v11.4.8 (2024-08-29)"},
		{doc: "no comment", blob: "var x = 1;", want: ""},
		{doc: "empty blob", blob: "", want: ""},
	}
	for _, c := range cases {
		t.Run(c.doc, func(t *testing.T) {
			require.Equal(t, c.want, extractVersion(c.blob))
		})
	}
}

func TestScriptURLs(t *testing.T) {
	snap := &configSnapshot{
		Version:          "10.3.3",
		CDNURL:           "https://code.highcharts.com/",
		CoreScripts:      []string{"highcharts"},
		ModuleScripts:    []string{"stock", "map"},
		IndicatorScripts: []string{"indicators-all"},
		CustomScripts:    []string{"https://example.com/custom.js"},
	}
	want := []scriptRef{
		{name: "highcharts", url: "https://code.highcharts.com/10.3.3/highcharts.js", core: true},
		{name: "stock", url: "https://code.highcharts.com/10.3.3/modules/stock.js"},
		{name: "map", url: "https://code.highcharts.com/10.3.3/maps/modules/map.js"},
		{name: "indicators-all", url: "https://code.highcharts.com/10.3.3/stock/indicators/indicators-all.js"},
		{name: "https://example.com/custom.js", url: "https://example.com/custom.js"},
	}
	got := scriptURLs(snap)
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(scriptRef{})); diff != "" {
		t.Fatalf("unexpected refs (-want, +got): %s", diff)
	}

	// "latest" drops the version segment entirely.
	snap.Version = "latest"
	got = scriptURLs(snap)
	require.Equal(t, "https://code.highcharts.com/highcharts.js", got[0].url)
	require.Equal(t, "https://code.highcharts.com/modules/stock.js", got[1].url)
}

func TestManifestSatisfies(t *testing.T) {
	cfg := config.HighchartsConfig{
		Version:       "10.3.3",
		CoreScripts:   []string{"highcharts"},
		ModuleScripts: []string{"stock"},
	}
	m := &Manifest{Version: "10.3.3", Modules: map[string]int{"highcharts": 1, "stock": 1}}
	require.True(t, manifestSatisfies(m, &cfg))

	require.False(t, manifestSatisfies(&Manifest{Version: "latest", Modules: m.Modules}, &cfg))
	require.False(t, manifestSatisfies(&Manifest{Version: "10.3.3", Modules: map[string]int{"highcharts": 1}}, &cfg))
	require.False(t, manifestSatisfies(&Manifest{Version: "10.3.3", Modules: map[string]int{"highcharts": 1, "map": 1}}, &cfg))
}
