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

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestDurationUnmarshal(t *testing.T) {
	cases := []struct {
		doc     string
		in      string
		want    time.Duration
		wantErr bool
	}{
		{doc: "number is milliseconds", in: `1500`, want: 1500 * time.Millisecond},
		{doc: "zero", in: `0`, want: 0},
		{doc: "duration string", in: `"2s"`, want: 2 * time.Second},
		{doc: "compound duration string", in: `"1m30s"`, want: 90 * time.Second},
		{doc: "garbage string", in: `"soon"`, wantErr: true},
		{doc: "object", in: `{}`, wantErr: true},
	}
	for _, c := range cases {
		t.Run(c.doc, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(c.in), &d)
			if c.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, c.want, d.Duration())
		})
	}
}

func TestDurationMarshalRoundTrip(t *testing.T) {
	b, err := json.Marshal(Duration(1500 * time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, "1500", string(b))
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	require.Equal(t, 7801, cfg.Server.Port)
	require.Equal(t, "latest", cfg.Highcharts.Version)
	require.Equal(t, TypePNG, cfg.Export.Type)
	require.Equal(t, 1500*time.Millisecond, cfg.Export.RasterizationTimeout.Duration())
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{
		"highcharts": {"version": "10.3.3"},
		"export": {"defaultHeight": 800, "rasterizationTimeout": 3000},
		"server": {"port": 9999, "rateLimiting": {"enable": true, "maxRequests": 5}},
		"pool": {"maxWorkers": 16}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg := Default()
	require.NoError(t, LoadFile(path, &cfg))
	require.NoError(t, cfg.Validate())

	require.Equal(t, "10.3.3", cfg.Highcharts.Version)
	require.Equal(t, 800, cfg.Export.DefaultHeight)
	require.Equal(t, 3*time.Second, cfg.Export.RasterizationTimeout.Duration())
	require.Equal(t, 9999, cfg.Server.Port)
	require.True(t, cfg.Server.RateLimiting.Enable)
	require.Equal(t, 5, cfg.Server.RateLimiting.MaxRequests)
	require.Equal(t, 16, cfg.Pool.MaxWorkers)

	// Untouched sections keep their defaults.
	require.Equal(t, 600, cfg.Export.DefaultWidth)
	require.Equal(t, "https://code.highcharts.com/", cfg.Highcharts.CDNURL)
	require.Equal(t, 4, cfg.Pool.MinWorkers)
}

func TestLoadFileErrors(t *testing.T) {
	cfg := Default()
	require.Error(t, LoadFile(filepath.Join(t.TempDir(), "absent.json"), &cfg))

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	require.Error(t, LoadFile(path, &cfg))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		doc     string
		mutate  func(*Config)
		wantErr bool
	}{
		{doc: "defaults pass", mutate: func(*Config) {}},
		{doc: "zero max workers", mutate: func(c *Config) { c.Pool.MaxWorkers = 0 }, wantErr: true},
		{doc: "min above max", mutate: func(c *Config) { c.Pool.MinWorkers = 9 }, wantErr: true},
		{doc: "zero work limit", mutate: func(c *Config) { c.Pool.WorkLimit = 0 }, wantErr: true},
		{doc: "bogus type", mutate: func(c *Config) { c.Export.Type = "gif" }, wantErr: true},
		{doc: "scale below floor", mutate: func(c *Config) { c.Export.DefaultScale = 0.05 }, wantErr: true},
		{doc: "scale above ceiling", mutate: func(c *Config) { c.Export.DefaultScale = 5.5 }, wantErr: true},
		{doc: "zero height", mutate: func(c *Config) { c.Export.DefaultHeight = 0 }, wantErr: true},
		{doc: "log level out of range", mutate: func(c *Config) { c.Logging.Level = 6 }, wantErr: true},
		{doc: "port out of range", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: true},
		{doc: "no core scripts", mutate: func(c *Config) { c.Highcharts.CoreScripts = nil }, wantErr: true},
		{doc: "json log format", mutate: func(c *Config) { c.Logging.Format = "json" }},
		{doc: "unknown log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
	}
	for _, c := range cases {
		t.Run(c.doc, func(t *testing.T) {
			cfg := Default()
			c.mutate(&cfg)
			err := cfg.Validate()
			if c.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRequestedModules(t *testing.T) {
	h := HighchartsConfig{
		CoreScripts:      []string{"highcharts"},
		ModuleScripts:    []string{"stock", "map"},
		IndicatorScripts: []string{"indicators-all"},
		CustomScripts:    []string{"https://example.com/custom.js"},
	}
	want := []string{"highcharts", "stock", "map", "indicators-all", "https://example.com/custom.js"}
	if diff := cmp.Diff(want, h.RequestedModules()); diff != "" {
		t.Fatalf("unexpected modules (-want, +got): %s", diff)
	}
}

func TestValidType(t *testing.T) {
	for _, typ := range []string{TypePNG, TypeJPEG, TypePDF, TypeSVG} {
		require.True(t, ValidType(typ), typ)
	}
	for _, typ := range []string{"", "gif", "PNG", "jpg"} {
		require.False(t, ValidType(typ), typ)
	}
}
