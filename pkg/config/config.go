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

// Package config defines every recognised option of the export server,
// grouped into the sections callers know from the config file. Options
// are resolved with the precedence: defaults < config file < environment
// variables < command line flags < request payload (per-job options only).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Output types the renderer supports.
const (
	TypePNG  = "png"
	TypeJPEG = "jpeg"
	TypePDF  = "pdf"
	TypeSVG  = "svg"
)

// ValidType reports whether t is a supported output type.
func ValidType(t string) bool {
	switch t {
	case TypePNG, TypeJPEG, TypePDF, TypeSVG:
		return true
	}
	return false
}

// Scale bounds accepted for a job.
const (
	MinScale = 0.1
	MaxScale = 5.0
)

// Duration is a time.Duration that unmarshals from JSON either as a
// plain number of milliseconds (the config file convention) or as a
// Go duration string.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Milliseconds())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var ms float64
	if err := json.Unmarshal(b, &ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Errorf("invalid duration %s", string(b))
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full recognised option set.
type Config struct {
	Highcharts  HighchartsConfig  `json:"highcharts"`
	Export      ExportConfig      `json:"export"`
	CustomLogic CustomLogicConfig `json:"customLogic"`
	Server      ServerConfig      `json:"server"`
	Pool        PoolConfig        `json:"pool"`
	Logging     LoggingConfig     `json:"logging"`
	Other       OtherConfig       `json:"other"`
	Debug       DebugConfig       `json:"debug"`
}

// HighchartsConfig controls which library sources the asset cache
// fetches and where it keeps them.
type HighchartsConfig struct {
	// Version is "latest" or a version fragment such as "11.4.8".
	Version          string   `json:"version"`
	CDNURL           string   `json:"cdnURL"`
	ForceFetch       bool     `json:"forceFetch"`
	CachePath        string   `json:"cachePath"`
	CoreScripts      []string `json:"coreScripts"`
	ModuleScripts    []string `json:"moduleScripts"`
	IndicatorScripts []string `json:"indicatorScripts"`
	CustomScripts    []string `json:"customScripts"`
}

// ExportConfig holds per-job defaults.
type ExportConfig struct {
	Type                 string   `json:"type"`
	Constr               string   `json:"constr"`
	DefaultHeight        int      `json:"defaultHeight"`
	DefaultWidth         int      `json:"defaultWidth"`
	DefaultScale         float64  `json:"defaultScale"`
	RasterizationTimeout Duration `json:"rasterizationTimeout"`
}

// CustomLogicConfig gates and pre-seeds renderer-side code execution.
type CustomLogicConfig struct {
	AllowCodeExecution bool   `json:"allowCodeExecution"`
	AllowFileResources bool   `json:"allowFileResources"`
	CustomCode         string `json:"customCode"`
	Callback           string `json:"callback"`
	Resources          string `json:"resources"`
	LoadConfig         string `json:"loadConfig"`
	CreateConfig       string `json:"createConfig"`
}

// ServerConfig holds the HTTP surface options.
type ServerConfig struct {
	Enable       bool            `json:"enable"`
	Host         string          `json:"host"`
	Port         int             `json:"port"`
	MaxBodySize  int64           `json:"maxBodySize"`
	UIPath       string          `json:"uiPath"`
	AdminToken   string          `json:"adminToken"`
	SSL          SSLConfig       `json:"ssl"`
	RateLimiting RateLimitConfig `json:"rateLimiting"`
	Proxy        ProxyConfig     `json:"proxy"`
}

type SSLConfig struct {
	Enable   bool   `json:"enable"`
	Force    bool   `json:"force"`
	Port     int    `json:"port"`
	CertPath string `json:"certPath"`
}

// RateLimitConfig bounds requests per client IP.
type RateLimitConfig struct {
	Enable bool `json:"enable"`
	// MaxRequests allowed per Window.
	MaxRequests int `json:"maxRequests"`
	// Window length in minutes.
	Window int `json:"window"`
	// Delay applied before the hard cap kicks in.
	Delay      Duration `json:"delay"`
	TrustProxy bool     `json:"trustProxy"`
	SkipKey    string   `json:"skipKey"`
	SkipToken  string   `json:"skipToken"`
}

type ProxyConfig struct {
	Host    string   `json:"host"`
	Port    int      `json:"port"`
	Timeout Duration `json:"timeout"`
}

// PoolConfig holds the worker pool policy parameters.
type PoolConfig struct {
	MinWorkers          int      `json:"minWorkers"`
	MaxWorkers          int      `json:"maxWorkers"`
	WorkLimit           int      `json:"workLimit"`
	AcquireTimeout      Duration `json:"acquireTimeout"`
	CreateTimeout       Duration `json:"createTimeout"`
	DestroyTimeout      Duration `json:"destroyTimeout"`
	IdleTimeout         Duration `json:"idleTimeout"`
	CreateRetryInterval Duration `json:"createRetryInterval"`
	ReaperInterval      Duration `json:"reaperInterval"`
	// ResourcesInterval, when positive, enables the background tick that
	// keeps the pool topped up to MinWorkers.
	ResourcesInterval Duration `json:"resourcesInterval"`
	Benchmarking      bool     `json:"benchmarking"`
}

// LoggingConfig routes log output. Level is 0-5: off, error, warn,
// info, verbose, debug.
type LoggingConfig struct {
	Level int `json:"level"`
	// Format is "logfmt" or "json".
	Format    string `json:"format"`
	File      string `json:"file"`
	Dest      string `json:"dest"`
	ToConsole bool   `json:"toConsole"`
	ToFile    bool   `json:"toFile"`
}

type OtherConfig struct {
	// HardResetPage selects a full navigation reset between jobs instead
	// of replacing the container markup.
	HardResetPage bool `json:"hardResetPage"`
	// HardResetOnRotation forces a hard reset the first time a freshly
	// created page is used.
	HardResetOnRotation  bool `json:"hardResetOnRotation"`
	BrowserShellMode     bool `json:"browserShellMode"`
	ListenToProcessExits bool `json:"listenToProcessExits"`
}

type DebugConfig struct {
	Headless        bool     `json:"headless"`
	Devtools        bool     `json:"devtools"`
	ListenToConsole bool     `json:"listenToConsole"`
	SlowMo          Duration `json:"slowMo"`
	DebuggingPort   int      `json:"debuggingPort"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Highcharts: HighchartsConfig{
			Version:   "latest",
			CDNURL:    "https://code.highcharts.com/",
			CachePath: ".cache",
			CoreScripts: []string{
				"highcharts",
				"highcharts-more",
				"highcharts-3d",
			},
			ModuleScripts: []string{
				"stock",
				"map",
				"gantt",
				"exporting",
				"export-data",
				"accessibility",
				"annotations",
				"boost",
				"data",
				"debugger",
				"heatmap",
				"treemap",
				"solid-gauge",
			},
			IndicatorScripts: []string{
				"indicators-all",
			},
		},
		Export: ExportConfig{
			Type:                 TypePNG,
			Constr:               "chart",
			DefaultHeight:        400,
			DefaultWidth:         600,
			DefaultScale:         1,
			RasterizationTimeout: Duration(1500 * time.Millisecond),
		},
		Server: ServerConfig{
			Enable:      true,
			Host:        "0.0.0.0",
			Port:        7801,
			MaxBodySize: 50 << 20,
			SSL: SSLConfig{
				Port: 443,
			},
			RateLimiting: RateLimitConfig{
				MaxRequests: 10,
				Window:      1,
			},
		},
		Pool: PoolConfig{
			MinWorkers:          4,
			MaxWorkers:          8,
			WorkLimit:           40,
			AcquireTimeout:      Duration(5 * time.Second),
			CreateTimeout:       Duration(5 * time.Second),
			DestroyTimeout:      Duration(5 * time.Second),
			IdleTimeout:         Duration(30 * time.Second),
			CreateRetryInterval: Duration(200 * time.Millisecond),
			ReaperInterval:      Duration(time.Second),
		},
		Logging: LoggingConfig{
			Level:     4,
			Format:    "logfmt",
			File:      "exportd.log",
			Dest:      "log",
			ToConsole: true,
		},
		Debug: DebugConfig{
			Headless: true,
		},
	}
}

// LoadFile decodes the JSON document at path over cfg. Absent fields
// keep their current values.
func LoadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return errors.Wrapf(err, "parse config file %q", path)
	}
	return nil
}

// Validate checks option values that are not validated per request.
func (c *Config) Validate() error {
	if c.Pool.MaxWorkers < 1 {
		return errors.New("pool.maxWorkers must be at least 1")
	}
	if c.Pool.MinWorkers < 0 || c.Pool.MinWorkers > c.Pool.MaxWorkers {
		return fmt.Errorf("pool.minWorkers must be within [0, %d]", c.Pool.MaxWorkers)
	}
	if c.Pool.WorkLimit < 1 {
		return errors.New("pool.workLimit must be at least 1")
	}
	if !ValidType(c.Export.Type) {
		return fmt.Errorf("export.type %q is not one of png, jpeg, pdf, svg", c.Export.Type)
	}
	if c.Export.DefaultScale < MinScale || c.Export.DefaultScale > MaxScale {
		return fmt.Errorf("export.defaultScale must be within [%g, %g]", MinScale, MaxScale)
	}
	if c.Export.DefaultHeight <= 0 || c.Export.DefaultWidth <= 0 {
		return errors.New("export default dimensions must be positive")
	}
	if c.Logging.Level < 0 || c.Logging.Level > 5 {
		return errors.New("logging.level must be within [0, 5]")
	}
	switch c.Logging.Format {
	case "", "logfmt", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of logfmt, json", c.Logging.Format)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if len(c.Highcharts.CoreScripts) == 0 {
		return errors.New("highcharts.coreScripts must not be empty")
	}
	return nil
}

// RequestedModules returns the set of module names the configuration
// asks for: core, module, indicator and custom scripts.
func (h *HighchartsConfig) RequestedModules() []string {
	out := make([]string, 0, len(h.CoreScripts)+len(h.ModuleScripts)+len(h.IndicatorScripts)+len(h.CustomScripts))
	out = append(out, h.CoreScripts...)
	out = append(out, h.ModuleScripts...)
	out = append(out, h.IndicatorScripts...)
	out = append(out, h.CustomScripts...)
	return out
}
