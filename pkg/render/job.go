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

package render

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Resources are per-request injections: inline script, inline style and
// a list of file paths or URLs.
type Resources struct {
	JS    string   `json:"js,omitempty"`
	CSS   string   `json:"css,omitempty"`
	Files []string `json:"files,omitempty"`
}

// Job is a single export in flight. Exactly one of SVG, Config and
// InjectConfig is set; the gateway guarantees that before dispatch.
type Job struct {
	RequestID string

	// Type is the output type: png, jpeg, pdf or svg.
	Type string
	// SVG holds vector-markup input.
	SVG string
	// Config holds structured chart configuration.
	Config json.RawMessage
	// InjectConfig holds a config the renderer hook receives verbatim;
	// target dimensions are applied to the container via CSS instead of
	// being stamped into the config. Requires code execution.
	InjectConfig string

	Height int
	Width  int
	Scale  float64

	Constr        string
	Callback      string
	CustomCode    string
	GlobalOptions json.RawMessage
	ThemeOptions  json.RawMessage
	Resources     *Resources

	// DisplayErrors asks the renderer to write chart errors into the
	// container; honored only when the debugger module is installed.
	DisplayErrors bool
}

// IsVectorMarkup classifies input whose leading non-whitespace is an
// svg or xml opener as vector markup.
func IsVectorMarkup(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasPrefix(t, "<svg") || strings.HasPrefix(t, "<?xml")
}

// prepareConfig pre-fills chart.height and chart.width of the
// structured config with the job's resolved target dimensions and
// returns the re-encoded document.
func prepareConfig(job *Job) (json.RawMessage, error) {
	var cfg map[string]any
	if err := json.Unmarshal(job.Config, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse chart configuration")
	}
	chart, ok := cfg["chart"].(map[string]any)
	if !ok {
		chart = map[string]any{}
	}
	chart["height"] = job.Height
	chart["width"] = job.Width
	cfg["chart"] = chart

	out, err := json.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "encode chart configuration")
	}
	return out, nil
}

// exportOptions is the second argument handed to the render hook.
func exportOptions(job *Job) (json.RawMessage, error) {
	opts := map[string]any{}
	if job.Constr != "" {
		opts["constr"] = job.Constr
	}
	if job.Callback != "" {
		opts["callback"] = job.Callback
	}
	if job.CustomCode != "" {
		opts["customCode"] = job.CustomCode
	}
	if len(job.GlobalOptions) > 0 {
		opts["globalOptions"] = job.GlobalOptions
	}
	if len(job.ThemeOptions) > 0 {
		opts["themeOptions"] = job.ThemeOptions
	}
	out, err := json.Marshal(opts)
	if err != nil {
		return nil, errors.Wrap(err, "encode export options")
	}
	return out, nil
}
