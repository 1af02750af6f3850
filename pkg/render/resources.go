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
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/hcexport/exportd/pkg/chromium"
)

// cssImportRe matches one @import directive; the capture is its target.
var cssImportRe = regexp.MustCompile(`@import\s+(?:url\(\s*)?['"]?([^'")\s;]+)['"]?\s*\)?\s*;`)

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// liftCSSImports splits css into @import targets and the remaining
// stylesheet text. Imports become link injections so the page resolves
// them like regular stylesheets.
func liftCSSImports(css string) (imports []string, rest string) {
	for _, m := range cssImportRe.FindAllStringSubmatch(css, -1) {
		imports = append(imports, m[1])
	}
	rest = strings.TrimSpace(cssImportRe.ReplaceAllString(css, ""))
	return imports, rest
}

// injectResources adds the job's per-request script and style inputs to
// the page, recording every created handle in st for cleanup.
func (pl *Pipeline) injectResources(ctx context.Context, w *Worker, job *Job, st *jobState) error {
	res := job.Resources
	if res == nil {
		return nil
	}

	if res.JS != "" {
		h, err := w.Page.AddScriptTag(ctx, chromium.ScriptTag{Content: res.JS})
		if err != nil {
			return errors.Wrap(err, "inject inline script")
		}
		st.handles = append(st.handles, h)
	}

	for _, file := range res.Files {
		if isURL(file) {
			var (
				h   Handle
				err error
			)
			if strings.HasSuffix(file, ".css") {
				h, err = w.Page.AddStyleTag(ctx, chromium.StyleTag{URL: file})
			} else {
				h, err = w.Page.AddScriptTag(ctx, chromium.ScriptTag{URL: file})
			}
			if err != nil {
				return errors.Wrapf(err, "inject resource %q", file)
			}
			st.handles = append(st.handles, h)
			continue
		}
		if !pl.opts.AllowFileResources {
			_ = level.Warn(pl.logger).Log("msg", "skipping file resource, allowFileResources is disabled", "file", file)
			continue
		}
		body, err := os.ReadFile(file)
		if err != nil {
			return errors.Wrapf(err, "read resource file %q", file)
		}
		var h Handle
		if strings.HasSuffix(file, ".css") {
			h, err = w.Page.AddStyleTag(ctx, chromium.StyleTag{Content: string(body)})
		} else {
			h, err = w.Page.AddScriptTag(ctx, chromium.ScriptTag{Content: string(body)})
		}
		if err != nil {
			return errors.Wrapf(err, "inject resource file %q", file)
		}
		st.handles = append(st.handles, h)
	}

	if res.CSS != "" {
		imports, rest := liftCSSImports(res.CSS)
		for _, target := range imports {
			if isURL(target) {
				h, err := w.Page.AddStyleTag(ctx, chromium.StyleTag{URL: target})
				if err != nil {
					return errors.Wrapf(err, "inject stylesheet %q", target)
				}
				st.handles = append(st.handles, h)
				continue
			}
			if !pl.opts.AllowFileResources {
				_ = level.Warn(pl.logger).Log("msg", "skipping file @import, allowFileResources is disabled", "file", target)
				continue
			}
			body, err := os.ReadFile(target)
			if err != nil {
				return errors.Wrapf(err, "read stylesheet %q", target)
			}
			h, err := w.Page.AddStyleTag(ctx, chromium.StyleTag{Content: string(body)})
			if err != nil {
				return errors.Wrapf(err, "inject stylesheet %q", target)
			}
			st.handles = append(st.handles, h)
		}
		if rest != "" {
			h, err := w.Page.AddStyleTag(ctx, chromium.StyleTag{Content: rest})
			if err != nil {
				return errors.Wrap(err, "inject inline style")
			}
			st.handles = append(st.handles, h)
		}
	}
	return nil
}
