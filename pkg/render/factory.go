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
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/hcexport/exportd/pkg/chromium"
)

// Assets is the slice of the asset cache the renderer needs. Sources is
// snapshotted per page: a version switch never affects pages already
// seeded.
type Assets interface {
	Sources() string
	HasModule(name string) bool
}

// Worker is one pooled renderer page.
type Worker struct {
	Page Page

	// displayErrors gates the page-error listener writing the error
	// text into the container. Toggled per job.
	displayErrors atomic.Bool
}

// SetDisplayErrors toggles in-page error display for the current job.
func (w *Worker) SetDisplayErrors(v bool) {
	w.displayErrors.Store(v)
}

// FactoryOptions tune page construction.
type FactoryOptions struct {
	// ListenToConsole forwards renderer console output to the log.
	ListenToConsole bool
}

// PageFactory builds ready-to-render pages: template installed, library
// blob evaluated, animation-disabling prelude run, listeners attached.
// It implements pool.Factory[*Worker].
type PageFactory struct {
	logger log.Logger
	engine Engine
	assets Assets
	opts   FactoryOptions
}

func NewPageFactory(logger log.Logger, engine Engine, assets Assets, opts FactoryOptions) *PageFactory {
	return &PageFactory{logger: logger, engine: engine, assets: assets, opts: opts}
}

// Create opens a page and seeds it for rendering.
func (f *PageFactory) Create(ctx context.Context) (*Worker, error) {
	page, err := f.engine.NewPage(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "open page")
	}

	if err := f.seed(ctx, page); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := page.Close(closeCtx); cerr != nil {
			_ = level.Warn(f.logger).Log("msg", "closing half-seeded page failed", "err", cerr)
		}
		return nil, err
	}

	w := &Worker{Page: page}
	page.OnError(func(text string) {
		_ = level.Debug(f.logger).Log("msg", "page error", "err", text)
		if !w.displayErrors.Load() {
			return
		}
		ectx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		expr := fmt.Sprintf(`(() => {
			const el = document.querySelector('#container');
			if (el) el.innerHTML = %s;
		})()`, jsString(text))
		if err := page.Evaluate(ectx, expr, nil); err != nil {
			_ = level.Debug(f.logger).Log("msg", "writing page error into container failed", "err", err)
		}
	})
	if f.opts.ListenToConsole {
		page.OnConsole(func(text string) {
			_ = level.Debug(f.logger).Log("msg", "page console", "text", text)
		})
	}
	return w, nil
}

// seed installs the template, library blob and prelude.
func (f *PageFactory) seed(ctx context.Context, page Page) error {
	if err := page.DisableCache(ctx); err != nil {
		return errors.Wrap(err, "disable page cache")
	}
	if err := page.SetContent(ctx, pageTemplate); err != nil {
		return errors.Wrap(err, "install template")
	}
	sources := f.assets.Sources()
	if sources == "" {
		return errors.New("asset cache holds no library sources")
	}
	if _, err := page.AddScriptTag(ctx, chromium.ScriptTag{Content: sources}); err != nil {
		return errors.Wrap(err, "install library blob")
	}
	if err := page.Evaluate(ctx, preludeJS, nil); err != nil {
		return errors.Wrap(err, "evaluate render prelude")
	}
	return nil
}

// Validate reports whether the page can serve another job.
func (f *PageFactory) Validate(_ context.Context, w *Worker) bool {
	return !w.Page.Closed() && !w.Page.MainFrameDetached()
}

// Destroy removes listeners and closes the page. Close failures are
// logged by the pool and never fail a job.
func (f *PageFactory) Destroy(ctx context.Context, w *Worker) error {
	w.Page.OnError(nil)
	w.Page.OnConsole(nil)
	return w.Page.Close(ctx)
}

// Reset returns the page to its pristine state between jobs. A soft
// reset swaps the container markup back in; a hard reset navigates to
// about:blank and reinstalls template, blob and prelude.
func (f *PageFactory) Reset(ctx context.Context, w *Worker, hard bool) error {
	w.SetDisplayErrors(false)
	if !hard {
		return w.Page.Evaluate(ctx, resetJS, nil)
	}
	if err := w.Page.Navigate(ctx, "about:blank"); err != nil {
		return errors.Wrap(err, "navigate to blank page")
	}
	return f.seed(ctx, w.Page)
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
