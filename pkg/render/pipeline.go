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

// Package render turns a single export job into an artifact on a
// borrowed renderer page: classify the input, inject per-request
// resources, measure, rasterize, clean the page up for reuse.
package render

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/hcexport/exportd/pkg/chromium"
	"github.com/hcexport/exportd/pkg/config"
	"github.com/hcexport/exportd/pkg/pool"
)

// ErrRasterizationTimeout marks a rasterization that outran its budget.
// The page may be in an unclean state, so the pipeline also retires the
// worker that served the job.
var ErrRasterizationTimeout = errors.New("rasterization timed out")

// Error is a renderer-reported failure, surfaced to the client with the
// sanitised message attached.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("render failed: %s", e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// sanitizeMessage truncates renderer errors to their first line, cut at
// a rune boundary.
func sanitizeMessage(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxLen = 512
	if len(s) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return strings.TrimSpace(s)
}

// wrapRender classifies a driver failure for the gateway.
func wrapRender(err error, op string) error {
	var evalErr *chromium.EvalError
	if errors.As(err, &evalErr) {
		return &Error{Message: sanitizeMessage(evalErr.Text), Err: err}
	}
	return &Error{Message: op, Err: err}
}

// Options tune the pipeline.
type Options struct {
	DefaultHeight        int
	DefaultWidth         int
	DefaultScale         float64
	RasterizationTimeout time.Duration
	AllowFileResources   bool
	// HardResetPage selects a hard reset between jobs.
	HardResetPage bool
	// HardResetOnRotation hard-resets a page before its first job.
	HardResetOnRotation bool
	// Benchmarking logs the duration of every export.
	Benchmarking bool
}

// Result is a rendered artifact. Data is binary for raster and PDF
// output, UTF-8 text for vector output.
type Result struct {
	Type string
	Data []byte
}

// Pipeline executes jobs over the worker pool.
type Pipeline struct {
	logger  log.Logger
	pool    *pool.Pool[*Worker]
	factory *PageFactory
	assets  Assets
	stats   *pool.Stats
	opts    Options
}

func NewPipeline(logger log.Logger, p *pool.Pool[*Worker], factory *PageFactory, assets Assets, stats *pool.Stats, opts Options) *Pipeline {
	if opts.RasterizationTimeout <= 0 {
		opts.RasterizationTimeout = 1500 * time.Millisecond
	}
	return &Pipeline{logger: logger, pool: p, factory: factory, assets: assets, stats: stats, opts: opts}
}

// jobState accumulates what cleanup must undo.
type jobState struct {
	handles []Handle
}

// Execute runs one job to completion. Exactly one of three things
// happens to the stats: a performed export, a dropped export, or (for
// a cancelled job) no counter change beyond the attempt.
func (pl *Pipeline) Execute(ctx context.Context, job *Job) (*Result, error) {
	isVector := job.SVG != ""
	pl.stats.RecordAttempt(isVector)
	start := time.Now()

	pl.applyDefaults(job)

	// Vector in, vector out: return the input unchanged, no renderer.
	if isVector && job.Type == config.TypeSVG {
		pl.stats.RecordPerformed(time.Since(start))
		return &Result{Type: config.TypeSVG, Data: []byte(job.SVG)}, nil
	}

	r, err := pl.pool.Acquire(ctx)
	if err != nil {
		// A caller that went away mid-acquire changes no counter.
		if !errors.Is(err, context.Canceled) {
			pl.stats.RecordDropped()
		}
		return nil, err
	}
	defer pl.pool.Release(r)
	w := r.Value

	if r.TakeFresh() && pl.opts.HardResetOnRotation {
		if err := pl.factory.Reset(ctx, w, true); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			pl.stats.RecordDropped()
			return nil, wrapRender(err, "reset page")
		}
	}

	st := &jobState{}
	res, err := pl.render(ctx, w, job, st)

	// Cleanup runs on success and failure, on a fresh context so a
	// cancelled request still leaves the page reusable.
	pl.cleanup(w, st)

	if err != nil {
		if errors.Is(err, ErrRasterizationTimeout) {
			r.Retire()
		}
		if errors.Is(err, context.Canceled) {
			// Client went away; neither performed nor dropped.
			return nil, err
		}
		pl.stats.RecordDropped()
		return nil, err
	}

	d := time.Since(start)
	pl.stats.RecordPerformed(d)
	if pl.opts.Benchmarking {
		_ = level.Info(pl.logger).Log("msg", "export finished", "request", job.RequestID, "type", job.Type, "duration", d)
	}
	return res, nil
}

// applyDefaults fills unset job dimensions from the configured export
// defaults.
func (pl *Pipeline) applyDefaults(job *Job) {
	if job.Type == "" {
		job.Type = config.TypePNG
	}
	if job.Height <= 0 {
		job.Height = pl.opts.DefaultHeight
	}
	if job.Width <= 0 {
		job.Width = pl.opts.DefaultWidth
	}
	if job.Scale == 0 {
		job.Scale = pl.opts.DefaultScale
	}
	if job.Scale == 0 {
		job.Scale = 1
	}
}

func (pl *Pipeline) render(ctx context.Context, w *Worker, job *Job, st *jobState) (*Result, error) {
	isVector := job.SVG != ""

	// Classify and install the input.
	switch {
	case isVector:
		if err := w.Page.SetContent(ctx, svgDocument(job.SVG)); err != nil {
			return nil, wrapRender(err, "install vector markup")
		}
	case job.InjectConfig != "":
		displayErrors := job.DisplayErrors && pl.assets.HasModule("debugger")
		w.SetDisplayErrors(displayErrors)

		opts, err := exportOptions(job)
		if err != nil {
			return nil, &Error{Message: "invalid export options", Err: err}
		}
		// The injected config reaches the hook verbatim; only the
		// container is sized, via CSS.
		size := fmt.Sprintf(`(() => {
			const el = document.querySelector('#container');
			if (el) {
				el.style.height = '%dpx';
				el.style.width = '%dpx';
			}
		})()`, job.Height, job.Width)
		if err := w.Page.Evaluate(ctx, size, nil); err != nil {
			return nil, wrapRender(err, "size container")
		}
		expr := fmt.Sprintf("window.triggerExport(%s, %s, %t)", job.InjectConfig, opts, displayErrors)
		if err := w.Page.Evaluate(ctx, expr, nil); err != nil {
			return nil, wrapRender(err, "create chart")
		}
	default:
		displayErrors := job.DisplayErrors && pl.assets.HasModule("debugger")
		w.SetDisplayErrors(displayErrors)

		cfg, err := prepareConfig(job)
		if err != nil {
			return nil, &Error{Message: "invalid chart configuration", Err: err}
		}
		opts, err := exportOptions(job)
		if err != nil {
			return nil, &Error{Message: "invalid export options", Err: err}
		}
		expr := fmt.Sprintf("window.triggerExport(%s, %s, %t)", cfg, opts, displayErrors)
		if err := w.Page.Evaluate(ctx, expr, nil); err != nil {
			return nil, wrapRender(err, "create chart")
		}
	}

	if err := pl.injectResources(ctx, w, job, st); err != nil {
		return nil, wrapRender(err, "inject resources")
	}

	viewportW, viewportH, err := pl.measure(ctx, w, job, isVector)
	if err != nil {
		return nil, err
	}

	deviceScale := job.Scale
	if isVector {
		deviceScale = 1
	}
	if err := w.Page.SetViewport(ctx, viewportW, viewportH, deviceScale); err != nil {
		return nil, wrapRender(err, "set viewport")
	}

	return pl.rasterize(ctx, w, job, viewportW, viewportH)
}

// measure resolves the viewport from the rendered content and the
// requested dimensions.
func (pl *Pipeline) measure(ctx context.Context, w *Worker, job *Job, isVector bool) (width, height int, err error) {
	var measured struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}

	if isVector {
		expr := `(() => {
			const el = document.querySelector('svg');
			if (!el) return { width: 0, height: 0 };
			const r = el.getBoundingClientRect();
			return { width: r.width, height: r.height };
		})()`
		if err := w.Page.Evaluate(ctx, expr, &measured); err != nil {
			return 0, 0, wrapRender(err, "measure vector dimensions")
		}
		measured.Width *= job.Scale
		measured.Height *= job.Scale

		zoom := fmt.Sprintf(`(() => {
			document.body.style.zoom = %g;
			document.body.style.margin = '0px';
		})()`, job.Scale)
		if err := w.Page.Evaluate(ctx, zoom, nil); err != nil {
			return 0, 0, wrapRender(err, "apply vector zoom")
		}
	} else {
		expr := `(() => {
			const chart = (window.Highcharts && Highcharts.charts || []).find(c => c);
			if (chart) return { width: chart.chartWidth, height: chart.chartHeight };
			const el = document.querySelector('#container');
			if (!el) return { width: 0, height: 0 };
			const r = el.getBoundingClientRect();
			return { width: r.width, height: r.height };
		})()`
		if err := w.Page.Evaluate(ctx, expr, &measured); err != nil {
			return 0, 0, wrapRender(err, "measure chart dimensions")
		}
	}

	// A collapsed measurement means the content reported no height at
	// all; fall back to a sane minimum.
	if measured.Height <= 1 {
		measured.Height = 500
	}

	width = int(math.Ceil(math.Max(measured.Width, float64(job.Width))))
	height = int(math.Ceil(math.Max(measured.Height, float64(job.Height))))
	return width, height, nil
}

// rasterize extracts the artifact in the requested output type. The
// call races the rasterization timeout; on loss the job fails and the
// worker is retired by Execute.
func (pl *Pipeline) rasterize(ctx context.Context, w *Worker, job *Job, viewportW, viewportH int) (*Result, error) {
	tctx, cancel := context.WithTimeout(ctx, pl.opts.RasterizationTimeout)
	defer cancel()

	var (
		data []byte
		err  error
	)
	switch job.Type {
	case config.TypeSVG:
		var html string
		html, err = w.Page.OuterHTML(tctx, containerSelector+" svg")
		data = []byte(html)
	case config.TypePNG, config.TypeJPEG:
		var box chromium.Clip
		box, err = w.Page.BoundingBox(tctx, containerSelector)
		if err == nil {
			opts := chromium.ScreenshotOptions{
				Format: job.Type,
				Clip: &chromium.Clip{
					X:      box.X,
					Y:      box.Y,
					Width:  float64(viewportW),
					Height: float64(viewportH),
					Scale:  1,
				},
			}
			if job.Type == config.TypeJPEG {
				opts.Quality = 80
			} else {
				opts.OmitBackground = true
			}
			data, err = w.Page.Screenshot(tctx, opts)
		}
	case config.TypePDF:
		// The extra pixel suppresses a trailing blank page.
		data, err = w.Page.PDF(tctx, chromium.PDFOptions{
			WidthPx:  float64(viewportW),
			HeightPx: float64(viewportH) + 1,
		})
	default:
		return nil, &Error{Message: fmt.Sprintf("unsupported output type %q", job.Type)}
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrRasterizationTimeout
		}
		return nil, wrapRender(err, "capture output")
	}
	return &Result{Type: job.Type, Data: data}, nil
}

// cleanup disposes every injected handle and resets the page. It never
// fails the job; problems are logged and the worker, if truly broken,
// falls out at its next validation.
func (pl *Pipeline) cleanup(w *Worker, st *jobState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, h := range st.handles {
		if err := h.Dispose(ctx); err != nil {
			_ = level.Warn(pl.logger).Log("msg", "disposing injected resource failed", "err", err)
		}
	}
	if err := pl.factory.Reset(ctx, w, pl.opts.HardResetPage); err != nil {
		_ = level.Warn(pl.logger).Log("msg", "resetting page failed", "err", err)
	}
}
