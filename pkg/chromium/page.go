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

package chromium

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// EvalError is a script exception raised inside the page.
type EvalError struct {
	Text string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("page script error: %s", e.Text)
}

// Page is a single tab. All operations on a page must be issued by one
// goroutine at a time; the pool enforces that by handing a page to at
// most one job.
type Page struct {
	logger      log.Logger
	conn        *conn
	targetID    string
	sessionID   string
	mainFrameID string

	mtx       sync.Mutex
	closed    bool
	detached  bool
	onError   func(text string)
	onConsole func(text string)
}

// ScriptTag describes a script to inject; exactly one of URL and
// Content is set.
type ScriptTag struct {
	URL     string
	Content string
}

// StyleTag describes a stylesheet to inject; exactly one of URL and
// Content is set. URL injections become link elements.
type StyleTag struct {
	URL     string
	Content string
}

// Clip is a capture region in CSS pixels.
type Clip struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Scale  float64 `json:"scale"`
}

// ScreenshotOptions parameterise Page.captureScreenshot.
type ScreenshotOptions struct {
	// Format is "png" or "jpeg".
	Format         string
	Quality        int
	Clip           *Clip
	OmitBackground bool
	// Engine hints, forwarded verbatim.
	CaptureBeyondViewport bool
	OptimizeForSpeed      bool
}

// PDFOptions parameterise Page.printToPDF. Dimensions are CSS pixels.
type PDFOptions struct {
	WidthPx  float64
	HeightPx float64
}

func (p *Page) handleEvent(method string, params json.RawMessage) {
	switch method {
	case "Page.frameDetached":
		var ev struct {
			FrameID string `json:"frameId"`
		}
		if json.Unmarshal(params, &ev) == nil && ev.FrameID == p.mainFrameID {
			p.mtx.Lock()
			p.detached = true
			p.mtx.Unlock()
		}
	case "Inspector.targetCrashed":
		p.mtx.Lock()
		p.detached = true
		p.mtx.Unlock()
		_ = level.Warn(p.logger).Log("msg", "renderer target crashed")
	case "Runtime.exceptionThrown":
		var ev struct {
			ExceptionDetails struct {
				Text      string `json:"text"`
				Exception *struct {
					Description string `json:"description"`
				} `json:"exception"`
			} `json:"exceptionDetails"`
		}
		if json.Unmarshal(params, &ev) != nil {
			return
		}
		text := ev.ExceptionDetails.Text
		if ev.ExceptionDetails.Exception != nil && ev.ExceptionDetails.Exception.Description != "" {
			text = ev.ExceptionDetails.Exception.Description
		}
		p.mtx.Lock()
		fn := p.onError
		p.mtx.Unlock()
		if fn != nil {
			fn(text)
		}
	case "Runtime.consoleAPICalled":
		var ev struct {
			Type string `json:"type"`
			Args []struct {
				Value       any    `json:"value"`
				Description string `json:"description"`
			} `json:"args"`
		}
		if json.Unmarshal(params, &ev) != nil {
			return
		}
		parts := make([]string, 0, len(ev.Args))
		for _, a := range ev.Args {
			if a.Value != nil {
				parts = append(parts, fmt.Sprint(a.Value))
			} else {
				parts = append(parts, a.Description)
			}
		}
		p.mtx.Lock()
		fn := p.onConsole
		p.mtx.Unlock()
		if fn != nil {
			fn(fmt.Sprintf("[%s] %s", ev.Type, strings.Join(parts, " ")))
		}
	default:
		p.conn.logEvent(method)
	}
}

// OnError installs the page-error listener. Pass nil to remove it.
func (p *Page) OnError(fn func(text string)) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.onError = fn
}

// OnConsole installs the console listener. Pass nil to remove it.
func (p *Page) OnConsole(fn func(text string)) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.onConsole = fn
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.closed
}

// MainFrameDetached reports whether the main frame was detached or the
// target crashed; such a page must not be reused.
func (p *Page) MainFrameDetached() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.detached
}

// DisableCache turns the page's HTTP cache off.
func (p *Page) DisableCache(ctx context.Context) error {
	return p.conn.call(ctx, p.sessionID, "Network.setCacheDisabled", map[string]any{"cacheDisabled": true}, nil)
}

// SetContent replaces the main frame document.
func (p *Page) SetContent(ctx context.Context, html string) error {
	return p.conn.call(ctx, p.sessionID, "Page.setDocumentContent", map[string]any{
		"frameId": p.mainFrameID,
		"html":    html,
	}, nil)
}

// Navigate loads the given URL in the main frame.
func (p *Page) Navigate(ctx context.Context, url string) error {
	var res struct {
		ErrorText string `json:"errorText"`
	}
	if err := p.conn.call(ctx, p.sessionID, "Page.navigate", map[string]any{"url": url}, &res); err != nil {
		return err
	}
	if res.ErrorText != "" {
		return errors.Errorf("navigate to %q: %s", url, res.ErrorText)
	}
	return nil
}

// Evaluate runs expr in the page, awaiting promises, and decodes its
// value into out when non-nil. Page exceptions surface as *EvalError.
func (p *Page) Evaluate(ctx context.Context, expr string, out any) error {
	var res struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	err := p.conn.call(ctx, p.sessionID, "Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  true,
	}, &res)
	if err != nil {
		return err
	}
	if d := res.ExceptionDetails; d != nil {
		text := d.Text
		if d.Exception != nil && d.Exception.Description != "" {
			text = d.Exception.Description
		}
		return &EvalError{Text: text}
	}
	if out != nil && len(res.Result.Value) > 0 {
		if err := json.Unmarshal(res.Result.Value, out); err != nil {
			return errors.Wrap(err, "decode evaluate result")
		}
	}
	return nil
}

// evaluateHandle runs expr and returns the remote object id of its
// result instead of serialising it.
func (p *Page) evaluateHandle(ctx context.Context, expr string) (string, error) {
	var res struct {
		Result struct {
			ObjectID string `json:"objectId"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	err := p.conn.call(ctx, p.sessionID, "Runtime.evaluate", map[string]any{
		"expression":   expr,
		"awaitPromise": true,
	}, &res)
	if err != nil {
		return "", err
	}
	if d := res.ExceptionDetails; d != nil {
		text := d.Text
		if d.Exception != nil && d.Exception.Description != "" {
			text = d.Exception.Description
		}
		return "", &EvalError{Text: text}
	}
	return res.Result.ObjectID, nil
}

// jsString encodes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Handle refers to an element injected into the page. Disposing it
// removes the element and releases the remote object.
type Handle struct {
	page     *Page
	objectID string
}

func (h *Handle) Dispose(ctx context.Context) error {
	err := h.page.conn.call(ctx, h.page.sessionID, "Runtime.callFunctionOn", map[string]any{
		"objectId":            h.objectID,
		"functionDeclaration": "function() { this.remove(); }",
	}, nil)
	relErr := h.page.conn.call(ctx, h.page.sessionID, "Runtime.releaseObject", map[string]any{
		"objectId": h.objectID,
	}, nil)
	if err != nil {
		return errors.Wrap(err, "remove injected element")
	}
	return relErr
}

// AddScriptTag injects a script element and waits for it to load.
func (p *Page) AddScriptTag(ctx context.Context, tag ScriptTag) (*Handle, error) {
	var expr string
	if tag.URL != "" {
		expr = fmt.Sprintf(`new Promise((resolve, reject) => {
			const s = document.createElement('script');
			s.src = %s;
			s.onload = () => resolve(s);
			s.onerror = () => reject(new Error('failed to load script ' + s.src));
			document.head.appendChild(s);
		})`, jsString(tag.URL))
	} else {
		expr = fmt.Sprintf(`(() => {
			const s = document.createElement('script');
			s.text = %s;
			document.head.appendChild(s);
			return s;
		})()`, jsString(tag.Content))
	}
	objectID, err := p.evaluateHandle(ctx, expr)
	if err != nil {
		return nil, err
	}
	return &Handle{page: p, objectID: objectID}, nil
}

// AddStyleTag injects a style element, or a link element for URLs, and
// waits for stylesheets to load.
func (p *Page) AddStyleTag(ctx context.Context, tag StyleTag) (*Handle, error) {
	var expr string
	if tag.URL != "" {
		expr = fmt.Sprintf(`new Promise((resolve, reject) => {
			const l = document.createElement('link');
			l.rel = 'stylesheet';
			l.href = %s;
			l.onload = () => resolve(l);
			l.onerror = () => reject(new Error('failed to load stylesheet ' + l.href));
			document.head.appendChild(l);
		})`, jsString(tag.URL))
	} else {
		expr = fmt.Sprintf(`(() => {
			const s = document.createElement('style');
			s.appendChild(document.createTextNode(%s));
			document.head.appendChild(s);
			return s;
		})()`, jsString(tag.Content))
	}
	objectID, err := p.evaluateHandle(ctx, expr)
	if err != nil {
		return nil, err
	}
	return &Handle{page: p, objectID: objectID}, nil
}

// SetViewport overrides the page's device metrics.
func (p *Page) SetViewport(ctx context.Context, width, height int, deviceScaleFactor float64) error {
	return p.conn.call(ctx, p.sessionID, "Emulation.setDeviceMetricsOverride", map[string]any{
		"width":             width,
		"height":            height,
		"deviceScaleFactor": deviceScaleFactor,
		"mobile":            false,
	}, nil)
}

// Screenshot captures the page and returns the decoded image bytes.
func (p *Page) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	params := map[string]any{
		"format":                opts.Format,
		"captureBeyondViewport": opts.CaptureBeyondViewport,
		"optimizeForSpeed":      opts.OptimizeForSpeed,
	}
	if opts.Format == "jpeg" && opts.Quality > 0 {
		params["quality"] = opts.Quality
	}
	if opts.Clip != nil {
		params["clip"] = opts.Clip
	}
	if opts.OmitBackground {
		params["fromSurface"] = true
		params["omitBackground"] = true
	}
	var res struct {
		Data string `json:"data"`
	}
	if err := p.conn.call(ctx, p.sessionID, "Page.captureScreenshot", params, &res); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, errors.Wrap(err, "decode screenshot data")
	}
	return data, nil
}

// cssPixelsPerInch converts page dimensions to the paper sizes
// printToPDF expects.
const cssPixelsPerInch = 96.0

// PDF emulates screen media and prints the page.
func (p *Page) PDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	err := p.conn.call(ctx, p.sessionID, "Emulation.setEmulatedMedia", map[string]any{"media": "screen"}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "emulate screen media")
	}
	var res struct {
		Data string `json:"data"`
	}
	err = p.conn.call(ctx, p.sessionID, "Page.printToPDF", map[string]any{
		"paperWidth":      opts.WidthPx / cssPixelsPerInch,
		"paperHeight":     opts.HeightPx / cssPixelsPerInch,
		"marginTop":       0,
		"marginBottom":    0,
		"marginLeft":      0,
		"marginRight":     0,
		"printBackground": true,
	}, &res)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, errors.Wrap(err, "decode pdf data")
	}
	return data, nil
}

// OuterHTML returns the outer HTML of the first element matching the
// selector, or an error if none matches.
func (p *Page) OuterHTML(ctx context.Context, selector string) (string, error) {
	var html *string
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		return el ? el.outerHTML : null;
	})()`, jsString(selector))
	if err := p.Evaluate(ctx, expr, &html); err != nil {
		return "", err
	}
	if html == nil {
		return "", errors.Errorf("no element matches selector %q", selector)
	}
	return *html, nil
}

// BoundingBox returns the bounding client rectangle of the first
// element matching the selector.
func (p *Page) BoundingBox(ctx context.Context, selector string) (Clip, error) {
	var box *Clip
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return null;
		const r = el.getBoundingClientRect();
		return { x: r.x, y: r.y, width: r.width, height: r.height, scale: 1 };
	})()`, jsString(selector))
	if err := p.Evaluate(ctx, expr, &box); err != nil {
		return Clip{}, err
	}
	if box == nil {
		return Clip{}, errors.Errorf("no element matches selector %q", selector)
	}
	return *box, nil
}

// Close detaches the session and closes the tab.
func (p *Page) Close(ctx context.Context) error {
	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		return nil
	}
	p.closed = true
	p.mtx.Unlock()

	p.conn.unsubscribe(p.sessionID)
	return p.conn.call(ctx, "", "Target.closeTarget", map[string]any{"targetId": p.targetID}, nil)
}
