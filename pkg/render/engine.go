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

	"github.com/hcexport/exportd/pkg/chromium"
)

// Handle refers to an element injected into a page for one job; every
// handle a job creates must be disposed in cleanup.
type Handle interface {
	Dispose(ctx context.Context) error
}

// Page is the slice of the renderer driver the factory and pipeline
// use. *chromium.Page implements it via the adapter below; tests swap
// in fakes.
type Page interface {
	SetContent(ctx context.Context, html string) error
	Navigate(ctx context.Context, url string) error
	DisableCache(ctx context.Context) error
	Evaluate(ctx context.Context, expr string, out any) error
	AddScriptTag(ctx context.Context, tag chromium.ScriptTag) (Handle, error)
	AddStyleTag(ctx context.Context, tag chromium.StyleTag) (Handle, error)
	SetViewport(ctx context.Context, width, height int, deviceScaleFactor float64) error
	Screenshot(ctx context.Context, opts chromium.ScreenshotOptions) ([]byte, error)
	PDF(ctx context.Context, opts chromium.PDFOptions) ([]byte, error)
	OuterHTML(ctx context.Context, selector string) (string, error)
	BoundingBox(ctx context.Context, selector string) (chromium.Clip, error)
	OnError(fn func(text string))
	OnConsole(fn func(text string))
	Closed() bool
	MainFrameDetached() bool
	Close(ctx context.Context) error
}

// Engine produces pages.
type Engine interface {
	NewPage(ctx context.Context) (Page, error)
}

// NewEngine adapts a launched browser to the Engine interface.
func NewEngine(b *chromium.Browser) Engine {
	return browserEngine{b: b}
}

type browserEngine struct {
	b *chromium.Browser
}

func (e browserEngine) NewPage(ctx context.Context) (Page, error) {
	p, err := e.b.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	return browserPage{p}, nil
}

// browserPage narrows the concrete handle/tag return types to the
// interfaces above.
type browserPage struct {
	*chromium.Page
}

func (p browserPage) AddScriptTag(ctx context.Context, tag chromium.ScriptTag) (Handle, error) {
	h, err := p.Page.AddScriptTag(ctx, tag)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (p browserPage) AddStyleTag(ctx context.Context, tag chromium.StyleTag) (Handle, error) {
	h, err := p.Page.AddStyleTag(ctx, tag)
	if err != nil {
		return nil, err
	}
	return h, nil
}
