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

// exportd renders chart configurations and vector markup into PNG,
// JPEG, PDF and SVG artifacts over a pool of headless browser pages.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hcexport/exportd/pkg/cache"
	"github.com/hcexport/exportd/pkg/chromium"
	"github.com/hcexport/exportd/pkg/config"
	"github.com/hcexport/exportd/pkg/pool"
	"github.com/hcexport/exportd/pkg/render"
	"github.com/hcexport/exportd/pkg/server"
	"github.com/hcexport/exportd/pkg/version"
)

func main() {
	a := kingpin.New("exportd", "A chart export server.").Version(version.Version)
	configFile := a.Flag("config.file", "Path of a JSON configuration file layered over the built-in defaults.").
		Envar("EXPORTD_CONFIG_FILE").String()

	cfg := config.Default()
	config.RegisterFlags(a, &cfg)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "parsing flags:", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}
	files := []string{cfg.CustomLogic.LoadConfig, *configFile}
	loaded := false
	for _, f := range files {
		if f == "" {
			continue
		}
		if err := config.LoadFile(f, &cfg); err != nil {
			fmt.Fprintln(os.Stderr, "loading configuration:", err)
			os.Exit(1)
		}
		loaded = true
	}
	if loaded {
		// Flags win over the files; re-apply them on top.
		if _, err := a.Parse(os.Args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, "parsing flags:", err)
			os.Exit(2)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	if path := cfg.CustomLogic.CreateConfig; path != "" {
		b, err := json.MarshalIndent(cfg, "", "  ")
		if err == nil {
			err = os.WriteFile(path, b, 0o644)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "writing configuration:", err)
			os.Exit(1)
		}
		fmt.Println("wrote configuration to", path)
		return
	}

	logger, logCloser, err := setupLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "setting up logging:", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if err := runMain(logger, cfg); err != nil {
		_ = level.Error(logger).Log("msg", "exiting on error", "err", err)
		os.Exit(1)
	}
}

func runMain(logger log.Logger, cfg config.Config) error {
	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx := context.Background()

	defaultResources, err := resolveResources(cfg.CustomLogic.Resources, cfg.CustomLogic.AllowFileResources)
	if err != nil {
		return err
	}

	cdnClient, err := proxiedClient(cfg.Server.Proxy)
	if err != nil {
		return err
	}
	assets := cache.New(log.With(logger, "component", "cache"), cfg.Highcharts, cdnClient)
	if err := assets.Ensure(ctx); err != nil {
		return err
	}
	_ = level.Info(logger).Log("msg", "library assets ready", "version", assets.ActiveVersion())

	browser, err := chromium.Launch(ctx, log.With(logger, "component", "browser"), chromium.Options{
		Headless:      cfg.Debug.Headless,
		ShellMode:     cfg.Other.BrowserShellMode,
		Devtools:      cfg.Debug.Devtools,
		SlowMo:        time.Duration(cfg.Debug.SlowMo),
		DebuggingPort: cfg.Debug.DebuggingPort,
	})
	if err != nil {
		return err
	}

	factory := render.NewPageFactory(
		log.With(logger, "component", "factory"),
		render.NewEngine(browser),
		assets,
		render.FactoryOptions{ListenToConsole: cfg.Debug.ListenToConsole},
	)
	workers := pool.New[*render.Worker](log.With(logger, "component", "pool"), metrics, factory, pool.Options{
		MinWorkers:          cfg.Pool.MinWorkers,
		MaxWorkers:          cfg.Pool.MaxWorkers,
		WorkLimit:           cfg.Pool.WorkLimit,
		AcquireTimeout:      time.Duration(cfg.Pool.AcquireTimeout),
		CreateTimeout:       time.Duration(cfg.Pool.CreateTimeout),
		DestroyTimeout:      time.Duration(cfg.Pool.DestroyTimeout),
		IdleTimeout:         time.Duration(cfg.Pool.IdleTimeout),
		CreateRetryInterval: time.Duration(cfg.Pool.CreateRetryInterval),
		ReaperInterval:      time.Duration(cfg.Pool.ReaperInterval),
		ResourcesInterval:   time.Duration(cfg.Pool.ResourcesInterval),
	})
	workers.Start()

	stats := pool.NewStats(metrics)
	pipeline := render.NewPipeline(
		log.With(logger, "component", "pipeline"),
		workers, factory, assets, stats,
		render.Options{
			DefaultHeight:        cfg.Export.DefaultHeight,
			DefaultWidth:         cfg.Export.DefaultWidth,
			DefaultScale:         cfg.Export.DefaultScale,
			RasterizationTimeout: time.Duration(cfg.Export.RasterizationTimeout),
			AllowFileResources:   cfg.CustomLogic.AllowFileResources,
			HardResetPage:        cfg.Other.HardResetPage,
			HardResetOnRotation:  cfg.Other.HardResetOnRotation,
			Benchmarking:         cfg.Pool.Benchmarking,
		},
	)

	srv := server.New(
		log.With(logger, "component", "server"),
		metrics, pipeline, assets, workers, stats,
		server.Options{
			MaxBodySize:        cfg.Server.MaxBodySize,
			AdminToken:         cfg.Server.AdminToken,
			UIPath:             cfg.Server.UIPath,
			AllowCodeExecution: cfg.CustomLogic.AllowCodeExecution,
			DefaultType:        cfg.Export.Type,
			DefaultConstr:      cfg.Export.Constr,
			DefaultCallback:    cfg.CustomLogic.Callback,
			DefaultCustomCode:  cfg.CustomLogic.CustomCode,
			DefaultResources:   defaultResources,
			RateLimit:          cfg.Server.RateLimiting,
		},
	)

	var g run.Group
	{
		// Termination handler.
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		if cfg.Other.ListenToProcessExits {
			signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		}
		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received termination signal, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		// Pool maintenance: reaper and top-up ticks.
		poolCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return workers.Run(poolCtx)
		}, func(error) {
			cancel()
		})
	}
	{
		// Success-rate window for the health route.
		trackCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return srv.Run(trackCtx)
		}, func(error) {
			cancel()
		})
	}
	if cfg.Server.Enable {
		handler := srv.Handler()
		if cfg.Server.SSL.Enable && cfg.Server.SSL.Force {
			// The plain listener only bounces callers to the TLS port.
			sslPort := cfg.Server.SSL.Port
			handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				host := r.Host
				if h, _, err := net.SplitHostPort(host); err == nil {
					host = h
				}
				u := fmt.Sprintf("https://%s:%d%s", host, sslPort, r.URL.RequestURI())
				http.Redirect(w, r, u, http.StatusMovedPermanently)
			})
		}
		httpSrv := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler: handler,
		}
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "listening", "addr", httpSrv.Addr)
			return httpSrv.ListenAndServe()
		}, func(error) {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutCtx)
		})
		if cfg.Server.SSL.Enable {
			certFile := filepath.Join(cfg.Server.SSL.CertPath, "server.crt")
			keyFile := filepath.Join(cfg.Server.SSL.CertPath, "server.key")
			tlsSrv := &http.Server{
				Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.SSL.Port),
				Handler: srv.Handler(),
			}
			g.Add(func() error {
				_ = level.Info(logger).Log("msg", "listening with TLS", "addr", tlsSrv.Addr)
				return tlsSrv.ListenAndServeTLS(certFile, keyFile)
			}, func(error) {
				shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = tlsSrv.Shutdown(shutCtx)
			})
		}
	}

	err = g.Run()

	// Drain the renderers before taking the browser down so in-flight
	// exports finish.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if derr := workers.Drain(drainCtx); derr != nil {
		_ = level.Warn(logger).Log("msg", "draining worker pool failed", "err", derr)
	}
	if cerr := browser.Close(drainCtx); cerr != nil {
		_ = level.Warn(logger).Log("msg", "closing browser failed", "err", cerr)
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// resolveResources turns the customLogic.resources option into the
// deployment-wide resources default. The value is either a JSON
// document or, when file resources are allowed, a path to one.
func resolveResources(value string, allowFile bool) (*render.Resources, error) {
	if value == "" {
		return nil, nil
	}
	b := []byte(value)
	if !json.Valid(b) {
		if !allowFile {
			return nil, errors.New("customLogic.resources is not valid JSON and file resources are disabled")
		}
		data, err := os.ReadFile(value)
		if err != nil {
			return nil, errors.Wrap(err, "reading customLogic.resources file")
		}
		b = data
	}
	var res render.Resources
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, errors.Wrap(err, "parsing customLogic.resources")
	}
	return &res, nil
}

// proxiedClient builds the CDN fetch client, routed through the
// configured outbound proxy when one is set. A nil return means the
// cache falls back to its own default client.
func proxiedClient(cfg config.ProxyConfig) (*http.Client, error) {
	if cfg.Host == "" {
		return nil, nil
	}
	proxyURL, err := url.Parse(fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, errors.Wrap(err, "invalid proxy address")
	}
	transport := cleanhttp.DefaultPooledTransport()
	transport.Proxy = http.ProxyURL(proxyURL)
	client := &http.Client{Transport: transport}
	if cfg.Timeout > 0 {
		client.Timeout = time.Duration(cfg.Timeout)
	}
	return client, nil
}

// setupLogger builds the process logger from the logging section: a
// level filter over logfmt output to the console, a file, or both.
func setupLogger(cfg config.LoggingConfig) (log.Logger, io.Closer, error) {
	var (
		writers []io.Writer
		closer  io.Closer
	)
	if cfg.ToConsole {
		writers = append(writers, os.Stderr)
	}
	if cfg.ToFile && cfg.File != "" {
		path := cfg.File
		if cfg.Dest != "" {
			if err := os.MkdirAll(cfg.Dest, 0o755); err != nil {
				return nil, nil, err
			}
			path = filepath.Join(cfg.Dest, cfg.File)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, f)
		closer = f
	}
	var w io.Writer = os.Stderr
	switch len(writers) {
	case 0:
	case 1:
		w = writers[0]
	default:
		w = io.MultiWriter(writers...)
	}

	var logger log.Logger
	if cfg.Format == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	logger = level.NewFilter(logger, logLevel(cfg.Level))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return logger, closer, nil
}

// logLevel maps the numeric 0-5 configuration level onto the filter.
// Level 0 silences everything below the error floor; 4 and 5 both map
// to debug, 4 being the legacy "verbose" notch.
func logLevel(n int) level.Option {
	switch n {
	case 0, 1:
		return level.AllowError()
	case 2:
		return level.AllowWarn()
	case 3:
		return level.AllowInfo()
	default:
		return level.AllowDebug()
	}
}
