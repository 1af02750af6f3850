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
	"time"

	"github.com/alecthomas/kingpin/v2"
)

// durationValue adapts a Duration field to kingpin's Value interface so
// flags and env vars accept Go duration strings.
type durationValue struct {
	d *Duration
}

func (v durationValue) Set(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*v.d = Duration(parsed)
	return nil
}

func (v durationValue) String() string {
	return time.Duration(*v.d).String()
}

func durationFlag(f *kingpin.FlagClause, d *Duration) {
	f.SetValue(durationValue{d})
}

// RegisterFlags binds every config option to a flag on app. Flag values
// override whatever the config file set; each flag also reads the named
// environment variable, which ranks between file and flag.
//
// NOTE: only flag registration happens here; nothing is validated until
// the flags have been parsed.
func RegisterFlags(app *kingpin.Application, cfg *Config) {
	// highcharts.
	app.Flag("highcharts.version", "Highcharts version to fetch, or \"latest\".").
		Envar("HIGHCHARTS_VERSION").StringVar(&cfg.Highcharts.Version)
	app.Flag("highcharts.cdn-url", "Base URL of the script CDN.").
		Envar("HIGHCHARTS_CDN").StringVar(&cfg.Highcharts.CDNURL)
	app.Flag("highcharts.force-fetch", "Refetch scripts even when the cached manifest matches.").
		Envar("HIGHCHARTS_FORCE_FETCH").BoolVar(&cfg.Highcharts.ForceFetch)
	app.Flag("highcharts.cache-path", "Directory for the cached sources and manifest.").
		Envar("HIGHCHARTS_CACHE_PATH").StringVar(&cfg.Highcharts.CachePath)
	app.Flag("highcharts.core-scripts", "Core script names to fetch. Repeatable.").
		Envar("HIGHCHARTS_CORE_SCRIPTS").StringsVar(&cfg.Highcharts.CoreScripts)
	app.Flag("highcharts.module-scripts", "Module script names to fetch. Repeatable.").
		Envar("HIGHCHARTS_MODULE_SCRIPTS").StringsVar(&cfg.Highcharts.ModuleScripts)
	app.Flag("highcharts.indicator-scripts", "Indicator script names to fetch. Repeatable.").
		Envar("HIGHCHARTS_INDICATOR_SCRIPTS").StringsVar(&cfg.Highcharts.IndicatorScripts)
	app.Flag("highcharts.custom-scripts", "Additional full script URLs to fetch. Repeatable.").
		Envar("HIGHCHARTS_CUSTOM_SCRIPTS").StringsVar(&cfg.Highcharts.CustomScripts)

	// export.
	app.Flag("export.type", "Default output type: png, jpeg, pdf or svg.").
		Envar("EXPORT_TYPE").StringVar(&cfg.Export.Type)
	app.Flag("export.constr", "Default chart constructor.").
		Envar("EXPORT_CONSTR").StringVar(&cfg.Export.Constr)
	app.Flag("export.default-height", "Default chart height.").
		Envar("EXPORT_DEFAULT_HEIGHT").IntVar(&cfg.Export.DefaultHeight)
	app.Flag("export.default-width", "Default chart width.").
		Envar("EXPORT_DEFAULT_WIDTH").IntVar(&cfg.Export.DefaultWidth)
	app.Flag("export.default-scale", "Default rendering scale.").
		Envar("EXPORT_DEFAULT_SCALE").Float64Var(&cfg.Export.DefaultScale)
	durationFlag(app.Flag("export.rasterization-timeout", "Upper bound for a single rasterization call.").
		Envar("EXPORT_RASTERIZATION_TIMEOUT"), &cfg.Export.RasterizationTimeout)

	// customLogic.
	app.Flag("custom-logic.allow-code-execution", "Allow callers to run custom code inside the renderer.").
		Envar("HIGHCHARTS_ALLOW_CODE_EXECUTION").BoolVar(&cfg.CustomLogic.AllowCodeExecution)
	app.Flag("custom-logic.allow-file-resources", "Allow injecting resources from local file paths.").
		Envar("HIGHCHARTS_ALLOW_FILE_RESOURCES").BoolVar(&cfg.CustomLogic.AllowFileResources)
	app.Flag("custom-logic.custom-code", "Custom code evaluated before every export.").
		Envar("HIGHCHARTS_CUSTOM_CODE").StringVar(&cfg.CustomLogic.CustomCode)
	app.Flag("custom-logic.callback", "Chart construction callback body.").
		Envar("HIGHCHARTS_CALLBACK").StringVar(&cfg.CustomLogic.Callback)
	app.Flag("custom-logic.resources", "Default per-job resources, as JSON or a file path.").
		Envar("HIGHCHARTS_RESOURCES").StringVar(&cfg.CustomLogic.Resources)
	app.Flag("custom-logic.load-config", "Config file merged into every job.").
		Envar("HIGHCHARTS_LOAD_CONFIG").StringVar(&cfg.CustomLogic.LoadConfig)
	app.Flag("custom-logic.create-config", "Write the effective config to this path and exit.").
		Envar("HIGHCHARTS_CREATE_CONFIG").StringVar(&cfg.CustomLogic.CreateConfig)

	// server.
	app.Flag("server.enable", "Enable the HTTP server.").
		Envar("SERVER_ENABLE").BoolVar(&cfg.Server.Enable)
	app.Flag("server.host", "Listen host.").
		Envar("SERVER_HOST").StringVar(&cfg.Server.Host)
	app.Flag("server.port", "Listen port.").
		Envar("SERVER_PORT").IntVar(&cfg.Server.Port)
	app.Flag("server.max-body-size", "Maximum accepted request body size in bytes.").
		Envar("SERVER_MAX_BODY_SIZE").Int64Var(&cfg.Server.MaxBodySize)
	app.Flag("server.ui-path", "Directory of UI static files served on GET /.").
		Envar("SERVER_UI_PATH").StringVar(&cfg.Server.UIPath)
	app.Flag("server.admin-token", "Token required by the hc-auth header on admin routes.").
		Envar("HIGHCHARTS_ADMIN_TOKEN").StringVar(&cfg.Server.AdminToken)
	app.Flag("server.ssl.enable", "Serve TLS.").
		Envar("SERVER_SSL_ENABLE").BoolVar(&cfg.Server.SSL.Enable)
	app.Flag("server.ssl.force", "Redirect plain HTTP to TLS.").
		Envar("SERVER_SSL_FORCE").BoolVar(&cfg.Server.SSL.Force)
	app.Flag("server.ssl.port", "TLS listen port.").
		Envar("SERVER_SSL_PORT").IntVar(&cfg.Server.SSL.Port)
	app.Flag("server.ssl.cert-path", "Directory containing server.crt and server.key.").
		Envar("SERVER_SSL_CERT_PATH").StringVar(&cfg.Server.SSL.CertPath)
	app.Flag("server.rate-limiting.enable", "Enable per-IP rate limiting.").
		Envar("RATE_LIMIT_ENABLE").BoolVar(&cfg.Server.RateLimiting.Enable)
	app.Flag("server.rate-limiting.max-requests", "Requests allowed per window.").
		Envar("RATE_LIMIT_MAX").IntVar(&cfg.Server.RateLimiting.MaxRequests)
	app.Flag("server.rate-limiting.window", "Rate limit window in minutes.").
		Envar("RATE_LIMIT_WINDOW").IntVar(&cfg.Server.RateLimiting.Window)
	durationFlag(app.Flag("server.rate-limiting.delay", "Fixed delay applied before the hard cap.").
		Envar("RATE_LIMIT_DELAY"), &cfg.Server.RateLimiting.Delay)
	app.Flag("server.rate-limiting.trust-proxy", "Read the client IP from the forwarding header.").
		Envar("RATE_LIMIT_TRUST_PROXY").BoolVar(&cfg.Server.RateLimiting.TrustProxy)
	app.Flag("server.rate-limiting.skip-key", "Query key that bypasses the limiter.").
		Envar("RATE_LIMIT_SKIP_KEY").StringVar(&cfg.Server.RateLimiting.SkipKey)
	app.Flag("server.rate-limiting.skip-token", "Query token that bypasses the limiter.").
		Envar("RATE_LIMIT_SKIP_TOKEN").StringVar(&cfg.Server.RateLimiting.SkipToken)
	app.Flag("server.proxy.host", "Outbound HTTP proxy host.").
		Envar("PROXY_SERVER_HOST").StringVar(&cfg.Server.Proxy.Host)
	app.Flag("server.proxy.port", "Outbound HTTP proxy port.").
		Envar("PROXY_SERVER_PORT").IntVar(&cfg.Server.Proxy.Port)
	durationFlag(app.Flag("server.proxy.timeout", "Outbound HTTP proxy timeout.").
		Envar("PROXY_SERVER_TIMEOUT"), &cfg.Server.Proxy.Timeout)

	// pool.
	app.Flag("pool.min-workers", "Minimum number of renderer pages kept alive.").
		Envar("POOL_MIN_WORKERS").IntVar(&cfg.Pool.MinWorkers)
	app.Flag("pool.max-workers", "Maximum number of renderer pages.").
		Envar("POOL_MAX_WORKERS").IntVar(&cfg.Pool.MaxWorkers)
	app.Flag("pool.work-limit", "Exports a page may serve before rotation.").
		Envar("POOL_WORK_LIMIT").IntVar(&cfg.Pool.WorkLimit)
	durationFlag(app.Flag("pool.acquire-timeout", "Maximum wait for a free page.").
		Envar("POOL_ACQUIRE_TIMEOUT"), &cfg.Pool.AcquireTimeout)
	durationFlag(app.Flag("pool.create-timeout", "Maximum time to create a page.").
		Envar("POOL_CREATE_TIMEOUT"), &cfg.Pool.CreateTimeout)
	durationFlag(app.Flag("pool.destroy-timeout", "Maximum time to destroy a page.").
		Envar("POOL_DESTROY_TIMEOUT"), &cfg.Pool.DestroyTimeout)
	durationFlag(app.Flag("pool.idle-timeout", "Free pages idle longer than this are reaped.").
		Envar("POOL_IDLE_TIMEOUT"), &cfg.Pool.IdleTimeout)
	durationFlag(app.Flag("pool.create-retry-interval", "Delay before retrying a failed page create.").
		Envar("POOL_CREATE_RETRY_INTERVAL"), &cfg.Pool.CreateRetryInterval)
	durationFlag(app.Flag("pool.reaper-interval", "How often idle pages are checked.").
		Envar("POOL_REAPER_INTERVAL"), &cfg.Pool.ReaperInterval)
	durationFlag(app.Flag("pool.resources-interval", "Top-up check interval; 0 disables it.").
		Envar("POOL_RESOURCES_INTERVAL"), &cfg.Pool.ResourcesInterval)
	app.Flag("pool.benchmarking", "Log the duration of every export.").
		Envar("POOL_BENCHMARKING").BoolVar(&cfg.Pool.Benchmarking)

	// logging.
	app.Flag("logging.level", "Log level 0-5.").
		Envar("LOG_LEVEL").IntVar(&cfg.Logging.Level)
	app.Flag("logging.format", "Log format: logfmt or json.").
		Envar("LOG_FORMAT").StringVar(&cfg.Logging.Format)
	app.Flag("logging.file", "Log file name.").
		Envar("LOG_FILE").StringVar(&cfg.Logging.File)
	app.Flag("logging.dest", "Log file directory.").
		Envar("LOG_DEST").StringVar(&cfg.Logging.Dest)
	app.Flag("logging.to-console", "Log to stderr.").
		Envar("LOG_TO_CONSOLE").BoolVar(&cfg.Logging.ToConsole)
	app.Flag("logging.to-file", "Log to the configured file.").
		Envar("LOG_TO_FILE").BoolVar(&cfg.Logging.ToFile)

	// other.
	app.Flag("other.hard-reset-page", "Navigate to about:blank between jobs instead of swapping markup.").
		Envar("OTHER_HARD_RESET_PAGE").BoolVar(&cfg.Other.HardResetPage)
	app.Flag("other.hard-reset-on-rotation", "Hard-reset a freshly created page before its first job.").
		Envar("OTHER_HARD_RESET_ON_ROTATION").BoolVar(&cfg.Other.HardResetOnRotation)
	app.Flag("other.browser-shell-mode", "Run the browser in old headless shell mode.").
		Envar("OTHER_BROWSER_SHELL_MODE").BoolVar(&cfg.Other.BrowserShellMode)
	app.Flag("other.listen-to-process-exits", "Drain the pool on SIGINT/SIGTERM.").
		Envar("OTHER_LISTEN_TO_PROCESS_EXITS").BoolVar(&cfg.Other.ListenToProcessExits)

	// debug.
	app.Flag("debug.headless", "Run the browser headless.").
		Envar("DEBUG_HEADLESS").BoolVar(&cfg.Debug.Headless)
	app.Flag("debug.devtools", "Open devtools in the launched browser.").
		Envar("DEBUG_DEVTOOLS").BoolVar(&cfg.Debug.Devtools)
	app.Flag("debug.listen-to-console", "Forward renderer console messages to the log.").
		Envar("DEBUG_LISTEN_TO_CONSOLE").BoolVar(&cfg.Debug.ListenToConsole)
	durationFlag(app.Flag("debug.slow-mo", "Delay inserted between driver calls.").
		Envar("DEBUG_SLOW_MO"), &cfg.Debug.SlowMo)
	app.Flag("debug.debugging-port", "Fixed remote debugging port; 0 picks a free one.").
		Envar("DEBUG_DEBUGGING_PORT").IntVar(&cfg.Debug.DebuggingPort)
}
