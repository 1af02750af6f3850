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

// Package server is the HTTP surface of the export service: the export
// routes, health, metrics and the admin version switch.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hcexport/exportd/pkg/config"
	"github.com/hcexport/exportd/pkg/pool"
	"github.com/hcexport/exportd/pkg/render"
)

// Exporter executes one export job. *render.Pipeline implements it.
type Exporter interface {
	Execute(ctx context.Context, job *render.Job) (*render.Result, error)
}

// AssetAdmin is the slice of the asset cache the gateway touches.
// *cache.Cache implements it.
type AssetAdmin interface {
	SwitchVersion(ctx context.Context, newVersion string) error
	ActiveVersion() string
	Version() string
}

// PoolInfo exposes pool occupancy for the health route.
type PoolInfo interface {
	Sizes() (free, inUse, pendingCreate int)
}

// Options configure the gateway.
type Options struct {
	MaxBodySize int64
	// AdminToken guards the version-switch route; empty disables it.
	AdminToken string
	// UIPath, when set, serves static files on GET /.
	UIPath string

	AllowCodeExecution bool
	DefaultType        string
	DefaultConstr      string

	// Deployment-wide customLogic defaults, applied when the payload
	// leaves the matching field empty. Callback and custom code only
	// take effect while code execution is allowed.
	DefaultCallback   string
	DefaultCustomCode string
	DefaultResources  *render.Resources

	RateLimit config.RateLimitConfig
}

var requestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "exportd_http_requests_in_flight",
	Help: "Number of export requests currently being served.",
})

// Server holds the gateway state and its router.
type Server struct {
	logger   log.Logger
	exporter Exporter
	assets   AssetAdmin
	poolInfo PoolInfo
	stats    *pool.Stats
	tracker  *successTracker
	limiter  *ipLimiter
	opts     Options
	router   *mux.Router
	started  time.Time
}

// New wires the routes. The registry may be nil.
func New(logger log.Logger, reg *prometheus.Registry, exporter Exporter, assets AssetAdmin, poolInfo PoolInfo, stats *pool.Stats, opts Options) *Server {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 50 << 20
	}
	if opts.DefaultType == "" {
		opts.DefaultType = config.TypePNG
	}

	s := &Server{
		logger:   logger,
		exporter: exporter,
		assets:   assets,
		poolInfo: poolInfo,
		stats:    stats,
		tracker:  newSuccessTracker(),
		opts:     opts,
		started:  time.Now(),
	}
	if opts.RateLimit.Enable {
		s.limiter = newIPLimiter(logger, opts.RateLimit)
	}
	if reg != nil {
		reg.MustRegister(requestsInFlight)
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})).Methods(http.MethodGet)
	}
	r.HandleFunc("/change-hc-version/{newVersion}", s.handleVersionChange).Methods(http.MethodPost)
	r.HandleFunc("/", s.limited(s.handleExport)).Methods(http.MethodPost)
	r.HandleFunc("/{filename}", s.limited(s.handleExport)).Methods(http.MethodPost)
	if opts.UIPath != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(opts.UIPath))).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run advances the success-rate window until ctx is cancelled. Meant to
// run as a run.Group actor.
func (s *Server) Run(ctx context.Context) error {
	return s.tracker.Run(ctx)
}

// limited wraps an export handler with the rate limiter when enabled.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(r) {
			_ = level.Debug(s.logger).Log("msg", "request rate limited", "ip", s.limiter.clientIP(r))
			writeRateLimited(w, r)
			return
		}
		next(w, r)
	}
}

func writeRateLimited(w http.ResponseWriter, r *http.Request) {
	const msg = "Too many requests, you have been rate limited. Please try again later."
	if acceptsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"` + msg + `"}`))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(msg))
}

func acceptsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
