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

package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"golang.org/x/time/rate"

	"github.com/hcexport/exportd/pkg/config"
)

// ipLimiter enforces a per-client-IP request budget over a fixed window.
// Tokens refill continuously at maxRequests per window with a burst of
// the full budget.
type ipLimiter struct {
	logger log.Logger
	cfg    config.RateLimitConfig
	limit  rate.Limit
	burst  int

	mtx      sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(logger log.Logger, cfg config.RateLimitConfig) *ipLimiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 1
	}
	window := time.Duration(cfg.Window) * time.Minute
	l := &ipLimiter{
		logger:   logger,
		cfg:      cfg,
		limit:    rate.Limit(float64(cfg.MaxRequests) / window.Seconds()),
		burst:    cfg.MaxRequests,
		visitors: map[string]*visitor{},
	}
	go l.evictLoop(window)
	return l
}

// allow reports whether the request fits the caller's budget. A matching
// skip key/token pair bypasses the limiter entirely. When a delay is
// configured, an exhausted caller waits it out once before the hard cap.
func (l *ipLimiter) allow(r *http.Request) bool {
	if l.skips(r) {
		return true
	}
	lim := l.visitorLimiter(l.clientIP(r))
	if lim.Allow() {
		return true
	}
	if d := time.Duration(l.cfg.Delay); d > 0 {
		time.Sleep(d)
		return lim.Allow()
	}
	return false
}

func (l *ipLimiter) skips(r *http.Request) bool {
	if l.cfg.SkipKey == "" || l.cfg.SkipToken == "" {
		return false
	}
	q := r.URL.Query()
	return q.Get("key") == l.cfg.SkipKey && q.Get("access_token") == l.cfg.SkipToken
}

// clientIP resolves the caller's address, honoring X-Forwarded-For only
// when the deployment declared a trusted proxy in front.
func (l *ipLimiter) clientIP(r *http.Request) string {
	if l.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (l *ipLimiter) visitorLimiter(ip string) *rate.Limiter {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.lim
}

// evictLoop drops visitors idle for three windows.
func (l *ipLimiter) evictLoop(window time.Duration) {
	for range time.Tick(window) {
		cutoff := time.Now().Add(-3 * window)
		l.mtx.Lock()
		for ip, v := range l.visitors {
			if v.lastSeen.Before(cutoff) {
				delete(l.visitors, ip)
			}
		}
		l.mtx.Unlock()
	}
}
