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

// Package pool bounds concurrency over a set of reusable renderer
// resources. Resources are created lazily up to MaxWorkers, validated
// on every acquire, rotated out after WorkLimit uses and reaped when
// idle. Acquirers past capacity queue FIFO and wait at most
// AcquireTimeout.
package pool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	createsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exportd_pool_creates_total",
		Help: "Number of worker create attempts.",
	})
	createFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exportd_pool_create_failures_total",
		Help: "Number of failed worker creates.",
	})
	destroysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exportd_pool_destroys_total",
		Help: "Number of destroyed workers.",
	})
	acquireWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "exportd_pool_acquire_wait_seconds",
		Help:    "Time spent waiting for a worker.",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
	})
)

// ErrKind classifies pool failures.
type ErrKind int

const (
	KindAcquireTimeout ErrKind = iota
	KindCreateTimeout
	KindDestroyTimeout
	KindDrained
)

func (k ErrKind) String() string {
	switch k {
	case KindAcquireTimeout:
		return "acquire timeout"
	case KindCreateTimeout:
		return "create timeout"
	case KindDestroyTimeout:
		return "destroy timeout"
	case KindDrained:
		return "drained"
	}
	return "unknown"
}

// Error is a pool-side fault.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pool %s: %s", e.Kind, e.Err)
	}
	return fmt.Sprintf("pool %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Factory creates, checks and tears down the pooled values.
type Factory[T any] interface {
	Create(ctx context.Context) (T, error)
	// Validate reports whether a value is still usable; rotation by work
	// count is handled by the pool itself.
	Validate(ctx context.Context, v T) bool
	Destroy(ctx context.Context, v T) error
}

// Resource wraps a pooled value with identity and a work counter.
// While held by a caller it is owned exclusively by that caller.
type Resource[T any] struct {
	ID    string
	Value T

	workCount int
	retired   bool
	fresh     bool
	idleSince time.Time
}

// WorkCount returns the number of validations this resource passed.
func (r *Resource[T]) WorkCount() int { return r.workCount }

// Retire marks the resource for destruction at its next validation.
// Used after a rasterization timeout left the page in an unclean state.
func (r *Resource[T]) Retire() { r.retired = true }

// TakeFresh reports whether this is the resource's first acquisition
// and clears the flag.
func (r *Resource[T]) TakeFresh() bool {
	f := r.fresh
	r.fresh = false
	return f
}

// Options are the pool policy parameters.
type Options struct {
	MinWorkers          int
	MaxWorkers          int
	WorkLimit           int
	AcquireTimeout      time.Duration
	CreateTimeout       time.Duration
	DestroyTimeout      time.Duration
	IdleTimeout         time.Duration
	CreateRetryInterval time.Duration
	ReaperInterval      time.Duration
	// ResourcesInterval enables the top-up tick when positive.
	ResourcesInterval time.Duration
}

// Pool is a bounded set of reusable resources.
type Pool[T any] struct {
	logger  log.Logger
	opts    Options
	factory Factory[T]

	mtx           sync.Mutex
	free          []*Resource[T]
	inUse         map[string]*Resource[T]
	pendingCreate int
	waiters       []chan struct{}
	draining      bool
}

// New builds a pool and registers its gauges with reg (may be nil).
func New[T any](logger log.Logger, reg prometheus.Registerer, factory Factory[T], opts Options) *Pool[T] {
	p := &Pool[T]{
		logger:  logger,
		opts:    opts,
		factory: factory,
		inUse:   map[string]*Resource[T]{},
	}
	if reg != nil {
		reg.MustRegister(createsTotal, createFailures, destroysTotal, acquireWait)
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "exportd_pool_free_workers",
			Help: "Number of free workers.",
		}, func() float64 { f, _, _ := p.Sizes(); return float64(f) }))
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "exportd_pool_in_use_workers",
			Help: "Number of workers serving an export.",
		}, func() float64 { _, u, _ := p.Sizes(); return float64(u) }))
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "exportd_pool_waiting_acquires",
			Help: "Number of acquire calls queued for a worker.",
		}, func() float64 {
			p.mtx.Lock()
			defer p.mtx.Unlock()
			return float64(len(p.waiters))
		}))
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "exportd_pool_pending_creates",
			Help: "Number of worker creates in flight.",
		}, func() float64 { _, _, c := p.Sizes(); return float64(c) }))
	}
	return p
}

// Sizes returns the free, in-use and pending-create counts.
func (p *Pool[T]) Sizes() (free, inUse, pendingCreate int) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.free), len(p.inUse), p.pendingCreate
}

func (p *Pool[T]) totalLocked() int {
	return len(p.free) + len(p.inUse) + p.pendingCreate
}

// Start warms the pool up to MinWorkers. Creates run asynchronously;
// acquirers arriving before warmup completes simply wait on them.
func (p *Pool[T]) Start() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for p.totalLocked() < p.opts.MinWorkers {
		p.startCreateLocked()
	}
}

// Acquire hands out a validated resource, creating one when the pool
// has headroom. Waiters are served in FIFO order as releases and
// creates come in; the wait is bounded by AcquireTimeout.
func (p *Pool[T]) Acquire(ctx context.Context) (*Resource[T], error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.opts.AcquireTimeout)
	defer cancel()
	defer func() { acquireWait.Observe(time.Since(start).Seconds()) }()

	for {
		p.mtx.Lock()
		if p.draining {
			p.mtx.Unlock()
			return nil, &Error{Kind: KindDrained}
		}
		if n := len(p.free); n > 0 {
			r := p.free[n-1]
			p.free = p.free[:n-1]
			p.inUse[r.ID] = r
			p.mtx.Unlock()

			r.workCount++
			if r.retired || r.workCount > p.opts.WorkLimit || !p.factory.Validate(ctx, r.Value) {
				p.discard(r)
				continue
			}
			return r, nil
		}
		if p.totalLocked() < p.opts.MaxWorkers {
			p.startCreateLocked()
		}
		w := make(chan struct{}, 1)
		p.waiters = append(p.waiters, w)
		p.mtx.Unlock()

		select {
		case <-w:
		case <-ctx.Done():
			p.removeWaiter(w)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &Error{Kind: KindAcquireTimeout}
			}
			return nil, ctx.Err()
		}
	}
}

// Release returns a held resource to the free list and wakes the next
// waiter. During a drain the resource is destroyed instead.
func (p *Pool[T]) Release(r *Resource[T]) {
	p.mtx.Lock()
	delete(p.inUse, r.ID)
	if p.draining {
		p.mtx.Unlock()
		p.destroy(r)
		return
	}
	r.idleSince = time.Now()
	p.free = append(p.free, r)
	p.notifyLocked()
	p.mtx.Unlock()
}

// discard destroys a resource that failed validation. The replacement,
// if any, is only started afterwards, by the acquire loop or top-up.
func (p *Pool[T]) discard(r *Resource[T]) {
	p.mtx.Lock()
	delete(p.inUse, r.ID)
	p.mtx.Unlock()
	p.destroy(r)
}

func (p *Pool[T]) destroy(r *Resource[T]) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.DestroyTimeout)
	defer cancel()
	if err := p.factory.Destroy(ctx, r.Value); err != nil {
		_ = level.Warn(p.logger).Log("msg", "destroying worker failed", "id", r.ID, "err", err)
	}
	destroysTotal.Inc()
}

// startCreateLocked registers a pending create and runs it in the
// background. Pending creates count against MaxWorkers; failed ones do
// not and are retried after CreateRetryInterval while demand remains.
func (p *Pool[T]) startCreateLocked() {
	p.pendingCreate++
	createsTotal.Inc()
	go p.runCreate()
}

func (p *Pool[T]) runCreate() {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.CreateTimeout)
	v, err := p.factory.Create(ctx)
	cancel()

	p.mtx.Lock()
	p.pendingCreate--
	if err != nil {
		needed := !p.draining && (len(p.waiters) > 0 || p.totalLocked() < p.opts.MinWorkers)
		p.mtx.Unlock()

		createFailures.Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			err = &Error{Kind: KindCreateTimeout, Err: err}
		}
		_ = level.Warn(p.logger).Log("msg", "creating worker failed", "err", err)
		if needed {
			time.AfterFunc(p.opts.CreateRetryInterval, p.retryCreate)
		}
		return
	}

	r := &Resource[T]{
		ID:        uuid.NewString(),
		Value:     v,
		workCount: initialWorkCount(p.opts.WorkLimit),
		fresh:     true,
		idleSince: time.Now(),
	}
	if p.draining {
		p.mtx.Unlock()
		p.destroy(r)
		return
	}
	p.free = append(p.free, r)
	p.notifyLocked()
	p.mtx.Unlock()
	_ = level.Debug(p.logger).Log("msg", "worker created", "id", r.ID, "initialWorkCount", r.workCount)
}

func (p *Pool[T]) retryCreate() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.draining || p.totalLocked() >= p.opts.MaxWorkers {
		return
	}
	if len(p.waiters) > 0 || p.totalLocked() < p.opts.MinWorkers {
		p.startCreateLocked()
	}
}

// initialWorkCount spreads rotation times by starting new resources at
// a random count in [0, limit/2].
func initialWorkCount(limit int) int {
	if limit < 2 {
		return 0
	}
	return rand.Intn(limit/2 + 1)
}

// notifyLocked wakes one queued waiter per free resource.
func (p *Pool[T]) notifyLocked() {
	n := len(p.free)
	for len(p.waiters) > 0 && n > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		n--
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

func (p *Pool[T]) removeWaiter(w chan struct{}) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Run drives the idle reaper and, when configured, the minimum-size
// top-up tick until ctx is cancelled. Meant to run as a run.Group
// actor.
func (p *Pool[T]) Run(ctx context.Context) error {
	reap := time.NewTicker(p.opts.ReaperInterval)
	defer reap.Stop()

	var topUp <-chan time.Time
	if p.opts.ResourcesInterval > 0 {
		t := time.NewTicker(p.opts.ResourcesInterval)
		defer t.Stop()
		topUp = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reap.C:
			p.reap()
		case <-topUp:
			p.topUp()
		}
	}
}

// reap destroys resources idle for longer than IdleTimeout, never
// dropping the pool below MinWorkers.
func (p *Pool[T]) reap() {
	cutoff := time.Now().Add(-p.opts.IdleTimeout)

	p.mtx.Lock()
	var victims []*Resource[T]
	kept := p.free[:0]
	for _, r := range p.free {
		if r.idleSince.Before(cutoff) && p.totalLocked()-len(victims) > p.opts.MinWorkers {
			victims = append(victims, r)
			continue
		}
		kept = append(kept, r)
	}
	p.free = kept
	p.mtx.Unlock()

	for _, r := range victims {
		_ = level.Debug(p.logger).Log("msg", "reaping idle worker", "id", r.ID)
		p.destroy(r)
	}
}

func (p *Pool[T]) topUp() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.draining {
		return
	}
	for p.totalLocked() < p.opts.MinWorkers {
		p.startCreateLocked()
	}
}

// Drain stops new acquires, waits for held resources to come back
// (bounded by ctx) and destroys the free list. Held resources returned
// after the deadline are still destroyed on release.
func (p *Pool[T]) Drain(ctx context.Context) error {
	p.mtx.Lock()
	if p.draining {
		p.mtx.Unlock()
		return nil
	}
	p.draining = true
	for _, w := range p.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	p.waiters = nil
	free := p.free
	p.free = nil
	p.mtx.Unlock()

	for _, r := range free {
		p.destroy(r)
	}

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		p.mtx.Lock()
		busy := len(p.inUse)
		p.mtx.Unlock()
		if busy == 0 {
			return nil
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return &Error{Kind: KindDestroyTimeout, Err: errors.Errorf("%d workers still in use", busy)}
		}
	}
}
