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

package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeFactory builds integer-handle resources and records lifecycle
// calls.
type fakeFactory struct {
	mtx       sync.Mutex
	nextID    int
	created   atomic.Int64
	destroyed atomic.Int64
	failNext  atomic.Int64
	invalid   map[int]bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{invalid: map[int]bool{}}
}

func (f *fakeFactory) Create(context.Context) (int, error) {
	if f.failNext.Load() > 0 {
		f.failNext.Add(-1)
		return 0, errors.New("creation refused")
	}
	f.mtx.Lock()
	f.nextID++
	id := f.nextID
	f.mtx.Unlock()
	f.created.Add(1)
	return id, nil
}

func (f *fakeFactory) Validate(_ context.Context, v int) bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return !f.invalid[v]
}

func (f *fakeFactory) Destroy(_ context.Context, _ int) error {
	f.destroyed.Add(1)
	return nil
}

func (f *fakeFactory) markInvalid(v int) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.invalid[v] = true
}

func testOptions() Options {
	return Options{
		MinWorkers:          1,
		MaxWorkers:          2,
		WorkLimit:           1000,
		AcquireTimeout:      time.Second,
		CreateTimeout:       time.Second,
		DestroyTimeout:      time.Second,
		IdleTimeout:         time.Hour,
		CreateRetryInterval: 10 * time.Millisecond,
		ReaperInterval:      10 * time.Millisecond,
	}
}

func newTestPool(t *testing.T, f Factory[int], opts Options) *Pool[int] {
	t.Helper()
	return New(log.NewNopLogger(), nil, f, opts)
}

func TestAcquireRelease(t *testing.T) {
	f := newFakeFactory()
	p := newTestPool(t, f, testOptions())

	r, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, r.ID)
	require.Equal(t, 1, r.WorkCount())
	require.True(t, r.TakeFresh())
	require.False(t, r.TakeFresh(), "fresh flag must clear on first read")

	_, inUse, _ := p.Sizes()
	require.Equal(t, 1, inUse)

	p.Release(r)
	free, inUse, _ := p.Sizes()
	require.Equal(t, 1, free)
	require.Equal(t, 0, inUse)

	// The same resource comes back with a bumped work count.
	r2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, r.ID, r2.ID)
	require.Equal(t, 2, r2.WorkCount())
	p.Release(r2)
}

func TestAcquireBoundedByMaxWorkers(t *testing.T) {
	f := newFakeFactory()
	opts := testOptions()
	opts.AcquireTimeout = 50 * time.Millisecond
	p := newTestPool(t, f, opts)

	r1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	r2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), f.created.Load())

	// A third acquire has no headroom and must time out.
	_, err = p.Acquire(context.Background())
	perr := &Error{}
	require.ErrorAs(t, err, &perr)
	require.Equal(t, KindAcquireTimeout, perr.Kind)

	p.Release(r1)
	p.Release(r2)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	f := newFakeFactory()
	p := newTestPool(t, f, testOptions())

	r1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	r2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Resource[int])
	go func() {
		r, err := p.Acquire(context.Background())
		require.NoError(t, err)
		got <- r
	}()

	// The waiter is served by the release, not a new create.
	time.Sleep(20 * time.Millisecond)
	p.Release(r1)
	r3 := <-got
	require.Equal(t, r1.ID, r3.ID)
	p.Release(r2)
	p.Release(r3)
	require.Equal(t, int64(2), f.created.Load())
}

func TestAcquireCancelledContext(t *testing.T) {
	f := newFakeFactory()
	p := newTestPool(t, f, testOptions())

	r1, _ := p.Acquire(context.Background())
	r2, _ := p.Acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	err := <-errc
	require.ErrorIs(t, err, context.Canceled)

	p.Release(r1)
	p.Release(r2)
}

func TestRotationAfterWorkLimit(t *testing.T) {
	f := newFakeFactory()
	opts := testOptions()
	// A limit below 2 pins the initial work count to zero, making the
	// rotation point deterministic.
	opts.WorkLimit = 1
	p := newTestPool(t, f, opts)

	r, err := p.Acquire(context.Background())
	require.NoError(t, err)
	firstID := r.ID
	p.Release(r)

	// The second acquire pushes the counter past the limit; the resource
	// is rotated out and a replacement served.
	r2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, firstID, r2.ID)
	require.Equal(t, int64(1), f.destroyed.Load())
	p.Release(r2)
}

func TestRetiredResourceIsDiscarded(t *testing.T) {
	f := newFakeFactory()
	p := newTestPool(t, f, testOptions())

	r, err := p.Acquire(context.Background())
	require.NoError(t, err)
	r.Retire()
	p.Release(r)

	r2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, r.ID, r2.ID)
	require.Equal(t, int64(1), f.destroyed.Load())
	p.Release(r2)
}

func TestValidationFailureDiscards(t *testing.T) {
	f := newFakeFactory()
	p := newTestPool(t, f, testOptions())

	r, err := p.Acquire(context.Background())
	require.NoError(t, err)
	f.markInvalid(r.Value)
	p.Release(r)

	r2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, r.ID, r2.ID)
	require.Equal(t, int64(1), f.destroyed.Load())
	p.Release(r2)
}

func TestCreateFailureRetries(t *testing.T) {
	f := newFakeFactory()
	f.failNext.Store(1)
	opts := testOptions()
	opts.AcquireTimeout = 2 * time.Second
	p := newTestPool(t, f, opts)

	// The first create fails; the retry after CreateRetryInterval must
	// still serve the waiting acquire.
	r, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), f.created.Load())
	p.Release(r)
}

func TestStartWarmsToMinWorkers(t *testing.T) {
	f := newFakeFactory()
	opts := testOptions()
	opts.MinWorkers = 2
	p := newTestPool(t, f, opts)

	p.Start()
	require.Eventually(t, func() bool {
		free, _, _ := p.Sizes()
		return free == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, int64(2), f.created.Load())
}

func TestReaperRespectsMinWorkers(t *testing.T) {
	f := newFakeFactory()
	opts := testOptions()
	opts.MinWorkers = 1
	opts.IdleTimeout = time.Nanosecond
	p := newTestPool(t, f, opts)

	r1, _ := p.Acquire(context.Background())
	r2, _ := p.Acquire(context.Background())
	p.Release(r1)
	p.Release(r2)
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		free, _, _ := p.Sizes()
		return free == 1
	}, time.Second, 10*time.Millisecond)

	// The survivor stays even though it is long idle.
	time.Sleep(50 * time.Millisecond)
	free, _, _ := p.Sizes()
	require.Equal(t, 1, free)

	cancel()
	<-done
}

func TestTopUpKeepsMinWorkers(t *testing.T) {
	f := newFakeFactory()
	opts := testOptions()
	opts.MinWorkers = 2
	opts.IdleTimeout = time.Hour
	opts.ResourcesInterval = 10 * time.Millisecond
	p := newTestPool(t, f, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool {
		free, _, _ := p.Sizes()
		return free == 2
	}, time.Second, 10*time.Millisecond)
}

func TestDrain(t *testing.T) {
	f := newFakeFactory()
	p := newTestPool(t, f, testOptions())

	r, err := p.Acquire(context.Background())
	require.NoError(t, err)
	r2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(r2)

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Release(r)
	}()
	require.NoError(t, p.Drain(context.Background()))
	require.Equal(t, int64(2), f.destroyed.Load())

	// Acquire after drain fails immediately.
	_, err = p.Acquire(context.Background())
	perr := &Error{}
	require.ErrorAs(t, err, &perr)
	require.Equal(t, KindDrained, perr.Kind)
}

func TestDrainTimeout(t *testing.T) {
	f := newFakeFactory()
	p := newTestPool(t, f, testOptions())

	r, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = p.Drain(ctx)
	perr := &Error{}
	require.ErrorAs(t, err, &perr)
	require.Equal(t, KindDestroyTimeout, perr.Kind)

	// The straggler is still destroyed when it finally comes back.
	p.Release(r)
	require.Eventually(t, func() bool {
		return f.destroyed.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestInitialWorkCount(t *testing.T) {
	require.Equal(t, 0, initialWorkCount(0))
	require.Equal(t, 0, initialWorkCount(1))
	for i := 0; i < 100; i++ {
		n := initialWorkCount(40)
		require.GreaterOrEqual(t, n, 0)
		require.LessOrEqual(t, n, 20)
	}
}

func TestStatsSnapshot(t *testing.T) {
	s := NewStats(nil)
	s.RecordAttempt(false)
	s.RecordAttempt(true)
	s.RecordAttempt(false)
	s.RecordPerformed(100 * time.Millisecond)
	s.RecordPerformed(300 * time.Millisecond)
	s.RecordDropped()

	snap := s.Snapshot()
	require.Equal(t, int64(3), snap.ExportAttempts)
	require.Equal(t, int64(2), snap.PerformedExports)
	require.Equal(t, int64(1), snap.DroppedExports)
	require.Equal(t, int64(1), snap.ExportFromSvgAttempts)
	require.Equal(t, int64(400), snap.TimeSpent)
	require.Equal(t, 200.0, snap.SpentAverage)
}
