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
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/hcexport/exportd/pkg/pool"
	"github.com/hcexport/exportd/pkg/version"
)

// successTrackerBuckets is the length of the success-rate window, one
// bucket per minute.
const successTrackerBuckets = 30

// successTracker keeps a rolling per-minute record of export outcomes
// so the health route can report a recent success ratio rather than a
// lifetime one.
type successTracker struct {
	mtx     sync.Mutex
	buckets [successTrackerBuckets]trackerBucket
	idx     int
}

type trackerBucket struct {
	success int64
	total   int64
}

func newSuccessTracker() *successTracker {
	return &successTracker{}
}

// Record notes one finished export in the current minute bucket.
func (t *successTracker) Record(ok bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.buckets[t.idx].total++
	if ok {
		t.buckets[t.idx].success++
	}
}

// Ratio returns the success fraction over the window, 1 when idle.
func (t *successTracker) Ratio() float64 {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	var success, total int64
	for _, b := range t.buckets {
		success += b.success
		total += b.total
	}
	if total == 0 {
		return 1
	}
	return float64(success) / float64(total)
}

// Run rotates the window one bucket per minute until ctx is done.
func (t *successTracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mtx.Lock()
			t.idx = (t.idx + 1) % successTrackerBuckets
			t.buckets[t.idx] = trackerBucket{}
			t.mtx.Unlock()
		case <-ctx.Done():
			return nil
		}
	}
}

// healthResponse is the JSON shape of GET /health.
type healthResponse struct {
	Status             string  `json:"status"`
	Uptime             float64 `json:"uptime"`
	Version            string  `json:"version"`
	HighchartsVersion  string  `json:"highchartsVersion"`
	AverageProcessTime float64 `json:"averageProcessingTime"`
	PerformedExports   int64   `json:"performedExports"`
	FailedExports      int64   `json:"failedExports"`
	ExportAttempts     int64   `json:"exportAttempts"`
	SucessRatio        float64 `json:"sucessRatio"`

	Pool poolHealth `json:"pool"`
}

type poolHealth struct {
	Free          int `json:"free"`
	InUse         int `json:"inUse"`
	PendingCreate int `json:"pendingCreate"`

	pool.StatsSnapshot
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()
	free, inUse, pending := s.poolInfo.Sizes()

	resp := healthResponse{
		Status:             "OK",
		Uptime:             time.Since(s.started).Seconds(),
		Version:            version.Version,
		HighchartsVersion:  s.assets.ActiveVersion(),
		AverageProcessTime: snap.SpentAverage,
		PerformedExports:   snap.PerformedExports,
		FailedExports:      snap.DroppedExports,
		ExportAttempts:     snap.ExportAttempts,
		SucessRatio:        s.tracker.Ratio(),
		Pool: poolHealth{
			Free:          free,
			InUse:         inUse,
			PendingCreate: pending,
			StatsSnapshot: snap,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
