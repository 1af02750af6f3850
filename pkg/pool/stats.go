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
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	exportAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exportd_export_attempts_total",
		Help: "Number of exports requested.",
	})
	performedExports = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exportd_exports_performed_total",
		Help: "Number of exports completed successfully.",
	})
	droppedExports = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exportd_exports_dropped_total",
		Help: "Number of exports that failed.",
	})
	svgAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exportd_export_from_svg_attempts_total",
		Help: "Number of exports whose input was vector markup.",
	})
	exportDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "exportd_export_duration_seconds",
		Help:    "Duration of performed exports.",
		Buckets: prometheus.DefBuckets,
	})
)

// Stats are the export counters exposed on the health route. An export
// still in flight is counted in attempts but in neither performed nor
// dropped; a cancelled export changes no counter beyond the attempt.
type Stats struct {
	exportAttempts        atomic.Int64
	performedExports      atomic.Int64
	droppedExports        atomic.Int64
	exportFromSVGAttempts atomic.Int64
	timeSpentMs           atomic.Int64
}

// NewStats returns counters registered with reg (which may be nil).
func NewStats(reg prometheus.Registerer) *Stats {
	if reg != nil {
		reg.MustRegister(exportAttempts, performedExports, droppedExports, svgAttempts, exportDuration)
	}
	return &Stats{}
}

// RecordAttempt notes an inbound export, vector-input ones separately.
func (s *Stats) RecordAttempt(fromSVG bool) {
	s.exportAttempts.Add(1)
	exportAttempts.Inc()
	if fromSVG {
		s.exportFromSVGAttempts.Add(1)
		svgAttempts.Inc()
	}
}

// RecordPerformed notes a successful export and its duration.
func (s *Stats) RecordPerformed(d time.Duration) {
	s.performedExports.Add(1)
	s.timeSpentMs.Add(d.Milliseconds())
	performedExports.Inc()
	exportDuration.Observe(d.Seconds())
}

// RecordDropped notes a failed export.
func (s *Stats) RecordDropped() {
	s.droppedExports.Add(1)
	droppedExports.Inc()
}

// StatsSnapshot is the JSON shape served on /health.
type StatsSnapshot struct {
	ExportAttempts        int64   `json:"exportAttempts"`
	PerformedExports      int64   `json:"performedExports"`
	DroppedExports        int64   `json:"droppedExports"`
	ExportFromSvgAttempts int64   `json:"exportFromSvgAttempts"`
	TimeSpent             int64   `json:"timeSpent"`
	SpentAverage          float64 `json:"spentAverage"`
}

// Snapshot returns a consistent-enough copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		ExportAttempts:        s.exportAttempts.Load(),
		PerformedExports:      s.performedExports.Load(),
		DroppedExports:        s.droppedExports.Load(),
		ExportFromSvgAttempts: s.exportFromSVGAttempts.Load(),
		TimeSpent:             s.timeSpentMs.Load(),
	}
	if snap.PerformedExports > 0 {
		snap.SpentAverage = float64(snap.TimeSpent) / float64(snap.PerformedExports)
	}
	return snap
}
