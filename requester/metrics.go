// Copyright 2024 The whambam Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

package requester

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// Latency histogram domain, in microseconds: 1us up to 60s at
	// three significant digits.
	minTrackableUS = 1
	maxTrackableUS = 60_000_000
	sigFigs        = 3

	// Queued records are folded into the histogram once this many
	// requests have completed since the last fold.
	drainEvery = 100
)

// MetricRecord is the outcome of a single request attempt.
type MetricRecord struct {
	// Latency is the wall-clock duration of the attempt in
	// milliseconds, measured from just before send to response
	// complete, or to the point of failure.
	Latency float64

	// StatusCode is the HTTP status, or 0 when the attempt never
	// produced a response.
	StatusCode int

	// IsError is true for transport failures, timeouts, and HTTP
	// responses with status >= 400.
	IsError bool

	// BytesSent is an estimate of the textual size of the request
	// line, headers, and body.
	BytesSent int64

	// BytesReceived is the response body length.
	BytesReceived int64

	// DispatchedAt is copied from the Job that produced the attempt.
	DispatchedAt time.Time
}

// Metrics folds MetricRecords into live summary statistics. Record is
// safe for any number of concurrent callers; Snapshot is intended for a
// single reader polling at a low rate and never blocks recorders on the
// counter fields.
//
// Counters and latency extrema are updated immediately on each record.
// The latency distribution and the status-code tally are folded in
// batches: records queue up and the caller whose completion count
// crosses a drainEvery boundary folds the whole batch under the write
// lock, then republishes the cached percentiles. Snapshots between
// folds may therefore lag the distribution by up to drainEvery records.
type Metrics struct {
	completed     atomic.Int64
	errored       atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	// Extrema and cached percentiles in microseconds. minUS holds
	// math.MaxInt64 until the first sample lands.
	minUS atomic.Int64
	maxUS atomic.Int64
	p50US atomic.Int64
	p90US atomic.Int64
	p95US atomic.Int64
	p99US atomic.Int64

	// startNano is the run start in unix nanoseconds, 0 before the
	// run begins.
	startNano atomic.Int64

	pendingMu sync.Mutex
	pending   []*MetricRecord

	foldMu      sync.RWMutex
	hist        *hdrhistogram.Histogram
	statusCodes map[int]int64
}

func newMetrics() *Metrics {
	m := &Metrics{
		hist:        hdrhistogram.New(minTrackableUS, maxTrackableUS, sigFigs),
		statusCodes: make(map[int]int64),
	}
	m.minUS.Store(math.MaxInt64)
	return m
}

// begin stamps the run start; elapsed time and throughput read as zero
// until it is called.
func (m *Metrics) begin(t time.Time) {
	m.startNano.Store(t.UnixNano())
}

// Record absorbs one request outcome.
func (m *Metrics) Record(r *MetricRecord) {
	n := m.completed.Add(1)
	m.bytesSent.Add(r.BytesSent)
	m.bytesReceived.Add(r.BytesReceived)
	if r.IsError {
		m.errored.Add(1)
	}

	us := latencyMicros(r.Latency)
	updateMin(&m.minUS, us)
	updateMax(&m.maxUS, us)

	m.pendingMu.Lock()
	m.pending = append(m.pending, r)
	m.pendingMu.Unlock()

	// The recorder whose increment crossed the boundary pays for the
	// fold; everyone else got in and out on atomics alone.
	if n%drainEvery == 0 {
		m.drain()
	}
}

// Finalize folds anything still queued and publishes exact percentiles.
// Call once, after the last Record.
func (m *Metrics) Finalize() {
	m.drain()
	m.publishPercentiles()
}

func (m *Metrics) drain() {
	m.pendingMu.Lock()
	batch := m.pending
	m.pending = nil
	m.pendingMu.Unlock()
	if len(batch) == 0 {
		return
	}

	m.foldMu.Lock()
	for _, r := range batch {
		// RecordValue only fails outside the tracked range, which
		// latencyMicros has already clamped away.
		_ = m.hist.RecordValue(latencyMicros(r.Latency))
		if r.StatusCode > 0 {
			m.statusCodes[r.StatusCode]++
		}
	}
	m.foldMu.Unlock()

	m.publishPercentiles()
}

func (m *Metrics) publishPercentiles() {
	m.foldMu.RLock()
	p50 := m.hist.ValueAtQuantile(50)
	p90 := m.hist.ValueAtQuantile(90)
	p95 := m.hist.ValueAtQuantile(95)
	p99 := m.hist.ValueAtQuantile(99)
	m.foldMu.RUnlock()

	m.p50US.Store(p50)
	m.p90US.Store(p90)
	m.p95US.Store(p95)
	m.p99US.Store(p99)
}

// Snapshot is a point-in-time value copy of the aggregate statistics.
// Latencies are in milliseconds. Individual fields are current but not
// mutually consistent while the run is live; after Finalize the copy is
// exact.
type Snapshot struct {
	Completed int64
	Errors    int64
	Success   int64

	BytesSent     int64
	BytesReceived int64

	// MinLatency is 0 when no samples have been recorded.
	MinLatency float64
	MaxLatency float64
	P50        float64
	P90        float64
	P95        float64
	P99        float64

	// StatusCodes maps status to count; attempts that never produced
	// a response (status 0) are not in the map.
	StatusCodes map[int]int64

	Elapsed    time.Duration
	Throughput float64

	// Rolling request rates over 1s and 5s windows, filled in by the
	// run coordinator for live display.
	Rate1s int64
	Rate5s int64
}

// Snapshot returns the current statistics.
func (m *Metrics) Snapshot() Snapshot {
	completed := m.completed.Load()
	errored := m.errored.Load()

	s := Snapshot{
		Completed:     completed,
		Errors:        errored,
		Success:       completed - errored,
		BytesSent:     m.bytesSent.Load(),
		BytesReceived: m.bytesReceived.Load(),
		MaxLatency:    float64(m.maxUS.Load()) / 1000,
		P50:           float64(m.p50US.Load()) / 1000,
		P90:           float64(m.p90US.Load()) / 1000,
		P95:           float64(m.p95US.Load()) / 1000,
		P99:           float64(m.p99US.Load()) / 1000,
	}
	if min := m.minUS.Load(); min != math.MaxInt64 {
		s.MinLatency = float64(min) / 1000
	}
	if start := m.startNano.Load(); start > 0 {
		s.Elapsed = time.Since(time.Unix(0, start))
		if secs := s.Elapsed.Seconds(); secs > 0 {
			s.Throughput = float64(completed) / secs
		}
	}

	m.foldMu.RLock()
	codes := make(map[int]int64, len(m.statusCodes))
	for code, n := range m.statusCodes {
		codes[code] = n
	}
	m.foldMu.RUnlock()
	s.StatusCodes = codes

	return s
}

func latencyMicros(ms float64) int64 {
	us := int64(ms * 1000)
	if us < minTrackableUS {
		us = minTrackableUS
	}
	if us > maxTrackableUS {
		us = maxTrackableUS
	}
	return us
}

func updateMin(v *atomic.Int64, us int64) {
	for {
		cur := v.Load()
		if us >= cur || v.CompareAndSwap(cur, us) {
			return
		}
	}
}

func updateMax(v *atomic.Int64, us int64) {
	for {
		cur := v.Load()
		if us <= cur || v.CompareAndSwap(cur, us) {
			return
		}
	}
}
