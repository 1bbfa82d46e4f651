// Copyright 2024 The whambam Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

package requester

import (
	"sort"
	"time"
)

// FinalReport summarizes a completed run. Latencies are in
// milliseconds.
type FinalReport struct {
	URL    string
	Method string

	Total      time.Duration
	Completed  int64
	Errors     int64
	ErrorPct   float64
	Throughput float64

	BytesSent     int64
	BytesReceived int64

	MinLatency float64
	MaxLatency float64
	P50        float64
	P90        float64
	P95        float64
	P99        float64

	// StatusDist is sorted by status code ascending. Attempts that
	// never produced a response are not listed; they show up in
	// Errors instead.
	StatusDist []StatusCount
}

// StatusCount is one row of the status-code table.
type StatusCount struct {
	Code    int
	Count   int64
	Percent float64
}

func (b *Work) buildReport(total time.Duration) *FinalReport {
	s := b.metrics.Snapshot()

	r := &FinalReport{
		URL:           b.URL,
		Method:        b.Method,
		Total:         total,
		Completed:     s.Completed,
		Errors:        s.Errors,
		BytesSent:     s.BytesSent,
		BytesReceived: s.BytesReceived,
		MinLatency:    s.MinLatency,
		MaxLatency:    s.MaxLatency,
		P50:           s.P50,
		P90:           s.P90,
		P95:           s.P95,
		P99:           s.P99,
	}
	if s.Completed > 0 {
		r.ErrorPct = 100 * float64(s.Errors) / float64(s.Completed)
	}
	if secs := total.Seconds(); secs > 0 {
		r.Throughput = float64(s.Completed) / secs
	}

	r.StatusDist = make([]StatusCount, 0, len(s.StatusCodes))
	for code, count := range s.StatusCodes {
		row := StatusCount{Code: code, Count: count}
		if s.Completed > 0 {
			row.Percent = 100 * float64(count) / float64(s.Completed)
		}
		r.StatusDist = append(r.StatusDist, row)
	}
	sort.Slice(r.StatusDist, func(i, j int) bool {
		return r.StatusDist[i].Code < r.StatusDist[j].Code
	})

	return r
}
