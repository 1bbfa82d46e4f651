// Copyright 2024 The whambam Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudy-native/whambam.dev/requester"
)

func TestPrint(t *testing.T) {
	rep := &requester.FinalReport{
		URL:        "http://example.com/",
		Method:     "GET",
		Total:      4012 * time.Millisecond,
		Completed:  200,
		Errors:     10,
		ErrorPct:   5,
		Throughput: 49.85,
		MinLatency: 2.1,
		MaxLatency: 1534.9,
		P50:        12.4,
		P90:        44.2,
		P95:        80.1,
		P99:        950.5,
		StatusDist: []requester.StatusCount{
			{Code: 200, Count: 190, Percent: 95},
			{Code: 503, Count: 10, Percent: 5},
		},
	}

	var buf bytes.Buffer
	Print(&buf, rep)
	out := buf.String()

	assert.Contains(t, out, "http://example.com/")
	assert.Contains(t, out, "GET")
	assert.Contains(t, out, "200")
	assert.Contains(t, out, "4.01 secs")
	assert.Contains(t, out, "49.85")
	assert.Contains(t, out, "10 (5.00%)")
	assert.Contains(t, out, "[200]\t190 responses (95.00%)")
	assert.Contains(t, out, "[503]\t10 responses (5.00%)")

	// Sections come in the documented order.
	summary := strings.Index(out, "Summary:")
	latency := strings.Index(out, "Latency:")
	status := strings.Index(out, "Status code distribution:")
	require.True(t, summary >= 0 && latency >= 0 && status >= 0)
	assert.Less(t, summary, latency)
	assert.Less(t, latency, status)

	// Status rows are in ascending code order.
	assert.Less(t, strings.Index(out, "[200]"), strings.Index(out, "[503]"))
}

func TestPrintOmitsEmptyStatusTable(t *testing.T) {
	rep := &requester.FinalReport{URL: "http://example.com/", Method: "GET"}

	var buf bytes.Buffer
	Print(&buf, rep)
	assert.NotContains(t, buf.String(), "Status code distribution:")
}

func TestLatency(t *testing.T) {
	tests := []struct {
		ms   float64
		want string
	}{
		{0, "0 ms"},
		{0.25, "250 µs"},
		{1.5, "1.5 ms"},
		{999.94, "999.9 ms"},
		{1500, "1.50 s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Latency(tt.ms))
	}
}
