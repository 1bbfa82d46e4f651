// Copyright 2024 The whambam Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

// Package report renders a completed run as a hey-style plain text
// summary.
package report

import (
	"fmt"
	"io"

	"github.com/cloudy-native/whambam.dev/requester"
)

// Print writes the text summary for a finished run.
func Print(w io.Writer, r *requester.FinalReport) {
	fmt.Fprintf(w, "\nSummary:\n")
	fmt.Fprintf(w, "  URL:\t\t%s\n", r.URL)
	fmt.Fprintf(w, "  Method:\t%s\n", r.Method)
	fmt.Fprintf(w, "  Requests:\t%d\n", r.Completed)
	fmt.Fprintf(w, "  Total time:\t%.2f secs\n", r.Total.Seconds())
	fmt.Fprintf(w, "  Requests/sec:\t%.2f\n", r.Throughput)
	fmt.Fprintf(w, "  Errors:\t%d (%.2f%%)\n", r.Errors, r.ErrorPct)

	fmt.Fprintf(w, "\nLatency:\n")
	fmt.Fprintf(w, "  Min:\t%s\n", Latency(r.MinLatency))
	fmt.Fprintf(w, "  Max:\t%s\n", Latency(r.MaxLatency))
	fmt.Fprintf(w, "  50%%:\t%s\n", Latency(r.P50))
	fmt.Fprintf(w, "  90%%:\t%s\n", Latency(r.P90))
	fmt.Fprintf(w, "  95%%:\t%s\n", Latency(r.P95))
	fmt.Fprintf(w, "  99%%:\t%s\n", Latency(r.P99))

	if len(r.StatusDist) > 0 {
		fmt.Fprintf(w, "\nStatus code distribution:\n")
		for _, row := range r.StatusDist {
			fmt.Fprintf(w, "  [%d]\t%d responses (%.2f%%)\n", row.Code, row.Count, row.Percent)
		}
	}
}

// Latency formats a latency in milliseconds with a human-friendly unit.
func Latency(ms float64) string {
	switch {
	case ms <= 0:
		return "0 ms"
	case ms < 1:
		return fmt.Sprintf("%.0f µs", ms*1000)
	case ms < 1000:
		return fmt.Sprintf("%.1f ms", ms)
	default:
		return fmt.Sprintf("%.2f s", ms/1000)
	}
}
