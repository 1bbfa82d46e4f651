// Copyright 2014 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package requester

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// runWorker pulls jobs off the shared queue until the queue closes or
// the running flag clears. Each attempt produces exactly one
// MetricRecord, success or failure.
func (b *Work) runWorker() {
	var pause time.Duration
	if b.QPS > 0 {
		// Per-worker rate limiting: sleep 1000/q ms before each
		// request. The aggregate cap is C * QPS.
		pause = time.Duration(1e6/b.QPS) * time.Microsecond
	}

	for {
		if !b.running.Load() {
			return
		}
		select {
		case <-b.stopCh:
			return
		case job, ok := <-b.jobs:
			if !ok {
				return
			}
			if pause > 0 {
				time.Sleep(pause)
			}
			// A stop may have landed during the pause; do not
			// start a new request after it.
			if !b.running.Load() {
				return
			}
			// The semaphore keeps in-flight requests at C even
			// if the queue briefly overshoots. With one permit
			// per worker it never blocks for long.
			if err := b.sem.Acquire(context.Background(), 1); err != nil {
				return
			}
			rec := b.executeRequest(job)
			b.sem.Release(1)
			b.sendResult(rec)
		}
	}
}

// sendResult forwards a record to the aggregator. If the run has been
// abandoned (workers outlived the shutdown grace) the record is dropped.
func (b *Work) sendResult(rec *MetricRecord) {
	select {
	case b.results <- rec:
	case <-b.abandoned:
		b.Logger.Debug().Msg("metric dropped after aggregator shutdown")
	}
}

// executeRequest issues one request and measures it. Transport
// failures, DNS errors, TLS failures, and timeouts all come back as a
// record with status 0 and the observed time to failure.
func (b *Work) executeRequest(job *Job) *MetricRecord {
	rec := &MetricRecord{DispatchedAt: job.DispatchedAt}

	req, err := http.NewRequest(job.Method, job.URL, nil)
	if err != nil {
		rec.IsError = true
		return rec
	}
	if len(job.Body) > 0 {
		req.Body = io.NopCloser(bytes.NewReader(job.Body))
		req.ContentLength = int64(len(job.Body))
	}
	req.Header = cloneHeader(job.Header)
	if b.Host != "" {
		req.Host = b.Host
	}
	if job.Username != "" {
		req.SetBasicAuth(job.Username, job.Password)
	}
	if job.Timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), job.Timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	rec.BytesSent = requestSize(req, len(job.Body))

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		rec.Latency = float64(time.Since(start)) / float64(time.Millisecond)
		rec.IsError = true
		return rec
	}

	received, _ := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	rec.Latency = float64(time.Since(start)) / float64(time.Millisecond)
	rec.BytesReceived = received
	rec.StatusCode = resp.StatusCode
	rec.IsError = resp.StatusCode >= 400
	return rec
}

// requestSize estimates the wire size of a request from the canonical
// textual form of its request line, headers, and body. The real count
// depends on transport details the client does not expose.
func requestSize(req *http.Request, bodyLen int) int64 {
	// "METHOD /path HTTP/1.1\r\n"
	size := int64(len(req.Method) + len(req.URL.RequestURI()) + len("HTTP/1.1") + 4)

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	size += int64(len("Host: ") + len(host) + 2)

	for name, values := range req.Header {
		for _, v := range values {
			size += int64(len(name) + len(": ") + len(v) + 2)
		}
	}
	size += 2 // terminating CRLF
	return size + int64(bodyLen)
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		out[name] = append([]string(nil), values...)
	}
	return out
}
