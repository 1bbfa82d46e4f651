// Copyright 2024 The whambam Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

package requester

import (
	"net/http"
	"time"
)

// Job is a single request directive. Jobs are produced by the job
// source and consumed exactly once, by one worker.
type Job struct {
	URL    string
	Method string

	// Header is a read-only view shared by every job; workers clone
	// it before mutating the outgoing request.
	Header http.Header

	// Body is shared the same way. Empty means no body.
	Body []byte

	// Username enables basic auth when non-empty.
	Username string
	Password string

	// Timeout bounds the attempt. 0 means no timeout.
	Timeout time.Duration

	// DispatchedAt is stamped when the job is queued.
	DispatchedAt time.Time
}

// feedJobs pushes jobs onto the queue until the request quota is met or
// the run stops, then closes the queue. For duration-bounded and
// unlimited runs the quota is zero and production only ends when the
// running flag clears.
func (b *Work) feedJobs() {
	defer close(b.jobs)

	timeout := time.Duration(b.Timeout) * time.Second
	for i := 0; b.N == 0 || i < b.N; i++ {
		job := &Job{
			URL:          b.URL,
			Method:       b.Method,
			Header:       b.Header,
			Body:         b.RequestBody,
			Username:     b.Username,
			Password:     b.Password,
			Timeout:      timeout,
			DispatchedAt: time.Now(),
		}
		select {
		case b.jobs <- job:
		case <-b.stopCh:
			return
		}
	}
}
