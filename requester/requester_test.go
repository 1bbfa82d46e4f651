// Copyright 2024 The whambam Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

package requester

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCountBounded(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	w := &Work{URL: srv.URL, N: 100, C: 10}
	rep, err := w.Run()
	require.NoError(t, err)

	assert.EqualValues(t, 100, rep.Completed)
	assert.EqualValues(t, 0, rep.Errors)
	assert.EqualValues(t, 100, hits.Load())
	require.Len(t, rep.StatusDist, 1)
	assert.Equal(t, 200, rep.StatusDist[0].Code)
	assert.EqualValues(t, 100, rep.StatusDist[0].Count)
	assert.GreaterOrEqual(t, rep.BytesReceived, int64(1000))
	assert.Greater(t, rep.Throughput, 0.0)
	assert.False(t, w.Running())
}

func TestRunAllErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	w := &Work{URL: srv.URL, N: 50, C: 5}
	rep, err := w.Run()
	require.NoError(t, err)

	assert.EqualValues(t, 50, rep.Completed)
	assert.EqualValues(t, 50, rep.Errors)
	assert.InDelta(t, 100, rep.ErrorPct, 0.01)
	require.Len(t, rep.StatusDist, 1)
	assert.Equal(t, 404, rep.StatusDist[0].Code)
	assert.EqualValues(t, 50, rep.StatusDist[0].Count)
	assert.Greater(t, rep.P99, 0.0)
}

// N smaller than C is raised to C so every worker issues one request.
func TestRunNormalizesSmallN(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	w := &Work{URL: srv.URL, N: 1, C: 8}
	rep, err := w.Run()
	require.NoError(t, err)

	assert.EqualValues(t, 8, rep.Completed)
	assert.EqualValues(t, 8, hits.Load())
}

func TestRunDurationBoundedWithRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	w := &Work{URL: srv.URL, N: 5, C: 4, Duration: 2 * time.Second, QPS: 10}
	rep, err := w.Run()
	require.NoError(t, err)

	// Duration wins: N is ignored entirely.
	assert.Zero(t, w.N)
	assert.Greater(t, rep.Completed, int64(5))

	assert.GreaterOrEqual(t, rep.Total, 2*time.Second)
	assert.Less(t, rep.Total, 3*time.Second)

	// Sleep-based limiting caps each of the 4 workers at 10/s, so
	// the whole run cannot exceed C*q*D plus in-flight slack.
	assert.LessOrEqual(t, rep.Completed, int64(96))
	assert.GreaterOrEqual(t, rep.Completed, int64(40))
}

func TestRunTimeoutsRecordedAsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	w := &Work{URL: srv.URL, N: 5, C: 5, Timeout: 1}
	rep, err := w.Run()
	require.NoError(t, err)

	assert.EqualValues(t, 5, rep.Completed)
	assert.EqualValues(t, 5, rep.Errors)
	assert.Empty(t, rep.StatusDist)
	assert.GreaterOrEqual(t, rep.MinLatency, 800.0)
	assert.LessOrEqual(t, rep.MaxLatency, 2000.0)
}

func TestRunExternalCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
	}))
	defer srv.Close()

	w := &Work{URL: srv.URL, N: 500, C: 10}
	go func() {
		time.Sleep(200 * time.Millisecond)
		w.Stop()
	}()

	rep, err := w.Run()
	require.NoError(t, err)

	assert.False(t, w.Running())
	assert.Greater(t, rep.Completed, int64(0))
	assert.Less(t, rep.Completed, int64(500))
}

func TestRunUnlimitedUntilStopped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	w := &Work{URL: srv.URL, N: 0, C: 2}
	go func() {
		time.Sleep(150 * time.Millisecond)
		w.Stop()
	}()

	rep, err := w.Run()
	require.NoError(t, err)
	assert.Greater(t, rep.Completed, int64(0))
	assert.False(t, w.Running())
}

// The number of concurrently outstanding requests never exceeds C.
func TestRunConcurrencyBound(t *testing.T) {
	var current, peak atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := current.Add(1)
		for {
			p := peak.Load()
			if c <= p || peak.CompareAndSwap(p, c) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
	}))
	defer srv.Close()

	w := &Work{URL: srv.URL, N: 100, C: 10}
	_, err := w.Run()
	require.NoError(t, err)

	assert.LessOrEqual(t, peak.Load(), int64(10))
}

// Run returns within the shutdown grace even when requests are stuck.
func TestRunShutdownGrace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	w := &Work{URL: srv.URL, N: 4, C: 4, ShutdownGrace: 100 * time.Millisecond}
	go func() {
		time.Sleep(50 * time.Millisecond)
		w.Stop()
	}()

	start := time.Now()
	_, err := w.Run()
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestRunSendsConfiguredRequest(t *testing.T) {
	var got struct {
		method, auth, contentType, custom, ua string
		body                                  []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.auth = r.Header.Get("Authorization")
		got.contentType = r.Header.Get("Content-Type")
		got.custom = r.Header.Get("X-Custom")
		got.ua = r.Header.Get("User-Agent")
		got.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("X-Custom", "yes")
	header.Set("User-Agent", "whambam/test")

	w := &Work{
		URL:         srv.URL,
		Method:      "POST",
		Header:      header,
		RequestBody: []byte(`{"a":1}`),
		Username:    "user",
		Password:    "pass",
		N:           1,
		C:           1,
	}
	rep, err := w.Run()
	require.NoError(t, err)

	assert.EqualValues(t, 1, rep.Completed)
	assert.EqualValues(t, 0, rep.Errors)
	assert.Equal(t, "POST", got.method)
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, "yes", got.custom)
	assert.Equal(t, "whambam/test", got.ua)
	assert.Equal(t, `{"a":1}`, string(got.body))

	user, pass, _ := (&http.Request{Header: http.Header{"Authorization": {got.auth}}}).BasicAuth()
	assert.Equal(t, "user", user)
	assert.Equal(t, "pass", pass)

	require.Len(t, rep.StatusDist, 1)
	assert.Equal(t, http.StatusCreated, rep.StatusDist[0].Code)
}

func TestRunDisableRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/target", http.StatusFound)
	})
	mux.HandleFunc("/target", func(w http.ResponseWriter, r *http.Request) {})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	w := &Work{URL: srv.URL, N: 3, C: 1, DisableRedirects: true}
	rep, err := w.Run()
	require.NoError(t, err)

	require.Len(t, rep.StatusDist, 1)
	assert.Equal(t, http.StatusFound, rep.StatusDist[0].Code)
	assert.EqualValues(t, 0, rep.Errors)
}

func TestRunConnectionRefused(t *testing.T) {
	// Bind and immediately close to get a port nothing listens on.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	w := &Work{URL: url, N: 4, C: 2}
	rep, err := w.Run()
	require.NoError(t, err)

	assert.EqualValues(t, 4, rep.Completed)
	assert.EqualValues(t, 4, rep.Errors)
	assert.Empty(t, rep.StatusDist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		work Work
		ok   bool
	}{
		{name: "valid", work: Work{URL: "http://localhost:8080"}, ok: true},
		{name: "valid https", work: Work{URL: "https://example.com", Method: "POST"}, ok: true},
		{name: "missing url", work: Work{}, ok: false},
		{name: "bad scheme", work: Work{URL: "ftp://example.com"}, ok: false},
		{name: "no host", work: Work{URL: "http://"}, ok: false},
		{name: "bad method", work: Work{URL: "http://example.com", Method: "FETCH"}, ok: false},
		{name: "negative timeout", work: Work{URL: "http://example.com", Timeout: -1}, ok: false},
		{name: "negative rate", work: Work{URL: "http://example.com", QPS: -2}, ok: false},
	}
	for i := range tests {
		tt := &tests[i]
		t.Run(tt.name, func(t *testing.T) {
			err := tt.work.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestInitNormalization(t *testing.T) {
	w := &Work{URL: "http://example.com", N: 3, C: 10}
	w.Init()
	assert.Equal(t, 10, w.N)

	w = &Work{URL: "http://example.com", N: 100, C: 10, Duration: time.Second}
	w.Init()
	assert.Zero(t, w.N)

	w = &Work{URL: "http://example.com"}
	w.Init()
	assert.Equal(t, "GET", w.Method)
	assert.Equal(t, 1, w.C)
	assert.Equal(t, defaultShutdownGrace, w.ShutdownGrace)
}

func TestSnapshotBeforeRun(t *testing.T) {
	w := &Work{URL: "http://example.com", N: 10, C: 2}
	s := w.Snapshot()
	assert.Zero(t, s.Completed)
	assert.Zero(t, s.Elapsed)
}
