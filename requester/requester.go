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

// Package requester provides the load-generation engine: a bounded pool
// of workers issuing requests against a single target, fed from a job
// queue and reporting per-attempt outcomes into a shared metrics
// aggregator.
package requester

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulbellamy/ratecounter"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/sync/semaphore"
)

const (
	// Max size of the buffer of result channel.
	maxResult = 1000000

	idleConnTimeout      = 300 * time.Second
	keepAlivePeriod      = 60 * time.Second
	defaultShutdownGrace = 5 * time.Second
)

var allowedMethods = map[string]bool{
	"GET":     true,
	"POST":    true,
	"PUT":     true,
	"DELETE":  true,
	"HEAD":    true,
	"OPTIONS": true,
}

// Work encapsulates one load test run against a single URL.
type Work struct {
	// URL is the request target.
	URL string

	// Method is the HTTP method, one of GET, POST, PUT, DELETE,
	// HEAD, OPTIONS.
	Method string

	// Header holds the request headers sent with every request.
	Header http.Header

	// Host overrides the Host header when non-empty.
	Host string

	// RequestBody is sent with every request when non-empty.
	RequestBody []byte

	// Username and Password are sent as basic auth when Username is
	// non-empty.
	Username string
	Password string

	// N is the total number of requests to make. 0 means unlimited.
	// When N is set it is raised to at least C so every worker
	// issues one request.
	N int

	// C is the concurrency level, the number of in-flight requests.
	C int

	// Duration is the wall-clock bound on the run. When set it wins
	// and N is ignored.
	Duration time.Duration

	// Timeout in seconds per request. 0 means no timeout.
	Timeout int

	// QPS caps the request rate of each individual worker. 0 means
	// unlimited.
	QPS float64

	// H2 is an option to make HTTP/2 requests.
	H2 bool

	UserAgent string

	// DisableCompression is an option to disable compression in response.
	DisableCompression bool

	// DisableKeepAlives is an option to prevents re-use of TCP connections between different HTTP requests.
	DisableKeepAlives bool

	// DisableRedirects keeps the client from following 3xx responses.
	DisableRedirects bool

	// ProxyAddr is the URL of the HTTP proxy server, e.g. "http://host:port".
	// Optional; when nil the standard proxy environment variables apply.
	ProxyAddr *url.URL

	// ShutdownGrace bounds how long Run waits for in-flight requests
	// to unwind after the running flag clears. Defaults to 5s.
	ShutdownGrace time.Duration

	// Logger receives engine diagnostics. The zero value is silent.
	Logger zerolog.Logger

	initOnce sync.Once
	stopOnce sync.Once

	client    *http.Client
	metrics   *Metrics
	jobs      chan *Job
	results   chan *MetricRecord
	stopCh    chan struct{}
	abandoned chan struct{}
	done      chan struct{}
	running   atomic.Bool
	sem       *semaphore.Weighted
	start     time.Time

	counter1s *ratecounter.RateCounter
	counter5s *ratecounter.RateCounter
}

// Init normalizes the configuration and initializes internal
// data-structures. It is called implicitly by Run; call it earlier to
// let a UI read the normalized N and Duration before the run starts.
func (b *Work) Init() {
	b.initOnce.Do(func() {
		if b.Method == "" {
			b.Method = "GET"
		}
		if b.C < 1 {
			b.C = 1
		}
		if b.ShutdownGrace <= 0 {
			b.ShutdownGrace = defaultShutdownGrace
		}
		if b.Duration > 0 {
			// A wall-clock bound wins over a request quota.
			b.N = 0
		} else if b.N > 0 && b.N < b.C {
			// Every worker issues at least one request.
			b.N = b.C
		}

		b.metrics = newMetrics()
		b.jobs = make(chan *Job, 2*b.C)
		b.results = make(chan *MetricRecord, maxResult)
		b.stopCh = make(chan struct{})
		b.abandoned = make(chan struct{})
		b.done = make(chan struct{})
		b.sem = semaphore.NewWeighted(int64(b.C))
		b.counter1s = ratecounter.NewRateCounter(1 * time.Second)
		b.counter5s = ratecounter.NewRateCounter(5 * time.Second)
	})
}

// Validate reports configuration problems. It never spawns a worker.
func (b *Work) Validate() error {
	b.Init()

	if b.URL == "" {
		return errors.New("missing target URL")
	}
	u, err := url.Parse(b.URL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", b.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", b.URL)
	}
	if !allowedMethods[b.Method] {
		return fmt.Errorf("unsupported method %q", b.Method)
	}
	if b.N < 0 {
		return errors.New("request count cannot be negative")
	}
	if b.Timeout < 0 {
		return errors.New("timeout cannot be negative")
	}
	if b.QPS < 0 {
		return errors.New("rate limit cannot be negative")
	}
	return nil
}

// Run makes all the requests and blocks until the request quota is met,
// the duration elapses, or Stop is called. The returned report reflects
// a final snapshot taken after every queued record has been folded.
func (b *Work) Run() (*FinalReport, error) {
	b.Init()
	defer close(b.done)

	if err := b.Validate(); err != nil {
		return nil, err
	}
	client, err := b.buildClient()
	if err != nil {
		return nil, err
	}
	b.client = client

	b.start = time.Now()
	b.metrics.begin(b.start)
	b.running.Store(true)
	b.Logger.Info().
		Str("url", b.URL).
		Str("method", b.Method).
		Int("requests", b.N).
		Int("concurrency", b.C).
		Dur("duration", b.Duration).
		Msg("run started")

	// The forwarder is the sole consumer of the metric channel; it
	// drains records into the aggregator until the channel closes or
	// the run is abandoned.
	forwarderDone := make(chan struct{})
	go func() {
		defer close(forwarderDone)
		for {
			select {
			case rec, ok := <-b.results:
				if !ok {
					return
				}
				b.counter1s.Incr(1)
				b.counter5s.Incr(1)
				b.metrics.Record(rec)
			case <-b.abandoned:
				return
			}
		}
	}()

	go b.feedJobs()

	var wg sync.WaitGroup
	for i := 0; i < b.C; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.runWorker()
		}()
	}
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	if b.Duration > 0 {
		timer := time.AfterFunc(b.Duration, b.Stop)
		defer timer.Stop()
	}

	// Count-bounded runs end when the queue drains and every worker
	// exits; the other stop conditions arrive through stopCh.
	joined := true
	select {
	case <-workersDone:
	case <-b.stopCh:
		select {
		case <-workersDone:
		case <-time.After(b.ShutdownGrace):
			joined = false
			b.Logger.Warn().
				Dur("grace", b.ShutdownGrace).
				Msg("workers still in flight after shutdown grace; abandoning")
		}
	}
	b.Stop()

	if joined {
		close(b.results)
	} else {
		// Workers may still send; leave the channel open and cut
		// the forwarder loose instead.
		close(b.abandoned)
	}
	<-forwarderDone
	b.metrics.Finalize()

	total := time.Since(b.start)
	report := b.buildReport(total)
	b.Logger.Info().
		Int64("completed", report.Completed).
		Int64("errors", report.Errors).
		Float64("rps", report.Throughput).
		Msg("run finished")
	return report, nil
}

// Stop clears the running flag. It is idempotent and safe to call from
// any goroutine; after it returns no new requests are initiated.
func (b *Work) Stop() {
	b.stopOnce.Do(func() {
		b.running.Store(false)
		close(b.stopCh)
	})
}

// Running reports whether the run is still issuing requests.
func (b *Work) Running() bool {
	return b.running.Load()
}

// Done is closed once Run has returned, successfully or not.
func (b *Work) Done() <-chan struct{} {
	return b.done
}

// Snapshot returns live aggregate statistics plus rolling request
// rates. Callable at any time, including before Run.
func (b *Work) Snapshot() Snapshot {
	b.Init()
	s := b.metrics.Snapshot()
	s.Rate1s = b.counter1s.Rate()
	s.Rate5s = b.counter5s.Rate() / 5
	return s
}

// buildClient constructs the shared HTTP client: pooled connections
// sized to the concurrency level, optional HTTP/2, and the
// disable-compression/keepalive/redirect and proxy knobs applied.
func (b *Work) buildClient() (*http.Client, error) {
	dialer := &net.Dialer{
		KeepAlive: keepAlivePeriod,
	}
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
		},
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: 2 * b.C,
		IdleConnTimeout:     idleConnTimeout,
		DisableCompression:  b.DisableCompression,
		DisableKeepAlives:   b.DisableKeepAlives,
		Proxy:               http.ProxyFromEnvironment,
	}
	if b.ProxyAddr != nil {
		tr.Proxy = http.ProxyURL(b.ProxyAddr)
	}
	if b.H2 {
		if err := http2.ConfigureTransport(tr); err != nil {
			return nil, fmt.Errorf("http2.ConfigureTransport: %w", err)
		}
	} else {
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) http.RoundTripper)
	}

	client := &http.Client{Transport: tr}
	if b.DisableRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client, nil
}
