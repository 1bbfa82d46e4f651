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

// Command whambam is an HTTP load generator with a live terminal
// dashboard: test how fast your web server can handle requests.
package main

import (
	"fmt"
	"net/http"
	gourl "net/url"
	"os"
	"os/signal"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cloudy-native/whambam.dev/report"
	"github.com/cloudy-native/whambam.dev/requester"
	"github.com/cloudy-native/whambam.dev/ui"
)

const (
	headerRegexp = `^([\w-]+):\s*(.+)`
	authRegexp   = `^(.+):([^\s].+)`
)

var (
	// Version is set via ldflags during build.
	Version = "dev"

	logger zerolog.Logger
)

var (
	flagRequests   int
	flagConcurrent int
	flagDuration   string
	flagTimeout    int
	flagRateLimit  float64

	flagMethod      string
	flagAccept      string
	flagAuth        string
	flagBody        string
	flagBodyFile    string
	flagHeaders     []string
	flagContentType string
	flagHost        string
	flagUserAgent   string

	flagProxy              string
	flagH2                 bool
	flagDisableCompression bool
	flagDisableKeepalive   bool
	flagDisableRedirects   bool

	flagOutput   string
	flagLogLevel string
	flagCPUs     int
)

var rootCmd = &cobra.Command{
	Use:   "whambam [flags] <url>",
	Short: "Test how fast your web server can handle requests",
	Long: `whambam drives a configurable volume of HTTP(S) requests at a target
URL and reports throughput, latency distribution, and status codes as
the test runs.

By default 200 requests are made by 50 concurrent virtual clients and a
live dashboard is shown; press q or ctrl-c to stop early. Use
-o hey for a plain text summary instead.`,
	Version:       Version,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.SortFlags = false

	f.IntVarP(&flagRequests, "requests", "n", 200, "total requests to make (0 = unlimited)")
	f.IntVarP(&flagConcurrent, "concurrent", "c", 50, "number of concurrent connections")
	f.StringVarP(&flagDuration, "duration", "z", "", "duration to send requests, e.g. 10s, 3m, 1h; overrides -n")
	f.IntVarP(&flagTimeout, "timeout", "t", 20, "per-request timeout in seconds (0 = infinite)")
	f.Float64VarP(&flagRateLimit, "rate-limit", "q", 0, "rate limit in requests per second per worker (0 = unlimited)")

	f.StringVarP(&flagMethod, "method", "m", "GET", "HTTP method: GET, POST, PUT, DELETE, HEAD, OPTIONS")
	f.StringVarP(&flagAccept, "accept", "A", "", "Accept header")
	f.StringVarP(&flagAuth, "auth", "a", "", "basic auth as username:password")
	f.StringVarP(&flagBody, "body", "d", "", "request body")
	f.StringVarP(&flagBodyFile, "body-file", "D", "", "request body from file")
	f.StringArrayVarP(&flagHeaders, "header", "H", nil, "custom header, may repeat: \"Name: Value\"")
	f.StringVarP(&flagContentType, "content-type", "T", "text/html", "Content-Type header")
	f.StringVar(&flagHost, "host", "", "Host header override")
	f.StringVar(&flagUserAgent, "user-agent", "", "User-Agent header (default whambam/"+Version+")")

	f.StringVarP(&flagProxy, "proxy", "x", "", "HTTP proxy address as host:port")
	f.BoolVar(&flagH2, "h2", false, "enable HTTP/2")
	f.BoolVar(&flagDisableCompression, "disable-compression", false, "do not advertise compressed responses")
	f.BoolVar(&flagDisableKeepalive, "disable-keepalive", false, "open a new TCP connection for every request")
	f.BoolVar(&flagDisableRedirects, "disable-redirects", false, "do not follow HTTP redirects")

	f.StringVarP(&flagOutput, "output", "o", "ui", "reporter: ui (live dashboard) or hey (plain text)")
	f.StringVar(&flagLogLevel, "log-level", "error", "log level: debug, info, warn, error")
	f.IntVar(&flagCPUs, "cpus", runtime.GOMAXPROCS(-1), "number of cpu cores to use")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	initLogging()
	runtime.GOMAXPROCS(flagCPUs)

	w, err := buildWork(args[0])
	if err != nil {
		return err
	}
	w.Init()
	if err := w.Validate(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		w.Stop()
	}()

	type runResult struct {
		report *requester.FinalReport
		err    error
	}
	resCh := make(chan runResult, 1)
	go func() {
		rep, err := w.Run()
		resCh <- runResult{rep, err}
	}()

	if flagOutput == "ui" {
		if err := ui.Run(w); err != nil {
			w.Stop()
			<-resCh
			return err
		}
		w.Stop()
	}

	res := <-resCh
	if res.err != nil {
		return res.err
	}
	report.Print(os.Stdout, res.report)
	return nil
}

func initLogging() {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		level = zerolog.ErrorLevel
	}
	logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger().Level(level)
}

// buildWork assembles the engine configuration from the parsed flags.
// Every problem it reports is a configuration error: nothing has been
// started yet.
func buildWork(target string) (*requester.Work, error) {
	if flagOutput != "ui" && flagOutput != "hey" {
		return nil, fmt.Errorf("invalid output %q: want ui or hey", flagOutput)
	}
	if flagRequests < 0 {
		return nil, fmt.Errorf("-n cannot be smaller than 0")
	}
	if flagConcurrent < 1 {
		return nil, fmt.Errorf("-c cannot be smaller than 1")
	}

	var duration time.Duration
	if flagDuration != "" {
		var err error
		duration, err = time.ParseDuration(flagDuration)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", flagDuration, err)
		}
		if duration < 0 {
			return nil, fmt.Errorf("-z cannot be negative")
		}
	}

	header := make(http.Header)
	header.Set("Content-Type", flagContentType)
	for _, h := range flagHeaders {
		matches, err := parseInputWithRegexp(h, headerRegexp)
		if err != nil {
			return nil, fmt.Errorf("invalid header %q: %w", h, err)
		}
		header.Add(matches[1], matches[2])
	}
	if flagAccept != "" {
		header.Set("Accept", flagAccept)
	}

	ua := flagUserAgent
	if ua == "" {
		ua = "whambam/" + Version
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", ua)
	}

	var username, password string
	if flagAuth != "" {
		matches, err := parseInputWithRegexp(flagAuth, authRegexp)
		if err != nil {
			return nil, fmt.Errorf("invalid auth %q: %w", flagAuth, err)
		}
		username, password = matches[1], matches[2]
	}

	var body []byte
	if flagBody != "" && flagBodyFile != "" {
		return nil, fmt.Errorf("only one of -d and -D may be set")
	}
	if flagBody != "" {
		body = []byte(flagBody)
	}
	if flagBodyFile != "" {
		var err error
		body, err = os.ReadFile(flagBodyFile)
		if err != nil {
			return nil, fmt.Errorf("reading body file: %w", err)
		}
	}

	var proxyURL *gourl.URL
	if flagProxy != "" {
		addr := flagProxy
		if !strings.Contains(addr, "://") {
			// A bare host:port is taken as a plain HTTP proxy.
			addr = "http://" + addr
		}
		var err error
		proxyURL, err = gourl.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy address %q: %w", flagProxy, err)
		}
	}

	return &requester.Work{
		URL:                target,
		Method:             strings.ToUpper(flagMethod),
		Header:             header,
		Host:               flagHost,
		RequestBody:        body,
		Username:           username,
		Password:           password,
		N:                  flagRequests,
		C:                  flagConcurrent,
		Duration:           duration,
		Timeout:            flagTimeout,
		QPS:                flagRateLimit,
		H2:                 flagH2,
		UserAgent:          ua,
		DisableCompression: flagDisableCompression,
		DisableKeepAlives:  flagDisableKeepalive,
		DisableRedirects:   flagDisableRedirects,
		ProxyAddr:          proxyURL,
		Logger:             logger.With().Str("component", "requester").Logger(),
	}, nil
}

func parseInputWithRegexp(input, regx string) ([]string, error) {
	re := regexp.MustCompile(regx)
	matches := re.FindStringSubmatch(input)
	if len(matches) < 1 {
		return nil, fmt.Errorf("could not parse the provided input; input = %v", input)
	}
	return matches, nil
}
