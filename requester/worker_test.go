// Copyright 2024 The whambam Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

package requester

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestSize(t *testing.T) {
	req, err := http.NewRequest("GET", "http://example.com/path?x=1", nil)
	require.NoError(t, err)
	req.Header = http.Header{
		"Accept": {"text/html"},
	}

	// "GET /path?x=1 HTTP/1.1\r\n" = 24
	// "Host: example.com\r\n"      = 19
	// "Accept: text/html\r\n"      = 19
	// "\r\n"                       = 2
	assert.EqualValues(t, 24+19+19+2, requestSize(req, 0))

	// A body adds its own length on top.
	assert.EqualValues(t, 24+19+19+2+7, requestSize(req, 7))
}

func TestRequestSizeMultiValueHeaders(t *testing.T) {
	req, err := http.NewRequest("HEAD", "http://example.com/", nil)
	require.NoError(t, err)
	req.Header = http.Header{
		"X-A": {"1", "2"},
	}

	// "HEAD / HTTP/1.1\r\n" = 17
	// "Host: example.com\r\n" = 19
	// "X-A: 1\r\n" + "X-A: 2\r\n" = 16
	// "\r\n" = 2
	assert.EqualValues(t, 17+19+16+2, requestSize(req, 0))
}

func TestCloneHeader(t *testing.T) {
	orig := http.Header{
		"Accept": {"a", "b"},
		"X-One":  {"1"},
	}
	clone := cloneHeader(orig)
	assert.Equal(t, orig, clone)

	clone.Set("X-One", "mutated")
	clone.Add("Accept", "c")
	assert.Equal(t, []string{"1"}, orig["X-One"])
	assert.Equal(t, []string{"a", "b"}, orig["Accept"])
}
