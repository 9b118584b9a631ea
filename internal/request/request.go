// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package request provides utilities for making HTTP requests.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.astrophena.name/trxbot/internal/version"
)

// DefaultClient is a [http.Client] with nice defaults.
var DefaultClient = &http.Client{
	Timeout: 10 * time.Second,
}

// Params defines the parameters needed for making an HTTP request.
type Params struct {
	// Method is the HTTP method (GET, POST, etc.) for the request.
	Method string
	// URL is the target URL of the request.
	URL string
	// Headers is a map of key-value pairs for additional request headers.
	Headers map[string]string
	// Body is any data to be sent in the request body. It will be marshaled to
	// JSON.
	Body any
	// HTTPClient is an optional custom HTTP client object to use for the request.
	// If not provided, DefaultClient will be used.
	HTTPClient *http.Client
	// Scrubber is an optional strings.Replacer that scrubs unwanted data from
	// error messages.
	Scrubber *strings.Replacer
}

// IgnoreResponse is a type that can be passed to [Make] when the response body
// should be discarded.
type IgnoreResponse struct{}

// StatusError is returned by [Make] and [Download] when the server responds
// with a non-2xx status code.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %q: want 2xx, got %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

type scrubbedError struct {
	err      error
	scrubber *strings.Replacer
}

func (se *scrubbedError) Error() string {
	if se.scrubber != nil {
		return se.scrubber.Replace(se.err.Error())
	}
	return se.err.Error()
}

func (se *scrubbedError) Unwrap() error { return se.err }

func scrubErr(err error, scrubber *strings.Replacer) error {
	return &scrubbedError{err: err, scrubber: scrubber}
}

// Make makes a JSON HTTP request with the provided parameters and unmarshals
// the JSON response body into the specified type.
func Make[Response any](ctx context.Context, p Params) (Response, error) {
	var resp Response

	b, _, err := do(ctx, p)
	if err != nil {
		return resp, err
	}

	if _, ok := any(resp).(IgnoreResponse); ok {
		return resp, nil
	}

	if err := json.Unmarshal(b, &resp); err != nil {
		return resp, scrubErr(fmt.Errorf("%s %q: decoding response: %w", p.Method, p.URL, err), p.Scrubber)
	}

	return resp, nil
}

// Download makes an HTTP request with the provided parameters and returns the
// raw response body along with its Content-Type header value. At most limit
// bytes are read.
func Download(ctx context.Context, p Params, limit int64) (data []byte, contentType string, err error) {
	if p.Method == "" {
		p.Method = http.MethodGet
	}
	return doLimit(ctx, p, limit)
}

func do(ctx context.Context, p Params) ([]byte, string, error) {
	return doLimit(ctx, p, -1)
}

func doLimit(ctx context.Context, p Params, limit int64) ([]byte, string, error) {
	var data []byte
	if p.Body != nil {
		var err error
		data, err = json.Marshal(p.Body)
		if err != nil {
			return nil, "", scrubErr(err, p.Scrubber)
		}
	}

	var br io.Reader
	if data != nil {
		br = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, br)
	if err != nil {
		return nil, "", scrubErr(err, p.Scrubber)
	}

	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpc := DefaultClient
	if p.HTTPClient != nil {
		httpc = p.HTTPClient
	}

	res, err := httpc.Do(req)
	if err != nil {
		return nil, "", scrubErr(err, p.Scrubber)
	}
	defer res.Body.Close()

	var body io.Reader = res.Body
	if limit >= 0 {
		body = io.LimitReader(res.Body, limit)
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, "", scrubErr(err, p.Scrubber)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, "", scrubErr(&StatusError{
			Method:     p.Method,
			URL:        p.URL,
			StatusCode: res.StatusCode,
			Body:       b,
		}, p.Scrubber)
	}

	return b, res.Header.Get("Content-Type"), nil
}
