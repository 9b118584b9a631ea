// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package httplogger provides a http.RoundTripper middleware that logs
// outgoing HTTP requests at debug level.
package httplogger

import (
	"log/slog"
	"net/http"
	"time"
)

// New returns a http.RoundTripper that logs every request made through t. If t
// is nil, http.DefaultTransport is used.
func New(t http.RoundTripper, logger *slog.Logger) http.RoundTripper {
	if t == nil {
		t = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingTransport{transport: t, logger: logger}
}

// Wrap returns a copy of c whose transport logs requests. c is not modified.
func Wrap(c *http.Client, logger *slog.Logger) *http.Client {
	wc := *c
	wc.Transport = New(c.Transport, logger)
	return &wc
}

type loggingTransport struct {
	transport http.RoundTripper
	logger    *slog.Logger
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()
	if !t.logger.Enabled(ctx, slog.LevelDebug) {
		return t.transport.RoundTrip(r)
	}

	start := time.Now()
	resp, err := t.transport.RoundTrip(r)
	attrs := []any{
		"method", r.Method,
		"url", r.URL.Redacted(),
		"duration", time.Since(start).Round(time.Millisecond),
	}
	if resp != nil {
		attrs = append(attrs, "status", resp.StatusCode)
	}
	if err != nil {
		attrs = append(attrs, "err", err)
	}
	t.logger.DebugContext(ctx, "http request", attrs...)

	return resp, err
}
