// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package logger defines a type for writing to logs and helpers for setting up
// structured logging with [log/slog].
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logf is the basic logger type: a printf-like func. Like [log.Printf], the
// format need not end in a newline. Logf functions must be safe for concurrent
// use.
type Logf func(format string, args ...any)

// Write implements the [io.Writer] interface.
func (f Logf) Write(p []byte) (n int, err error) {
	f("%s", p)
	return len(p), nil
}

// Logger is a [slog.Logger] with a dynamically adjustable level.
type Logger struct {
	*slog.Logger
	Level *slog.LevelVar
}

// Options configure a new [Logger].
type Options struct {
	// Level is one of "debug", "info", "warn" or "error". Empty means "info".
	Level string
	// Format is either "text" or "json". Empty means "text".
	Format string
	// Scrubber, if not nil, is applied to every written log line.
	Scrubber *strings.Replacer
}

// New returns a new Logger that writes to w.
func New(w io.Writer, opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	lv := new(slog.LevelVar)
	lv.Set(level)

	if opts.Scrubber != nil {
		w = &scrubWriter{w: w, scrubber: opts.Scrubber}
	}

	hopts := &slog.HandlerOptions{Level: lv}
	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, hopts)
	case "json":
		h = slog.NewJSONHandler(w, hopts)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	return &Logger{Logger: slog.New(h), Level: lv}, nil
}

// ParseLevel converts a level name to [slog.Level].
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

type ctxKey struct{}

// Put returns a copy of ctx that carries l.
func Put(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// Get returns the Logger carried by ctx, or a Logger wrapping
// [slog.Default] if there is none.
func Get(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	lv := new(slog.LevelVar)
	return &Logger{Logger: slog.Default(), Level: lv}
}

type scrubWriter struct {
	w        io.Writer
	scrubber *strings.Replacer
}

func (sw *scrubWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(sw.w, sw.scrubber.Replace(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
