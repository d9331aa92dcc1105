// Package logger provides utilities for working with [zerolog] and [context.Context].
package logger

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

var ctxLoggerKey = ctxKey{}

// WithContext attaches a [zerolog.Logger] to a [context.Context], so that
// it can later be retrieved with [FromContext] by code that only has the
// context, not the logger (e.g. across goroutine boundaries).
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey, l)
}

// FromContext retrieves the [zerolog.Logger] previously attached with
// [WithContext]. If none was attached, it returns a new logger that writes
// JSON with timestamps to standard error.
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxLoggerKey).(zerolog.Logger); ok {
		return l
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Fatal logs an error-level message and terminates the process with exit
// status 1. cmd/wsbridge does not call it: its startup failures (bad CLI
// arguments, listen/bind failure) are returned as errors from the CLI
// action and printed by main before it exits with status 1.
func Fatal(l zerolog.Logger, msg string, err error) {
	e := l.Error()
	if err != nil {
		e = e.Err(err)
	}
	e.Msg(msg)
	os.Exit(1)
}
