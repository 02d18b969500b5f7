// Package log is the structured logging layer of iplimitd. The admission
// controller, the policy store, the effects hub and both HTTP APIs all take
// a Logger. Loggers carry the session, address or subsystem they serve via
// With, and every record picks up the active trace and span ids from ctx so
// a login decision can be joined to its admission span.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logger is the structured logger every component takes. Loggers are
// immutable; With returns a child carrying extra key/value pairs.
//
// Error takes the error separately so its stack and wrapped causes are
// rendered consistently. Effect delivery and audit write failures go
// through it; expected conditions such as a rejected login do not.
type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	// App, Version and Commit are attached to every record.
	App     string
	Version string
	Commit  string

	Level slog.Level
	// StacktraceLevel is the lowest level that gets a stack attached.
	// Zero means error.
	StacktraceLevel slog.Level
	JsonFormat      bool

	// MaxErrorLinks caps how many wrapped causes are rendered per error.
	MaxErrorLinks     int
	IncludeErrorLinks bool

	// Writer defaults to stderr, which journald collects under systemd.
	Writer io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

// ParseLevel maps the LOG_LEVEL setting to a slog level. "warning" is
// accepted as an alias for warn.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (valid levels are debug|info|warn|error)", s)
	}
}
