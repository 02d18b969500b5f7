package httpmw

import (
	"context"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/iplimit/internal/log"
)

// newRecordingSpan returns a context carrying a recording span and the
// recorder that sees it once ended.
func newRecordingSpan(t *testing.T, name string) (context.Context, trace.Span, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), name)
	return ctx, span, sr
}

type logEntry struct {
	level string
	msg   string
	err   error
	kv    []any
}

// spyLogger records every call, including fields added through With.
type spyLogger struct {
	mu      sync.Mutex
	fields  []any
	entries *[]logEntry
}

func newSpyLogger() *spyLogger {
	return &spyLogger{entries: &[]logEntry{}}
}

func (s *spyLogger) record(level, msg string, err error, kv []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append(append([]any{}, s.fields...), kv...)
	*s.entries = append(*s.entries, logEntry{level: level, msg: msg, err: err, kv: all})
}

func (s *spyLogger) With(kv ...any) log.Logger {
	return &spyLogger{fields: append(append([]any{}, s.fields...), kv...), entries: s.entries}
}

func (s *spyLogger) Debug(_ context.Context, msg string, kv ...any) { s.record("debug", msg, nil, kv) }
func (s *spyLogger) Info(_ context.Context, msg string, kv ...any)  { s.record("info", msg, nil, kv) }
func (s *spyLogger) Warn(_ context.Context, msg string, kv ...any)  { s.record("warn", msg, nil, kv) }
func (s *spyLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	s.record("error", msg, err, kv)
}
func (s *spyLogger) Sync() error { return nil }

func (s *spyLogger) all() []logEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]logEntry(nil), *s.entries...)
}

func (e logEntry) field(key string) (any, bool) {
	for i := 0; i+1 < len(e.kv); i += 2 {
		if k, ok := e.kv[i].(string); ok && k == key {
			return e.kv[i+1], true
		}
	}
	return nil, false
}
