package admission

import (
	"context"
	"sync"

	"github.com/keithlinneman/iplimit/internal/log"
)

type logEntry struct {
	level string
	msg   string
	err   error
	kv    []any
}

func (e logEntry) field(key string) (any, bool) {
	for i := 0; i+1 < len(e.kv); i += 2 {
		if k, ok := e.kv[i].(string); ok && k == key {
			return e.kv[i+1], true
		}
	}
	return nil, false
}

// spyLogger records every call, including fields added through With.
type spyLogger struct {
	mu      *sync.Mutex
	fields  []any
	entries *[]logEntry
}

func newSpyLogger() *spyLogger {
	return &spyLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (s *spyLogger) record(level, msg string, err error, kv []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append(append([]any{}, s.fields...), kv...)
	*s.entries = append(*s.entries, logEntry{level: level, msg: msg, err: err, kv: all})
}

func (s *spyLogger) With(kv ...any) log.Logger {
	return &spyLogger{mu: s.mu, fields: append(append([]any{}, s.fields...), kv...), entries: s.entries}
}

func (s *spyLogger) Debug(_ context.Context, msg string, kv ...any) { s.record("debug", msg, nil, kv) }
func (s *spyLogger) Info(_ context.Context, msg string, kv ...any)  { s.record("info", msg, nil, kv) }
func (s *spyLogger) Warn(_ context.Context, msg string, kv ...any)  { s.record("warn", msg, nil, kv) }
func (s *spyLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	s.record("error", msg, err, kv)
}
func (s *spyLogger) Sync() error { return nil }

// find returns the first entry logged with msg.
func (s *spyLogger) find(msg string) (logEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range *s.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

func (s *spyLogger) count(level string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range *s.entries {
		if e.level == level {
			n++
		}
	}
	return n
}
