// Package deferred holds pending forced disconnects. An entry is scheduled
// with a grace period, warns once as the deadline approaches, and fires once
// when it passes. Logging out first cancels it.
package deferred

import (
	"errors"
	"sort"
	"sync"
	"time"
)

const (
	DefaultDelay         = 30 * time.Second
	DefaultWarnThreshold = 10 * time.Second
)

// ErrAlreadyScheduled is returned by Schedule when the session already has a
// pending entry. Callers treat it as a no-op.
var ErrAlreadyScheduled = errors.New("session already has a pending action")

// Reason records why a disconnect was scheduled.
type Reason int

const (
	ReasonConcurrencyLimit Reason = iota + 1
	ReasonRateLimit
)

func (r Reason) String() string {
	switch r {
	case ReasonConcurrencyLimit:
		return "concurrency_limit"
	case ReasonRateLimit:
		return "rate_limit"
	default:
		return "unknown"
	}
}

// Entry is a pending action.
type Entry struct {
	Session   string
	Identity  string
	TriggerAt time.Time
	Warned    bool
	Reason    Reason
}

// Tick reports what a call to Scheduler.Tick decided. Both Warn and Fire
// may be set when the warning window was skipped entirely.
type Tick struct {
	Warn  bool
	Fire  bool
	Entry Entry
}

type Options struct {
	Delay         time.Duration
	WarnThreshold time.Duration
}

// Scheduler indexes pending entries by session handle so a tick for a
// session without one costs a single map lookup.
type Scheduler struct {
	delay         time.Duration
	warnThreshold time.Duration

	mu      sync.Mutex
	pending map[string]*Entry
}

func New(opts Options) *Scheduler {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.WarnThreshold <= 0 {
		opts.WarnThreshold = DefaultWarnThreshold
	}
	return &Scheduler{
		delay:         opts.Delay,
		warnThreshold: opts.WarnThreshold,
		pending:       make(map[string]*Entry),
	}
}

// Delay returns the configured grace period.
func (s *Scheduler) Delay() time.Duration { return s.delay }

// Schedule creates an entry firing at now+delay, or now+the configured delay
// when delay is zero. An existing entry is left untouched.
func (s *Scheduler) Schedule(session, identity string, now time.Time, delay time.Duration, reason Reason) error {
	if delay <= 0 {
		delay = s.delay
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[session]; ok {
		return ErrAlreadyScheduled
	}
	s.pending[session] = &Entry{
		Session:   session,
		Identity:  identity,
		TriggerAt: now.Add(delay),
		Reason:    reason,
	}
	return nil
}

// Tick evaluates session's entry at now. The warning is issued at most once.
// A fired entry is removed, so it can only fire once.
func (s *Scheduler) Tick(session string, now time.Time) Tick {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[session]
	if !ok {
		return Tick{}
	}
	var t Tick
	if !e.Warned && e.TriggerAt.Sub(now) <= s.warnThreshold {
		e.Warned = true
		t.Warn = true
	}
	if !now.Before(e.TriggerAt) {
		delete(s.pending, session)
		t.Fire = true
	}
	t.Entry = *e
	return t
}

// Cancel removes session's entry. Returns true if one existed.
func (s *Scheduler) Cancel(session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[session]; !ok {
		return false
	}
	delete(s.pending, session)
	return true
}

// Pending returns a copy of session's entry.
func (s *Scheduler) Pending(session string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[session]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Due returns the sessions a Tick at now would warn or fire, sorted.
func (s *Scheduler) Due(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for session, e := range s.pending {
		if !now.Before(e.TriggerAt) || (!e.Warned && e.TriggerAt.Sub(now) <= s.warnThreshold) {
			out = append(out, session)
		}
	}
	sort.Strings(out)
	return out
}
