// Package ratewindow tracks the distinct identities seen from each address
// over a sliding time window.
package ratewindow

import (
	"context"
	"sync"
	"time"

	"github.com/keithlinneman/iplimit/internal/policy"
)

// Decision is the result of RecordAndCheck.
type Decision int

const (
	WithinBudget Decision = iota
	OverBudget
)

func (d Decision) String() string {
	if d == WithinBudget {
		return "within_budget"
	}
	return "over_budget"
}

type entry struct {
	identity string
	at       time.Time
}

// Tracker holds one time-ordered window per address behind a single mutex.
// Critical sections are short slice operations and never do I/O.
type Tracker struct {
	mu      sync.Mutex
	windows map[string][]entry
}

func New() *Tracker {
	return &Tracker{windows: make(map[string][]entry)}
}

// RecordAndCheck prunes address's window relative to now, decides whether
// identity is over the distinct-identity budget, and then records the event
// regardless of the outcome.
//
// Entries at or before now-window are dropped, so an event exactly one
// window old no longer counts. Identities already in the window are never
// over budget.
func (t *Tracker) RecordAndCheck(address, identity string, now time.Time, p policy.Policy) Decision {
	if !p.RateLimited() {
		return WithinBudget
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	w := prune(t.windows[address], now.Add(-p.Window()))

	seen := false
	distinct := make(map[string]struct{}, len(w))
	for _, e := range w {
		distinct[e.identity] = struct{}{}
		if e.identity == identity {
			seen = true
		}
	}

	d := WithinBudget
	if !seen && uint32(len(distinct)) >= p.MaxDistinctIdentities {
		d = OverBudget
	}

	t.windows[address] = append(w, entry{identity: identity, at: now})
	return d
}

// Distinct returns the number of distinct identities address has in its
// window as of now, without recording anything.
func (t *Tracker) Distinct(address string, now time.Time, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-window)
	distinct := make(map[string]struct{})
	for _, e := range t.windows[address] {
		if e.at.After(cutoff) {
			distinct[e.identity] = struct{}{}
		}
	}
	return len(distinct)
}

// Sweep prunes every address against maxWindow and deletes addresses whose
// window is empty. It returns the number of addresses removed.
func (t *Tracker) Sweep(now time.Time, maxWindow time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-maxWindow)
	removed := 0
	for addr, w := range t.windows {
		w = prune(w, cutoff)
		if len(w) == 0 {
			delete(t.windows, addr)
			removed++
			continue
		}
		t.windows[addr] = w
	}
	return removed
}

// Run sweeps every interval until ctx is done. maxWindow should be the
// largest window of any policy in use.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, maxWindow func() time.Duration, onSweep func(removed, remaining int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed := t.Sweep(now, maxWindow())
			if onSweep != nil {
				onSweep(removed, t.Len())
			}
		}
	}
}

// Len returns the number of addresses with a non-empty window.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows)
}

// prune drops leading entries at or before cutoff. Entries are appended in
// call order, so the slice is sorted unless the clock went backwards, in
// which case a stale entry survives until a later prune passes it.
func prune(w []entry, cutoff time.Time) []entry {
	i := 0
	for i < len(w) && !w[i].at.After(cutoff) {
		i++
	}
	if i == 0 {
		return w
	}
	if i == len(w) {
		return nil
	}
	// copy down so the backing array does not grow without bound
	return append(w[:0:0], w[i:]...)
}
