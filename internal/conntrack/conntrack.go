// Package conntrack counts live sessions per source address and enforces a
// per-address cap.
package conntrack

import (
	"hash/fnv"
	"sync"

	"github.com/keithlinneman/iplimit/internal/policy"
)

const shardCount = 32

// Decision is the result of TryAdmit.
type Decision int

const (
	Admit Decision = iota
	Reject
)

func (d Decision) String() string {
	if d == Admit {
		return "admit"
	}
	return "reject"
}

type shard struct {
	mu     sync.Mutex
	counts map[string]uint32
}

// Tracker holds per-address counters. The zero value is not usable; call New.
//
// Each address maps to one of a fixed set of shards. The increment, cap check
// and rollback for an address all happen under its shard lock, so two
// sessions from the same address can never both take the last slot.
type Tracker struct {
	shards [shardCount]shard
}

func New() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i].counts = make(map[string]uint32)
	}
	return t
}

func (t *Tracker) shardFor(address string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(address))
	return &t.shards[h.Sum32()%shardCount]
}

// TryAdmit takes a slot for address under p. A zero MaxConcurrentSessions
// always admits but still counts the session.
func (t *Tracker) TryAdmit(address string, p policy.Policy) Decision {
	s := t.shardFor(address)
	s.mu.Lock()
	defer s.mu.Unlock()

	// the increment is only stored once the cap check passes, so a reject
	// leaves the counter untouched
	n := s.counts[address] + 1
	if p.MaxConcurrentSessions > 0 && n > p.MaxConcurrentSessions {
		return Reject
	}
	s.counts[address] = n
	return Admit
}

// Release gives back one slot. Releasing an address with no slots is a no-op.
func (t *Tracker) Release(address string) {
	s := t.shardFor(address)
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.counts[address]
	if !ok {
		return
	}
	if n <= 1 {
		delete(s.counts, address)
		return
	}
	s.counts[address] = n - 1
}

// Count returns the live sessions for address.
func (t *Tracker) Count(address string) uint32 {
	s := t.shardFor(address)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[address]
}

// Len returns the number of addresses with at least one live session.
func (t *Tracker) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.counts)
		s.mu.Unlock()
	}
	return n
}
