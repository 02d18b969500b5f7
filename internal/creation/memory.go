package creation

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps the creation log and exemptions in process memory.
type MemoryBackend struct {
	retention time.Duration

	mu         sync.Mutex
	creations  map[string][]time.Time
	exemptions map[string]Exemption
	order      []string

	// Err, when set, is returned by every call.
	Err error
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend returns a backend that forgets creations older than
// retention. Zero means DefaultTimeframe.
func NewMemoryBackend(retention time.Duration) *MemoryBackend {
	if retention <= 0 {
		retention = DefaultTimeframe
	}
	return &MemoryBackend{
		retention:  retention,
		creations:  make(map[string][]time.Time),
		exemptions: make(map[string]Exemption),
	}
}

func (m *MemoryBackend) CountSince(_ context.Context, address string, since time.Time) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	var n uint32
	for _, t := range m.creations[address] {
		if !t.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) AppendCreation(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	cutoff := r.At.Add(-m.retention)
	kept := m.creations[r.Address][:0]
	for _, t := range m.creations[r.Address] {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	m.creations[r.Address] = append(kept, r.At)
	return nil
}

func (m *MemoryBackend) Exemption(_ context.Context, address string) (Exemption, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return Exemption{}, false, m.Err
	}
	e, ok := m.exemptions[address]
	return e, ok, nil
}

func (m *MemoryBackend) InsertExemption(_ context.Context, e Exemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.exemptions[e.Address]; ok {
		return ErrDuplicateAddress
	}
	m.exemptions[e.Address] = e
	m.order = append(m.order, e.Address)
	return nil
}

func (m *MemoryBackend) DeleteExemption(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.exemptions[address]; !ok {
		return ErrNotFound
	}
	delete(m.exemptions, address)
	for i, a := range m.order {
		if a == address {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryBackend) ListExemptions(context.Context) ([]Exemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]Exemption, 0, len(m.order))
	for _, a := range m.order {
		out = append(out, m.exemptions[a])
	}
	return out, nil
}
