package policy

import (
	"context"
	"sync"
)

// Backend persists overrides. Implementations must report an existing
// address on insert with ErrDuplicateAddress and a missing address on delete
// with ErrNotFound; every other failure is treated as ErrStoreUnavailable.
type Backend interface {
	// LoadOverrides returns every override in insertion order.
	LoadOverrides(ctx context.Context) ([]Override, error)
	InsertOverride(ctx context.Context, o Override) error
	DeleteOverride(ctx context.Context, address string) error
}

// MemoryBackend is a process-local Backend, used when no external store is
// configured and in tests.
type MemoryBackend struct {
	mu   sync.Mutex
	rows []Override

	// Err, when set, is returned by every call.
	Err error
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend(rows ...Override) *MemoryBackend {
	return &MemoryBackend{rows: append([]Override(nil), rows...)}
}

func (m *MemoryBackend) LoadOverrides(context.Context) ([]Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]Override(nil), m.rows...), nil
}

func (m *MemoryBackend) InsertOverride(_ context.Context, o Override) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	for _, r := range m.rows {
		if r.Address == o.Address {
			return ErrDuplicateAddress
		}
	}
	m.rows = append(m.rows, o)
	return nil
}

func (m *MemoryBackend) DeleteOverride(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	for i, r := range m.rows {
		if r.Address == address {
			m.rows = append(m.rows[:i], m.rows[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}
