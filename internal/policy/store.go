package policy

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/keithlinneman/iplimit/internal/ipaddr"
	"github.com/keithlinneman/iplimit/internal/log"
	"github.com/keithlinneman/iplimit/internal/xerrors"
)

const (
	DefaultLoadAttempts = 3
	DefaultLoadBackoff  = 500 * time.Millisecond
	maxLoadBackoff      = 10 * time.Second
)

// StoreOptions configures a Store.
type StoreOptions struct {
	Backend Backend
	Default Policy
	Logger  log.Logger

	// LoadAttempts and LoadBackoff control retries of the startup load.
	LoadAttempts int
	LoadBackoff  time.Duration

	// OnChange is called with the override count after every load or write.
	OnChange func(overrides int)

	Now func() time.Time
}

// Store caches overrides in memory and writes through to a Backend.
// Reads never touch the backend.
type Store struct {
	backend  Backend
	logger   log.Logger
	attempts int
	backoff  time.Duration
	onChange func(int)
	now      func() time.Time

	// writeMu serializes administrative writes so a backend write and the
	// matching cache update are never interleaved with another write.
	writeMu sync.Mutex

	mu        sync.RWMutex
	def       Policy
	overrides map[string]Override
	order     []string
	loaded    bool
	loadErr   error
}

func NewStore(opts StoreOptions) *Store {
	if opts.Backend == nil {
		opts.Backend = NewMemoryBackend()
	}
	if opts.LoadAttempts <= 0 {
		opts.LoadAttempts = DefaultLoadAttempts
	}
	if opts.LoadBackoff <= 0 {
		opts.LoadBackoff = DefaultLoadBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		backend:   opts.Backend,
		logger:    log.OrNop(opts.Logger),
		attempts:  opts.LoadAttempts,
		backoff:   opts.LoadBackoff,
		onChange:  opts.OnChange,
		now:       opts.Now,
		def:       opts.Default,
		overrides: make(map[string]Override),
	}
}

// Load replaces the cache with the backend's contents. On failure the cache
// is emptied, so every address falls back to the default policy, and the
// returned error matches ErrStoreUnavailable.
func (s *Store) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var rows []Override
	err := s.retry(ctx, func() error {
		var err error
		rows, err = s.backend.LoadOverrides(ctx)
		return err
	})

	s.mu.Lock()
	s.overrides = make(map[string]Override, len(rows))
	s.order = s.order[:0]
	if err != nil {
		s.loaded = false
		s.loadErr = xerrors.Mark(xerrors.Wrap(err, "load overrides"), ErrStoreUnavailable)
		s.mu.Unlock()
		s.changed()
		return s.loadErr
	}
	skipped := 0
	for _, o := range rows {
		if ipaddr.Validate(o.Address) != nil {
			skipped++
			s.logger.Warn(ctx, "skipping override with invalid address", "address", o.Address)
			continue
		}
		if _, dup := s.overrides[o.Address]; dup {
			continue
		}
		s.overrides[o.Address] = o
		s.order = append(s.order, o.Address)
	}
	s.loaded = true
	s.loadErr = nil
	n := len(s.order)
	s.mu.Unlock()

	s.logger.Info(ctx, "loaded address overrides", "count", n, "skipped", skipped)
	s.changed()
	return nil
}

// retry runs fn with jittered exponential backoff.
func (s *Store) retry(ctx context.Context, fn func() error) error {
	delay := s.backoff
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == s.attempts {
			break
		}
		s.logger.Warn(ctx, "override load failed, retrying",
			"attempt", attempt,
			"next_in", delay.String(),
			"error", err,
		)
		jitter := time.Duration(rand.Int64N(int64(delay)/5 + 1))
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay + jitter):
		}
		delay = min(delay*2, maxLoadBackoff)
	}
	return err
}

// Ready reports whether the last Load succeeded.
func (s *Store) Ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.loadErr != nil {
		return s.loadErr
	}
	if !s.loaded {
		return xerrors.New("overrides not loaded")
	}
	return nil
}

// ResolvePolicy returns the override for address, or the default policy.
func (s *Store) ResolvePolicy(address string) Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o, ok := s.overrides[address]; ok {
		return o.Policy
	}
	return s.def
}

// Lookup returns the override for address, if any.
func (s *Store) Lookup(address string) (Override, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.overrides[address]
	return o, ok
}

func (s *Store) Default() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.def
}

// SetDefault swaps the default policy. Returns true if it changed.
func (s *Store) SetDefault(p Policy) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.def == p {
		return false
	}
	s.def = p
	return true
}

// AddOverride persists an override and then caches it. Validation happens
// before anything is touched; the cache only changes after the backend
// write succeeds.
func (s *Store) AddOverride(ctx context.Context, address string, p Policy, description string) error {
	if err := ipaddr.Validate(address); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, ok := s.Lookup(address); ok {
		return xerrors.Wrapf(ErrDuplicateAddress, "add override %s", address)
	}

	o := Override{
		Address:     address,
		Policy:      p,
		Description: description,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.backend.InsertOverride(ctx, o); err != nil {
		if errors.Is(err, ErrDuplicateAddress) {
			return xerrors.Wrapf(err, "add override %s", address)
		}
		return xerrors.Mark(xerrors.Wrapf(err, "insert override %s", address), ErrStoreUnavailable)
	}

	s.mu.Lock()
	s.overrides[address] = o
	s.order = append(s.order, address)
	s.mu.Unlock()

	s.logger.Info(ctx, "address override added", "address", address, "policy", p.String(), "description", description)
	s.changed()
	return nil
}

// RemoveOverride deletes an override from the backend and then the cache.
func (s *Store) RemoveOverride(ctx context.Context, address string) error {
	if err := ipaddr.Validate(address); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.backend.DeleteOverride(ctx, address)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		// backend is authoritative, drop anything stale from the cache
		s.evict(address)
		return xerrors.Wrapf(err, "remove override %s", address)
	default:
		return xerrors.Mark(xerrors.Wrapf(err, "delete override %s", address), ErrStoreUnavailable)
	}

	s.evict(address)
	s.logger.Info(ctx, "address override removed", "address", address)
	s.changed()
	return nil
}

func (s *Store) evict(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.overrides[address]; !ok {
		return
	}
	delete(s.overrides, address)
	for i, a := range s.order {
		if a == address {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// ListOverrides returns the cached overrides in insertion order.
func (s *Store) ListOverrides() []Override {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Override, 0, len(s.order))
	for _, a := range s.order {
		out = append(out, s.overrides[a])
	}
	return out
}

// MaxWindow is the longest distinct-identity window of the default policy
// and every override. The rate tracker sweeps with it so no window is cut
// short.
func (s *Store) MaxWindow() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	longest := s.def.Window()
	for _, o := range s.overrides {
		longest = max(longest, o.Policy.Window())
	}
	return longest
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Store) changed() {
	if s.onChange != nil {
		s.onChange(s.Len())
	}
}
