package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/iplimit/internal/ipaddr"
)

var (
	defaultPolicy = Policy{MaxConcurrentSessions: 1, MaxDistinctIdentities: 3, WindowSeconds: 3600}
	allowPolicy   = Policy{MaxConcurrentSessions: 10}
)

func newTestStore(t *testing.T, b Backend) *Store {
	t.Helper()
	return NewStore(StoreOptions{
		Backend:      b,
		Default:      defaultPolicy,
		LoadAttempts: 2,
		LoadBackoff:  time.Millisecond,
	})
}

func TestResolvePolicy_DefaultAndOverride(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend(Override{Address: "10.0.0.5", Policy: allowPolicy}))
	if err := s.Load(t.Context()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := s.ResolvePolicy("10.0.0.5"); got != allowPolicy {
		t.Fatalf("override: got %+v, want %+v", got, allowPolicy)
	}
	if got := s.ResolvePolicy("10.0.0.6"); got != defaultPolicy {
		t.Fatalf("default: got %+v, want %+v", got, defaultPolicy)
	}
	// malformed input is not an error here, it just gets the default
	if got := s.ResolvePolicy("not-an-ip"); got != defaultPolicy {
		t.Fatalf("malformed: got %+v", got)
	}
}

func TestAddOverride(t *testing.T) {
	b := NewMemoryBackend()
	var changes []int
	s := NewStore(StoreOptions{Backend: b, Default: defaultPolicy, OnChange: func(n int) { changes = append(changes, n) }})
	ctx := t.Context()

	if err := s.AddOverride(ctx, "10.0.0.5", allowPolicy, "office"); err != nil {
		t.Fatalf("AddOverride: %v", err)
	}
	if got := s.ResolvePolicy("10.0.0.5"); got != allowPolicy {
		t.Fatalf("ResolvePolicy after add = %+v", got)
	}
	rows, _ := b.LoadOverrides(ctx)
	if len(rows) != 1 || rows[0].Description != "office" {
		t.Fatalf("backend rows = %+v", rows)
	}
	if len(changes) != 1 || changes[0] != 1 {
		t.Fatalf("OnChange calls = %v", changes)
	}

	err := s.AddOverride(ctx, "10.0.0.5", defaultPolicy, "again")
	if !errors.Is(err, ErrDuplicateAddress) {
		t.Fatalf("duplicate add: got %v, want ErrDuplicateAddress", err)
	}
	if got := s.ResolvePolicy("10.0.0.5"); got != allowPolicy {
		t.Fatalf("duplicate add changed policy to %+v", got)
	}
}

func TestAddOverride_InvalidAddressTouchesNothing(t *testing.T) {
	b := NewMemoryBackend()
	s := newTestStore(t, b)

	for _, addr := range []string{"999.1.1.1", "", "1.2.3", "01.2.3.4"} {
		err := s.AddOverride(t.Context(), addr, allowPolicy, "")
		if !errors.Is(err, ipaddr.ErrInvalidAddress) {
			t.Fatalf("AddOverride(%q) = %v, want ErrInvalidAddress", addr, err)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("cache len = %d", s.Len())
	}
	if rows, _ := b.LoadOverrides(t.Context()); len(rows) != 0 {
		t.Fatalf("backend rows = %+v", rows)
	}
}

func TestAddOverride_DuplicateOnlyInBackend(t *testing.T) {
	b := NewMemoryBackend()
	s := newTestStore(t, b)
	// written by another instance after our load
	_ = b.InsertOverride(t.Context(), Override{Address: "10.0.0.7"})

	err := s.AddOverride(t.Context(), "10.0.0.7", allowPolicy, "")
	if !errors.Is(err, ErrDuplicateAddress) {
		t.Fatalf("got %v, want ErrDuplicateAddress", err)
	}
	if _, ok := s.Lookup("10.0.0.7"); ok {
		t.Fatal("cache updated after failed write")
	}
}

func TestAddOverride_BackendFailureLeavesCache(t *testing.T) {
	b := NewMemoryBackend()
	b.Err = errors.New("connection refused")
	s := newTestStore(t, b)

	err := s.AddOverride(t.Context(), "10.0.0.5", allowPolicy, "")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("got %v, want ErrStoreUnavailable", err)
	}
	if got := s.ResolvePolicy("10.0.0.5"); got != defaultPolicy {
		t.Fatalf("policy after failed add = %+v", got)
	}
}

func TestRemoveOverride(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	ctx := t.Context()
	_ = s.AddOverride(ctx, "10.0.0.5", allowPolicy, "")

	if err := s.RemoveOverride(ctx, "10.0.0.5"); err != nil {
		t.Fatalf("RemoveOverride: %v", err)
	}
	if got := s.ResolvePolicy("10.0.0.5"); got != defaultPolicy {
		t.Fatalf("policy after remove = %+v", got)
	}
	if err := s.RemoveOverride(ctx, "10.0.0.5"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove: got %v, want ErrNotFound", err)
	}
	if err := s.RemoveOverride(ctx, "bogus"); !errors.Is(err, ipaddr.ErrInvalidAddress) {
		t.Fatalf("invalid remove: got %v", err)
	}
}

func TestListOverrides_InsertionOrder(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	ctx := t.Context()
	for _, a := range []string{"10.0.0.9", "10.0.0.1", "10.0.0.5"} {
		if err := s.AddOverride(ctx, a, allowPolicy, ""); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.RemoveOverride(ctx, "10.0.0.1")

	got := s.ListOverrides()
	want := []string{"10.0.0.9", "10.0.0.5"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Address != want[i] {
			t.Fatalf("[%d] = %s, want %s", i, got[i].Address, want[i])
		}
	}
}

func TestLoad_SkipsInvalidRows(t *testing.T) {
	b := NewMemoryBackend(
		Override{Address: "10.0.0.5", Policy: allowPolicy},
		Override{Address: "300.0.0.1", Policy: allowPolicy},
		Override{Address: "10.0.0.6", Policy: allowPolicy},
	)
	s := newTestStore(t, b)
	if err := s.Load(t.Context()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	if err := s.Ready(); err != nil {
		t.Fatalf("Ready: %v", err)
	}
}

func TestLoad_FailureDegradesToDefault(t *testing.T) {
	b := NewMemoryBackend(Override{Address: "10.0.0.5", Policy: allowPolicy})
	s := newTestStore(t, b)
	if err := s.Load(t.Context()); err != nil {
		t.Fatal(err)
	}

	b.Err = errors.New("timeout")
	err := s.Load(t.Context())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Load: got %v, want ErrStoreUnavailable", err)
	}
	if s.Len() != 0 {
		t.Fatalf("Len after failed load = %d, want 0", s.Len())
	}
	if got := s.ResolvePolicy("10.0.0.5"); got != defaultPolicy {
		t.Fatalf("policy after failed load = %+v", got)
	}
	if s.Ready() == nil {
		t.Fatal("Ready should report the load failure")
	}
}

type flakyBackend struct {
	*MemoryBackend
	failures int
	calls    int
}

func (f *flakyBackend) LoadOverrides(ctx context.Context) ([]Override, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("transient")
	}
	return f.MemoryBackend.LoadOverrides(ctx)
}

func TestLoad_RetriesTransientErrors(t *testing.T) {
	b := &flakyBackend{MemoryBackend: NewMemoryBackend(Override{Address: "10.0.0.5"}), failures: 1}
	s := newTestStore(t, b)
	if err := s.Load(t.Context()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.calls != 2 {
		t.Fatalf("calls = %d, want 2", b.calls)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d", s.Len())
	}
}

func TestReady_BeforeLoad(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	if s.Ready() == nil {
		t.Fatal("Ready before Load should fail")
	}
}

func TestSetDefault(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	if s.SetDefault(defaultPolicy) {
		t.Fatal("SetDefault with the same policy reported a change")
	}
	p := Policy{MaxConcurrentSessions: 2}
	if !s.SetDefault(p) {
		t.Fatal("SetDefault did not report a change")
	}
	if s.ResolvePolicy("10.1.1.1") != p {
		t.Fatalf("default not applied")
	}
}

func TestStore_ConcurrentReadsDuringWrites(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	ctx := t.Context()

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				_ = s.ResolvePolicy("10.0.0.5")
				_ = s.ListOverrides()
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := []string{"10.0.0.5", "10.0.0.6", "10.0.0.7", "10.0.0.8"}[i]
			for range 50 {
				_ = s.AddOverride(ctx, addr, allowPolicy, "")
				_ = s.RemoveOverride(ctx, addr)
			}
		}()
	}
	wg.Wait()
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
}

func TestPolicy_RateLimited(t *testing.T) {
	cases := []struct {
		p    Policy
		want bool
	}{
		{Policy{}, false},
		{Policy{MaxDistinctIdentities: 2}, false},
		{Policy{WindowSeconds: 60}, false},
		{Policy{MaxDistinctIdentities: 2, WindowSeconds: 60}, true},
	}
	for _, tc := range cases {
		if got := tc.p.RateLimited(); got != tc.want {
			t.Errorf("%+v.RateLimited() = %v, want %v", tc.p, got, tc.want)
		}
	}
	if got := (Policy{MaxDistinctIdentities: 2, WindowSeconds: 60}).Window(); got != time.Minute {
		t.Errorf("Window = %v", got)
	}
}

func TestMaxWindow(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend(
		Override{Address: "10.0.0.5", Policy: Policy{MaxDistinctIdentities: 2, WindowSeconds: 7200}},
		Override{Address: "10.0.0.6", Policy: allowPolicy},
	))
	if err := s.Load(t.Context()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.MaxWindow(); got != 2*time.Hour {
		t.Fatalf("MaxWindow = %v, want 2h", got)
	}

	if err := s.RemoveOverride(t.Context(), "10.0.0.5"); err != nil {
		t.Fatalf("RemoveOverride: %v", err)
	}
	if got := s.MaxWindow(); got != time.Hour {
		t.Fatalf("MaxWindow after remove = %v, want the default 1h", got)
	}
}
