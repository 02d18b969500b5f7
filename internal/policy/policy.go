// Package policy holds per-address admission policies: one default policy
// plus an allow-list of per-address overrides persisted in a Backend.
//
// Store is the single source of truth for "which limits apply to this
// address". Nothing else special-cases an address.
package policy

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateAddress is returned when adding an override for an address
	// that already has one.
	ErrDuplicateAddress = errors.New("address already has an override")

	// ErrNotFound is returned when removing an override that does not exist.
	ErrNotFound = errors.New("override not found")

	// ErrStoreUnavailable marks failures of the persistence layer.
	ErrStoreUnavailable = errors.New("policy store unavailable")
)

// Policy is the admission policy for an address.
//
// A zero MaxConcurrentSessions means unlimited concurrent sessions. A zero
// MaxDistinctIdentities or WindowSeconds disables the distinct-identity
// check.
type Policy struct {
	MaxConcurrentSessions uint32 `json:"max_concurrent_sessions" yaml:"max_concurrent_sessions"`
	MaxDistinctIdentities uint32 `json:"max_distinct_identities" yaml:"max_distinct_identities"`
	WindowSeconds         uint32 `json:"window_seconds" yaml:"window_seconds"`
}

// Window returns the distinct-identity window as a duration.
func (p Policy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// RateLimited reports whether the distinct-identity check applies.
func (p Policy) RateLimited() bool {
	return p.MaxDistinctIdentities > 0 && p.WindowSeconds > 0
}

func (p Policy) String() string {
	conc := "unlimited"
	if p.MaxConcurrentSessions > 0 {
		conc = fmt.Sprint(p.MaxConcurrentSessions)
	}
	if !p.RateLimited() {
		return fmt.Sprintf("concurrent=%s identities=unlimited", conc)
	}
	return fmt.Sprintf("concurrent=%s identities=%d/%ds", conc, p.MaxDistinctIdentities, p.WindowSeconds)
}

// Override is a per-address policy that supersedes the default.
type Override struct {
	Address     string    `json:"address" yaml:"address"`
	Policy      Policy    `json:"policy" yaml:"policy"`
	Description string    `json:"description,omitempty" yaml:"description"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
}
