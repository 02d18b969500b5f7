// Package ipaddr validates the dotted-quad IPv4 strings used as the
// primary key by every limiter in this module.
//
// The format is deliberately stricter than net.ParseIP: exactly four
// decimal segments, each 0..255, and no leading zeros except the literal "0".
// Overrides, exemptions and live counters are keyed by the raw string, so two
// spellings of the same address must never both be accepted.
package ipaddr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAddress is returned (wrapped) for any string that is not a
// canonical dotted-quad IPv4 address.
var ErrInvalidAddress = errors.New("invalid address")

// Validate returns nil when s is a canonical dotted-quad IPv4 address.
func Validate(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return fmt.Errorf("%w: %q must have 4 segments", ErrInvalidAddress, s)
	}
	for _, p := range parts {
		if !validSegment(p) {
			return fmt.Errorf("%w: %q has bad segment %q", ErrInvalidAddress, s, p)
		}
	}
	return nil
}

// Valid reports whether s passes Validate.
func Valid(s string) bool { return Validate(s) == nil }

func validSegment(p string) bool {
	if len(p) == 0 || len(p) > 3 {
		return false
	}
	// leading zero only allowed for the literal "0"
	if len(p) > 1 && p[0] == '0' {
		return false
	}
	n := 0
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c < '0' || c > '9' {
			return false
		}
		n = n*10 + int(c-'0')
	}
	return n <= 255
}
