package policy

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/keithlinneman/iplimit/internal/ipaddr"
	"github.com/keithlinneman/iplimit/internal/xerrors"
)

// LocalhostAddress is always seeded into the override table.
const LocalhostAddress = "127.0.0.1"

// Seed is the startup contents of the override table, usually read from a
// YAML file:
//
//	default:
//	  max_concurrent_sessions: 1
//	  max_distinct_identities: 3
//	  window_seconds: 3600
//	overrides:
//	  - address: 10.0.0.5
//	    description: office NAT
//	    policy:
//	      max_concurrent_sessions: 20
//	exemptions:
//	  - address: 10.0.0.5
//	    description: office NAT
type Seed struct {
	Default    *Policy        `yaml:"default"`
	Overrides  []SeedOverride `yaml:"overrides"`
	Exemptions []Exemption    `yaml:"exemptions"`
}

// SeedOverride is an override entry in a Seed. A nil Policy takes the
// allow-list policy passed to Apply.
type SeedOverride struct {
	Address     string  `yaml:"address"`
	Description string  `yaml:"description"`
	Policy      *Policy `yaml:"policy"`
}

// Exemption is an address exempt from the account creation limit.
type Exemption struct {
	Address     string `yaml:"address" json:"address"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// LoadSeedFile reads and validates a YAML seed file.
func LoadSeedFile(path string) (*Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read seed file %s", path)
	}
	s, err := ParseSeed(b)
	if err != nil {
		return nil, xerrors.Wrapf(err, "seed file %s", path)
	}
	return s, nil
}

// ParseSeed decodes a YAML seed and validates every address in it.
func ParseSeed(b []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, xerrors.Wrap(err, "decode seed")
	}
	var errs []error
	for _, o := range s.Overrides {
		if err := ipaddr.Validate(o.Address); err != nil {
			errs = append(errs, xerrors.Wrap(err, "override"))
		}
	}
	for _, e := range s.Exemptions {
		if err := ipaddr.Validate(e.Address); err != nil {
			errs = append(errs, xerrors.Wrap(err, "exemption"))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &s, nil
}

// WithLocalhost returns a copy of s that also carries the localhost
// override if s does not already name it.
func (s *Seed) WithLocalhost() *Seed {
	out := &Seed{}
	if s != nil {
		*out = *s
		out.Overrides = append([]SeedOverride(nil), s.Overrides...)
	}
	for _, o := range out.Overrides {
		if o.Address == LocalhostAddress {
			return out
		}
	}
	out.Overrides = append([]SeedOverride{{Address: LocalhostAddress, Description: "Default localhost"}}, out.Overrides...)
	return out
}

// Apply inserts the seed's overrides into b, skipping addresses that are
// already present. It returns the number of rows inserted.
func (s *Seed) Apply(ctx context.Context, b Backend, allowList Policy, now time.Time) (int, error) {
	if s == nil {
		return 0, nil
	}
	inserted := 0
	for i, so := range s.Overrides {
		p := allowList
		if so.Policy != nil {
			p = *so.Policy
		}
		o := Override{
			Address:     so.Address,
			Policy:      p,
			Description: so.Description,
			// keep file order when the backend orders by creation time
			CreatedAt: now.UTC().Add(time.Duration(i)),
		}
		err := b.InsertOverride(ctx, o)
		switch {
		case err == nil:
			inserted++
		case errors.Is(err, ErrDuplicateAddress):
		default:
			return inserted, xerrors.Mark(xerrors.Wrapf(err, "seed override %s", so.Address), ErrStoreUnavailable)
		}
	}
	return inserted, nil
}
