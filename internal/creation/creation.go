// Package creation answers whether a new account may be created from an
// address, based on how many were created from it recently.
package creation

import (
	"context"
	"errors"
	"time"

	"github.com/keithlinneman/iplimit/internal/ipaddr"
	"github.com/keithlinneman/iplimit/internal/log"
	"github.com/keithlinneman/iplimit/internal/policy"
	"github.com/keithlinneman/iplimit/internal/xerrors"
)

const (
	DefaultTimeframe     = 24 * time.Hour
	DefaultMaxPerAddress = 3
)

// Exemption list errors share the override table's sentinels so callers
// can map both the same way.
var (
	ErrDuplicateAddress = policy.ErrDuplicateAddress
	ErrNotFound         = policy.ErrNotFound
	ErrStoreUnavailable = policy.ErrStoreUnavailable
)

// Exemption lifts the creation limit for an address when CanCreate is set.
type Exemption struct {
	Address     string    `json:"address"`
	Description string    `json:"description,omitempty"`
	CanCreate   bool      `json:"can_create"`
	CreatedAt   time.Time `json:"created_at"`
}

// Record is one account creation.
type Record struct {
	Address  string
	Identity string
	Username string
	At       time.Time
}

// Backend stores the creation log and the exemption list.
type Backend interface {
	CountSince(ctx context.Context, address string, since time.Time) (uint32, error)
	AppendCreation(ctx context.Context, r Record) error

	Exemption(ctx context.Context, address string) (Exemption, bool, error)
	InsertExemption(ctx context.Context, e Exemption) error
	DeleteExemption(ctx context.Context, address string) error
	ListExemptions(ctx context.Context) ([]Exemption, error)
}

// Metrics observes checks. result is "allowed", "denied", "exempt",
// "disabled" or "error".
type Metrics interface {
	IncCreationCheck(result string)
}

type Options struct {
	Logger  log.Logger
	Backend Backend
	Metrics Metrics

	Disabled bool
	// Timeframe is the look-back window. Zero means DefaultTimeframe.
	Timeframe time.Duration
	// MaxPerAddress is the number of creations allowed per Timeframe.
	// Zero means unlimited.
	MaxPerAddress uint32

	Now func() time.Time
}

type Limiter struct {
	backend   Backend
	logger    log.Logger
	metrics   Metrics
	disabled  bool
	timeframe time.Duration
	max       uint32
	now       func() time.Time
}

func New(opts Options) *Limiter {
	if opts.Backend == nil {
		opts.Backend = NewMemoryBackend(0)
	}
	if opts.Timeframe <= 0 {
		opts.Timeframe = DefaultTimeframe
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		backend:   opts.Backend,
		logger:    log.OrNop(opts.Logger),
		metrics:   opts.Metrics,
		disabled:  opts.Disabled,
		timeframe: opts.Timeframe,
		max:       opts.MaxPerAddress,
		now:       opts.Now,
	}
}

// IsCreationAllowed reports whether address may create another account and
// how many it created within the timeframe. Backend failures allow the
// creation; only a malformed address is an error.
func (l *Limiter) IsCreationAllowed(ctx context.Context, address string) (bool, uint32, error) {
	if l.disabled {
		l.observe("disabled")
		return true, 0, nil
	}
	if err := ipaddr.Validate(address); err != nil {
		return false, 0, err
	}

	ex, ok, err := l.backend.Exemption(ctx, address)
	if err != nil {
		l.logger.Error(ctx, err, "exemption lookup failed, allowing creation", "address", address)
		l.observe("error")
		return true, 0, nil
	}
	if ok && ex.CanCreate {
		l.logger.Debug(ctx, "address exempt from creation limit", "address", address)
		l.observe("exempt")
		return true, 0, nil
	}

	n, err := l.backend.CountSince(ctx, address, l.now().Add(-l.timeframe))
	if err != nil {
		l.logger.Error(ctx, err, "creation count failed, allowing creation", "address", address)
		l.observe("error")
		return true, 0, nil
	}
	if l.max > 0 && n >= l.max {
		l.logger.Info(ctx, "account creation denied",
			"address", address,
			"created", n,
			"timeframe", l.timeframe.String(),
			"max", l.max,
		)
		l.observe("denied")
		return false, n, nil
	}
	l.observe("allowed")
	return true, n, nil
}

// RecordCreation appends to the creation log.
func (l *Limiter) RecordCreation(ctx context.Context, address, identity, username string) error {
	if err := ipaddr.Validate(address); err != nil {
		return err
	}
	r := Record{Address: address, Identity: identity, Username: username, At: l.now().UTC()}
	if err := l.backend.AppendCreation(ctx, r); err != nil {
		return xerrors.Mark(xerrors.Wrap(err, "record creation"), ErrStoreUnavailable)
	}
	return nil
}

func (l *Limiter) AddExemption(ctx context.Context, address, description string, canCreate bool) error {
	if err := ipaddr.Validate(address); err != nil {
		return err
	}
	err := l.backend.InsertExemption(ctx, Exemption{
		Address:     address,
		Description: description,
		CanCreate:   canCreate,
		CreatedAt:   l.now().UTC(),
	})
	switch {
	case err == nil:
		l.logger.Info(ctx, "creation exemption added", "address", address, "can_create", canCreate)
		return nil
	case errors.Is(err, ErrDuplicateAddress):
		return xerrors.Wrapf(err, "add exemption %s", address)
	default:
		return xerrors.Mark(xerrors.Wrapf(err, "insert exemption %s", address), ErrStoreUnavailable)
	}
}

func (l *Limiter) RemoveExemption(ctx context.Context, address string) error {
	if err := ipaddr.Validate(address); err != nil {
		return err
	}
	err := l.backend.DeleteExemption(ctx, address)
	switch {
	case err == nil:
		l.logger.Info(ctx, "creation exemption removed", "address", address)
		return nil
	case errors.Is(err, ErrNotFound):
		return xerrors.Wrapf(err, "remove exemption %s", address)
	default:
		return xerrors.Mark(xerrors.Wrapf(err, "delete exemption %s", address), ErrStoreUnavailable)
	}
}

func (l *Limiter) ListExemptions(ctx context.Context) ([]Exemption, error) {
	out, err := l.backend.ListExemptions(ctx)
	if err != nil {
		return nil, xerrors.Mark(xerrors.Wrap(err, "list exemptions"), ErrStoreUnavailable)
	}
	return out, nil
}

// Seed inserts exemptions that are not present yet, plus the localhost
// exemption. It returns how many were inserted.
func (l *Limiter) Seed(ctx context.Context, seed []policy.Exemption) (int, error) {
	all := append([]policy.Exemption{{Address: policy.LocalhostAddress, Description: "Default localhost"}}, seed...)
	inserted := 0
	for _, e := range all {
		err := l.AddExemption(ctx, e.Address, e.Description, true)
		switch {
		case err == nil:
			inserted++
		case errors.Is(err, ErrDuplicateAddress):
		default:
			return inserted, err
		}
	}
	return inserted, nil
}

func (l *Limiter) observe(result string) {
	if l.metrics != nil {
		l.metrics.IncCreationCheck(result)
	}
}
