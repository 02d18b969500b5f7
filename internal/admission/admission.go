// Package admission decides, per login, whether a session may stay
// connected under the limits that apply to its source address.
//
// The Controller owns no state of its own beyond a session index; counters
// live in conntrack, identity windows in ratewindow, pending disconnects in
// deferred and policies in policy. The host calls the On* hooks and receives
// side effects through the Effects interface.
package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/iplimit/internal/audit"
	"github.com/keithlinneman/iplimit/internal/conntrack"
	"github.com/keithlinneman/iplimit/internal/deferred"
	"github.com/keithlinneman/iplimit/internal/log"
	"github.com/keithlinneman/iplimit/internal/policy"
	"github.com/keithlinneman/iplimit/internal/ratewindow"
	"github.com/keithlinneman/iplimit/internal/xerrors"
)

type (
	SessionHandle string
	IdentityID    string
)

// Outcome is the result of a login.
type Outcome int

const (
	// OutcomeUnrestricted: the event lacked a session, address or identity
	// and nothing was recorded.
	OutcomeUnrestricted Outcome = iota
	// OutcomeBypassed: admission is disabled; the login was audited only.
	OutcomeBypassed
	OutcomeAdmitted
	// OutcomeDeferredConcurrency: too many live sessions from the address;
	// a disconnect is scheduled.
	OutcomeDeferredConcurrency
	// OutcomeDeferredRate: too many distinct identities from the address
	// within the window; a disconnect is scheduled.
	OutcomeDeferredRate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnrestricted:
		return "unrestricted"
	case OutcomeBypassed:
		return "bypassed"
	case OutcomeAdmitted:
		return "admitted"
	case OutcomeDeferredConcurrency:
		return "deferred_concurrency"
	case OutcomeDeferredRate:
		return "deferred_rate"
	default:
		return "unknown"
	}
}

// Deferred reports whether the outcome scheduled a disconnect.
func (o Outcome) Deferred() bool {
	return o == OutcomeDeferredConcurrency || o == OutcomeDeferredRate
}

// LoginEvent is what the host knows about a new session. Username is
// optional; when empty it is resolved through the Directory.
type LoginEvent struct {
	Session  SessionHandle
	Address  string
	Identity IdentityID
	Username string
}

// ErrNoHosts is returned by an Effects implementation when no host is
// connected to carry the effect out.
var ErrNoHosts = errors.New("no host connected to receive effects")

// Effects are the side effects the host performs on the controller's behalf.
type Effects interface {
	SendNotice(ctx context.Context, session SessionHandle, text string) error
	ForceDisconnect(ctx context.Context, session SessionHandle) error
	MarkIdentityOffline(ctx context.Context, identity IdentityID) error
}

// Directory resolves identity ids to display names for the audit trail.
type Directory interface {
	Username(ctx context.Context, identity IdentityID) (string, error)
}

// Policies is the view of the policy store the controller needs.
type Policies interface {
	ResolvePolicy(address string) policy.Policy
	Load(ctx context.Context) error
}

// Metrics observes controller decisions.
type Metrics interface {
	IncAdmission(outcome string)
	IncDeferred(event string)
	SetPendingKicks(n int)
	SetTrackedAddresses(n int)
	IncEffectError(effect string)
	IncEffectUndelivered(effect string)
	IncAuditError()
}

type Options struct {
	Logger    log.Logger
	Policies  Policies
	Effects   Effects
	Audit     audit.Sink
	Directory Directory
	Metrics   Metrics

	// Trackers default to fresh instances.
	Concurrency *conntrack.Tracker
	Rate        *ratewindow.Tracker
	Scheduler   *deferred.Scheduler

	// Disabled admits everything and only audits.
	Disabled bool
	// Announce sends AnnounceNotice to silently admitted sessions.
	Announce bool

	Notices Notices
	Tracer  trace.Tracer
	Now     func() time.Time
}

type session struct {
	address   string
	identity  IdentityID
	username  string
	holdsSlot bool

	// pending is set while the session's login is running; ended records a
	// logout or replacement that arrived meanwhile.
	pending bool
	ended   string
}

type Controller struct {
	logger    log.Logger
	policies  Policies
	effects   Effects
	audit     audit.Sink
	directory Directory
	metrics   Metrics

	conc  *conntrack.Tracker
	rate  *ratewindow.Tracker
	sched *deferred.Scheduler

	disabled bool
	announce bool
	notices  Notices
	tracer   trace.Tracer
	now      func() time.Time

	usernames *usernameCache

	mu       sync.Mutex
	sessions map[SessionHandle]*session
}

func New(opts Options) (*Controller, error) {
	if opts.Policies == nil {
		return nil, xerrors.New("policies are required")
	}
	if opts.Effects == nil {
		return nil, xerrors.New("effects are required")
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	if opts.Concurrency == nil {
		opts.Concurrency = conntrack.New()
	}
	if opts.Rate == nil {
		opts.Rate = ratewindow.New()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = deferred.New(deferred.Options{})
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("iplimit/admission")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		logger:    log.OrNop(opts.Logger),
		policies:  opts.Policies,
		effects:   opts.Effects,
		audit:     opts.Audit,
		directory: opts.Directory,
		metrics:   opts.Metrics,
		conc:      opts.Concurrency,
		rate:      opts.Rate,
		sched:     opts.Scheduler,
		disabled:  opts.Disabled,
		announce:  opts.Announce,
		notices:   opts.Notices.withDefaults(),
		tracer:    opts.Tracer,
		now:       opts.Now,
		usernames: newUsernameCache(usernameCacheSize),
		sessions:  make(map[SessionHandle]*session),
	}, nil
}

// Sessions returns the number of sessions the controller knows about.
func (c *Controller) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// ActiveCount returns the live session count for address.
func (c *Controller) ActiveCount(address string) uint32 {
	return c.conc.Count(address)
}

// Pending returns the pending disconnect for session, if any.
func (c *Controller) Pending(s SessionHandle) (deferred.Entry, bool) {
	return c.sched.Pending(string(s))
}

func (c *Controller) observeGauges() {
	if c.metrics == nil {
		return
	}
	c.metrics.SetPendingKicks(c.sched.Len())
	c.metrics.SetTrackedAddresses(c.conc.Len())
}
