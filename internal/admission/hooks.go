package admission

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/iplimit/internal/audit"
	"github.com/keithlinneman/iplimit/internal/conntrack"
	"github.com/keithlinneman/iplimit/internal/deferred"
	"github.com/keithlinneman/iplimit/internal/ipaddr"
	"github.com/keithlinneman/iplimit/internal/policy"
	"github.com/keithlinneman/iplimit/internal/ratewindow"
)

// OnProcessStartup loads the override table. A load failure leaves every
// address on the default policy; the error is returned for the caller to
// log and is never fatal to admission.
func (c *Controller) OnProcessStartup(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "admission.startup")
	defer span.End()

	c.logger.Info(ctx, "admission controller starting", "disabled", c.disabled, "announce", c.announce)
	if err := c.policies.Load(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "override load failed")
		c.logger.Error(ctx, err, "override table unavailable, using the default policy for every address")
		return err
	}
	return nil
}

// OnProcessShutdown closes the audit sink. In-memory state is discarded.
func (c *Controller) OnProcessShutdown(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "admission.shutdown")
	defer span.End()

	c.logger.Info(ctx, "admission controller stopping",
		"sessions", c.Sessions(),
		"pending_kicks", c.sched.Len(),
	)
	if err := c.audit.Close(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// OnIdentityAuthenticated resolves and caches the identity's username so
// the login that follows does not need a directory lookup.
func (c *Controller) OnIdentityAuthenticated(ctx context.Context, identity IdentityID) {
	if identity == "" || c.directory == nil {
		return
	}
	ctx, span := c.tracer.Start(ctx, "admission.identity_authenticated")
	defer span.End()

	name, err := c.directory.Username(ctx, identity)
	if err != nil {
		c.logger.Warn(ctx, "username lookup failed", "identity", identity, "error", err)
		return
	}
	c.usernames.put(identity, name)
}

// OnSessionLogin runs the admission decision for a new session.
func (c *Controller) OnSessionLogin(ctx context.Context, ev LoginEvent) Outcome {
	ctx, span := c.tracer.Start(ctx, "admission.login", trace.WithAttributes(
		attribute.String("iplimit.session", string(ev.Session)),
		attribute.String("iplimit.address", ev.Address),
	))
	defer span.End()

	out := c.login(ctx, ev)

	span.SetAttributes(attribute.String("iplimit.outcome", out.String()))
	if c.metrics != nil {
		c.metrics.IncAdmission(out.String())
	}
	c.observeGauges()
	return out
}

func (c *Controller) login(ctx context.Context, ev LoginEvent) Outcome {
	// missing data fails open with nothing recorded, so state is never
	// attributed to an empty or bogus address
	if ev.Session == "" || ev.Identity == "" || ev.Address == "" {
		c.logger.Debug(ctx, "login without session, identity or address, not restricting",
			"session", ev.Session, "identity", ev.Identity, "address", ev.Address)
		return OutcomeUnrestricted
	}
	if err := ipaddr.Validate(ev.Address); err != nil {
		c.logger.Warn(ctx, "login from malformed address, not restricting",
			"session", ev.Session, "identity", ev.Identity, "error", err)
		return OutcomeUnrestricted
	}

	now := c.now()
	username := c.username(ctx, ev)
	s := c.begin(ctx, ev.Session, &session{address: ev.Address, identity: ev.Identity, username: username})

	out, holdsSlot := c.decide(ctx, ev, now)

	c.record(ctx, audit.Event{
		Time:     now,
		Address:  ev.Address,
		Identity: string(ev.Identity),
		Username: username,
		Action:   audit.ActionLogin,
	})
	c.commit(ctx, ev.Session, s, holdsSlot)
	return out
}

// decide runs the limit checks. It reports whether a concurrency slot was
// taken for the session.
func (c *Controller) decide(ctx context.Context, ev LoginEvent, now time.Time) (Outcome, bool) {
	if c.disabled {
		return OutcomeBypassed, false
	}

	p := c.policies.ResolvePolicy(ev.Address)

	// the distinct-identity check runs first and, when it trips, the
	// concurrency check is skipped so no slot is taken
	if c.rate.RecordAndCheck(ev.Address, string(ev.Identity), now, p) == ratewindow.OverBudget {
		c.scheduleDisconnect(ctx, ev, now, deferred.ReasonRateLimit, p)
		return OutcomeDeferredRate, false
	}

	if c.conc.TryAdmit(ev.Address, p) == conntrack.Reject {
		c.scheduleDisconnect(ctx, ev, now, deferred.ReasonConcurrencyLimit, p)
		return OutcomeDeferredConcurrency, false
	}

	c.logger.Debug(ctx, "session admitted",
		"session", ev.Session,
		"address", ev.Address,
		"active", c.conc.Count(ev.Address),
		"identities", c.identitiesInWindow(ev.Address, now, p),
		"policy", p.String(),
	)
	if c.announce {
		c.notice(ctx, ev.Session, c.notices.Announce)
	}
	return OutcomeAdmitted, true
}

// identitiesInWindow is the distinct identity count behind the rate check,
// or 0 when p does not rate limit.
func (c *Controller) identitiesInWindow(address string, now time.Time, p policy.Policy) int {
	if !p.RateLimited() {
		return 0
	}
	return c.rate.Distinct(address, now, p.Window())
}

func (c *Controller) scheduleDisconnect(ctx context.Context, ev LoginEvent, now time.Time, reason deferred.Reason, p policy.Policy) {
	err := c.sched.Schedule(string(ev.Session), string(ev.Identity), now, 0, reason)
	if errors.Is(err, deferred.ErrAlreadyScheduled) {
		return
	}
	if c.metrics != nil {
		c.metrics.IncDeferred("scheduled")
	}
	c.logger.Info(ctx, "disconnect scheduled",
		"session", ev.Session,
		"identity", ev.Identity,
		"address", ev.Address,
		"reason", reason.String(),
		"identities", c.identitiesInWindow(ev.Address, now, p),
		"policy", p.String(),
		"delay", c.sched.Delay().String(),
	)
	c.notice(ctx, ev.Session, c.notices.scheduled(reason == deferred.ReasonRateLimit, c.sched.Delay()))
}

// OnSessionLogout cancels any pending disconnect, gives back the session's
// slot if it took one and audits the logout. Unknown sessions are ignored,
// so repeated logouts are harmless.
func (c *Controller) OnSessionLogout(ctx context.Context, sh SessionHandle) {
	ctx, span := c.tracer.Start(ctx, "admission.logout", trace.WithAttributes(
		attribute.String("iplimit.session", string(sh)),
	))
	defer span.End()

	s, ok := c.endSession(ctx, sh, "logout")
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("iplimit.address", s.address))
	c.record(ctx, audit.Event{
		Time:     c.now(),
		Address:  s.address,
		Identity: string(s.identity),
		Username: s.username,
		Action:   audit.ActionLogout,
	})
	c.observeGauges()
}

// endSession forgets sh, cancelling its pending action and releasing its
// slot. It reports the removed session. A session whose login is still in
// flight is only marked; its login finishes the teardown in commit.
func (c *Controller) endSession(ctx context.Context, sh SessionHandle, why string) (session, bool) {
	c.mu.Lock()
	s, ok := c.sessions[sh]
	if !ok {
		c.mu.Unlock()
		return session{}, false
	}
	if s.pending {
		if s.ended == "" {
			s.ended = why
		}
		c.mu.Unlock()
		c.logger.Debug(ctx, "session ended during login", "session", sh, "why", why)
		return session{}, false
	}
	delete(c.sessions, sh)
	c.mu.Unlock()

	c.teardown(ctx, sh, s, why)
	return *s, true
}

// begin registers s as the in-flight login for sh, ending whatever session
// held the handle before.
func (c *Controller) begin(ctx context.Context, sh SessionHandle, s *session) *session {
	s.pending = true

	c.mu.Lock()
	prev := c.sessions[sh]
	c.sessions[sh] = s
	if prev != nil && prev.pending && prev.ended == "" {
		prev.ended = "replaced"
	}
	c.mu.Unlock()

	if prev != nil && !prev.pending {
		c.teardown(ctx, sh, prev, "replaced")
	}
	return s
}

// commit publishes the outcome of s's login. When a logout or a newer
// login for the same handle arrived while the login was in flight, the
// slot it took is given back instead.
func (c *Controller) commit(ctx context.Context, sh SessionHandle, s *session, holdsSlot bool) {
	c.mu.Lock()
	s.pending = false
	s.holdsSlot = holdsSlot
	why := s.ended
	if why != "" && c.sessions[sh] == s {
		delete(c.sessions, sh)
	}
	c.mu.Unlock()

	if why == "" {
		return
	}
	if why == "replaced" {
		// the newer login owns the handle's pending action
		if holdsSlot {
			c.conc.Release(s.address)
		}
		c.logger.Debug(ctx, "session ended", "session", sh, "address", s.address, "why", why)
		return
	}
	c.teardown(ctx, sh, s, why)
	c.record(ctx, audit.Event{
		Time:     c.now(),
		Address:  s.address,
		Identity: string(s.identity),
		Username: s.username,
		Action:   audit.ActionLogout,
	})
}

func (c *Controller) teardown(ctx context.Context, sh SessionHandle, s *session, why string) {
	if c.sched.Cancel(string(sh)) && c.metrics != nil {
		c.metrics.IncDeferred("cancelled")
	}
	if s.holdsSlot {
		c.conc.Release(s.address)
	}
	c.logger.Debug(ctx, "session ended", "session", sh, "address", s.address, "why", why)
}

// OnSessionTick advances the session's pending disconnect, if it has one.
// elapsed is the host's tick period and only informs logging.
func (c *Controller) OnSessionTick(ctx context.Context, sh SessionHandle, elapsed time.Duration) {
	if _, ok := c.sched.Pending(string(sh)); !ok {
		return
	}
	ctx, span := c.tracer.Start(ctx, "admission.tick", trace.WithAttributes(
		attribute.String("iplimit.session", string(sh)),
	))
	defer span.End()

	now := c.now()
	t := c.sched.Tick(string(sh), now)

	if t.Warn {
		if c.metrics != nil {
			c.metrics.IncDeferred("warned")
		}
		c.notice(ctx, sh, c.notices.warning(max(t.Entry.TriggerAt.Sub(now), 0)))
	}
	if !t.Fire {
		return
	}

	if c.metrics != nil {
		c.metrics.IncDeferred("fired")
	}
	span.SetAttributes(attribute.String("iplimit.reason", t.Entry.Reason.String()))
	c.logger.Info(ctx, "forcing disconnect",
		"session", sh,
		"identity", t.Entry.Identity,
		"reason", t.Entry.Reason.String(),
		"tick", elapsed.String(),
	)
	c.notice(ctx, sh, c.notices.Disconnected)
	if err := c.effects.ForceDisconnect(ctx, sh); err != nil {
		c.effectFailed(ctx, span, "force_disconnect", err, "session", sh)
	}
	if err := c.effects.MarkIdentityOffline(ctx, IdentityID(t.Entry.Identity)); err != nil {
		c.effectFailed(ctx, span, "mark_offline", err, "identity", t.Entry.Identity)
	}
	c.observeGauges()
}

// Run ticks sessions with pending disconnects every interval, for hosts
// that do not deliver per-session ticks. Only due sessions are visited.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sh := range c.sched.Due(c.now()) {
				c.OnSessionTick(ctx, SessionHandle(sh), interval)
			}
		}
	}
}

func (c *Controller) username(ctx context.Context, ev LoginEvent) string {
	if ev.Username != "" {
		return ev.Username
	}
	if n, ok := c.usernames.get(ev.Identity); ok {
		return n
	}
	if c.directory == nil {
		return audit.UnknownUsername
	}
	n, err := c.directory.Username(ctx, ev.Identity)
	if err != nil || n == "" {
		return audit.UnknownUsername
	}
	c.usernames.put(ev.Identity, n)
	return n
}

func (c *Controller) notice(ctx context.Context, sh SessionHandle, text string) {
	if err := c.effects.SendNotice(ctx, sh, text); err != nil {
		c.effectFailed(ctx, trace.SpanFromContext(ctx), "send_notice", err, "session", sh)
	}
}

func (c *Controller) effectFailed(ctx context.Context, span trace.Span, effect string, err error, kv ...any) {
	kv = append([]any{"effect", effect}, kv...)
	// nothing to deliver to is an operating condition, not a host fault
	if errors.Is(err, ErrNoHosts) {
		if c.metrics != nil {
			c.metrics.IncEffectUndelivered(effect)
		}
		c.logger.Warn(ctx, "host effect undelivered, no host connected", kv...)
		return
	}
	span.RecordError(err)
	if c.metrics != nil {
		c.metrics.IncEffectError(effect)
	}
	c.logger.Error(ctx, err, "host effect failed", kv...)
}

func (c *Controller) record(ctx context.Context, ev audit.Event) {
	if err := c.audit.Record(ctx, ev); err != nil {
		if c.metrics != nil {
			c.metrics.IncAuditError()
		}
		c.logger.Error(ctx, err, "audit record failed", "action", string(ev.Action), "address", ev.Address)
	}
}
