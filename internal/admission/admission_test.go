package admission

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/iplimit/internal/audit"
	"github.com/keithlinneman/iplimit/internal/deferred"
	"github.com/keithlinneman/iplimit/internal/policy"
)

// test doubles

type effectCall struct {
	kind     string
	session  SessionHandle
	identity IdentityID
	text     string
}

type fakeEffects struct {
	mu    sync.Mutex
	calls []effectCall
	err   error
}

func (f *fakeEffects) SendNotice(_ context.Context, s SessionHandle, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, effectCall{kind: "notice", session: s, text: text})
	return f.err
}

func (f *fakeEffects) ForceDisconnect(_ context.Context, s SessionHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, effectCall{kind: "disconnect", session: s})
	return f.err
}

func (f *fakeEffects) MarkIdentityOffline(_ context.Context, id IdentityID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, effectCall{kind: "offline", identity: id})
	return f.err
}

func (f *fakeEffects) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeEffects) last() effectCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return effectCall{}
	}
	return f.calls[len(f.calls)-1]
}

type fakeSink struct {
	mu     sync.Mutex
	events []audit.Event
	err    error
	closed bool
}

func (s *fakeSink) Record(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *fakeSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, string(e.Action)+":"+e.Address+":"+e.Username)
	}
	return out
}

type fakeDirectory map[IdentityID]string

func (d fakeDirectory) Username(_ context.Context, id IdentityID) (string, error) {
	n, ok := d[id]
	if !ok {
		return "", errors.New("no such account")
	}
	return n, nil
}

type fakeMetrics struct {
	mu        sync.Mutex
	outcomes  map[string]int
	deferred  map[string]int
	effectErr map[string]int
	undeliv   map[string]int
	auditErr  int
	pending   int
	tracked   int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{outcomes: map[string]int{}, deferred: map[string]int{}, effectErr: map[string]int{}, undeliv: map[string]int{}}
}

func (m *fakeMetrics) IncAdmission(o string)     { m.mu.Lock(); m.outcomes[o]++; m.mu.Unlock() }
func (m *fakeMetrics) IncDeferred(e string)      { m.mu.Lock(); m.deferred[e]++; m.mu.Unlock() }
func (m *fakeMetrics) SetPendingKicks(n int)     { m.mu.Lock(); m.pending = n; m.mu.Unlock() }
func (m *fakeMetrics) SetTrackedAddresses(n int) { m.mu.Lock(); m.tracked = n; m.mu.Unlock() }
func (m *fakeMetrics) IncEffectError(e string)   { m.mu.Lock(); m.effectErr[e]++; m.mu.Unlock() }
func (m *fakeMetrics) IncAuditError()            { m.mu.Lock(); m.auditErr++; m.mu.Unlock() }
func (m *fakeMetrics) IncEffectUndelivered(e string) {
	m.mu.Lock()
	m.undeliv[e]++
	m.mu.Unlock()
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	c       *Controller
	store   *policy.Store
	backend *policy.MemoryBackend
	effects *fakeEffects
	sink    *fakeSink
	metrics *fakeMetrics
	logs    *spyLogger
	clock   *clock
}

var defaultPolicy = policy.Policy{MaxConcurrentSessions: 1, MaxDistinctIdentities: 3, WindowSeconds: 3600}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		backend: policy.NewMemoryBackend(),
		effects: &fakeEffects{},
		sink:    &fakeSink{},
		metrics: newFakeMetrics(),
		logs:    newSpyLogger(),
		clock:   &clock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)},
	}
	h.store = policy.NewStore(policy.StoreOptions{
		Backend:      h.backend,
		Default:      defaultPolicy,
		LoadAttempts: 1,
		LoadBackoff:  time.Millisecond,
	})
	opts := Options{
		Logger:    h.logs,
		Policies:  h.store,
		Effects:   h.effects,
		Audit:     h.sink,
		Metrics:   h.metrics,
		Directory: fakeDirectory{"acct-1": "alice", "acct-2": "bob"},
		Now:       h.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.c = c
	if err := c.OnProcessStartup(t.Context()); err != nil {
		t.Fatalf("OnProcessStartup: %v", err)
	}
	return h
}

func login(h *harness, t *testing.T, session, address, identity string) Outcome {
	t.Helper()
	return h.c.OnSessionLogin(t.Context(), LoginEvent{
		Session:  SessionHandle(session),
		Address:  address,
		Identity: IdentityID(identity),
	})
}

// tests

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without policies")
	}
	if _, err := New(Options{Policies: policy.NewStore(policy.StoreOptions{})}); err == nil {
		t.Fatal("expected error without effects")
	}
}

func TestLogin_AdmitThenDeferOnConcurrency(t *testing.T) {
	h := newHarness(t)

	if got := login(h, t, "s1", "1.2.3.4", "acct-1"); got != OutcomeAdmitted {
		t.Fatalf("first login = %v", got)
	}
	if got := login(h, t, "s2", "1.2.3.4", "acct-2"); got != OutcomeDeferredConcurrency {
		t.Fatalf("second login = %v, want deferred_concurrency", got)
	}
	if got := h.c.ActiveCount("1.2.3.4"); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1", got)
	}

	e, ok := h.c.Pending("s2")
	if !ok || e.Reason != deferred.ReasonConcurrencyLimit {
		t.Fatalf("pending = %+v, %v", e, ok)
	}
	if last := h.effects.last(); last.kind != "notice" || last.session != "s2" || !strings.Contains(last.text, "30 seconds") {
		t.Fatalf("last effect = %+v", last)
	}
	if h.metrics.outcomes["admitted"] != 1 || h.metrics.outcomes["deferred_concurrency"] != 1 {
		t.Fatalf("outcomes = %v", h.metrics.outcomes)
	}
	if h.metrics.pending != 1 || h.metrics.tracked != 1 {
		t.Fatalf("gauges pending=%d tracked=%d", h.metrics.pending, h.metrics.tracked)
	}
}

func TestLogin_RateLimitTakesPrecedence(t *testing.T) {
	h := newHarness(t)
	h.store.SetDefault(policy.Policy{MaxConcurrentSessions: 1, MaxDistinctIdentities: 1, WindowSeconds: 60})

	login(h, t, "s1", "5.5.5.5", "acct-1")
	// both checks would reject; the rate check wins and no slot is taken
	if got := login(h, t, "s2", "5.5.5.5", "acct-2"); got != OutcomeDeferredRate {
		t.Fatalf("got %v, want deferred_rate", got)
	}
	if got := h.c.ActiveCount("5.5.5.5"); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1", got)
	}
	e, _ := h.c.Pending("s2")
	if e.Reason != deferred.ReasonRateLimit {
		t.Fatalf("reason = %v", e.Reason)
	}
	if !strings.Contains(h.effects.last().text, "too many accounts") {
		t.Fatalf("notice = %q", h.effects.last().text)
	}
}

func TestLogin_SameIdentityReturnsWithinWindow(t *testing.T) {
	h := newHarness(t)
	h.store.SetDefault(policy.Policy{MaxConcurrentSessions: 0, MaxDistinctIdentities: 1, WindowSeconds: 60})

	login(h, t, "s1", "5.5.5.5", "acct-1")
	h.c.OnSessionLogout(t.Context(), "s1")
	h.clock.Advance(10 * time.Second)
	if got := login(h, t, "s2", "5.5.5.5", "acct-1"); got != OutcomeAdmitted {
		t.Fatalf("got %v, want admitted", got)
	}
}

func TestTick_WarnThenFire(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	login(h, t, "s1", "1.2.3.4", "acct-1")
	login(h, t, "s2", "1.2.3.4", "acct-2")

	h.clock.Advance(19 * time.Second)
	h.c.OnSessionTick(ctx, "s2", time.Second)
	if n := h.effects.count("notice"); n != 1 {
		t.Fatalf("notices at t=19 = %d, want 1", n)
	}

	h.clock.Advance(time.Second)
	h.c.OnSessionTick(ctx, "s2", time.Second)
	h.c.OnSessionTick(ctx, "s2", time.Second)
	if n := h.effects.count("notice"); n != 2 {
		t.Fatalf("notices at t=20 = %d, want 2", n)
	}
	if !strings.Contains(h.effects.last().text, "10 seconds") {
		t.Fatalf("warning = %q", h.effects.last().text)
	}

	h.clock.Advance(10 * time.Second)
	h.c.OnSessionTick(ctx, "s2", time.Second)
	h.c.OnSessionTick(ctx, "s2", time.Second)
	if h.effects.count("disconnect") != 1 || h.effects.count("offline") != 1 {
		t.Fatalf("effects = %+v", h.effects.calls)
	}
	if !strings.Contains(h.effects.calls[len(h.effects.calls)-3].text, "disconnected due to the IP limit") {
		t.Fatalf("disconnect notice missing: %+v", h.effects.calls)
	}
	if h.effects.last().identity != "acct-2" {
		t.Fatalf("offline identity = %q", h.effects.last().identity)
	}
	if _, ok := h.c.Pending("s2"); ok {
		t.Fatal("entry still pending after fire")
	}
	if h.metrics.deferred["warned"] != 1 || h.metrics.deferred["fired"] != 1 {
		t.Fatalf("deferred metrics = %v", h.metrics.deferred)
	}

	// host disconnects the session and reports the logout; the admitted
	// session's slot is untouched
	h.c.OnSessionLogout(ctx, "s2")
	if got := h.c.ActiveCount("1.2.3.4"); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1", got)
	}
}

func TestLogout_CancelsPendingAndAudits(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	login(h, t, "s1", "1.2.3.4", "acct-1")
	login(h, t, "s2", "1.2.3.4", "acct-2")

	h.c.OnSessionLogout(ctx, "s2")
	h.clock.Advance(time.Minute)
	h.c.OnSessionTick(ctx, "s2", time.Second)
	if h.effects.count("disconnect") != 0 {
		t.Fatal("cancelled session was disconnected")
	}
	if h.metrics.deferred["cancelled"] != 1 {
		t.Fatalf("cancelled = %d", h.metrics.deferred["cancelled"])
	}

	got := strings.Join(h.sink.actions(), " ")
	want := "login:1.2.3.4:alice login:1.2.3.4:bob logout:1.2.3.4:bob"
	if got != want {
		t.Fatalf("audit = %s, want %s", got, want)
	}
}

func TestLogout_IdempotentAndReleasesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	login(h, t, "s1", "1.2.3.4", "acct-1")

	h.c.OnSessionLogout(ctx, "s1")
	h.c.OnSessionLogout(ctx, "s1")
	h.c.OnSessionLogout(ctx, "never-seen")

	if got := h.c.ActiveCount("1.2.3.4"); got != 0 {
		t.Fatalf("ActiveCount = %d", got)
	}
	if h.c.Sessions() != 0 {
		t.Fatalf("Sessions = %d", h.c.Sessions())
	}
	if n := len(h.sink.actions()); n != 2 {
		t.Fatalf("audit rows = %d, want 2", n)
	}
	// slot is free again
	if got := login(h, t, "s3", "1.2.3.4", "acct-2"); got != OutcomeAdmitted {
		t.Fatalf("login after logout = %v", got)
	}
}

func TestLogin_MissingDataFailsOpen(t *testing.T) {
	h := newHarness(t)
	cases := []LoginEvent{
		{Address: "1.2.3.4", Identity: "acct-1"},
		{Session: "s1", Identity: "acct-1"},
		{Session: "s1", Address: "1.2.3.4"},
		{Session: "s1", Address: "1.2.3", Identity: "acct-1"},
	}
	for _, ev := range cases {
		if got := h.c.OnSessionLogin(t.Context(), ev); got != OutcomeUnrestricted {
			t.Fatalf("%+v = %v, want unrestricted", ev, got)
		}
	}
	if h.c.Sessions() != 0 || len(h.sink.actions()) != 0 || len(h.effects.calls) != 0 {
		t.Fatal("missing-data login changed state")
	}
}

func TestLogin_Disabled(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Disabled = true })
	for i, s := range []string{"s1", "s2", "s3"} {
		if got := login(h, t, s, "1.2.3.4", "acct-1"); got != OutcomeBypassed {
			t.Fatalf("login %d = %v", i, got)
		}
	}
	if h.c.ActiveCount("1.2.3.4") != 0 {
		t.Fatal("disabled controller counted sessions")
	}
	h.c.OnSessionLogout(t.Context(), "s1")
	if n := len(h.sink.actions()); n != 4 {
		t.Fatalf("audit rows = %d, want 4", n)
	}
}

func TestLogin_OverrideIsUnlimited(t *testing.T) {
	h := newHarness(t)
	if err := h.store.AddOverride(t.Context(), "10.0.0.5", policy.Policy{}, "office"); err != nil {
		t.Fatal(err)
	}
	for i := range 10 {
		s := string(rune('a' + i))
		if got := login(h, t, s, "10.0.0.5", "acct-"+s); got != OutcomeAdmitted {
			t.Fatalf("login %d = %v", i, got)
		}
	}
	if got := h.c.ActiveCount("10.0.0.5"); got != 10 {
		t.Fatalf("ActiveCount = %d", got)
	}
}

func TestLogin_Announce(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Announce = true })
	login(h, t, "s1", "1.2.3.4", "acct-1")
	if !strings.Contains(h.effects.last().text, "running the IP limit module") {
		t.Fatalf("announce = %+v", h.effects.last())
	}
}

func TestLogin_ReplacedSessionReleasesSlot(t *testing.T) {
	h := newHarness(t)
	login(h, t, "s1", "1.2.3.4", "acct-1")
	if got := login(h, t, "s1", "1.2.3.4", "acct-1"); got != OutcomeAdmitted {
		t.Fatalf("relogin = %v", got)
	}
	if got := h.c.ActiveCount("1.2.3.4"); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1", got)
	}
}

func TestEffectErrorsDoNotSkipBookkeeping(t *testing.T) {
	h := newHarness(t)
	h.effects.err = errors.New("host gone")
	ctx := t.Context()

	login(h, t, "s1", "1.2.3.4", "acct-1")
	if got := login(h, t, "s2", "1.2.3.4", "acct-2"); got != OutcomeDeferredConcurrency {
		t.Fatalf("got %v", got)
	}
	if _, ok := h.c.Pending("s2"); !ok {
		t.Fatal("pending entry missing after notice failure")
	}
	h.clock.Advance(30 * time.Second)
	h.c.OnSessionTick(ctx, "s2", time.Second)
	if _, ok := h.c.Pending("s2"); ok {
		t.Fatal("entry still pending after failed disconnect")
	}
	h.c.OnSessionLogout(ctx, "s1")
	if got := h.c.ActiveCount("1.2.3.4"); got != 0 {
		t.Fatalf("ActiveCount = %d", got)
	}
	if h.metrics.effectErr["send_notice"] == 0 || h.metrics.effectErr["force_disconnect"] != 1 || h.metrics.effectErr["mark_offline"] != 1 {
		t.Fatalf("effect errors = %v", h.metrics.effectErr)
	}
}

func TestEffectWithoutHostsIsUndelivered(t *testing.T) {
	h := newHarness(t)
	h.effects.err = ErrNoHosts
	ctx := t.Context()

	login(h, t, "s1", "1.2.3.4", "acct-1")
	if got := login(h, t, "s2", "1.2.3.4", "acct-2"); got != OutcomeDeferredConcurrency {
		t.Fatalf("got %v", got)
	}
	h.clock.Advance(30 * time.Second)
	h.c.OnSessionTick(ctx, "s2", time.Second)

	if h.metrics.undeliv["send_notice"] == 0 || h.metrics.undeliv["force_disconnect"] != 1 {
		t.Fatalf("undelivered = %v", h.metrics.undeliv)
	}
	if len(h.metrics.effectErr) != 0 {
		t.Fatalf("effect errors = %v, want none", h.metrics.effectErr)
	}
	if n := h.logs.count("error"); n != 0 {
		t.Fatalf("error logs = %d, want 0", n)
	}
	e, ok := h.logs.find("host effect undelivered, no host connected")
	if !ok || e.level != "warn" {
		t.Fatalf("undelivered log = %+v, %v", e, ok)
	}
}

func TestEffectFailureLogsError(t *testing.T) {
	h := newHarness(t)
	h.effects.err = errors.New("socket closed")

	login(h, t, "s1", "1.2.3.4", "acct-1")
	login(h, t, "s2", "1.2.3.4", "acct-2")

	if h.metrics.effectErr["send_notice"] != 1 || len(h.metrics.undeliv) != 0 {
		t.Fatalf("effect errors = %v, undelivered = %v", h.metrics.effectErr, h.metrics.undeliv)
	}
	e, ok := h.logs.find("host effect failed")
	if !ok || e.level != "error" || e.err == nil {
		t.Fatalf("failure log = %+v, %v", e, ok)
	}
}

func TestLogsCarryIdentitiesInWindow(t *testing.T) {
	h := newHarness(t)
	h.store.SetDefault(policy.Policy{MaxConcurrentSessions: 0, MaxDistinctIdentities: 2, WindowSeconds: 60})

	login(h, t, "s1", "5.5.5.5", "acct-1")
	login(h, t, "s2", "5.5.5.5", "acct-2")
	if got := login(h, t, "s3", "5.5.5.5", "acct-3"); got != OutcomeDeferredRate {
		t.Fatalf("got %v, want deferred_rate", got)
	}

	admitted, ok := h.logs.find("session admitted")
	if !ok {
		t.Fatal("no admitted log")
	}
	if v, _ := admitted.field("identities"); v != 1 {
		t.Fatalf("admitted identities = %v, want 1", v)
	}
	scheduled, ok := h.logs.find("disconnect scheduled")
	if !ok {
		t.Fatal("no scheduled log")
	}
	// the rejected identity is still recorded in the window
	if v, _ := scheduled.field("identities"); v != 3 {
		t.Fatalf("scheduled identities = %v, want 3", v)
	}
}

func TestAuditErrorsAreCounted(t *testing.T) {
	h := newHarness(t)
	h.sink.err = errors.New("disk full")
	if got := login(h, t, "s1", "1.2.3.4", "acct-1"); got != OutcomeAdmitted {
		t.Fatalf("got %v", got)
	}
	if h.metrics.auditErr != 1 {
		t.Fatalf("audit errors = %d", h.metrics.auditErr)
	}
}

func TestUsernameResolution(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	h.c.OnSessionLogin(ctx, LoginEvent{Session: "s1", Address: "1.1.1.1", Identity: "acct-9", Username: "given"})
	login(h, t, "s2", "2.2.2.2", "acct-9")
	login(h, t, "s3", "3.3.3.3", "acct-1")

	got := h.sink.actions()
	want := []string{"login:1.1.1.1:given", "login:2.2.2.2:unknown", "login:3.3.3.3:alice"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("audit[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestOnIdentityAuthenticated_WarmsCache(t *testing.T) {
	dir := fakeDirectory{"acct-7": "carol"}
	h := newHarness(t, func(o *Options) { o.Directory = dir })
	h.c.OnIdentityAuthenticated(t.Context(), "acct-7")
	delete(dir, "acct-7")

	login(h, t, "s1", "1.1.1.1", "acct-7")
	if got := h.sink.actions()[0]; got != "login:1.1.1.1:carol" {
		t.Fatalf("audit = %s", got)
	}
}

func TestStartup_StoreFailureDegrades(t *testing.T) {
	backend := policy.NewMemoryBackend(policy.Override{Address: "10.0.0.5", Policy: policy.Policy{}})
	backend.Err = errors.New("connection refused")
	store := policy.NewStore(policy.StoreOptions{Backend: backend, Default: defaultPolicy, LoadAttempts: 1})

	c, err := New(Options{Policies: store, Effects: &fakeEffects{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.OnProcessStartup(t.Context()); !errors.Is(err, policy.ErrStoreUnavailable) {
		t.Fatalf("startup = %v, want ErrStoreUnavailable", err)
	}
	// override is gone, the default cap of one applies
	c.OnSessionLogin(t.Context(), LoginEvent{Session: "a", Address: "10.0.0.5", Identity: "1"})
	if got := c.OnSessionLogin(t.Context(), LoginEvent{Session: "b", Address: "10.0.0.5", Identity: "2"}); got != OutcomeDeferredConcurrency {
		t.Fatalf("got %v", got)
	}
}

func TestShutdownClosesAudit(t *testing.T) {
	h := newHarness(t)
	if err := h.c.OnProcessShutdown(t.Context()); err != nil {
		t.Fatal(err)
	}
	if !h.sink.closed {
		t.Fatal("audit sink not closed")
	}
}

func TestRun_FiresDueSessions(t *testing.T) {
	h := newHarness(t)
	login(h, t, "s1", "1.2.3.4", "acct-1")
	login(h, t, "s2", "1.2.3.4", "acct-2")
	h.clock.Advance(31 * time.Second)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		h.c.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.effects.count("disconnect") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Run never fired the pending disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if h.effects.count("disconnect") != 1 {
		t.Fatalf("disconnects = %d", h.effects.count("disconnect"))
	}
}

func TestConcurrentLoginsRespectCap(t *testing.T) {
	h := newHarness(t)
	h.store.SetDefault(policy.Policy{MaxConcurrentSessions: 3})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := SessionHandle("s" + string(rune('A'+i)))
			h.c.OnSessionLogin(t.Context(), LoginEvent{Session: s, Address: "9.9.9.9", Identity: IdentityID(s)})
		}()
	}
	wg.Wait()
	if got := h.c.ActiveCount("9.9.9.9"); got != 3 {
		t.Fatalf("ActiveCount = %d, want 3", got)
	}
	if got := h.c.sched.Len(); got != 47 {
		t.Fatalf("pending = %d, want 47", got)
	}
}

// interruptingPolicies runs hook from inside the next policy lookup after
// arm, so it lands between the start and the end of a login.
type interruptingPolicies struct {
	*policy.Store
	armed atomic.Bool
	hook  func()
}

func (p *interruptingPolicies) arm(hook func()) {
	p.hook = hook
	p.armed.Store(true)
}

func (p *interruptingPolicies) ResolvePolicy(address string) policy.Policy {
	if p.armed.CompareAndSwap(true, false) {
		p.hook()
	}
	return p.Store.ResolvePolicy(address)
}

func TestLogoutDuringLoginReleasesSlot(t *testing.T) {
	var ip *interruptingPolicies
	h := newHarness(t, func(o *Options) {
		ip = &interruptingPolicies{Store: o.Policies.(*policy.Store)}
		o.Policies = ip
	})
	ip.arm(func() { h.c.OnSessionLogout(t.Context(), "s1") })

	if got := login(h, t, "s1", "1.2.3.4", "acct-1"); got != OutcomeAdmitted {
		t.Fatalf("login = %v", got)
	}
	if got := h.c.ActiveCount("1.2.3.4"); got != 0 {
		t.Fatalf("ActiveCount = %d after logout during login, want 0", got)
	}
	if got := h.c.Sessions(); got != 0 {
		t.Fatalf("Sessions = %d, want 0", got)
	}
	if got := login(h, t, "s2", "1.2.3.4", "acct-2"); got != OutcomeAdmitted {
		t.Fatalf("fresh session = %v, want admitted", got)
	}

	got := h.sink.actions()
	want := []string{"login:1.2.3.4:alice", "logout:1.2.3.4:alice", "login:1.2.3.4:bob"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("audit = %v, want %v", got, want)
	}
}

func TestLogoutDuringDeferredLoginCancelsKick(t *testing.T) {
	var ip *interruptingPolicies
	h := newHarness(t, func(o *Options) {
		ip = &interruptingPolicies{Store: o.Policies.(*policy.Store)}
		o.Policies = ip
	})
	login(h, t, "s1", "1.2.3.4", "acct-1")

	ip.arm(func() { h.c.OnSessionLogout(t.Context(), "s2") })
	if got := login(h, t, "s2", "1.2.3.4", "acct-2"); got != OutcomeDeferredConcurrency {
		t.Fatalf("login = %v", got)
	}
	if _, ok := h.c.Pending("s2"); ok {
		t.Fatal("kick still pending for a logged out session")
	}
	if got := h.c.ActiveCount("1.2.3.4"); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1", got)
	}
}

func TestReloginDuringLoginKeepsOneSlot(t *testing.T) {
	var ip *interruptingPolicies
	h := newHarness(t, func(o *Options) {
		ip = &interruptingPolicies{Store: o.Policies.(*policy.Store)}
		o.Policies = ip
	})
	h.store.SetDefault(policy.Policy{MaxConcurrentSessions: 2})
	var inner Outcome
	ip.arm(func() { inner = login(h, t, "s1", "1.2.3.4", "acct-1") })

	outer := login(h, t, "s1", "1.2.3.4", "acct-1")
	if inner != OutcomeAdmitted || outer != OutcomeAdmitted {
		t.Fatalf("outcomes = %v, %v", inner, outer)
	}
	if got := h.c.ActiveCount("1.2.3.4"); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1", got)
	}
	h.c.OnSessionLogout(t.Context(), "s1")
	if got := h.c.ActiveCount("1.2.3.4"); got != 0 {
		t.Fatalf("ActiveCount = %d after logout, want 0", got)
	}
}

func TestConcurrentLoginLogoutSameHandle(t *testing.T) {
	h := newHarness(t)
	h.store.SetDefault(policy.Policy{MaxConcurrentSessions: 1})

	var wg sync.WaitGroup
	for range 200 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			login(h, t, "s1", "5.5.5.5", "acct-1")
		}()
		go func() {
			defer wg.Done()
			h.c.OnSessionLogout(t.Context(), "s1")
		}()
	}
	wg.Wait()
	h.c.OnSessionLogout(t.Context(), "s1")
	if got := h.c.ActiveCount("5.5.5.5"); got != 0 {
		t.Fatalf("ActiveCount = %d after final logout, want 0", got)
	}
	if got := h.c.Sessions(); got != 0 {
		t.Fatalf("Sessions = %d, want 0", got)
	}
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{
		OutcomeUnrestricted:        "unrestricted",
		OutcomeBypassed:            "bypassed",
		OutcomeAdmitted:            "admitted",
		OutcomeDeferredConcurrency: "deferred_concurrency",
		OutcomeDeferredRate:        "deferred_rate",
		Outcome(99):                "unknown",
	} {
		if o.String() != want {
			t.Errorf("%d = %s, want %s", o, o.String(), want)
		}
	}
	if !OutcomeDeferredRate.Deferred() || OutcomeAdmitted.Deferred() {
		t.Error("Deferred() wrong")
	}
}
