package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/iplimit/internal/httpmw"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged is reset when the entry is evicted and re-created
	logged bool
}

// Limiter holds per-caller token buckets.
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond   rate.Limit
	burst       int
	ttl         time.Duration
	maxVisitors int
	now         func() time.Time

	// at capacity until a sweep frees room; OnCapacity fires once per episode
	atCapacity bool

	onFirstDenied func(addr string)
	onDenied      func(addr string)
	onCapacity    func()
}

type Option func(*Limiter)

// WithRate sets the refill rate and bucket size. WithRate(200, 400) allows
// 400 requests at once, then 200 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *Limiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL controls how long an idle caller stays tracked.
func WithTTL(d time.Duration) Option {
	return func(l *Limiter) { l.ttl = d }
}

// WithMaxVisitors caps tracked callers. New callers are rejected at the cap;
// known callers keep their bucket. 0 disables the cap.
func WithMaxVisitors(n int) Option {
	return func(l *Limiter) { l.maxVisitors = n }
}

// WithOnFirstDenied is called once per tracked caller on its first denial.
func WithOnFirstDenied(fn func(addr string)) Option {
	return func(l *Limiter) { l.onFirstDenied = fn }
}

// WithOnDenied is called on every denial.
func WithOnDenied(fn func(addr string)) Option {
	return func(l *Limiter) { l.onDenied = fn }
}

// WithOnCapacity is called when the visitor cap is first reached.
func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) { l.onCapacity = fn }
}

func withClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New builds a Limiter and starts its eviction loop, which stops with ctx.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		visitors:    make(map[string]*visitor),
		perSecond:   200,
		burst:       400,
		ttl:         5 * time.Minute,
		maxVisitors: 10000,
		now:         time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// allow reports whether addr may proceed. Hooks run without the lock held.
func (l *Limiter) allow(addr string) bool {
	now := l.now()

	l.mu.Lock()
	v, ok := l.visitors[addr]
	if !ok {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			first := !l.atCapacity
			l.atCapacity = true
			l.mu.Unlock()
			if first && l.onCapacity != nil {
				l.onCapacity()
			}
			if l.onDenied != nil {
				l.onDenied(addr)
			}
			return false
		}
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[addr] = v
	}
	v.lastSeen = now
	allowed := v.limiter.AllowN(now, 1)
	firstDenial := !allowed && !v.logged
	if firstDenial {
		v.logged = true
	}
	l.mu.Unlock()

	if allowed {
		return true
	}
	if firstDenial && l.onFirstDenied != nil {
		l.onFirstDenied(addr)
	}
	if l.onDenied != nil {
		l.onDenied(addr)
	}
	return false
}

// Len returns the number of tracked callers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *Limiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for addr, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, addr)
			removed++
		}
	}
	if l.maxVisitors == 0 || len(l.visitors) < l.maxVisitors {
		l.atCapacity = false
	}
	return removed
}

func (l *Limiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(l.now())
		}
	}
}

// Middleware rejects callers over their budget with 429. The caller address
// comes from httpmw.ClientIPWithOptions, which must run first.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := httpmw.ClientIPFromContext(r.Context())

		if !l.allow(addr) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
