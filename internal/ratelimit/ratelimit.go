package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/geoedge/internal/httpmw"
)

// Defaults used when no option overrides them.
const (
	DefaultPerSecond   = 10
	DefaultBurst       = 30
	DefaultTTL         = 5 * time.Minute
	DefaultMaxVisitors = 100000
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// warned is set on the first denial and cleared only by eviction
	warned bool
}

// IPLimiter keeps one token bucket per client address.
type IPLimiter struct {
	perSecond   rate.Limit
	burst       int
	ttl         time.Duration
	maxVisitors int
	skip        func(*http.Request) bool
	cost        func(*http.Request) int

	onDenied      func(ip string)
	onFirstDenied func(ip string)
	onCapacity    func()

	mu         sync.Mutex
	visitors   map[string]*visitor
	atCapacity bool
}

type Option func(*IPLimiter)

// WithRate refills perSecond tokens into a bucket holding at most burst.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) { l.perSecond, l.burst = rate.Limit(perSecond), burst }
}

// WithTTL sets how long an idle address keeps its bucket.
func WithTTL(d time.Duration) Option { return func(l *IPLimiter) { l.ttl = d } }

// WithMaxVisitors caps tracked addresses; unseen addresses are refused while
// the map is full. 0 removes the cap.
func WithMaxVisitors(n int) Option { return func(l *IPLimiter) { l.maxVisitors = n } }

// WithSkip exempts matching requests, such as static assets that ride
// along with a page view.
func WithSkip(fn func(*http.Request) bool) Option { return func(l *IPLimiter) { l.skip = fn } }

// WithCost charges more than one token for some requests. Landing pages
// each trigger a contacts lookup against the origin, so they cost extra.
func WithCost(fn func(*http.Request) int) Option { return func(l *IPLimiter) { l.cost = fn } }

// WithOnDenied runs on every refusal; it feeds a counter.
func WithOnDenied(fn func(ip string)) Option { return func(l *IPLimiter) { l.onDenied = fn } }

// WithOnFirstDenied runs once per tracked address, so a flood logs one line.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.onFirstDenied = fn }
}

// WithOnCapacity runs each time the visitor map fills up.
func WithOnCapacity(fn func()) Option { return func(l *IPLimiter) { l.onCapacity = fn } }

// New builds a limiter and runs eviction until ctx is done.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		perSecond:   DefaultPerSecond,
		burst:       DefaultBurst,
		ttl:         DefaultTTL,
		maxVisitors: DefaultMaxVisitors,
		visitors:    make(map[string]*visitor),
	}
	for _, o := range opts {
		o(l)
	}
	go l.evictLoop(ctx)
	return l
}

type verdict int

const (
	allowed verdict = iota
	denied
	deniedFirst
	deniedFull
	deniedFullFirst
)

func (l *IPLimiter) take(ip string, n int, now time.Time) verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			if l.atCapacity {
				return deniedFull
			}
			l.atCapacity = true
			return deniedFullFirst
		}
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	if v.limiter.AllowN(now, n) {
		return allowed
	}
	if v.warned {
		return denied
	}
	v.warned = true
	return deniedFirst
}

// allow reports whether ip may spend n tokens now. Hooks run after the
// lock is released.
func (l *IPLimiter) allow(ip string, n int) bool {
	switch l.take(ip, n, time.Now()) {
	case allowed:
		return true
	case deniedFirst:
		if l.onFirstDenied != nil {
			l.onFirstDenied(ip)
		}
	case deniedFullFirst:
		if l.onCapacity != nil {
			l.onCapacity()
		}
	}
	if l.onDenied != nil {
		l.onDenied(ip)
	}
	return false
}

func (l *IPLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, ip)
		}
	}
	if l.maxVisitors <= 0 || len(l.visitors) < l.maxVisitors {
		l.atCapacity = false
	}
}

func (l *IPLimiter) evictLoop(ctx context.Context) {
	t := time.NewTicker(l.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.evict(now)
		}
	}
}

// Middleware answers 429 once the client address (as resolved by
// httpmw.ClientIPWithOptions) runs out of tokens. The response carries no
// detail about limits or refill time.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.skip != nil && l.skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		n := 1
		if l.cost != nil {
			n = max(l.cost(r), 1)
		}
		if !l.allow(httpmw.ClientIPFromContext(r.Context()), n) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(http.StatusText(http.StatusTooManyRequests)))
			return
		}
		next.ServeHTTP(w, r)
	})
}
