package proxy

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/apperr"
)

type rateLimitWindow struct {
	mu       sync.Mutex
	requests []time.Time
	// evicted windows are out of the map; callers must fetch a fresh one
	evicted bool
}

func (w *rateLimitWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.requests) && !w.requests[i].After(cutoff) {
		i++
	}
	w.requests = w.requests[i:]
}

// allow records a request unless the window already holds limit entries.
// live is false when the window was evicted concurrently.
func (w *rateLimitWindow) allow(now time.Time, window time.Duration, limit int) (ok, live bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.evicted {
		return false, false
	}

	w.prune(now.Add(-window))
	if len(w.requests) >= limit {
		return false, true
	}
	w.requests = append(w.requests, now)
	return true, true
}

// RateLimiter is a per-caller sliding window limiter.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time
	// key: caller id
	windows sync.Map

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// NewRateLimiter allows rpm requests per caller per minute. rpm <= 0
// disables limiting.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{limit: rpm, window: time.Minute, now: time.Now}
}

func (l *RateLimiter) getWindow(key string) *rateLimitWindow {
	val, _ := l.windows.LoadOrStore(key, &rateLimitWindow{})
	return val.(*rateLimitWindow)
}

func (l *RateLimiter) Allow(callerID string) bool {
	if l.limit <= 0 {
		return true
	}
	now := l.now()
	l.sweep(now)
	for {
		if ok, live := l.getWindow(callerID).allow(now, l.window, l.limit); live {
			return ok
		}
	}
}

// sweep drops windows with no request inside the window, at most once per
// window length.
func (l *RateLimiter) sweep(now time.Time) {
	l.sweepMu.Lock()
	if now.Sub(l.lastSweep) < l.window {
		l.sweepMu.Unlock()
		return
	}
	l.lastSweep = now
	l.sweepMu.Unlock()

	cutoff := now.Add(-l.window)
	l.windows.Range(func(key, val any) bool {
		w := val.(*rateLimitWindow)
		w.mu.Lock()
		w.prune(cutoff)
		if len(w.requests) == 0 {
			w.evicted = true
			l.windows.Delete(key)
		}
		w.mu.Unlock()
		return true
	})
}

// size reports how many caller windows are retained.
func (l *RateLimiter) size() int {
	n := 0
	l.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Middleware must run after caller resolution.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(CallerID(r.Context())) {
			w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			apperr.Write(w, apperr.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}
