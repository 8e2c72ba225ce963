// Package bcfslog provides the small structured-logging interface used
// across this module: Debugf/Warnf/Errorf plus a rate-limiting wrapper for
// noisy events like mark_stripe_ptr's MissingStripe.
//
// This stays on stdlib log rather than importing a structured-logging
// dependency — see DESIGN.md for the full justification.
package bcfslog

import (
	"log"
	"sync"
	"time"
)

// Logger is the minimal structured-logging surface this module depends
// on.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Standard wraps the standard library's *log.Logger, prefixing each level.
type Standard struct {
	L *log.Logger
}

// NewStandard builds a Standard logger writing through l. If l is nil, the
// default *log.Logger (stderr, no flags beyond the standard ones) is used.
func NewStandard(l *log.Logger) *Standard {
	if l == nil {
		l = log.Default()
	}

	return &Standard{L: l}
}

func (s *Standard) Debugf(format string, args ...any) { s.L.Printf("DEBUG "+format, args...) }
func (s *Standard) Warnf(format string, args ...any)  { s.L.Printf("WARN "+format, args...) }
func (s *Standard) Errorf(format string, args ...any) { s.L.Printf("ERROR "+format, args...) }

// RateLimited wraps a Logger so that calls for the same key are suppressed
// until at least `every` has elapsed since the last one actually logged.
// Used to keep a noisy per-pointer event, like a missing stripe, from
// flooding the log on a hot path.
type RateLimited struct {
	inner Logger
	every time.Duration

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewRateLimited builds a rate-limited wrapper around inner.
func NewRateLimited(inner Logger, every time.Duration) *RateLimited {
	return &RateLimited{
		inner: inner,
		every: every,
		last:  make(map[string]time.Time),
		now:   time.Now,
	}
}

// Allow reports whether a message keyed by key should be emitted right
// now, recording the attempt either way. Callers needing a plain Logger
// shape for a single noisy call site should prefer [RateLimited.Warnf]
// directly; Allow exists for call sites (like MissingStripe) that want to
// gate more than just a log line on the rate limit.
func (r *RateLimited) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	last, ok := r.last[key]
	if ok && now.Sub(last) < r.every {
		return false
	}

	r.last[key] = now

	return true
}

func (r *RateLimited) Warnf(key, format string, args ...any) {
	if r.Allow(key) {
		r.inner.Warnf(format, args...)
	}
}
