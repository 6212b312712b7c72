package store

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while the database breaker is open. Callers see
// it wrapped retriable: queue handlers re-enqueue and the half-open probe
// decides when traffic resumes.
var ErrBreakerOpen = errors.New("database circuit breaker open")

const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// breaker is a consecutive-failure circuit breaker. After breakerThreshold
// failures it rejects calls for breakerCooldown, then admits a single
// half-open probe; the probe's outcome closes or re-opens it.
type breaker struct {
	mu       sync.Mutex
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker() *breaker { return &breaker{} }

// allow reports whether a call may proceed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < breakerThreshold {
		return true
	}
	if time.Since(b.openedAt) < breakerCooldown {
		return false
	}
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

// failure records a failed call and reports whether this one opened the
// breaker.
func (b *breaker) failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	b.failures++
	if b.failures == breakerThreshold {
		b.openedAt = time.Now()
		return true
	}
	if b.failures > breakerThreshold {
		b.openedAt = time.Now()
	}
	return false
}

// success closes the breaker.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
}
