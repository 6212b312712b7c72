package webhook

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	breakerFailures = 5
	breakerWindow   = 60 * time.Second
)

// urlBreaker trips a single URL after breakerFailures failures inside
// breakerWindow and stays open for one window.
type urlBreaker struct {
	mu        sync.Mutex
	failures  []time.Time
	openUntil time.Time
}

// breakerTable holds per-URL breakers. The LRU bounds memory when merchants
// rotate through many endpoint URLs; evicting a breaker merely forgets old
// failures.
type breakerTable struct {
	cache *lru.Cache
	now   func() time.Time
}

func newBreakerTable() *breakerTable {
	cache, _ := lru.New(1024)
	return &breakerTable{cache: cache, now: time.Now}
}

func (t *breakerTable) get(url string) *urlBreaker {
	if b, ok := t.cache.Get(url); ok {
		return b.(*urlBreaker)
	}
	b := &urlBreaker{}
	t.cache.Add(url, b)
	return b
}

// open reports whether deliveries to url are currently short-circuited, and
// if so for how much longer.
func (t *breakerTable) open(url string) (bool, time.Duration) {
	b := t.get(url)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := t.now()
	if now.Before(b.openUntil) {
		return true, b.openUntil.Sub(now)
	}
	return false, 0
}

// failure records a failed delivery and trips the breaker when the window
// fills up.
func (t *breakerTable) failure(url string) {
	b := t.get(url)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := t.now()
	keep := b.failures[:0]
	for _, f := range b.failures {
		if now.Sub(f) < breakerWindow {
			keep = append(keep, f)
		}
	}
	b.failures = append(keep, now)
	if len(b.failures) >= breakerFailures {
		b.openUntil = now.Add(breakerWindow)
		b.failures = b.failures[:0]
	}
}

// success clears the URL's failure history.
func (t *breakerTable) success(url string) {
	b := t.get(url)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
	b.openUntil = time.Time{}
}
