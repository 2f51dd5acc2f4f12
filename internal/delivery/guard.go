// ABOUTME: TTL guard for at-most-one effective submission of a user message.
// ABOUTME: Tracks delivered idempotency keys so caller-level retries cannot resend.

package delivery

import (
	"sync"
	"time"
)

// SubmissionGuard remembers idempotency keys of successfully delivered
// messages for a bounded time. It is safe for concurrent use.
type SubmissionGuard struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

// NewSubmissionGuard creates a guard with the given TTL and maximum size.
func NewSubmissionGuard(ttl time.Duration, maxSize int) *SubmissionGuard {
	return &SubmissionGuard{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Check returns true if the key was marked and has not expired.
func (g *SubmissionGuard) Check(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	at, ok := g.seen[key]
	return ok && time.Since(at) < g.ttl
}

// Mark records a delivered key. Expired entries are pruned on the way in;
// if still at capacity, the oldest entry is evicted.
func (g *SubmissionGuard) Mark(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for k, at := range g.seen {
		if now.Sub(at) > g.ttl {
			delete(g.seen, k)
		}
	}
	if len(g.seen) >= g.maxSize {
		var oldestKey string
		var oldest time.Time
		for k, at := range g.seen {
			if oldestKey == "" || at.Before(oldest) {
				oldestKey, oldest = k, at
			}
		}
		delete(g.seen, oldestKey)
	}
	g.seen[key] = now
}
