// Package noncecache is a process-resident replay cache for HMAC session
// nonces. It is explicit in-memory state with its own init and
// sweep, not a module-load side effect: a restart invalidates the replay
// window, which is documented, acceptable behavior, not a bug.
package noncecache

import (
	"sync"
	"time"
)

// entryTTL is how long a nonce is remembered before it becomes eligible for
// opportunistic sweeping.
const entryTTL = 24 * time.Hour

// Cache tracks nonces seen within entryTTL to reject HMAC-session replay.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	nowFunc func() time.Time
}

// New creates an empty nonce cache.
func New() *Cache {
	return &Cache{
		seen:    make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

// Seen reports whether nonce has already been accepted and, if not, records
// it with the current time. The boolean return is true when nonce is a
// replay (already present) and the caller must reject the request.
func (c *Cache) Seen(nonce string) bool {
	now := c.nowFunc()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[nonce]; ok {
		return true
	}
	c.seen[nonce] = now
	c.sweepLocked(now)
	return false
}

// sweepLocked drops entries older than entryTTL. Called opportunistically
// from Seen rather than on a timer, so an idle cache costs nothing between
// requests.
func (c *Cache) sweepLocked(now time.Time) {
	for nonce, seenAt := range c.seen {
		if now.Sub(seenAt) > entryTTL {
			delete(c.seen, nonce)
		}
	}
}

// Len returns the number of nonces currently tracked. Exposed for tests and
// diagnostics, not used on any request path.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
