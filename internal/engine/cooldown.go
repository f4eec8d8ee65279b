package engine

import (
	"sync"
	"time"
)

// Cooldown answers "has this key fired within the window". The detector uses
// it as its processed marker so that a suppressed vehicle is logged once per
// window instead of on every poll.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time)}
}

func (c *Cooldown) AllowKey(key string, window time.Duration, now time.Time) bool {
	if window <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok {
		if now.Sub(ts) < window {
			return false
		}
	}
	c.last[key] = now
	if len(c.last) > 10000 {
		c.compact(now, window)
	}
	return true
}

func (c *Cooldown) compact(now time.Time, window time.Duration) {
	for k, ts := range c.last {
		if now.Sub(ts) >= window {
			delete(c.last, k)
		}
	}
}

func (c *Cooldown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = make(map[string]time.Time)
}
