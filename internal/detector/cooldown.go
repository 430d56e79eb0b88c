package detector

import (
	"sync"
	"time"
)

// Cooldown rate-limits fall notifications to one per window.
type Cooldown struct {
	mu     sync.Mutex
	window time.Duration
	last   time.Time
	fired  bool
}

// NewCooldown creates a gate that opens at most once per window.
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{window: window}
}

// Allow reports whether a notification at now may fire and, if so,
// starts a new window at now.
func (c *Cooldown) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fired && now.Sub(c.last) < c.window {
		return false
	}
	c.last = now
	c.fired = true
	return true
}

// Active reports whether now falls inside the current suppression window.
func (c *Cooldown) Active(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired && now.Sub(c.last) < c.window
}

// Reset forgets the last firing.
func (c *Cooldown) Reset() {
	c.mu.Lock()
	c.fired = false
	c.last = time.Time{}
	c.mu.Unlock()
}
