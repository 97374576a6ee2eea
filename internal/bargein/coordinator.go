// Package bargein decides, from locally observed capture energy, whether
// to interrupt ongoing playback. The decision is purely local: it never
// waits on a network round-trip.
package bargein

import (
	"sync"
	"time"
)

type Config struct {
	// Threshold is typically lower-sensitivity (higher) than the VAD's, so
	// ordinary breathing noise does not cut the remote party off.
	Threshold float64
	// MinDuration is how long energy must stay above Threshold.
	MinDuration time.Duration
	// Debounce is the minimum interval between two triggers.
	Debounce time.Duration
}

func DefaultConfig() Config {
	return Config{
		Threshold:   0.03,
		MinDuration: 100 * time.Millisecond,
		Debounce:    time.Second,
	}
}

// Coordinator observes capture-side energy on the same cadence as chunk
// arrival and fires OnInterrupt once speech is sustained while playback is
// active. OnInterrupt must stop the playback source immediately, clear
// buffered audio, and notify the session state machine.
type Coordinator struct {
	mu  sync.Mutex
	cfg Config

	playbackActive bool
	aboveSince     time.Time
	lastTrigger    time.Time

	onInterrupt func()
}

func NewCoordinator(cfg Config, onInterrupt func()) *Coordinator {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = def.MinDuration
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	return &Coordinator{cfg: cfg, onInterrupt: onInterrupt}
}

// SetPlaybackActive arms or disarms the coordinator. It is armed only
// while the remote side is speaking or playing.
func (c *Coordinator) SetPlaybackActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playbackActive = active
	if !active {
		c.aboveSince = time.Time{}
	}
}

// Observe feeds one capture-side energy reading and reports whether a
// barge-in fired. The callback runs outside the lock.
func (c *Coordinator) Observe(energy float64, now time.Time) bool {
	c.mu.Lock()
	if !c.playbackActive {
		c.mu.Unlock()
		return false
	}
	if energy <= c.cfg.Threshold {
		c.aboveSince = time.Time{}
		c.mu.Unlock()
		return false
	}
	if c.aboveSince.IsZero() {
		c.aboveSince = now
	}
	if now.Sub(c.aboveSince) < c.cfg.MinDuration {
		c.mu.Unlock()
		return false
	}
	if !c.lastTrigger.IsZero() && now.Sub(c.lastTrigger) < c.cfg.Debounce {
		c.mu.Unlock()
		return false
	}
	c.lastTrigger = now
	c.aboveSince = time.Time{}
	c.playbackActive = false
	cb := c.onInterrupt
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
	return true
}
