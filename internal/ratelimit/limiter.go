// Package ratelimit gates per-session message rates with a fixed window.
// Bursts at window boundaries are accepted by design: the fixed window
// favors O(1) memory and CPU per check over a sliding-log guarantee.
package ratelimit

import (
	"sync"
	"time"

	"github.com/canvass-voice/canvass/internal/protocol"
)

type Config struct {
	MaxMessages int
	Window      time.Duration
}

func DefaultConfig() Config {
	return Config{MaxMessages: 50, Window: time.Second}
}

type state struct {
	windowStart time.Time
	count       int
}

// Limiter tracks one counter and window start per session. Sessions are
// fully independent: exhausting one session's quota never affects another.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*state
	now      func() time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultConfig().MaxMessages
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Limiter{
		cfg:      cfg,
		sessions: make(map[string]*state),
		now:      time.Now,
	}
}

// Allow counts one message against the session's current window and reports
// whether it fits. A missing or elapsed window resets to a fresh one.
func (l *Limiter) Allow(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st, ok := l.sessions[sessionID]
	if !ok || now.Sub(st.windowStart) >= l.cfg.Window {
		st = &state{windowStart: now}
		l.sessions[sessionID] = st
	}
	st.count++
	return st.count <= l.cfg.MaxMessages
}

// LimitError builds the structured rejection for an over-limit session. The
// retry-after value is the remaining window time rounded up to whole
// seconds, never less than 1.
func (l *Limiter) LimitError(sessionID string) *protocol.Error {
	retryAfter := int((l.TimeUntilReset(sessionID) + time.Second - 1) / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	err := protocol.NewError(protocol.CodeRateLimitExceeded,
		"rate limit exceeded: max %d messages per %s", l.cfg.MaxMessages, l.cfg.Window)
	err.RetryAfterSec = retryAfter
	return err
}

// Remaining reports how many messages the session can still send in its
// current window, clamped to zero.
func (l *Limiter) Remaining(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.sessions[sessionID]
	if !ok || l.now().Sub(st.windowStart) >= l.cfg.Window {
		return l.cfg.MaxMessages
	}
	if rem := l.cfg.MaxMessages - st.count; rem > 0 {
		return rem
	}
	return 0
}

// TimeUntilReset reports the remaining time in the session's current
// window, or zero if no window is open.
func (l *Limiter) TimeUntilReset(sessionID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.sessions[sessionID]
	if !ok {
		return 0
	}
	if rem := l.cfg.Window - l.now().Sub(st.windowStart); rem > 0 {
		return rem
	}
	return 0
}

// Reset clears the session's state, allowing an immediate fresh window.
func (l *Limiter) Reset(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}

// Cleanup purges entries whose window has fully expired, bounding memory
// for churned sessions. Returns the number of entries removed.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, st := range l.sessions {
		if now.Sub(st.windowStart) >= l.cfg.Window {
			delete(l.sessions, id)
			removed++
		}
	}
	return removed
}
