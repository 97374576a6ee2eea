package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultInactivityTimeout = 5 * time.Minute

// CreateParams carries the caller-supplied metadata for a new session.
type CreateParams struct {
	ID              string
	QuestionnaireID string
	VoiceID         string
	Audio           AudioConfig
}

// Patch is a partial update. Nil fields are left untouched; AppendTurn and
// SetResponse accumulate rather than replace.
type Patch struct {
	Status         *Status
	StepIndex      *int
	VoiceID        *string
	Audio          *AudioConfig
	InputStreamID  *string
	OutputStreamID *string
	AppendTurn     *Turn
	SetResponse    *Response
}

// Manager owns session lifecycle on top of a pluggable Store. It is the
// sole serialization point for mutating a session's fields: every
// read-modify-write happens under one lock, so concurrent protocol traffic
// never interleaves partial updates for the same id.
type Manager struct {
	mu                sync.Mutex
	store             Store
	inactivityTimeout time.Duration

	janitorCancel context.CancelFunc
}

func NewManager(store Store, inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = DefaultInactivityTimeout
	}
	return &Manager{store: store, inactivityTimeout: inactivityTimeout}
}

// Create stores a new active session at step 0 with empty responses and
// history. A blank id gets a freshly generated one; an explicit id that
// already exists fails with ErrDuplicate.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*Session, error) {
	id := strings.TrimSpace(params.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	s := &Session{
		ID:              id,
		QuestionnaireID: params.QuestionnaireID,
		VoiceID:         params.VoiceID,
		Audio:           params.Audio,
		Status:          StatusActive,
		StepIndex:       0,
		Responses:       []Response{},
		History:         []Turn{},
		StartedAt:       now,
		LastActivityAt:  now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// Get has no side effects; absence is reported as ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// Update merges the patch into the stored session and unconditionally
// refreshes the last-activity time.
func (m *Manager) Update(ctx context.Context, id string, patch Patch) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	applyPatch(s, patch)
	s.LastActivityAt = time.Now().UTC()
	if err := m.store.Update(ctx, s); err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// Delete is idempotent: removing an absent session is not an error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(ctx, id)
}

// ListActive returns a snapshot of sessions with status active, not a live
// view.
func (m *Manager) ListActive(ctx context.Context) ([]*Session, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(all))
	for _, s := range all {
		if s.Status == StatusActive {
			out = append(out, s)
		}
	}
	return out, nil
}

// Touch refreshes only the activity timestamp. Called on every inbound
// message to reset the inactivity clock without a full update.
func (m *Manager) Touch(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	s.LastActivityAt = time.Now().UTC()
	return m.store.Update(ctx, s)
}

// CleanupInactive deletes every session, regardless of status, whose
// last-activity time is older than the inactivity threshold, and returns
// how many were removed.
func (m *Manager) CleanupInactive(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-m.inactivityTimeout)
	removed := 0
	for _, s := range all {
		if s.LastActivityAt.After(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, s.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Count returns the current number of stored sessions.
func (m *Manager) Count(ctx context.Context) (int, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// StartJanitor runs the inactivity sweep periodically until StopJanitor or
// ctx cancellation. The sweep never blocks in-flight message handling
// beyond the manager lock.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m.mu.Lock()
	if m.janitorCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.janitorCancel = cancel
	m.mu.Unlock()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := m.CleanupInactive(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("session janitor sweep failed: %v", err)
					continue
				}
				if removed > 0 {
					log.Printf("session janitor removed %d inactive session(s)", removed)
				}
			}
		}
	}()
}

// StopJanitor is idempotent and leaves no dangling timers.
func (m *Manager) StopJanitor() {
	m.mu.Lock()
	cancel := m.janitorCancel
	m.janitorCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func applyPatch(s *Session, patch Patch) {
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.StepIndex != nil {
		s.StepIndex = *patch.StepIndex
	}
	if patch.VoiceID != nil {
		s.VoiceID = *patch.VoiceID
	}
	if patch.Audio != nil {
		s.Audio = *patch.Audio
	}
	if patch.InputStreamID != nil {
		s.InputStreamID = *patch.InputStreamID
	}
	if patch.OutputStreamID != nil {
		s.OutputStreamID = *patch.OutputStreamID
	}
	if patch.AppendTurn != nil {
		s.History = append(s.History, *patch.AppendTurn)
	}
	if patch.SetResponse != nil {
		set := false
		for i := range s.Responses {
			if s.Responses[i].Key == patch.SetResponse.Key {
				s.Responses[i] = *patch.SetResponse
				set = true
				break
			}
		}
		if !set {
			s.Responses = append(s.Responses, *patch.SetResponse)
		}
	}
}
