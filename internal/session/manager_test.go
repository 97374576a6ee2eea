package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerCreateDefaults(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), time.Minute)

	s, err := m.Create(ctx, CreateParams{QuestionnaireID: "q-2026", VoiceID: "tiffany"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.ID == "" {
		t.Fatalf("Create() returned empty id")
	}
	if s.Status != StatusActive {
		t.Fatalf("Create() status = %q, want %q", s.Status, StatusActive)
	}
	if s.StepIndex != 0 {
		t.Fatalf("Create() step = %d, want 0", s.StepIndex)
	}
	if s.Responses == nil || len(s.Responses) != 0 {
		t.Fatalf("Create() responses = %v, want empty slice", s.Responses)
	}
	if s.History == nil || len(s.History) != 0 {
		t.Fatalf("Create() history = %v, want empty slice", s.History)
	}
}

func TestManagerCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), time.Minute)

	if _, err := m.Create(ctx, CreateParams{ID: "fixed", QuestionnaireID: "q"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.Create(ctx, CreateParams{ID: "fixed", QuestionnaireID: "q"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Create() error = %v, want ErrDuplicate", err)
	}
}

func TestManagerGetNotFound(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Minute)
	if _, err := m.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestManagerUpdatePatch(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), time.Minute)

	s, err := m.Create(ctx, CreateParams{QuestionnaireID: "q"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	step := 3
	voice := "matthew"
	turn := Turn{Role: "user", Text: "hello", At: time.Now().UTC()}
	updated, err := m.Update(ctx, s.ID, Patch{StepIndex: &step, VoiceID: &voice, AppendTurn: &turn})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.StepIndex != 3 {
		t.Fatalf("Update() step = %d, want 3", updated.StepIndex)
	}
	if updated.VoiceID != "matthew" {
		t.Fatalf("Update() voice = %q, want matthew", updated.VoiceID)
	}
	if len(updated.History) != 1 || updated.History[0].Text != "hello" {
		t.Fatalf("Update() history = %v, want single appended turn", updated.History)
	}
	if !updated.LastActivityAt.After(s.LastActivityAt) && !updated.LastActivityAt.Equal(s.LastActivityAt) {
		t.Fatalf("Update() did not refresh last activity")
	}
}

func TestManagerSetResponseUpsert(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), time.Minute)

	s, err := m.Create(ctx, CreateParams{QuestionnaireID: "q"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for _, r := range []Response{
		{Key: "party", Value: "undecided"},
		{Key: "age", Value: "34"},
		{Key: "party", Value: "green"},
	} {
		r := r
		if _, err := m.Update(ctx, s.ID, Patch{SetResponse: &r}); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}

	got, err := m.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Responses) != 2 {
		t.Fatalf("Responses length = %d, want 2", len(got.Responses))
	}
	if got.Responses[0].Key != "party" || got.Responses[0].Value != "green" {
		t.Fatalf("Responses[0] = %+v, want updated party=green in original position", got.Responses[0])
	}
	if got.Responses[1].Key != "age" {
		t.Fatalf("Responses[1] = %+v, want age", got.Responses[1])
	}
}

func TestManagerCleanupInactive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store, 5*time.Minute)

	stale, err := m.Create(ctx, CreateParams{QuestionnaireID: "q"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	fresh, err := m.Create(ctx, CreateParams{QuestionnaireID: "q"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	old, err := store.Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	old.LastActivityAt = time.Now().UTC().Add(-6 * time.Minute)
	if err := store.Update(ctx, old); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	removed, err := m.CleanupInactive(ctx)
	if err != nil {
		t.Fatalf("CleanupInactive() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("CleanupInactive() = %d, want 1", removed)
	}
	if _, err := m.Get(ctx, stale.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale session survived cleanup: err = %v", err)
	}
	if _, err := m.Get(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh session removed by cleanup: err = %v", err)
	}
}

func TestManagerDeleteIdempotent(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Minute)
	if err := m.Delete(context.Background(), "never-existed"); err != nil {
		t.Fatalf("Delete() error = %v, want nil", err)
	}
}

func TestManagerListActive(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), time.Minute)

	a, _ := m.Create(ctx, CreateParams{QuestionnaireID: "q"})
	b, _ := m.Create(ctx, CreateParams{QuestionnaireID: "q"})

	done := StatusCompleted
	if _, err := m.Update(ctx, b.ID, Patch{Status: &done}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	active, err := m.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("ListActive() = %v, want exactly session %s", active, a.ID)
	}
}

func TestCloneIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), time.Minute)

	s, err := m.Create(ctx, CreateParams{QuestionnaireID: "q"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	s.Responses = append(s.Responses, Response{Key: "smuggled", Value: "x"})

	got, err := m.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Responses) != 0 {
		t.Fatalf("stored session mutated through returned copy: %v", got.Responses)
	}
}
