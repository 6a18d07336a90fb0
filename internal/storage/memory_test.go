package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kindredhq/kindred/pkg/models"
)

func TestMemoryMessageStoreListSince(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMessageStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{0, time.Second, 2 * time.Second} {
		msg := &models.Message{
			ID:         []string{"m1", "m2", "m3"}[i],
			SessionID:  "s1",
			SenderID:   "u1",
			SenderType: models.SenderSeeker,
			Content:    "hello",
			CreatedAt:  base.Add(offset),
		}
		if err := store.Insert(ctx, msg); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	t.Run("strictly after cursor, ascending", func(t *testing.T) {
		got, err := store.ListSince(ctx, "s1", base)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(got))
		}
		if got[0].ID != "m2" || got[1].ID != "m3" {
			t.Errorf("wrong order: %s, %s", got[0].ID, got[1].ID)
		}
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		err := store.Insert(ctx, &models.Message{ID: "m1", SessionID: "s1", CreatedAt: base})
		if !errors.Is(err, ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("other session empty", func(t *testing.T) {
		got, err := store.ListSince(ctx, "s2", time.Time{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected no messages, got %d", len(got))
		}
	})
}

func TestMemorySessionStoreClaim(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	now := time.Now()

	session := &models.Session{
		ID:        "s1",
		SeekerID:  "seeker",
		Status:    models.SessionWaiting,
		StartedAt: now,
	}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}

	applied, err := store.Claim(ctx, "s1", "spec-1", now)
	if err != nil || !applied {
		t.Fatalf("first claim should apply, got applied=%v err=%v", applied, err)
	}

	// A second specialist loses the race: the status guard does not match.
	applied, err = store.Claim(ctx, "s1", "spec-2", now)
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if applied {
		t.Error("second claim should not apply")
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SpecialistID != "spec-1" {
		t.Errorf("specialist = %q, want spec-1", got.SpecialistID)
	}
	if got.Status != models.SessionActive {
		t.Errorf("status = %q, want active", got.Status)
	}
}

func TestMemorySessionStoreEndGuard(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	now := time.Now()

	if err := store.Create(ctx, &models.Session{
		ID: "s1", SeekerID: "seeker", Status: models.SessionWaiting, StartedAt: now,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	applied, err := store.End(ctx, "s1", models.EndReasonAutoTimeout, models.SessionWaiting, now)
	if err != nil || !applied {
		t.Fatalf("end should apply, got applied=%v err=%v", applied, err)
	}

	// Already ended: the guard misses and the original reason survives.
	applied, err = store.End(ctx, "s1", models.EndReasonInactivityTimeout, models.SessionActive, now)
	if err != nil {
		t.Fatalf("second end errored: %v", err)
	}
	if applied {
		t.Error("second end should not apply")
	}

	got, _ := store.Get(ctx, "s1")
	if got.EndReason != models.EndReasonAutoTimeout {
		t.Errorf("end reason = %q, want auto_timeout", got.EndReason)
	}
	if got.EndedAt.IsZero() {
		t.Error("ended_at should be set")
	}
}

func TestMemorySessionStoreTouch(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := store.Create(ctx, &models.Session{
		ID: "s1", SeekerID: "seeker", SpecialistID: "spec",
		Status: models.SessionActive, StartedAt: base, LastActivityAt: base,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.Touch(ctx, "s1", base.Add(time.Minute)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	// An older timestamp never moves activity backwards.
	if err := store.Touch(ctx, "s1", base.Add(-time.Minute)); err != nil {
		t.Fatalf("touch: %v", err)
	}

	got, _ := store.Get(ctx, "s1")
	if !got.LastActivityAt.Equal(base.Add(time.Minute)) {
		t.Errorf("last activity = %v, want %v", got.LastActivityAt, base.Add(time.Minute))
	}
}

func TestMemorySessionStoreListStaleAndInactive(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	sessions := []*models.Session{
		{ID: "old-waiting", SeekerID: "a", Status: models.SessionWaiting, StartedAt: now.Add(-11 * time.Minute)},
		{ID: "fresh-waiting", SeekerID: "b", Status: models.SessionWaiting, StartedAt: now.Add(-time.Minute)},
		{ID: "idle-active", SeekerID: "c", SpecialistID: "s", Status: models.SessionActive,
			StartedAt: now.Add(-time.Hour), LastActivityAt: now.Add(-6 * time.Minute)},
		{ID: "busy-active", SeekerID: "d", SpecialistID: "s", Status: models.SessionActive,
			StartedAt: now.Add(-time.Hour), LastActivityAt: now.Add(-time.Minute)},
		{ID: "no-activity", SeekerID: "e", SpecialistID: "s", Status: models.SessionActive,
			StartedAt: now.Add(-20 * time.Minute)},
	}
	for _, s := range sessions {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("create %s: %v", s.ID, err)
		}
	}

	stale, err := store.ListStale(ctx, 10*time.Minute, now)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "old-waiting" {
		t.Errorf("stale = %v, want [old-waiting]", ids(stale))
	}

	inactive, err := store.ListInactive(ctx, 5*time.Minute, now)
	if err != nil {
		t.Fatalf("list inactive: %v", err)
	}
	// no-activity falls back to StartedAt and qualifies.
	if len(inactive) != 2 {
		t.Fatalf("inactive = %v, want 2 sessions", ids(inactive))
	}
	if inactive[0].ID != "idle-active" && inactive[1].ID != "idle-active" {
		t.Errorf("inactive = %v, missing idle-active", ids(inactive))
	}
}

func ids(sessions []*models.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}
