package storage

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/kindredhq/kindred/pkg/models"
)

func newMockStores(t *testing.T) (StoreSet, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return NewPostgresStores(db), mock
}

func TestPostgresClaimGuard(t *testing.T) {
	stores, mock := newMockStores(t)
	now := time.Now()

	t.Run("waiting session is claimed", func(t *testing.T) {
		mock.ExpectExec(`UPDATE sessions`).
			WithArgs("active", "spec-1", now, "s1", "waiting").
			WillReturnResult(sqlmock.NewResult(0, 1))

		applied, err := stores.Sessions.Claim(context.Background(), "s1", "spec-1", now)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if !applied {
			t.Error("claim should apply")
		}
	})

	t.Run("guard miss affects zero rows", func(t *testing.T) {
		mock.ExpectExec(`UPDATE sessions`).
			WithArgs("active", "spec-2", now, "s1", "waiting").
			WillReturnResult(sqlmock.NewResult(0, 0))

		applied, err := stores.Sessions.Claim(context.Background(), "s1", "spec-2", now)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if applied {
			t.Error("claim against a non-waiting session should not apply")
		}
	})
}

func TestPostgresEndGuard(t *testing.T) {
	stores, mock := newMockStores(t)
	now := time.Now()

	mock.ExpectExec(`UPDATE sessions`).
		WithArgs("ended", now, "auto_timeout", "s1", "waiting").
		WillReturnResult(sqlmock.NewResult(0, 1))
	applied, err := stores.Sessions.End(context.Background(), "s1",
		models.EndReasonAutoTimeout, models.SessionWaiting, now)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if !applied {
		t.Error("end should apply")
	}

	mock.ExpectExec(`UPDATE sessions`).
		WithArgs("ended", now, "inactivity_timeout", "s1", "active").
		WillReturnResult(sqlmock.NewResult(0, 0))
	applied, err = stores.Sessions.End(context.Background(), "s1",
		models.EndReasonInactivityTimeout, models.SessionActive, now)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if applied {
		t.Error("end with a stale expected status should not apply")
	}
}

func TestPostgresListSince(t *testing.T) {
	stores, mock := newMockStores(t)
	cursor := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "session_id", "sender_id", "sender_type", "content", "created_at"}).
		AddRow("m1", "s1", "u1", "seeker", "hi", cursor.Add(time.Second)).
		AddRow("m2", "s1", "u2", "specialist", "hello", cursor.Add(2*time.Second))

	mock.ExpectQuery(`SELECT .+ FROM messages`).
		WithArgs("s1", cursor).
		WillReturnRows(rows)

	got, err := stores.Messages.ListSince(context.Background(), "s1", cursor)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != "m1" || got[0].SenderType != models.SenderSeeker {
		t.Errorf("unexpected first message: %+v", got[0])
	}
}

func TestPostgresListStale(t *testing.T) {
	stores, mock := newMockStores(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-11 * time.Minute)

	rows := sqlmock.NewRows([]string{"id", "seeker_id", "specialist_id", "status", "started_at", "last_activity_at", "ended_at", "end_reason"}).
		AddRow("s1", "seeker", nil, "waiting", started, nil, nil, nil)

	mock.ExpectQuery(`SELECT .+ FROM sessions`).
		WithArgs("waiting", now.Add(-10*time.Minute)).
		WillReturnRows(rows)

	got, err := stores.Sessions.ListStale(context.Background(), 10*time.Minute, now)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got[0].SpecialistID != "" || !got[0].EndedAt.IsZero() {
		t.Errorf("null columns should map to zero values: %+v", got[0])
	}
}
