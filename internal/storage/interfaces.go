// Package storage persists sessions and messages. The realtime layer treats
// the store as the source of truth: connection state is never persisted here
// and is rebuilt from these rows on reconnect.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/kindredhq/kindred/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// MessageStore persists chat messages. Messages are append-only.
type MessageStore interface {
	Insert(ctx context.Context, msg *models.Message) error
	// ListSince returns messages in the session with CreatedAt strictly
	// after the cursor, ordered ascending by CreatedAt. This is the query
	// the polling fallback drives its cursor with.
	ListSince(ctx context.Context, sessionID string, cursor time.Time) ([]*models.Message, error)
}

// SessionStore persists support sessions. All status transitions carry an
// expected-status guard so concurrent writers cannot overwrite a session
// another actor already resolved.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	// Claim moves a waiting session to active for the given specialist.
	// Returns false with no error if the session was not in waiting status.
	Claim(ctx context.Context, id, specialistID string, at time.Time) (bool, error)
	// Touch bumps LastActivityAt for an active session.
	Touch(ctx context.Context, id string, at time.Time) error
	// End transitions a session to ended with the given reason, guarded by
	// the expected current status. Returns false with no error when the
	// guard did not match (the session was already transitioned).
	End(ctx context.Context, id string, reason models.EndReason, expected models.SessionStatus, at time.Time) (bool, error)
	// ListStale returns waiting sessions whose StartedAt is older than the
	// threshold relative to now.
	ListStale(ctx context.Context, threshold time.Duration, now time.Time) ([]*models.Session, error)
	// ListInactive returns active sessions whose LastActivityAt is older
	// than the threshold relative to now.
	ListInactive(ctx context.Context, threshold time.Duration, now time.Time) ([]*models.Session, error)
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Messages MessageStore
	Sessions SessionStore
	closer   func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
