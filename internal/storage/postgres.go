package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/kindredhq/kindred/pkg/models"
)

// PostgresConfig tunes the database connection pool.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns pool defaults suitable for the realtime
// sweeper and polling workloads.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStoresFromDSN creates Postgres-backed stores using a DSN.
func NewPostgresStoresFromDSN(dsn string, config *PostgresConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	return NewPostgresStores(db), nil
}

// NewPostgresStores creates Postgres-backed stores from an existing handle.
func NewPostgresStores(db *sql.DB) StoreSet {
	return StoreSet{
		Messages: &postgresMessageStore{db: db},
		Sessions: &postgresSessionStore{db: db},
		closer:   db.Close,
	}
}

type postgresMessageStore struct {
	db *sql.DB
}

func (s *postgresMessageStore) Insert(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("message is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, sender_id, sender_type, content, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		msg.ID,
		msg.SessionID,
		msg.SenderID,
		string(msg.SenderType),
		msg.Content,
		msg.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *postgresMessageStore) ListSince(ctx context.Context, sessionID string, cursor time.Time) ([]*models.Message, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sender_id, sender_type, content, created_at
		 FROM messages
		 WHERE session_id = $1 AND created_at > $2
		 ORDER BY created_at ASC`,
		sessionID, cursor)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		var msg models.Message
		var senderType string
		if err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&msg.SenderID,
			&senderType,
			&msg.Content,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.SenderType = models.SenderType(senderType)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

type postgresSessionStore struct {
	db *sql.DB
}

func (s *postgresSessionStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, seeker_id, specialist_id, status, started_at, last_activity_at, ended_at, end_reason)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		session.ID,
		session.SeekerID,
		nullString(session.SpecialistID),
		string(session.Status),
		session.StartedAt,
		nullTime(session.LastActivityAt),
		nullTime(session.EndedAt),
		nullString(string(session.EndReason)),
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *postgresSessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, seeker_id, specialist_id, status, started_at, last_activity_at, ended_at, end_reason
		 FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// Claim uses a status guard so only one specialist wins a waiting session.
func (s *postgresSessionStore) Claim(ctx context.Context, id, specialistID string, at time.Time) (bool, error) {
	if specialistID == "" {
		return false, fmt.Errorf("specialist id is required")
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET status = $1, specialist_id = $2, last_activity_at = $3
		 WHERE id = $4 AND status = $5`,
		string(models.SessionActive), specialistID, at, id, string(models.SessionWaiting))
	if err != nil {
		return false, fmt.Errorf("claim session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim session: %w", err)
	}
	return affected > 0, nil
}

func (s *postgresSessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = $1
		 WHERE id = $2 AND status = $3 AND (last_activity_at IS NULL OR last_activity_at < $1)`,
		at, id, string(models.SessionActive))
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// End is guarded by the expected status so a session already transitioned by
// a concurrent sweeper or user action is left untouched.
func (s *postgresSessionStore) End(ctx context.Context, id string, reason models.EndReason, expected models.SessionStatus, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $1, ended_at = $2, end_reason = $3
		 WHERE id = $4 AND status = $5`,
		string(models.SessionEnded), at, string(reason), id, string(expected))
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	return affected > 0, nil
}

func (s *postgresSessionStore) ListStale(ctx context.Context, threshold time.Duration, now time.Time) ([]*models.Session, error) {
	cutoff := now.Add(-threshold)
	return s.list(ctx,
		`SELECT id, seeker_id, specialist_id, status, started_at, last_activity_at, ended_at, end_reason
		 FROM sessions
		 WHERE status = $1 AND started_at < $2
		 ORDER BY started_at ASC`,
		string(models.SessionWaiting), cutoff)
}

func (s *postgresSessionStore) ListInactive(ctx context.Context, threshold time.Duration, now time.Time) ([]*models.Session, error) {
	cutoff := now.Add(-threshold)
	return s.list(ctx,
		`SELECT id, seeker_id, specialist_id, status, started_at, last_activity_at, ended_at, end_reason
		 FROM sessions
		 WHERE status = $1 AND COALESCE(last_activity_at, started_at) < $2
		 ORDER BY started_at ASC`,
		string(models.SessionActive), cutoff)
}

func (s *postgresSessionStore) list(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*models.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var session models.Session
	var specialistID, endReason sql.NullString
	var status string
	var lastActivityAt, endedAt sql.NullTime
	if err := row.Scan(
		&session.ID,
		&session.SeekerID,
		&specialistID,
		&status,
		&session.StartedAt,
		&lastActivityAt,
		&endedAt,
		&endReason,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	session.Status = models.SessionStatus(status)
	session.SpecialistID = specialistID.String
	session.EndReason = models.EndReason(endReason.String)
	if lastActivityAt.Valid {
		session.LastActivityAt = lastActivityAt.Time
	}
	if endedAt.Valid {
		session.EndedAt = endedAt.Time
	}
	return &session, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
