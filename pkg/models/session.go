package models

import (
	"fmt"
	"time"
)

// SessionStatus represents the lifecycle stage of a support session.
type SessionStatus string

const (
	SessionWaiting SessionStatus = "waiting"
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
)

// EndReason records why a session was ended.
type EndReason string

const (
	EndReasonAutoTimeout       EndReason = "auto_timeout"
	EndReasonInactivityTimeout EndReason = "inactivity_timeout"
	EndReasonNormal            EndReason = "normal"
	EndReasonManual            EndReason = "manual"
)

// SenderType identifies the author of a message.
type SenderType string

const (
	SenderSeeker     SenderType = "seeker"
	SenderSpecialist SenderType = "specialist"
	SenderSystem     SenderType = "system"
)

// Session is a bounded conversation between a seeker and a peer specialist.
// It progresses waiting -> active -> ended, or waiting -> ended when the
// request is abandoned before a specialist claims it. A session never
// reverts to an earlier status.
type Session struct {
	ID             string        `json:"id"`
	SeekerID       string        `json:"seeker_id"`
	SpecialistID   string        `json:"specialist_id,omitempty"` // assigned when claimed
	Status         SessionStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	LastActivityAt time.Time     `json:"last_activity_at,omitempty"` // meaningful only while active
	EndedAt        time.Time     `json:"ended_at,omitempty"`
	EndReason      EndReason     `json:"end_reason,omitempty"`
}

// Validate checks session invariants.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if s.SeekerID == "" {
		return fmt.Errorf("seeker id is required")
	}
	switch s.Status {
	case SessionWaiting, SessionActive, SessionEnded:
	default:
		return fmt.Errorf("invalid session status %q", s.Status)
	}
	if s.Status == SessionActive && s.SpecialistID == "" {
		return fmt.Errorf("active session requires a specialist")
	}
	// EndedAt and EndReason are set together, never independently.
	if s.EndedAt.IsZero() != (s.EndReason == "") {
		return fmt.Errorf("ended_at and end_reason must be set together")
	}
	if s.Status == SessionEnded && s.EndedAt.IsZero() {
		return fmt.Errorf("ended session requires ended_at and end_reason")
	}
	if s.Status != SessionEnded && !s.EndedAt.IsZero() {
		return fmt.Errorf("only ended sessions may carry ended_at")
	}
	return nil
}

// IsTerminal reports whether the session has reached its final status.
func (s *Session) IsTerminal() bool {
	return s.Status == SessionEnded
}

// Message is a single append-only chat row. The connectivity layer only
// reads messages; it never mutates them after creation.
type Message struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	SenderID   string     `json:"sender_id"`
	SenderType SenderType `json:"sender_type"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Validate checks message invariants.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.SessionID == "" {
		return fmt.Errorf("message session id is required")
	}
	switch m.SenderType {
	case SenderSeeker, SenderSpecialist, SenderSystem:
	default:
		return fmt.Errorf("invalid sender type %q", m.SenderType)
	}
	return nil
}
