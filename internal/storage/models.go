package storage

import (
	"context"
	"errors"
	"time"

	"exam-proctor/internal/session"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrReadUnsupported = errors.New("event store does not support reads")
)

// EventStore is the durable destination for proctoring events.
type EventStore interface {
	Append(ctx context.Context, ev session.Event) error
	// Events returns a session's events in the order they were appended.
	Events(ctx context.Context, sessionID string) ([]session.Event, error)
}

// SessionRecord is an archived, closed session.
type SessionRecord struct {
	ID             string     `json:"id" db:"id"`
	StudentID      string     `json:"student_id" db:"student_id"`
	ExamID         string     `json:"exam_id" db:"exam_id"`
	UnitID         string     `json:"unit_id" db:"unit_id"`
	Status         string     `json:"status" db:"status"` // completed, terminated
	StartTime      time.Time  `json:"start_time" db:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty" db:"end_time"`
	KeyLogCount    int        `json:"key_log_count" db:"key_log_count"`
	ViolationCount int        `json:"violation_count" db:"violation_count"`
	ArchivedAt     time.Time  `json:"archived_at" db:"archived_at"`
}

// ViolationReview is an invigilator's verdict on one violation. The
// violation itself is never modified; a review may re-grade its severity.
type ViolationReview struct {
	ID          string    `json:"id" db:"id"`
	SessionID   string    `json:"session_id" db:"session_id"`
	ViolationID string    `json:"violation_id" db:"violation_id"`
	Reviewer    string    `json:"reviewer" db:"reviewer"`
	Notes       string    `json:"notes,omitempty" db:"notes"`
	Severity    string    `json:"severity,omitempty" db:"severity"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// SessionFilter provides criteria for querying archived sessions.
type SessionFilter struct {
	UnitID    string
	StudentID string
	Status    string
	Limit     int
	Offset    int
}

// Discard is the EventStore for deployments with no durable backend.
type Discard struct{}

func (Discard) Append(context.Context, session.Event) error { return nil }

func (Discard) Events(context.Context, string) ([]session.Event, error) {
	return nil, ErrReadUnsupported
}
