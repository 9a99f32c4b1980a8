package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"exam-proctor/internal/config"
	"exam-proctor/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS proctor_events (
	seq         BIGSERIAL PRIMARY KEY,
	session_id  TEXT        NOT NULL,
	student_id  TEXT        NOT NULL,
	exam_id     TEXT        NOT NULL,
	unit_id     TEXT        NOT NULL,
	event_type  TEXT        NOT NULL,
	data        JSONB,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS proctor_events_session_idx ON proctor_events (session_id, seq);

CREATE TABLE IF NOT EXISTS proctor_sessions (
	id              TEXT PRIMARY KEY,
	student_id      TEXT        NOT NULL,
	exam_id         TEXT        NOT NULL,
	unit_id         TEXT        NOT NULL,
	status          TEXT        NOT NULL,
	start_time      TIMESTAMPTZ NOT NULL,
	end_time        TIMESTAMPTZ,
	key_logs        JSONB       NOT NULL,
	violations      JSONB       NOT NULL,
	key_log_count   INTEGER     NOT NULL,
	violation_count INTEGER     NOT NULL,
	archived_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS proctor_sessions_unit_idx ON proctor_sessions (unit_id, start_time DESC);

CREATE TABLE IF NOT EXISTS violation_reviews (
	id           TEXT PRIMARY KEY,
	session_id   TEXT        NOT NULL,
	violation_id TEXT        NOT NULL,
	reviewer     TEXT        NOT NULL,
	notes        TEXT,
	severity     TEXT,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS violation_reviews_session_idx ON violation_reviews (session_id, created_at);
`

// DB wraps a PostgreSQL connection pool holding events, archived sessions
// and violation reviews.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	pc.MaxConns = 25
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MinConns = 2
	pc.MaxConnLifetime = 5 * time.Minute
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pc.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// Append inserts an event row.
func (db *DB) Append(ctx context.Context, ev session.Event) error {
	data, err := marshalData(ev.Data)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO proctor_events (session_id, student_id, exam_id, unit_id, event_type, data, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = db.pool.Exec(ctx, query,
		ev.SessionID, ev.StudentID, ev.ExamID, ev.UnitID,
		string(ev.Type), data, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// Events returns a session's events in insertion order.
func (db *DB) Events(ctx context.Context, sessionID string) ([]session.Event, error) {
	query := `
		SELECT session_id, student_id, exam_id, unit_id, event_type, data, occurred_at
		FROM proctor_events
		WHERE session_id = $1
		ORDER BY seq`

	rows, err := db.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var results []session.Event
	for rows.Next() {
		var (
			ev        session.Event
			eventType string
			data      []byte
		)
		if err := rows.Scan(
			&ev.SessionID, &ev.StudentID, &ev.ExamID, &ev.UnitID,
			&eventType, &data, &ev.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		ev.Type = session.EventType(eventType)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("decoding event data: %w", err)
			}
		}
		results = append(results, ev)
	}

	return results, rows.Err()
}

// ArchiveSession stores the final state of a closed session. Archiving the
// same session again overwrites the earlier row.
func (db *DB) ArchiveSession(ctx context.Context, s *session.Session) error {
	if !s.Status.IsTerminal() {
		return fmt.Errorf("archiving session %s: status %s is not terminal", s.ID, s.Status)
	}
	keyLogs, err := json.Marshal(s.KeyLogs)
	if err != nil {
		return fmt.Errorf("encoding key logs: %w", err)
	}
	violations, err := json.Marshal(s.Violations)
	if err != nil {
		return fmt.Errorf("encoding violations: %w", err)
	}

	query := `
		INSERT INTO proctor_sessions (id, student_id, exam_id, unit_id, status, start_time, end_time,
			key_logs, violations, key_log_count, violation_count, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, end_time = EXCLUDED.end_time,
			key_logs = EXCLUDED.key_logs, violations = EXCLUDED.violations,
			key_log_count = EXCLUDED.key_log_count, violation_count = EXCLUDED.violation_count,
			archived_at = EXCLUDED.archived_at`

	_, err = db.pool.Exec(ctx, query,
		s.ID, s.StudentID, s.ExamID, s.UnitID, s.Status.String(),
		s.StartTime, s.EndTime, keyLogs, violations,
		len(s.KeyLogs), len(s.Violations), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("archiving session %s: %w", s.ID, err)
	}
	return nil
}

// GetSession loads an archived session with its full logs.
func (db *DB) GetSession(ctx context.Context, id string) (*session.Session, error) {
	query := `
		SELECT id, student_id, exam_id, unit_id, status, start_time, end_time, key_logs, violations
		FROM proctor_sessions WHERE id = $1`

	var (
		s          session.Session
		status     string
		keyLogs    []byte
		violations []byte
	)
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.StudentID, &s.ExamID, &s.UnitID, &status,
		&s.StartTime, &s.EndTime, &keyLogs, &violations,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session %s: %w", id, err)
	}

	if s.Status, err = session.ParseStatus(status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(keyLogs, &s.KeyLogs); err != nil {
		return nil, fmt.Errorf("decoding key logs: %w", err)
	}
	if err := json.Unmarshal(violations, &s.Violations); err != nil {
		return nil, fmt.Errorf("decoding violations: %w", err)
	}
	return &s, nil
}

// ListSessions queries archived sessions with optional filters.
func (db *DB) ListSessions(ctx context.Context, filter SessionFilter) ([]SessionRecord, error) {
	query := `
		SELECT id, student_id, exam_id, unit_id, status, start_time, end_time,
			key_log_count, violation_count, archived_at
		FROM proctor_sessions
		WHERE ($1 = '' OR unit_id = $1)
		  AND ($2 = '' OR student_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY start_time DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.UnitID, filter.StudentID, filter.Status, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var results []SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(
			&r.ID, &r.StudentID, &r.ExamID, &r.UnitID, &r.Status,
			&r.StartTime, &r.EndTime, &r.KeyLogCount, &r.ViolationCount, &r.ArchivedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// InsertReview records an invigilator review.
func (db *DB) InsertReview(ctx context.Context, r *ViolationReview) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO violation_reviews (id, session_id, violation_id, reviewer, notes, severity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := db.pool.Exec(ctx, query,
		r.ID, r.SessionID, r.ViolationID, r.Reviewer,
		truncateForDB(r.Notes, 4096), r.Severity, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting review: %w", err)
	}
	return nil
}

// ListReviews returns a session's reviews, oldest first.
func (db *DB) ListReviews(ctx context.Context, sessionID string) ([]ViolationReview, error) {
	query := `
		SELECT id, session_id, violation_id, reviewer, COALESCE(notes, ''), COALESCE(severity, ''), created_at
		FROM violation_reviews
		WHERE session_id = $1
		ORDER BY created_at`

	rows, err := db.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying reviews: %w", err)
	}
	defer rows.Close()

	var results []ViolationReview
	for rows.Next() {
		var r ViolationReview
		if err := rows.Scan(
			&r.ID, &r.SessionID, &r.ViolationID, &r.Reviewer,
			&r.Notes, &r.Severity, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning review row: %w", err)
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

func marshalData(data map[string]any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding event data: %w", err)
	}
	return b, nil
}

// truncateForDB cuts s to at most maxLen bytes without splitting a rune.
func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
