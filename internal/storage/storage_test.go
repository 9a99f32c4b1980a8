package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exam-proctor/internal/config"
	"exam-proctor/internal/monitor"
	"exam-proctor/internal/session"
)

func event(sessionID string, typ session.EventType) session.Event {
	return session.Event{
		SessionID: sessionID,
		StudentID: "stu-1",
		ExamID:    "exam-1",
		UnitID:    "unit.a",
		Timestamp: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		Type:      typ,
		Data:      map[string]any{"sessionId": sessionID},
	}
}

func TestFileLogRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")
	fl, err := OpenFileLog(path)
	require.NoError(t, err)
	defer fl.Close()

	ctx := context.Background()
	require.NoError(t, fl.Append(ctx, event("s1", session.EventStart)))
	require.NoError(t, fl.Append(ctx, event("s2", session.EventStart)))
	require.NoError(t, fl.Append(ctx, event("s1", session.EventFocusLoss)))
	require.NoError(t, fl.Append(ctx, event("s1", session.EventSubmit)))

	got, err := fl.Events(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, session.EventStart, got[0].Type)
	assert.Equal(t, session.EventFocusLoss, got[1].Type)
	assert.Equal(t, session.EventSubmit, got[2].Type)
	assert.Equal(t, "s1", got[0].Data["sessionId"])

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var first map[string]any
	line := raw[:bytes.IndexByte(raw, '\n')]
	require.NoError(t, json.Unmarshal(line, &first))
	assert.Equal(t, "start", first["eventType"])
}

func TestFileLogSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	fl, err := OpenFileLog(path)
	require.NoError(t, err)
	defer fl.Close()

	ctx := context.Background()
	require.NoError(t, fl.Append(ctx, event("s1", session.EventStart)))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fl.Append(ctx, event("s1", session.EventSubmit)))

	got, err := fl.Events(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFileLogClosed(t *testing.T) {
	fl, err := OpenFileLog(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	require.NoError(t, fl.Close())
	require.NoError(t, fl.Close())

	err = fl.Append(context.Background(), event("s1", session.EventStart))
	assert.ErrorIs(t, err, os.ErrClosed)
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestNATSPublisher(t *testing.T) {
	fp := &fakePublisher{}
	p := newNATSPublisher(fp, "")
	ctx := context.Background()

	require.NoError(t, p.Append(ctx, event("s1", session.EventFullscreenExit)))
	require.NoError(t, p.NotifyTermination(ctx, &session.Session{ID: "s1", UnitID: "unit.a"}, "suspected collusion"))

	require.Len(t, fp.subjects, 2)
	assert.Equal(t, "proctor.events.unit_a.fullscreen_exit", fp.subjects[0])
	assert.Equal(t, "proctor.sessions.s1.terminated", fp.subjects[1])

	var term Termination
	require.NoError(t, json.Unmarshal(fp.payloads[1], &term))
	assert.Equal(t, "suspected collusion", term.Reason)
	assert.Equal(t, "unit.a", term.UnitID)

	_, err := p.Events(ctx, "s1")
	assert.ErrorIs(t, err, ErrReadUnsupported)
	assert.NoError(t, p.Close())

	fp.err = errors.New("no responders")
	assert.Error(t, p.Append(ctx, event("s1", session.EventStart)))
}

func TestSubjectToken(t *testing.T) {
	tests := map[string]string{
		"":          "_",
		"unit-1":    "unit-1",
		"a.b":       "a_b",
		"wild*>":    "wild__",
		"has space": "has_space",
	}
	for in, want := range tests {
		if got := subjectToken(in); got != want {
			t.Errorf("subjectToken(%q) = %q, want %q", in, got, want)
		}
	}
}

type memStore struct {
	mu       sync.Mutex
	events   []session.Event
	failures atomic.Int32 // fail this many appends before succeeding
	calls    atomic.Int32
	block    chan struct{}
}

func (m *memStore) Append(_ context.Context, ev session.Event) error {
	m.calls.Add(1)
	if m.block != nil {
		<-m.block
	}
	if m.failures.Load() > 0 {
		m.failures.Add(-1)
		return errors.New("store unavailable")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) Events(_ context.Context, sessionID string) ([]session.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Event
	for _, ev := range m.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestForwarderDeliversInOrder(t *testing.T) {
	store := &memStore{}
	w := NewForwarder(store, 100, 3, monitor.NewMetrics())
	w.Start()

	types := []session.EventType{session.EventStart, session.EventKeyLog, session.EventFocusLoss, session.EventSubmit}
	for _, typ := range types {
		w.Log(event("s1", typ))
	}
	w.Flush(5 * time.Second)

	got, _ := store.Events(context.Background(), "s1")
	require.Len(t, got, len(types))
	for i, typ := range types {
		assert.Equal(t, typ, got[i].Type)
	}
}

func TestForwarderRetries(t *testing.T) {
	store := &memStore{}
	store.failures.Store(2)
	w := NewForwarder(store, 10, 3, nil)
	w.baseDelay = time.Millisecond
	w.Start()

	w.Log(event("s1", session.EventStart))
	w.Flush(5 * time.Second)

	assert.Equal(t, 1, store.count())
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestForwarderGivesUp(t *testing.T) {
	store := &memStore{}
	store.failures.Store(100)
	w := NewForwarder(store, 10, 2, nil)
	w.baseDelay = time.Millisecond
	w.Start()

	w.Log(event("s1", session.EventStart))
	w.Flush(5 * time.Second)

	assert.Equal(t, 0, store.count())
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestForwarderNeverBlocks(t *testing.T) {
	store := &memStore{block: make(chan struct{})}
	w := NewForwarder(store, 2, 0, nil)
	w.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			w.Log(event("s1", session.EventKeyLog))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked on a stalled store")
	}
	assert.Greater(t, w.Dropped(), int64(40))

	close(store.block)
	w.Flush(5 * time.Second)

	before := w.Dropped()
	w.Log(event("s1", session.EventSubmit))
	assert.Equal(t, before+1, w.Dropped(), "events logged after Flush are dropped")
}

func TestDiscard(t *testing.T) {
	var d Discard
	assert.NoError(t, d.Append(context.Background(), event("s1", session.EventStart)))
	_, err := d.Events(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrReadUnsupported)
}

// Postgres tests run only when PROCTOR_TEST_DSN points at a scratch database.
func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("PROCTOR_TEST_DSN")
	if dsn == "" {
		t.Skip("PROCTOR_TEST_DSN not set, skipping")
	}
	ctx := context.Background()
	db, err := New(ctx, config.DatabaseConfig{DSN: dsn})
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(db.Close)
	require.NoError(t, db.EnsureSchema(ctx))
	return db
}

func TestPostgresEventsAndArchive(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	id := "pg-" + time.Now().Format("150405.000000000")

	require.NoError(t, db.Append(ctx, event(id, session.EventStart)))
	require.NoError(t, db.Append(ctx, event(id, session.EventSubmit)))
	evs, err := db.Events(ctx, id)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, session.EventSubmit, evs[1].Type)

	rec := session.NewRecord(id, "stu-1", "exam-1", "unit-a", time.Now().UTC())
	rec.AppendViolation("v1", session.ViolationSpec{Type: session.FocusLoss, Severity: session.SeverityMedium}, time.Now(), false, nil)
	rec.BeginClose()
	snap := rec.Finish(session.StatusCompleted, time.Now())

	require.NoError(t, db.ArchiveSession(ctx, snap))
	got, err := db.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, got.Status)
	assert.Len(t, got.Violations, 1)

	_, err = db.GetSession(ctx, "missing-"+id)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.InsertReview(ctx, &ViolationReview{SessionID: id, ViolationID: "v1", Reviewer: "inv", Severity: "low"}))
	reviews, err := db.ListReviews(ctx, id)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, "low", reviews[0].Severity)
}

func TestTruncateForDB(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short", "ok", 10, "ok"},
		{"ascii cut", "abcdef", 4, "abcd"},
		{"multibyte fits", strings.Repeat("é", 2048), 4096, strings.Repeat("é", 2048)},
		{"cut inside rune", strings.Repeat("a", 4095) + "é", 4096, strings.Repeat("a", 4095)},
		{"cut inside wide rune", "ab€", 4, "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateForDB(tt.in, tt.max)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), tt.max)
		})
	}
}
