package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"exam-proctor/internal/config"
	"exam-proctor/internal/monitor"
	"exam-proctor/internal/proctor"
	"exam-proctor/internal/session"
	"exam-proctor/internal/storage"
)

type memEvents struct {
	mu     sync.Mutex
	events []session.Event
}

func (m *memEvents) Log(ev session.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *memEvents) Append(_ context.Context, ev session.Event) error {
	m.Log(ev)
	return nil
}

func (m *memEvents) Events(_ context.Context, id string) ([]session.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Event
	for _, ev := range m.events {
		if ev.SessionID == id {
			out = append(out, ev)
		}
	}
	return out, nil
}

type memReviews struct {
	mu      sync.Mutex
	reviews []storage.ViolationReview
}

func (m *memReviews) InsertReview(_ context.Context, r *storage.ViolationReview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = "rev-1"
	r.CreatedAt = time.Now()
	m.reviews = append(m.reviews, *r)
	return nil
}

func (m *memReviews) ListReviews(_ context.Context, id string) ([]storage.ViolationReview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.ViolationReview
	for _, r := range m.reviews {
		if r.SessionID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

type memHistory struct {
	last storage.SessionFilter
}

func (m *memHistory) ListSessions(_ context.Context, f storage.SessionFilter) ([]storage.SessionRecord, error) {
	m.last = f
	return []storage.SessionRecord{{ID: "old-1", UnitID: f.UnitID, Status: "terminated"}}, nil
}

type testEnv struct {
	srv      *httptest.Server
	registry *proctor.Registry
	hub      *Hub
	events   *memEvents
	history  *memHistory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	cfg := config.DefaultConfig()
	cfg.Security.AllowedKeys = []string{"student-app"}
	cfg.Security.Invigilators = map[string][]string{"inv-u1": {"u1"}}
	cfg.Security.RateLimitRPS = 0
	cfg.Proctor.MediaConsentTimeout = time.Second

	metrics := monitor.NewMetrics()
	events := &memEvents{}
	hub := NewHub(cfg.Stream, cfg.Proctor, metrics)
	reg := proctor.New(session.NewStore(), proctor.Options{
		Sink:      events,
		Metrics:   metrics,
		Notifiers: []proctor.Notifier{hub},
	})
	hub.Bind(reg)
	history := &memHistory{}

	s := NewServer(ctx, cfg, Dependencies{
		Registry:   reg,
		Authorizer: NewKeyAuthorizer(cfg.Security.Invigilators),
		Hub:        hub,
		Events:     events,
		Reviews:    &memReviews{},
		History:    history,
		Metrics:    metrics,
	})
	env := &testEnv{srv: httptest.NewServer(s.Handler()), registry: reg, hub: hub, events: events, history: history}
	t.Cleanup(func() {
		env.srv.Close()
		_ = reg.Close(context.Background())
		cancel()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, key string, body any) *http.Response {
	t.Helper()
	return e.doWithToken(t, method, path, key, "", body)
}

// doWithToken sends a request carrying a session access token.
func (e *testEnv) doWithToken(t *testing.T, method, path, key, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	if token != "" {
		req.Header.Set(SessionTokenHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func (e *testEnv) startSession(t *testing.T, student, unit string) *proctor.StartResult {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/sessions", "student-app", StartSessionRequest{StudentID: student, ExamID: "e1", UnitID: unit})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: got status %d, want 201", resp.StatusCode)
	}
	res := decode[proctor.StartResult](t, resp)
	if res.Token == "" {
		t.Fatal("start returned no session token")
	}
	return &res
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	res := env.startSession(t, "s1", "u1")
	s, tok := res.Session, res.Token
	if s.Status != session.StatusActive {
		t.Fatalf("status = %s, want active", s.Status)
	}

	resp := env.doWithToken(t, http.MethodPost, "/v1/sessions/"+s.ID+"/input", "student-app", tok, InputRequest{Kind: "keydown", Key: "c", Ctrl: true})
	if got := decode[InputResponse](t, resp); !got.Suppress {
		t.Error("ctrl+c should be suppressed")
	}
	env.doWithToken(t, http.MethodPost, "/v1/sessions/"+s.ID+"/input", "student-app", tok, InputRequest{Kind: "blur"})

	resp = env.doWithToken(t, http.MethodPost, "/v1/sessions/"+s.ID+"/end", "student-app", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end: got status %d", resp.StatusCode)
	}
	ended := decode[session.Session](t, resp)
	if ended.Status != session.StatusCompleted {
		t.Errorf("status = %s, want completed", ended.Status)
	}
	if len(ended.Violations) != 2 {
		t.Errorf("got %d violations, want 2", len(ended.Violations))
	}

	resp = env.doWithToken(t, http.MethodGet, "/v1/sessions/"+s.ID+"/events", "student-app", tok, nil)
	evs := decode[[]session.Event](t, resp)
	if len(evs) == 0 || evs[0].Type != session.EventStart || evs[len(evs)-1].Type != session.EventSubmit {
		t.Errorf("unexpected event sequence: %+v", evs)
	}

	resp = env.doWithToken(t, http.MethodPost, "/v1/sessions/"+s.ID+"/violations", "student-app", tok,
		ViolationRequest{Type: "multiple_tabs", Severity: "low"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("violation after end: got %d, want 409", resp.StatusCode)
	}
}

func TestStartValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/sessions", "student-app", StartSessionRequest{StudentID: "s1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", resp.StatusCode)
	}
	errResp := decode[ErrorResponse](t, resp)
	if errResp.Code != "VALIDATION_ERROR" {
		t.Errorf("code = %q", errResp.Code)
	}
	if _, ok := errResp.Fields["examId"]; !ok {
		t.Errorf("fields = %v, want examId reported", errResp.Fields)
	}

	env.startSession(t, "dup", "u1")
	resp = env.do(t, http.MethodPost, "/v1/sessions", "student-app", StartSessionRequest{StudentID: "dup", ExamID: "e1", UnitID: "u1"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second attempt: got %d, want 409", resp.StatusCode)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/v1/sessions/missing", "/v1/sessions/missing/violations"} {
		resp := env.do(t, http.MethodGet, path, "inv-u1", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: got %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestLecturerEndpoints(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession(t, "s1", "u1").Session
	env.startSession(t, "s2", "u2")

	resp := env.do(t, http.MethodGet, "/v1/units/u1/sessions", "inv-u1", nil)
	list := decode[SessionListResponse](t, resp)
	if list.Count != 1 || list.Sessions[0].ID != s.ID {
		t.Fatalf("unexpected unit list: %+v", list)
	}

	resp = env.do(t, http.MethodGet, "/v1/units/u2/sessions", "inv-u1", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("other unit: got %d, want 403", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/terminate", "inv-u1", TerminateRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("terminate without reason: got %d, want 400", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/terminate", "inv-u1", TerminateRequest{Reason: "suspected collusion"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("terminate: got %d", resp.StatusCode)
	}
	got := decode[session.Session](t, resp)
	if got.Status != session.StatusTerminated {
		t.Errorf("status = %s, want terminated", got.Status)
	}

	resp = env.do(t, http.MethodGet, "/v1/sessions/"+s.ID+"/violations", "inv-u1", nil)
	vs := decode[[]session.Violation](t, resp)
	if len(vs) != 1 || vs[0].Description != "suspected collusion" || vs[0].Severity != session.SeverityHigh {
		t.Fatalf("unexpected violations: %+v", vs)
	}

	resp = env.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/violations/"+vs[0].ID+"/review", "inv-u1",
		ReviewRequest{Notes: "confirmed", Severity: "medium"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("review: got %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/violations/nope/review", "inv-u1", ReviewRequest{})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("review of unknown violation: got %d, want 404", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/v1/sessions/"+s.ID+"/reviews", "inv-u1", nil)
	reviews := decode[[]storage.ViolationReview](t, resp)
	if len(reviews) != 1 || reviews[0].Severity != "medium" {
		t.Errorf("unexpected reviews: %+v", reviews)
	}
	if reviews[0].Reviewer != PrincipalID("inv-u1") {
		t.Errorf("reviewer = %q, want the authenticated principal", reviews[0].Reviewer)
	}
}

func TestSessionRoutesAreScoped(t *testing.T) {
	env := newTestEnv(t)
	own := env.startSession(t, "s1", "u1")
	other := env.startSession(t, "s2", "u2")
	path := "/v1/sessions/" + other.Session.ID

	tests := []struct {
		name         string
		method, path string
		key, token   string
		body         any
	}{
		{"get as other unit's invigilator", http.MethodGet, path, "inv-u1", "", nil},
		{"events as other unit's invigilator", http.MethodGet, path + "/events", "inv-u1", "", nil},
		{"reviews as other unit's invigilator", http.MethodGet, path + "/reviews", "inv-u1", "", nil},
		{"end as other unit's invigilator", http.MethodPost, path + "/end", "inv-u1", "", nil},
		{"get without token", http.MethodGet, path, "student-app", "", nil},
		{"end without token", http.MethodPost, path + "/end", "student-app", "", nil},
		{"end with another session's token", http.MethodPost, path + "/end", "student-app", own.Token, nil},
		{"input without token", http.MethodPost, path + "/input", "student-app", "", InputRequest{Kind: "blur"}},
		{"violation without token", http.MethodPost, path + "/violations", "student-app", "",
			ViolationRequest{Type: "multiple_tabs", Severity: "low"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.doWithToken(t, tt.method, tt.path, tt.key, tt.token, tt.body)
			if resp.StatusCode != http.StatusForbidden {
				t.Errorf("got %d, want 403", resp.StatusCode)
			}
		})
	}

	got, err := env.registry.GetSession(context.Background(), other.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != session.StatusActive || len(got.Violations) != 0 {
		t.Errorf("foreign session was modified: status=%s violations=%d", got.Status, len(got.Violations))
	}

	resp := env.do(t, http.MethodGet, "/v1/sessions/"+own.Session.ID, "inv-u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("own unit's invigilator: got %d, want 200", resp.StatusCode)
	}
	resp = env.doWithToken(t, http.MethodGet, path, "student-app", other.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("session's own token: got %d, want 200", resp.StatusCode)
	}
}

func TestUnitHistory(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/units/u1/history?student=s9&status=terminated&limit=5", "inv-u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d, want 200", resp.StatusCode)
	}
	records := decode[[]storage.SessionRecord](t, resp)
	if len(records) != 1 || records[0].ID != "old-1" {
		t.Errorf("unexpected records: %+v", records)
	}
	want := storage.SessionFilter{UnitID: "u1", StudentID: "s9", Status: "terminated", Limit: 5}
	if env.history.last != want {
		t.Errorf("filter = %+v, want %+v", env.history.last, want)
	}

	for _, q := range []string{"status=active", "limit=-1", "offset=x"} {
		resp = env.do(t, http.MethodGet, "/v1/units/u1/history?"+q, "inv-u1", nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", q, resp.StatusCode)
		}
	}

	resp = env.do(t, http.MethodGet, "/v1/units/u2/history", "inv-u1", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("other unit: got %d, want 403", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/v1/units/u1/sessions", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("got %d, want 401", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: got %d, want 200", resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics: got %d, want 200", resp.StatusCode)
	}
}

func TestUnitFeed(t *testing.T) {
	env := newTestEnv(t)
	res := env.startSession(t, "s1", "u1")
	s := res.Session

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/units/u1/feed", nil)
	req.Header.Set("X-API-Key", "inv-u1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	waitFor := func(prefix string) string {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("feed closed before %q", prefix)
				}
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}

	waitFor("event: snapshot")
	env.doWithToken(t, http.MethodPost, "/v1/sessions/"+s.ID+"/input", "student-app", res.Token, InputRequest{Kind: "fullscreenchange"})
	waitFor("event: fullscreen_exit")
	data := waitFor("data: ")
	if !strings.Contains(data, s.ID) {
		t.Errorf("feed event %q does not name the session", data)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&proctor.SessionError{Op: "get", Err: proctor.ErrNotFound}, http.StatusNotFound},
		{proctor.ErrAttemptInProgress, http.StatusConflict},
		{proctor.ErrInvalidArgument, http.StatusBadRequest},
		{proctor.ErrForbidden, http.StatusForbidden},
		{proctor.ErrShuttingDown, http.StatusServiceUnavailable},
		{context.Canceled, http.StatusRequestTimeout},
		{storage.ErrReadUnsupported, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
