package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Principal", PrincipalFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoKeysAllowsRequests(t *testing.T) {
	handler := AuthMiddleware("", nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/x", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"missing key", func(r *http.Request) {}, http.StatusUnauthorized},
		{"bad key", func(r *http.Request) { r.Header.Set("X-Proctor-Key", "bad-key") }, http.StatusUnauthorized},
		{"custom header", func(r *http.Request) { r.Header.Set("X-Proctor-Key", "good-key") }, http.StatusOK},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer good-key") }, http.StatusOK},
		{"query token", func(r *http.Request) { r.URL.RawQuery = "token=good-key" }, http.StatusOK},
		{"default header ignored", func(r *http.Request) { r.Header.Set("X-API-Key", "good-key") }, http.StatusUnauthorized},
	}

	handler := AuthMiddleware("X-Proctor-Key", []string{"good-key", ""})(okHandler())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/units/u1/sessions", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("got status %d, want %d", rec.Code, tt.status)
			}
			if rec.Code == http.StatusOK && rec.Header().Get("X-Principal") != "good-key" {
				t.Errorf("principal = %q, want good-key", rec.Header().Get("X-Principal"))
			}
			if rec.Code == http.StatusUnauthorized {
				var resp ErrorResponse
				if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
					t.Fatal(err)
				}
				if resp.Code != "AUTH_REQUIRED" {
					t.Errorf("code = %q, want AUTH_REQUIRED", resp.Code)
				}
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimitMiddleware(ctx, 0.001, 2)(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d: got %d, want %d", i, codes[i], want[i])
		}
	}

	// Another port on the same host shares the bucket.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:6000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("got %d, want 429 for a new port on the same host", rec.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RequestIDMiddleware(RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d, want 500", rec.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("request_id = %q, want req-1", resp.RequestID)
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeadersMiddleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
	}
	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestKeyAuthorizer(t *testing.T) {
	a := NewKeyAuthorizer(map[string][]string{
		"alice": {"u1", "u2"},
		"root":  {"*"},
	})
	tests := []struct {
		principal, unit string
		ok              bool
	}{
		{"alice", "u1", true},
		{"alice", "u3", false},
		{"root", "anything", true},
		{"mallory", "u1", false},
	}
	for _, tt := range tests {
		err := a.AuthorizeTermination(context.Background(), tt.principal, tt.unit)
		if (err == nil) != tt.ok {
			t.Errorf("AuthorizeTermination(%s, %s) = %v, want ok=%v", tt.principal, tt.unit, err, tt.ok)
		}
	}

	if err := NewKeyAuthorizer(nil).AuthorizeTermination(context.Background(), "", "u1"); err != nil {
		t.Errorf("empty authorizer should allow, got %v", err)
	}
}
