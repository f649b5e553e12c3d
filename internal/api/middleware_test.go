package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDMiddleware_GeneratesID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	RequestIDMiddleware(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Error("request ID missing from context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("response header = %q, context = %q", got, seen)
	}
}

func TestRequestIDMiddleware_PreservesClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-supplied")

	rec := httptest.NewRecorder()
	RequestIDMiddleware(okHandler()).ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "client-supplied" {
		t.Errorf("X-Request-ID = %q, want client-supplied", got)
	}
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		key        string
		wantStatus int
	}{
		{"no keys configured allows all", nil, "", http.StatusOK},
		{"valid key", []string{"secret"}, "secret", http.StatusOK},
		{"invalid key", []string{"secret"}, "wrong", http.StatusUnauthorized},
		{"missing key", []string{"secret"}, "", http.StatusUnauthorized},
		{"empty configured key is ignored", []string{""}, "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := AuthMiddleware("X-API-Key", tt.allowed)(okHandler())

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRateLimitMiddleware_ExhaustsBurst(t *testing.T) {
	// Negligible refill rate so the burst is the effective budget.
	handler := RateLimitMiddleware(0.0001, 3)(okHandler())

	var limited int
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 2 {
		t.Errorf("limited = %d of 5 requests with burst 3, want 2", limited)
	}
}

func TestRateLimitMiddleware_DisabledWhenZero(t *testing.T) {
	handler := RateLimitMiddleware(0, 0)(okHandler())

	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d with limiting disabled", i, rec.Code)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	RecoveryMiddleware(panicking).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "INTERNAL") {
		t.Errorf("body = %q, want error envelope", rec.Body.String())
	}
}

func TestMaxBodyMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		if _, err := r.Body.Read(buf); err != nil && err.Error() == "http: request body too large" {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	handler := MaxBodyMiddleware(10)(inner)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 100)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d for oversized body, want 413", rec.Code)
	}
}

func TestSSEWriter_MultilinePayload(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec, "stdout")
	if w == nil {
		t.Fatal("NewSSEWriter returned nil for a flushable writer")
	}

	if _, err := w.Write([]byte("line1\nline2")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got := rec.Body.String()
	want := "event: stdout\ndata: line1\ndata: line2\n\n"
	if got != want {
		t.Errorf("SSE frame = %q, want %q", got, want)
	}
}

func TestSSEWriter_EmptyWriteIsNoop(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec, "stdout")

	n, err := w.Write(nil)
	if n != 0 || err != nil {
		t.Errorf("Write(nil) = (%d, %v), want (0, nil)", n, err)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q for empty write, want none", rec.Body.String())
	}
}
