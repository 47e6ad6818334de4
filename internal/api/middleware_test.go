package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type recordedRequest struct {
	method, route string
	status        int
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []recordedRequest
}

func (f *fakeRecorder) RecordHTTPRequest(_ context.Context, method, path string, statusCode int, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, recordedRequest{method, path, statusCode})
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	return body["error"]
}

func TestRequestMiddleware_LabelsByRoute(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs/{jobId}", func(w http.ResponseWriter, r *http.Request) {
		if RequestID(r.Context()) == "" {
			t.Error("request ID missing from context")
		}
		w.WriteHeader(http.StatusNotFound)
	})
	rec := &fakeRecorder{}
	handler := RequestMiddleware(rec)(mux)

	for _, path := range []string{"/v1/jobs/a", "/v1/jobs/b", "/nowhere"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	want := []recordedRequest{
		{"GET", "GET /v1/jobs/{jobId}", http.StatusNotFound},
		{"GET", "GET /v1/jobs/{jobId}", http.StatusNotFound},
		{"GET", "unmatched", http.StatusNotFound},
	}
	if len(rec.seen) != len(want) {
		t.Fatalf("recorded %d requests, want %d", len(rec.seen), len(want))
	}
	for i := range want {
		if rec.seen[i] != want[i] {
			t.Errorf("request %d: got %+v, want %+v", i, rec.seen[i], want[i])
		}
	}
}

func TestRequestMiddleware_RequestID(t *testing.T) {
	t.Parallel()
	var seen string
	handler := RequestMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(HeaderRequestID, "upstream-42")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen != "upstream-42" || w.Header().Get(HeaderRequestID) != "upstream-42" {
		t.Errorf("inbound ID not propagated: ctx=%q header=%q", seen, w.Header().Get(HeaderRequestID))
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	if len(seen) != 36 || w.Header().Get(HeaderRequestID) != seen {
		t.Errorf("expected a generated UUID, got ctx=%q header=%q", seen, w.Header().Get(HeaderRequestID))
	}
}

func TestStatusRecorder_FirstStatusWins(t *testing.T) {
	t.Parallel()
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	rec.Write([]byte("hello"))
	rec.WriteHeader(http.StatusTeapot)

	if rec.status != http.StatusOK {
		t.Errorf("status after implicit 200 = %d", rec.status)
	}
	if rec.written != 5 {
		t.Errorf("written = %d, want 5", rec.written)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Parallel()
	handler := RecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("extractor exploded")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if msg := decodeError(t, w); msg != "internal server error" {
		t.Errorf("error = %q", msg)
	}
}

func TestContentTypeMiddleware(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		method      string
		contentType string
		want        int
	}{
		{"json", http.MethodPost, "application/json", http.StatusOK},
		{"json with charset", http.MethodPost, "application/json; charset=utf-8", http.StatusOK},
		{"upper case", http.MethodPost, "Application/JSON", http.StatusOK},
		{"missing", http.MethodPost, "", http.StatusOK},
		{"plain text", http.MethodPost, "text/plain", http.StatusUnsupportedMediaType},
		{"form", http.MethodPost, "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"delete ignores header", http.MethodDelete, "text/plain", http.StatusOK},
		{"get ignores header", http.MethodGet, "text/plain", http.StatusOK},
	}

	handler := ContentTypeMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(tt.method, "/v1/jobs", bytes.NewBufferString("{}"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	t.Parallel()
	called := false
	handler := CORSMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/v1/jobs", nil))

	if called {
		t.Error("preflight reached the handler")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing Access-Control-Allow-Origin")
	}
	if w.Header().Get("Access-Control-Expose-Headers") != HeaderRequestID {
		t.Error("request ID header not exposed")
	}
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()
	handler := AuthMiddleware("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
		{"scheme only", "Bearer", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer secret", http.StatusOK},
		{"case-insensitive scheme", "bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && decodeError(t, w) == "" {
				t.Error("expected a JSON error message")
			}
		})
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	t.Parallel()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	w := httptest.NewRecorder()
	AuthMiddleware("")(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
}
