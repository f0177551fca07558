package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testSession = "6f1c3b0e-8f4d-4b5e-9a3a-2d1c0e7f9b21"

// sessionEcho возвращает sessionId из контекста в теле ответа.
func sessionEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(SessionIDFromContext(r.Context())))
	})
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("тело ошибки не JSON: %v", err)
	}
	if body.Error.Code != "UNAUTHORIZED" {
		t.Errorf("code = %q, ожидалось UNAUTHORIZED", body.Error.Code)
	}
	return body.Error.Message
}

func TestSessionAuth_ValidBearer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+strings.ToUpper(testSession))
	rec := httptest.NewRecorder()

	SessionAuth()(sessionEcho()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, ожидалось 200", rec.Code)
	}
	// sessionId нормализуется к каноническому виду
	if got := rec.Body.String(); got != testSession {
		t.Errorf("sessionId = %q, ожидалось %q", got, testSession)
	}
}

func TestSessionAuth_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		message string
	}{
		{"без заголовка", "", "Not authenticated"},
		{"другая схема", "Basic dXNlcjpwYXNz", "Invalid authentication credentials"},
		{"пустой токен", "Bearer ", "Invalid authentication credentials"},
		{"не UUID", "Bearer not-a-session", "value not a valid UUID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			SessionAuth()(sessionEcho()).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, ожидалось 401", rec.Code)
			}
			if msg := errorMessage(t, rec); msg != tt.message {
				t.Errorf("message = %q, ожидалось %q", msg, tt.message)
			}
		})
	}
}

func TestSessionAuthWithExclusions(t *testing.T) {
	mw := SessionAuthWithExclusions([]string{"/login", "/version"}, "/health/", "/metrics")

	tests := []struct {
		path string
		want int
	}{
		{"/login", http.StatusOK},
		{"/version", http.StatusOK},
		{"/health/live", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/login/extra", http.StatusUnauthorized},
		{"/jobs", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		rec := httptest.NewRecorder()
		mw(sessionEcho()).ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, ожидалось %d", tt.path, rec.Code, tt.want)
		}
	}
}

func TestSessionIDFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := SessionIDFromContext(req.Context()); got != "" {
		t.Errorf("SessionIDFromContext = %q, ожидалась пустая строка", got)
	}
}

func TestMetricsMiddleware_RoutePattern(t *testing.T) {
	router := chi.NewRouter()
	router.Use(MetricsMiddleware())
	router.Get("/job/{id}/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/job/{id}/status", "204"))
	for _, id := range []string{"a", "b", "c"} {
		req := httptest.NewRequest(http.MethodGet, "/job/"+id+"/status", nil)
		router.ServeHTTP(httptest.NewRecorder(), req)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/job/{id}/status", "204"))
	if after-before != 3 {
		t.Errorf("счётчик вырос на %v, ожидалось 3", after-before)
	}

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)
	if testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")) < 1 {
		t.Error("запрос без маршрута не учтён как unmatched")
	}
}

func TestRequestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
		}
		_, _ = w.Write([]byte("ok"))
	}))

	tests := []struct {
		path  string
		level string
	}{
		{"/fail", "ERROR"},
		{"/health/live", "DEBUG"},
		{"/jobs", "INFO"},
	}
	for _, tt := range tests {
		buf.Reset()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("%s: запись лога не JSON: %v", tt.path, err)
		}
		if entry["level"] != tt.level {
			t.Errorf("%s: level = %v, ожидалось %s", tt.path, entry["level"], tt.level)
		}
		if entry["bytes"] != float64(2) {
			t.Errorf("%s: bytes = %v", tt.path, entry["bytes"])
		}
	}
}
