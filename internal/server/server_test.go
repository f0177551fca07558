package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bigkaa/goartstore/archive-broker/internal/api/openapi"
)

// stubAPI отвечает 200 на операции, которые вызывает тест.
// Остальные методы не реализованы: вызов приведёт к панике.
type stubAPI struct {
	openapi.ServerInterface
	archived bool
}

func (s *stubAPI) HealthLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *stubAPI) Archive(w http.ResponseWriter, _ *http.Request, _ string) {
	s.archived = true
	w.WriteHeader(http.StatusOK)
}

func (s *stubAPI) ListJobs(w http.ResponseWriter, _ *http.Request, _ openapi.ListJobsParams) {
	w.WriteHeader(http.StatusOK)
}

func newTestRouter(t *testing.T) (http.Handler, *stubAPI) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	doc, err := openapi.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	validator, err := openapi.NewValidator(doc, logger)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	api := &stubAPI{}
	return NewRouter(logger, api, validator), api
}

func TestRouter(t *testing.T) {
	router, api := newTestRouter(t)
	const bearer = "Bearer 4a3c2d1e-0f9b-4c8a-b7d6-e5f4a3b2c1d0"

	tests := []struct {
		name   string
		method string
		path   string
		auth   string
		body   string
		want   int
	}{
		{"liveness без сессии", http.MethodGet, "/health/live", "", "", http.StatusOK},
		{"документ API без сессии", http.MethodGet, "/openapi.yaml", "", "", http.StatusOK},
		{"реестр без сессии", http.MethodGet, "/jobs", "", "", http.StatusUnauthorized},
		{"реестр", http.MethodGet, "/jobs?limit=10", bearer, "", http.StatusOK},
		{"limit вне контракта", http.MethodGet, "/jobs?limit=0", bearer, "", http.StatusBadRequest},
		{"архивация без датасета", http.MethodPost, "/archive/idc", bearer, `{"investigation":{"name":"i","visitId":"1"}}`, http.StatusBadRequest},
		{"неизвестный путь", http.MethodGet, "/nope", bearer, "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, ожидалось %d, тело: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	if api.archived {
		t.Error("невалидный запрос архивации дошёл до обработчика")
	}
}
