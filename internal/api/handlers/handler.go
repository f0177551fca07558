// handler.go — основной обработчик API, реализующий openapi.ServerInterface.
// Разбирает тела запросов, делегирует в сервисный слой и переводит
// ошибки сервисов в HTTP-ответы.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	apierrors "github.com/bigkaa/goartstore/archive-broker/internal/api/errors"
	"github.com/bigkaa/goartstore/archive-broker/internal/api/middleware"
	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-broker/internal/fts"
	"github.com/bigkaa/goartstore/archive-broker/internal/repository"
	"github.com/bigkaa/goartstore/archive-broker/internal/service"
)

// Sessions — вход в каталог.
type Sessions interface {
	Login(ctx context.Context, req model.LoginRequest) (string, error)
}

// Archiver — архивация и повторная архивация датасетов.
type Archiver interface {
	Archive(ctx context.Context, sessionID, source string, req *model.ArchiveRequest) (*model.ArchiveResponse, error)
	Retry(ctx context.Context, sessionID string, datasetID int64, source string) (*model.ArchiveResponse, error)
}

// Transferrer — восстановление с ленты и передача между хранилищами.
type Transferrer interface {
	Restore(ctx context.Context, sessionID, destination string, req *model.TransferRequest) (*model.TransferResponse, error)
	Transfer(ctx context.Context, sessionID, source, destination string, req *model.TransferRequest) (*model.TransferResponse, error)
}

// StatusManager — состояние архивации датасетов и файлов.
type StatusManager interface {
	DatasetStatus(ctx context.Context, sessionID string, datasetID int64, listFiles bool) (*model.DatasetStatus, error)
	SetDatasetStatus(ctx context.Context, sessionID string, datasetID int64, req model.StatusUpdateRequest) error
	SetDatafileStatus(ctx context.Context, sessionID string, datafileID int64, req model.StatusUpdateRequest) error
}

// Jobs — операции над отдельным заданием FTS.
type Jobs interface {
	Status(ctx context.Context, sessionID, jobID string) (*fts.JobStatus, error)
	Complete(ctx context.Context, jobID string) (bool, error)
	Percentage(ctx context.Context, jobID string) (float64, error)
	Cancel(ctx context.Context, sessionID, jobID string) (string, error)
}

// JobLedger — локальный реестр заданий и состояние фонового опроса.
type JobLedger interface {
	List(ctx context.Context, sessionID string, filters repository.TransferJobFilters, limit, offset int) ([]*model.TransferJob, int, error)
	PollState(ctx context.Context, sessionID string) (*model.PollState, error)
}

// Buckets — состояние корзин восстановления в S3.
type Buckets interface {
	Complete(ctx context.Context, bucket string) (bool, error)
	Percentage(ctx context.Context, bucket string) (float64, error)
}

// Services — сервисы, которым делегирует APIHandler.
type Services struct {
	Sessions  Sessions
	Archive   Archiver
	Transfers Transferrer
	Status    StatusManager
	Jobs      Jobs
	Ledger    JobLedger
	Buckets   Buckets
}

// APIHandler — основной обработчик API брокера.
type APIHandler struct {
	health *HealthHandler
	svc    Services
	logger *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(health *HealthHandler, svc Services, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		health: health,
		svc:    svc,
		logger: logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

var bodyValidator = validator.New(validator.WithRequiredStructEnabled())

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeBody разбирает JSON-тело в dst и проверяет теги validate.
// При ошибке ответ 400 уже записан.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return false
	}
	if err := bodyValidator.Struct(dst); err != nil {
		apierrors.ValidationError(w, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: нарушено правило %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// sessionID возвращает sessionId, положенный в контекст SessionAuth.
func sessionID(r *http.Request) string {
	return middleware.SessionIDFromContext(r.Context())
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
// Сообщение ClientError отдаётся клиенту как есть.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	message := err.Error()
	var ce *service.ClientError
	if errors.As(err, &ce) {
		message = ce.Message
	}

	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, message)
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, message)
	case errors.Is(err, service.ErrUnauthorized):
		apierrors.Unauthorized(w, message)
	case errors.Is(err, service.ErrForbidden):
		apierrors.Forbidden(w, message)
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, message)
	case errors.Is(err, service.ErrUpstream):
		h.logger.Error("Внешний сервис недоступен",
			slog.String("operation", op),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.UpstreamUnavailable(w, message)
	default:
		h.logger.Error("Ошибка обработки запроса",
			slog.String("operation", op),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка: "+op)
	}
}

// paginationDefaults нормализует параметры пагинации.
func paginationDefaults(limit *int, offset *int) (int, int) {
	l := 100
	o := 0

	if limit != nil {
		l = *limit
		if l < 1 {
			l = 1
		}
		if l > 1000 {
			l = 1000
		}
	}

	if offset != nil {
		o = *offset
		if o < 0 {
			o = 0
		}
	}

	return l, o
}
