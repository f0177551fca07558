// Пакет openapi — OpenAPI контракт брокера: встроенный документ,
// валидация входящих запросов по нему и привязка маршрутов chi.
package openapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"

	apierrors "github.com/bigkaa/goartstore/archive-broker/internal/api/errors"
)

//go:embed openapi.yaml
var specYAML []byte

// Load разбирает и проверяет встроенный документ.
func Load() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(specYAML)
	if err != nil {
		return nil, fmt.Errorf("разбор OpenAPI документа: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("невалидный OpenAPI документ: %w", err)
	}
	return doc, nil
}

// SpecHandler отдаёт встроенный документ как есть.
func SpecHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(specYAML)
}

// Validator проверяет параметры и тела запросов по документу.
type Validator struct {
	router routers.Router
	logger *slog.Logger
}

// NewValidator создаёт валидатор. Список servers документа
// сбрасывается: брокер может стоять за gateway с любым префиксом хоста.
func NewValidator(doc *openapi3.T, logger *slog.Logger) (*Validator, error) {
	doc.Servers = nil
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("построение маршрутизатора OpenAPI: %w", err)
	}
	return &Validator{
		router: router,
		logger: logger.With(slog.String("component", "openapi_validator")),
	}, nil
}

// Middleware возвращает HTTP middleware валидации.
// Запросы к путям вне документа пропускаются дальше: 404 и 405
// отдаёт chi. Аутентификация здесь не проверяется, её выполняет
// middleware.SessionAuth.
func (v *Validator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := v.router.FindRoute(r)
			if err != nil {
				if !errors.Is(err, routers.ErrPathNotFound) && !errors.Is(err, routers.ErrMethodNotAllowed) {
					v.logger.Warn("Ошибка поиска маршрута OpenAPI",
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)
				}
				next.ServeHTTP(w, r)
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options: &openapi3filter.Options{
					AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				},
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				apierrors.ValidationError(w, validationMessage(err))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// validationMessage сокращает ошибку kin-openapi до сообщения клиенту.
func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		var schemaErr *openapi3.SchemaError
		if errors.As(reqErr.Err, &schemaErr) {
			field := "body"
			if path := schemaErr.JSONPointer(); len(path) > 0 {
				field = strings.Join(path, ".")
			}
			if reqErr.Parameter != nil {
				field = reqErr.Parameter.Name
			}
			return fmt.Sprintf("%s: %s", field, schemaErr.Reason)
		}
		return reqErr.Error()
	}
	return err.Error()
}
