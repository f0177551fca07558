// auth.go — аутентификация по сессии каталога ICAT.
// Bearer token — sessionId, выданный каталогом. Middleware проверяет
// только формат; действительность сессии проверяет каталог при первом
// обращении сервисного слоя.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	apierrors "github.com/bigkaa/goartstore/archive-broker/internal/api/errors"
)

// contextKey — тип для ключей контекста.
type contextKey string

// ContextKeySession — sessionId каталога в контексте запроса.
const ContextKeySession contextKey = "icat_session"

// SessionAuth возвращает middleware, извлекающий sessionId из
// заголовка Authorization: Bearer <uuid>.
func SessionAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Not authenticated")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				apierrors.Unauthorized(w, "Invalid authentication credentials")
				return
			}

			sessionID, err := uuid.Parse(strings.TrimSpace(parts[1]))
			if err != nil {
				apierrors.Unauthorized(w, "value not a valid UUID")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeySession, sessionID.String())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionAuthWithExclusions пропускает без проверки пути, начинающиеся
// с любого из excludePrefixes, и пути из excludeExact.
func SessionAuthWithExclusions(excludeExact []string, excludePrefixes ...string) func(http.Handler) http.Handler {
	auth := SessionAuth()

	return func(next http.Handler) http.Handler {
		protected := auth(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, path := range excludeExact {
				if r.URL.Path == path {
					next.ServeHTTP(w, r)
					return
				}
			}
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			protected.ServeHTTP(w, r)
		})
	}
}

// SessionIDFromContext извлекает sessionId из контекста.
// Возвращает "" если запрос не прошёл SessionAuth.
func SessionIDFromContext(ctx context.Context) string {
	sessionID, _ := ctx.Value(ContextKeySession).(string)
	return sessionID
}
