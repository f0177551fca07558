// session.go — сессии каталога: вход пользователя, имя пользователя по
// sessionId (LRU-кэш с TTL), проверка администратора и функциональная
// сессия для фонового опроса.
//
// Prometheus-метрики:
//   - archive_broker_session_cache_hits_total — попадания в кэш имён пользователей
//   - archive_broker_session_cache_misses_total — промахи кэша
package service

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/archive-broker/internal/config"
	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-broker/internal/icat"
)

var (
	sessionCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_broker_session_cache_hits_total",
		Help: "Попадания в кэш имён пользователей каталога",
	})
	sessionCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_broker_session_cache_misses_total",
		Help: "Промахи кэша имён пользователей каталога",
	})
)

// SessionCatalog — операции каталога над сессиями.
type SessionCatalog interface {
	Login(ctx context.Context, auth string, credentials map[string]string) (string, error)
	UserName(ctx context.Context, sessionID string) (string, error)
	Refresh(ctx context.Context, sessionID string) error
}

// SessionConfig — параметры SessionService.
type SessionConfig struct {
	Admins             []config.IcatUser
	Functional         config.IcatUser
	FunctionalPassword string
	CacheSize          int
	CacheTTL           time.Duration
}

// SessionService — сессии каталога.
type SessionService struct {
	catalog SessionCatalog
	cfg     SessionConfig
	users   *expirable.LRU[string, string]
	logger  *slog.Logger

	mu            sync.Mutex
	functionalSID string
	// newBackOff — политика повторного входа функционального пользователя
	newBackOff func() backoff.BackOff
}

// NewSessionService создаёт сервис сессий.
func NewSessionService(catalog SessionCatalog, cfg SessionConfig, logger *slog.Logger) *SessionService {
	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	return &SessionService{
		catalog: catalog,
		cfg:     cfg,
		users:   expirable.NewLRU[string, string](size, nil, cfg.CacheTTL),
		logger:  logger.With(slog.String("component", "sessions")),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			return backoff.WithMaxRetries(b, 1)
		},
	}
}

// Login выполняет вход пользователя в каталог и возвращает sessionId.
func (s *SessionService) Login(ctx context.Context, req model.LoginRequest) (string, error) {
	sid, err := s.catalog.Login(ctx, req.Auth, map[string]string{
		"username": req.Username,
		"password": req.Password,
	})
	if err != nil {
		return "", catalogError(err)
	}
	s.logger.Info("Вход в каталог",
		slog.String("user", req.Auth+"/"+req.Username),
	)
	return sid, nil
}

// UserName возвращает имя пользователя сессии ("auth/username").
func (s *SessionService) UserName(ctx context.Context, sessionID string) (string, error) {
	if name, ok := s.users.Get(sessionID); ok {
		sessionCacheHitsTotal.Inc()
		return name, nil
	}
	sessionCacheMissesTotal.Inc()

	name, err := s.catalog.UserName(ctx, sessionID)
	if err != nil {
		return "", catalogError(err)
	}
	s.users.Add(sessionID, name)
	return name, nil
}

// RequireAdmin проверяет, что пользователь сессии — администратор.
func (s *SessionService) RequireAdmin(ctx context.Context, sessionID string) error {
	name, err := s.UserName(ctx, sessionID)
	if err != nil {
		return err
	}
	user, err := config.ParseIcatUser(name)
	if err != nil || !slices.Contains(s.cfg.Admins, user) {
		s.logger.Warn("Отказ в доступе администратора", slog.String("user", name))
		return clientError(ErrForbidden, msgInsufficientPermissions)
	}
	return nil
}

// FunctionalSession возвращает действующую сессию функционального
// пользователя: существующая продлевается, при ошибке выполняется
// повторный вход.
func (s *SessionService) FunctionalSession(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.functionalSID != "" {
		err := s.catalog.Refresh(ctx, s.functionalSID)
		if err == nil {
			return s.functionalSID, nil
		}
		s.logger.Warn("Не удалось продлить функциональную сессию, повторный вход",
			slog.String("error", err.Error()),
		)
		s.functionalSID = ""
	}

	var sid string
	op := func() error {
		var err error
		sid, err = s.catalog.Login(ctx, s.cfg.Functional.Auth, map[string]string{
			"username": s.cfg.Functional.Username,
			"password": s.cfg.FunctionalPassword,
		})
		if errors.Is(err, icat.ErrSession) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx)); err != nil {
		return "", catalogError(err)
	}

	s.functionalSID = sid
	s.logger.Info("Функциональный пользователь вошёл в каталог",
		slog.String("user", s.cfg.Functional.String()),
	)
	return sid, nil
}

// ResetFunctionalSession забывает функциональную сессию: следующий вызов
// FunctionalSession выполнит вход заново.
func (s *SessionService) ResetFunctionalSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.functionalSID = ""
}
