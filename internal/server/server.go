// Пакет server — HTTP-сервер брокера с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на ingress.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/archive-broker/internal/api/middleware"
	"github.com/bigkaa/goartstore/archive-broker/internal/api/openapi"
	"github.com/bigkaa/goartstore/archive-broker/internal/config"
)

// publicPaths — endpoints без sessionId каталога.
var publicPaths = []string{"/login", "/version", "/openapi.yaml"}

// Server — HTTP-сервер брокера.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с маршрутами и middleware.
// validator может быть nil (тела запросов проверяет только validator/v10 в handlers).
func New(cfg *config.Config, logger *slog.Logger, handler openapi.ServerInterface, validator *openapi.Validator) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewRouter(logger, handler, validator),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
		cfg:    cfg,
	}
}

// NewRouter собирает chi router. Порядок middleware: метрики и лог
// видят все запросы, включая отклонённые аутентификацией и валидацией.
// Health и metrics проверяются Kubernetes напрямую, без sessionId.
func NewRouter(logger *slog.Logger, handler openapi.ServerInterface, validator *openapi.Validator) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SessionAuthWithExclusions(publicPaths, "/health/", "/metrics"))
	if validator != nil {
		router.Use(validator.Middleware())
	}

	return openapi.HandlerFromMux(handler, router)
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
