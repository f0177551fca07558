// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Archive Broker мониторит три зависимости:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - ICAT — HTTP checker к /icat/version (critical)
//   - FTS — HTTP checker к корню REST API (не critical: без клиентского
//     сертификата FTS может ответить отказом, опрос при этом продолжается)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для ICAT и FTS
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"     // PostgreSQL checker (pool mode)
	"github.com/prometheus/client_golang/prometheus"
)

// icatVersionPath — endpoint версии REST API каталога, не требующий сессии.
const icatVersionPath = "/icat/version"

// DephealthConfig — параметры мониторинга зависимостей.
type DephealthConfig struct {
	// ServiceID — имя вершины графа текущего приложения ("archive-broker")
	ServiceID string
	// Group — имя группы в метриках (AB_DEPHEALTH_GROUP)
	Group string
	// DB — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
	DB *sql.DB
	// PgConnURL — URL PostgreSQL (для лейблов, не для подключения)
	PgConnURL     string
	IcatURL       string
	IcatCheckCert bool
	FtsURL        string
	CheckInterval time.Duration
	// IsEntry — сервис является точкой входа в граф (DEPHEALTH_ISENTRY)
	IsEntry bool
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(cfg, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(cfg DephealthConfig, logger *slog.Logger,
	registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(cfg, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(cfg DephealthConfig, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	common := []dephealth.DependencyOption{
		dephealth.CheckInterval(cfg.CheckInterval),
	}
	if cfg.IsEntry {
		common = append(common, dephealth.WithLabel("isentry", "yes"))
	}

	pgOpts := append([]dephealth.DependencyOption{
		dephealth.FromURL(cfg.PgConnURL),
		dephealth.Critical(true),
	}, common...)

	icatOpts := append([]dephealth.DependencyOption{
		dephealth.FromURL(cfg.IcatURL),
		dephealth.WithHTTPHealthPath(healthPath(cfg.IcatURL, icatVersionPath)),
		dephealth.Critical(true),
	}, common...)
	if isHTTPS(cfg.IcatURL) {
		icatOpts = append(icatOpts, dephealth.WithHTTPTLSSkipVerify(!cfg.IcatCheckCert))
	}

	ftsOpts := append([]dephealth.DependencyOption{
		dephealth.FromURL(cfg.FtsURL),
		dephealth.WithHTTPHealthPath(healthPath(cfg.FtsURL, "/")),
		dephealth.Critical(false),
	}, common...)
	if isHTTPS(cfg.FtsURL) {
		// сертификат FTS проверяет клиент FTS (AB_FTS_CA_CERT_PATH)
		ftsOpts = append(ftsOpts, dephealth.WithHTTPTLSSkipVerify(true))
	}

	opts := make([]dephealth.Option, 0, 4+len(extraOpts))
	opts = append(opts,
		dephealth.WithLogger(logger),
		// pgcheck.New + AddDependency напрямую, без contrib/sqldb
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)), pgOpts...),
		dephealth.HTTP("icat", icatOpts...),
		dephealth.HTTP("fts", ftsOpts...),
	)
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// healthPath строит путь проверки относительно path базового URL сервиса.
func healthPath(rawURL, endpoint string) string {
	base := "/"
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Path != "" {
		base = parsed.Path
	}
	p := path.Join(base, endpoint)
	if strings.HasSuffix(endpoint, "/") && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

func isHTTPS(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	return err == nil && parsed.Scheme == "https"
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен (PostgreSQL + ICAT + FTS)")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — "dependency:host:port", значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}

// DegradedChecker — проверка готовности некритичной зависимости по данным
// topologymetrics. Недоступность даёт "degraded", но не "fail".
type DegradedChecker struct {
	health func() map[string]bool
	name   string
}

// Readiness возвращает checker некритичной зависимости name (например "fts").
func (ds *DephealthService) Readiness(name string) *DegradedChecker {
	return &DegradedChecker{health: ds.Health, name: name}
}

// CheckReady реализует handlers.ReadinessChecker.
func (c *DegradedChecker) CheckReady() (string, string) {
	healthy, found := findHealth(c.health(), c.name)
	switch {
	case !found:
		return "degraded", "нет результатов проверки " + c.name
	case !healthy:
		return "degraded", c.name + " недоступен"
	default:
		return "ok", ""
	}
}

// findHealth ищет записи зависимости по префиксу "name:".
// Если записей несколько, зависимость здорова только когда здоровы все.
func findHealth(health map[string]bool, name string) (healthy, found bool) {
	healthy = true
	for key, ok := range health {
		if key == name || strings.HasPrefix(key, name+":") {
			found = true
			healthy = healthy && ok
		}
	}
	return healthy && found, found
}
