// Пакет config — загрузка и валидация конфигурации Archive Broker
// из переменных окружения и YAML-файла storage endpoints.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Режимы проверки контрольных сумм FTS.
const (
	VerifyChecksumNone        = "none"
	VerifyChecksumSource      = "source"
	VerifyChecksumDestination = "destination"
	VerifyChecksumBoth        = "both"
)

// IcatUser — пользователь каталога в виде пары механизм/имя.
type IcatUser struct {
	Auth     string
	Username string
}

// String возвращает пользователя в формате каталога: "auth/username".
func (u IcatUser) String() string {
	return u.Auth + "/" + u.Username
}

// Config содержит все параметры конфигурации Archive Broker.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL (локальный реестр заданий) ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Каталог (ICAT) ---

	// URL сервера каталога (например, https://icat.example.org)
	IcatURL string
	// Проверять ли TLS-сертификат каталога
	IcatCheckCert bool
	// Facility.name, в рамках которой создаются сущности
	IcatFacilityName string
	// Функциональный пользователь для фонового опроса
	IcatFunctionalUser IcatUser
	// Пароль функционального пользователя
	IcatFunctionalPassword string
	// Пользователи с правами администратора
	IcatAdminUsers []IcatUser
	// Срок эмбарго (лет) для releaseDate новых Investigation
	IcatEmbargoYears int
	// InvestigationType.name, для которых releaseDate не выставляется
	IcatEmbargoTypes []string
	// Имена зарезервированных ParameterType
	IcatParamJobIDs       string
	IcatParamJobState     string
	IcatParamDeletionDate string
	// Создавать ли зарезервированные ParameterType, если их нет в каталоге
	IcatCreateParameterTypes bool
	// Таймаут HTTP-запросов к каталогу
	IcatTimeout time.Duration

	// --- Сервис передачи (FTS3) ---

	// URL REST API FTS (например, https://fts3.example.org:8446)
	FTSURL string
	// Клиентский X.509 сертификат и ключ
	FTSCertFile string
	FTSKeyFile  string
	// Путь к CA-сертификату FTS (опционально)
	FTSCACertPath string
	// Количество повторов передачи (<0 — без повторов, 0 — по умолчанию сервера)
	FTSRetry int
	// Режим проверки контрольных сумм: none, source, destination, both
	FTSVerifyChecksum string
	// Поддерживаемые механизмы контрольных сумм (например, ADLER32)
	FTSSupportedChecksums []string
	// Максимум передач в одном задании
	FTSMaxTransfersPerJob int
	// Таймаут HTTP-запросов к FTS
	FTSTimeout time.Duration

	// --- Лимиты ---

	// Максимальный размер одного файла в байтах (0 — без ограничения)
	MaxFileSize int64
	// Максимальный суммарный размер запроса в байтах (0 — без ограничения)
	MaxTotalSize int64

	// --- Storage endpoints ---

	// Путь к YAML-файлу со storage endpoints
	StorageConfigPath string
	// Загруженные storage endpoints
	Storage *StorageConfig

	// --- Фоновые задачи ---

	// Включён ли фоновый опрос FTS
	PollEnabled bool
	// Интервал фонового опроса FTS
	PollInterval time.Duration
	// TTL кэша имён пользователей по sessionId
	SessionCacheTTL time.Duration
	// Размер кэша имён пользователей
	SessionCacheSize int

	// --- topologymetrics ---

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Группа в метриках зависимостей
	DephealthGroup string
	// Признак входной точки (DEPHEALTH_ISENTRY)
	DephealthIsEntry bool

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля, читает YAML storage endpoints и возвращает Config.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// AB_PORT — порт HTTP-сервера (по умолчанию 8010)
	cfg.Port, err = getEnvInt("AB_PORT", 8010)
	if err != nil {
		return nil, fmt.Errorf("AB_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("AB_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// AB_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("AB_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("AB_LOG_LEVEL: %w", err)
	}

	// AB_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("AB_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("AB_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("AB_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("AB_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("AB_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("AB_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("AB_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("AB_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("AB_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("AB_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Каталог ---

	if cfg.IcatURL, err = getEnvRequired("AB_ICAT_URL"); err != nil {
		return nil, err
	}
	cfg.IcatURL = strings.TrimRight(cfg.IcatURL, "/")
	if !strings.HasPrefix(cfg.IcatURL, "http://") && !strings.HasPrefix(cfg.IcatURL, "https://") {
		return nil, fmt.Errorf("AB_ICAT_URL: ожидается http(s) URL, получено %q", cfg.IcatURL)
	}

	cfg.IcatCheckCert, err = getEnvBool("AB_ICAT_CHECK_CERT", true)
	if err != nil {
		return nil, fmt.Errorf("AB_ICAT_CHECK_CERT: %w", err)
	}

	if cfg.IcatFacilityName, err = getEnvRequired("AB_ICAT_FACILITY_NAME"); err != nil {
		return nil, err
	}

	// Функциональный пользователь: AB_ICAT_FUNCTIONAL_AUTH (по умолчанию simple)
	cfg.IcatFunctionalUser.Auth = getEnvDefault("AB_ICAT_FUNCTIONAL_AUTH", "simple")
	if cfg.IcatFunctionalUser.Username, err = getEnvRequired("AB_ICAT_FUNCTIONAL_USERNAME"); err != nil {
		return nil, err
	}
	if cfg.IcatFunctionalPassword, err = getEnvRequired("AB_ICAT_FUNCTIONAL_PASSWORD"); err != nil {
		return nil, err
	}

	// AB_ICAT_ADMIN_USERS — список "auth/username" через запятую
	cfg.IcatAdminUsers, err = parseIcatUsers(getEnvDefault("AB_ICAT_ADMIN_USERS", ""))
	if err != nil {
		return nil, fmt.Errorf("AB_ICAT_ADMIN_USERS: %w", err)
	}

	cfg.IcatEmbargoYears, err = getEnvInt("AB_ICAT_EMBARGO_YEARS", 2)
	if err != nil {
		return nil, fmt.Errorf("AB_ICAT_EMBARGO_YEARS: %w", err)
	}
	if cfg.IcatEmbargoYears < 0 {
		return nil, fmt.Errorf("AB_ICAT_EMBARGO_YEARS: значение %d не может быть отрицательным", cfg.IcatEmbargoYears)
	}
	cfg.IcatEmbargoTypes = parseCSV(getEnvDefault("AB_ICAT_EMBARGO_TYPES", ""))

	cfg.IcatParamJobIDs = getEnvDefault("AB_ICAT_PARAM_JOB_IDS", "Archival ids")
	cfg.IcatParamJobState = getEnvDefault("AB_ICAT_PARAM_JOB_STATE", "Archival state")
	cfg.IcatParamDeletionDate = getEnvDefault("AB_ICAT_PARAM_DELETION_DATE", "Deletion date")

	cfg.IcatCreateParameterTypes, err = getEnvBool("AB_ICAT_CREATE_PARAMETER_TYPES", true)
	if err != nil {
		return nil, fmt.Errorf("AB_ICAT_CREATE_PARAMETER_TYPES: %w", err)
	}

	cfg.IcatTimeout, err = getEnvDuration("AB_ICAT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AB_ICAT_TIMEOUT: %w", err)
	}

	// --- FTS ---

	if cfg.FTSURL, err = getEnvRequired("AB_FTS_URL"); err != nil {
		return nil, err
	}
	cfg.FTSURL = strings.TrimRight(cfg.FTSURL, "/")

	// Сертификат и ключ, либо proxy-файл (используется как cert и key одновременно)
	cfg.FTSCertFile = getEnvDefault("AB_FTS_CERT_FILE", "")
	cfg.FTSKeyFile = getEnvDefault("AB_FTS_KEY_FILE", "")
	proxyFile := getEnvDefault("AB_FTS_PROXY_FILE", "")
	switch {
	case cfg.FTSCertFile != "":
		if cfg.FTSKeyFile == "" {
			return nil, fmt.Errorf("AB_FTS_KEY_FILE: обязателен при заданном AB_FTS_CERT_FILE")
		}
		if err := checkReadable("AB_FTS_CERT_FILE", cfg.FTSCertFile); err != nil {
			return nil, err
		}
		if err := checkReadable("AB_FTS_KEY_FILE", cfg.FTSKeyFile); err != nil {
			return nil, err
		}
	case proxyFile != "":
		if err := checkReadable("AB_FTS_PROXY_FILE", proxyFile); err != nil {
			return nil, err
		}
		cfg.FTSCertFile = proxyFile
		cfg.FTSKeyFile = proxyFile
	default:
		return nil, fmt.Errorf("AB_FTS_CERT_FILE: не задан ни AB_FTS_CERT_FILE, ни AB_FTS_PROXY_FILE")
	}

	cfg.FTSCACertPath = getEnvDefault("AB_FTS_CA_CERT_PATH", "")

	cfg.FTSRetry, err = getEnvInt("AB_FTS_RETRY", -1)
	if err != nil {
		return nil, fmt.Errorf("AB_FTS_RETRY: %w", err)
	}

	cfg.FTSVerifyChecksum = strings.ToLower(getEnvDefault("AB_FTS_VERIFY_CHECKSUM", VerifyChecksumNone))
	switch cfg.FTSVerifyChecksum {
	case VerifyChecksumNone, VerifyChecksumSource, VerifyChecksumDestination, VerifyChecksumBoth:
	default:
		return nil, fmt.Errorf("AB_FTS_VERIFY_CHECKSUM: недопустимое значение %q, допустимые: none, source, destination, both", cfg.FTSVerifyChecksum)
	}

	cfg.FTSSupportedChecksums = parseCSV(getEnvDefault("AB_FTS_SUPPORTED_CHECKSUMS", ""))
	if cfg.FTSVerifyChecksum != VerifyChecksumNone && len(cfg.FTSSupportedChecksums) == 0 {
		return nil, fmt.Errorf("AB_FTS_SUPPORTED_CHECKSUMS: нужен хотя бы один механизм при AB_FTS_VERIFY_CHECKSUM=%s", cfg.FTSVerifyChecksum)
	}

	cfg.FTSMaxTransfersPerJob, err = getEnvInt("AB_FTS_MAX_TRANSFERS_PER_JOB", 1000)
	if err != nil {
		return nil, fmt.Errorf("AB_FTS_MAX_TRANSFERS_PER_JOB: %w", err)
	}
	if cfg.FTSMaxTransfersPerJob < 1 || cfg.FTSMaxTransfersPerJob > 10000 {
		return nil, fmt.Errorf("AB_FTS_MAX_TRANSFERS_PER_JOB: значение %d вне допустимого диапазона 1-10000", cfg.FTSMaxTransfersPerJob)
	}

	cfg.FTSTimeout, err = getEnvDuration("AB_FTS_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AB_FTS_TIMEOUT: %w", err)
	}

	// --- Лимиты ---

	cfg.MaxFileSize, err = getEnvInt64("AB_MAX_FILE_SIZE", 0)
	if err != nil {
		return nil, fmt.Errorf("AB_MAX_FILE_SIZE: %w", err)
	}
	cfg.MaxTotalSize, err = getEnvInt64("AB_MAX_TOTAL_SIZE", 0)
	if err != nil {
		return nil, fmt.Errorf("AB_MAX_TOTAL_SIZE: %w", err)
	}
	if cfg.MaxFileSize < 0 || cfg.MaxTotalSize < 0 {
		return nil, fmt.Errorf("AB_MAX_FILE_SIZE/AB_MAX_TOTAL_SIZE: лимиты не могут быть отрицательными")
	}

	// --- Storage endpoints ---

	if cfg.StorageConfigPath, err = getEnvRequired("AB_STORAGE_CONFIG"); err != nil {
		return nil, err
	}
	cfg.Storage, err = LoadStorageConfig(cfg.StorageConfigPath)
	if err != nil {
		return nil, fmt.Errorf("AB_STORAGE_CONFIG: %w", err)
	}

	// --- Фоновые задачи ---

	cfg.PollEnabled, err = getEnvBool("AB_POLL_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("AB_POLL_ENABLED: %w", err)
	}
	cfg.PollInterval, err = getEnvDuration("AB_POLL_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AB_POLL_INTERVAL: %w", err)
	}
	if cfg.PollInterval < time.Second {
		return nil, fmt.Errorf("AB_POLL_INTERVAL: значение %s меньше 1s", cfg.PollInterval)
	}

	cfg.SessionCacheTTL, err = getEnvDuration("AB_SESSION_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AB_SESSION_CACHE_TTL: %w", err)
	}
	cfg.SessionCacheSize, err = getEnvInt("AB_SESSION_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("AB_SESSION_CACHE_SIZE: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthCheckInterval, err = getEnvDuration("AB_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AB_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("AB_DEPHEALTH_GROUP", "artstore")
	cfg.DephealthIsEntry, err = getEnvBool("DEPHEALTH_ISENTRY", false)
	if err != nil {
		return nil, fmt.Errorf("DEPHEALTH_ISENTRY: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("AB_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AB_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (для golang-migrate и метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// IsAdmin проверяет, входит ли пользователь каталога в список администраторов.
func (c *Config) IsAdmin(user IcatUser) bool {
	for _, admin := range c.IcatAdminUsers {
		if admin == user {
			return true
		}
	}
	return false
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseIcatUser разбирает строку "auth/username" в IcatUser.
func ParseIcatUser(s string) (IcatUser, error) {
	auth, username, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || auth == "" || username == "" {
		return IcatUser{}, fmt.Errorf("ожидается формат auth/username, получено %q", s)
	}
	return IcatUser{Auth: auth, Username: username}, nil
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 — как getEnvInt, но для размеров в байтах.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// parseIcatUsers разбирает CSV "auth/username" в список пользователей.
func parseIcatUsers(s string) ([]IcatUser, error) {
	items := parseCSV(s)
	users := make([]IcatUser, 0, len(items))
	for _, item := range items {
		u, err := ParseIcatUser(item)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

// checkReadable проверяет, что файл существует и доступен на чтение.
func checkReadable(key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: файл %q не существует", key, path)
		}
		return fmt.Errorf("%s: файл %q недоступен на чтение: %w", key, path, err)
	}
	return f.Close()
}
