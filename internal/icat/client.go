// Пакет icat — HTTP-клиент REST API каталога метаданных ICAT.
// Сессии (login, имя пользователя, продление), поиск по JPQL,
// создание/обновление и удаление сущностей.
package icat

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Коды ошибок каталога.
const (
	CodeSession                = "SESSION"
	CodeInsufficientPrivileges = "INSUFFICIENT_PRIVILEGES"
	CodeNoSuchObjectFound      = "NO_SUCH_OBJECT_FOUND"
	CodeBadParameter           = "BAD_PARAMETER"
	CodeValidation             = "VALIDATION"
	CodeObjectAlreadyExists    = "OBJECT_ALREADY_EXISTS"
	CodeInternal               = "INTERNAL"
)

// Ошибки каталога для проверки через errors.Is.
var (
	ErrSession                = errors.New("сессия каталога недействительна")
	ErrInsufficientPrivileges = errors.New("недостаточно прав в каталоге")
	ErrNoSuchObject           = errors.New("объект каталога не найден")
	ErrBadParameter           = errors.New("некорректный параметр запроса к каталогу")
)

// Error — ошибка REST API каталога.
type Error struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("каталог вернул %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Unwrap сопоставляет код ошибки с sentinel-ошибкой пакета.
func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeSession:
		return ErrSession
	case CodeInsufficientPrivileges:
		return ErrInsufficientPrivileges
	case CodeNoSuchObjectFound:
		return ErrNoSuchObject
	case CodeBadParameter, CodeValidation, CodeObjectAlreadyExists:
		return ErrBadParameter
	}
	return nil
}

// Client — HTTP-клиент каталога. Сессия передаётся в каждый вызов:
// один клиент обслуживает и пользовательские, и функциональную сессии.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент каталога. checkCert=false отключает проверку TLS.
func New(baseURL string, checkCert bool, timeout time.Duration, logger *slog.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !checkCert {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // настраивается AB_ICAT_CHECK_CERT
	}
	return NewWithHTTPClient(baseURL, &http.Client{Timeout: timeout, Transport: transport}, logger)
}

// NewWithHTTPClient создаёт клиент с готовым *http.Client.
func NewWithHTTPClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "icat_client")),
	}
}

// BaseURL возвращает адрес каталога.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Login аутентифицирует пользователя механизмом auth и возвращает sessionId.
func (c *Client) Login(ctx context.Context, auth string, credentials map[string]string) (string, error) {
	keys := make([]string, 0, len(credentials))
	for k := range credentials {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	creds := make([]map[string]string, 0, len(keys))
	for _, k := range keys {
		creds = append(creds, map[string]string{k: credentials[k]})
	}

	payload, err := json.Marshal(map[string]any{"plugin": auth, "credentials": creds})
	if err != nil {
		return "", fmt.Errorf("сериализация учётных данных: %w", err)
	}

	form := url.Values{"json": {string(payload)}}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/icat/session", nil, form, &resp); err != nil {
		return "", fmt.Errorf("вход в каталог (%s): %w", auth, err)
	}
	c.logger.Debug("Вход в каталог выполнен", slog.String("auth", auth))
	return resp.SessionID, nil
}

// UserName возвращает имя пользователя сессии в формате "auth/username".
func (c *Client) UserName(ctx context.Context, sessionID string) (string, error) {
	var resp struct {
		UserName         string  `json:"userName"`
		RemainingMinutes float64 `json:"remainingMinutes"`
	}
	if err := c.do(ctx, http.MethodGet, "/icat/session/"+url.PathEscape(sessionID), nil, nil, &resp); err != nil {
		return "", fmt.Errorf("получение пользователя сессии: %w", err)
	}
	return resp.UserName, nil
}

// Refresh продлевает сессию.
func (c *Client) Refresh(ctx context.Context, sessionID string) error {
	if err := c.do(ctx, http.MethodPut, "/icat/session/"+url.PathEscape(sessionID), nil, nil, nil); err != nil {
		return fmt.Errorf("продление сессии каталога: %w", err)
	}
	return nil
}

// Search выполняет JPQL-запрос и возвращает сырой JSON-массив результата.
func (c *Client) Search(ctx context.Context, sessionID string, q *Query) ([]byte, error) {
	query := url.Values{
		"sessionId": {sessionID},
		"query":     {q.String()},
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/icat/entityManager", query, nil, &raw); err != nil {
		return nil, fmt.Errorf("поиск %s: %w", q.Entity(), err)
	}
	return raw, nil
}

// Write создаёт сущности (без id) или обновляет их (с id) и возвращает
// идентификаторы в порядке передачи. Вложенные коллекции создаются вместе
// с родителем.
func (c *Client) Write(ctx context.Context, sessionID string, beans ...Entity) ([]int64, error) {
	if len(beans) == 0 {
		return nil, nil
	}
	entities, err := wrapEntities(beans)
	if err != nil {
		return nil, fmt.Errorf("сериализация сущностей: %w", err)
	}

	c.logger.Debug("Запись сущностей в каталог",
		slog.Int("count", len(beans)),
		slog.String("entity", beans[0].EntityName()),
	)

	form := url.Values{
		"sessionId": {sessionID},
		"entities":  {string(entities)},
	}
	var ids []int64
	if err := c.do(ctx, http.MethodPost, "/icat/entityManager", nil, form, &ids); err != nil {
		return nil, fmt.Errorf("запись %s: %w", beans[0].EntityName(), err)
	}
	return ids, nil
}

// Delete удаляет сущности entity с указанными id.
func (c *Client) Delete(ctx context.Context, sessionID, entity string, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	beans := make([]Entity, len(ids))
	for i, id := range ids {
		beans[i] = Ref{Entity: entity, ID: id}
	}
	entities, err := wrapEntities(beans)
	if err != nil {
		return fmt.Errorf("сериализация сущностей: %w", err)
	}

	query := url.Values{
		"sessionId": {sessionID},
		"entities":  {string(entities)},
	}
	if err := c.do(ctx, http.MethodDelete, "/icat/entityManager", query, nil, nil); err != nil {
		return fmt.Errorf("удаление %s: %w", entity, err)
	}
	c.logger.Debug("Сущности удалены из каталога",
		slog.String("entity", entity),
		slog.Int("count", len(ids)),
	)
	return nil
}

// Version возвращает версию REST API каталога. Сессия не требуется.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/icat/version", nil, nil, &resp); err != nil {
		return "", fmt.Errorf("Version: %w", err)
	}
	return resp.Version, nil
}

// CheckReady проверяет доступность каталога через /icat/version.
// Реализует handlers.ReadinessChecker.
func (c *Client) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	version, err := c.Version(ctx)
	if err != nil {
		return "fail", fmt.Sprintf("ICAT недоступен: %v", err)
	}
	return "ok", fmt.Sprintf("ICAT %s доступен", version)
}

// do выполняет запрос к каталогу. form передаётся как
// application/x-www-form-urlencoded.
func (c *Client) do(ctx context.Context, method, path string, query, form url.Values, out any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("чтение ответа %s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		if apiErr.Code == "" {
			apiErr.Code = CodeInternal
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("декодирование ответа %s %s: %w", method, path, err)
	}
	return nil
}
