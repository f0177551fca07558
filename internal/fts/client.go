// Пакет fts — HTTP-клиент REST API сервиса передачи FTS3.
// Аутентификация — клиентский X.509 сертификат (или proxy), TLS с кастомным CA.
// Операции: Submit (POST /jobs), Statuses/Status (GET /jobs/{ids}), Cancel (DELETE /jobs/{id}).
package fts

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Поля файлов, запрашиваемые при listFiles.
const fileFields = "file_id,file_state,source_surl,dest_surl,filesize,reason"

// ErrNotFound — задание не найдено в FTS.
var ErrNotFound = errors.New("задание FTS не найдено")

// Error — ошибка REST API FTS с HTTP-статусом.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("FTS вернул статус %d: %s", e.StatusCode, e.Message)
}

// Unwrap позволяет проверять 404 через errors.Is(err, ErrNotFound).
func (e *Error) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Client — HTTP-клиент FTS3.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент FTS с клиентским сертификатом.
// certFile/keyFile — X.509 сертификат и ключ (для proxy — один и тот же файл).
// caCertPath — CA для проверки сервера (пустая строка — системный пул).
func New(baseURL, certFile, keyFile, caCertPath string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	tlsConfig, err := buildTLSConfig(certFile, keyFile, caCertPath)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}
	return NewWithHTTPClient(baseURL, httpClient, logger), nil
}

// NewWithHTTPClient создаёт клиент с готовым *http.Client.
func NewWithHTTPClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "fts_client")),
	}
}

// BaseURL возвращает адрес REST API FTS.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// buildTLSConfig загружает клиентский сертификат и, опционально, CA.
func buildTLSConfig(certFile, keyFile, caCertPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("загрузка клиентского сертификата FTS: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if caCertPath != "" {
		caCert, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("чтение CA-сертификата FTS: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		pool.AppendCertsFromPEM(caCert)
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Submit отправляет одно задание и возвращает его id.
func (c *Client) Submit(ctx context.Context, job Job) (string, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("сериализация задания FTS: %w", err)
	}

	c.logger.Debug("Отправка задания в FTS", slog.Int("transfers", len(job.Files)))

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", nil, body, &resp); err != nil {
		return "", fmt.Errorf("отправка задания FTS: %w", err)
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("отправка задания FTS: пустой job_id в ответе")
	}
	return resp.JobID, nil
}

// Statuses возвращает состояния заданий. FTS возвращает объект, а не список,
// если запрошен один id; ответ всегда приводится к списку.
func (c *Client) Statuses(ctx context.Context, jobIDs []string, listFiles bool) ([]JobStatus, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}

	var query url.Values
	if listFiles {
		query = url.Values{"files": {fileFields}}
	}

	var raw json.RawMessage
	escaped := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		escaped[i] = url.PathEscape(id)
	}
	path := "/jobs/" + strings.Join(escaped, ",")
	if err := c.do(ctx, http.MethodGet, path, query, nil, &raw); err != nil {
		return nil, fmt.Errorf("запрос состояния заданий FTS: %w", err)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var single JobStatus
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("декодирование состояния задания FTS: %w", err)
		}
		return []JobStatus{single}, nil
	}

	var statuses []JobStatus
	if err := json.Unmarshal(trimmed, &statuses); err != nil {
		return nil, fmt.Errorf("декодирование состояний заданий FTS: %w", err)
	}
	return statuses, nil
}

// Status возвращает состояние одного задания.
func (c *Client) Status(ctx context.Context, jobID string, listFiles bool) (*JobStatus, error) {
	statuses, err := c.Statuses(ctx, []string{jobID}, listFiles)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, ErrNotFound
	}
	return &statuses[0], nil
}

// Cancel отменяет задание и возвращает его терминальное состояние.
func (c *Client) Cancel(ctx context.Context, jobID string) (string, error) {
	var status JobStatus
	if err := c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(jobID), nil, nil, &status); err != nil {
		return "", fmt.Errorf("отмена задания FTS %s: %w", jobID, err)
	}
	c.logger.Info("Задание FTS отменено",
		slog.String("job_id", jobID),
		slog.String("state", status.JobState),
	)
	return status.JobState, nil
}

// do выполняет запрос к FTS и декодирует JSON-ответ в out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		var apiErr errorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return &Error{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("декодирование ответа %s %s: %w", method, path, err)
	}
	return nil
}
