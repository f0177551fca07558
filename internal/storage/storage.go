// Пакет storage — storage endpoints, между которыми FTS выполняет передачи.
// Три варианта: Disk, Tape, S3. Различия между ними выражены через методы
// интерфейса Storage, а не через проверки типа у вызывающего кода.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Kind — вид хранилища.
type Kind string

// Виды хранилищ.
const (
	KindDisk Kind = "disk"
	KindTape Kind = "tape"
	KindS3   Kind = "s3"
)

// ErrNotFound — файл не найден на storage endpoint.
var ErrNotFound = errors.New("файл не найден в хранилище")

// FileInfo — размер и время изменения файла.
type FileInfo struct {
	Size    int64
	ModTime time.Time
}

// Stater получает размер и время изменения файла по location.
type Stater interface {
	Stat(ctx context.Context, location string) (FileInfo, error)
}

// Storage — storage endpoint.
type Storage interface {
	// Name — ключ endpoint в конфигурации ("archive" для архивного)
	Name() string
	Kind() Kind
	// URL — адрес endpoint как в конфигурации
	URL() string
	// FormattedURL — адрес в форме, которую ожидает FTS
	FormattedURL() string
	// Prefix — path endpoint без ведущих/завершающих слешей; отрезается
	// от SURL, чтобы получить location файла
	Prefix() string
	// RequiresStat — перед отправкой из этого хранилища файл нужно проверить
	RequiresStat() bool
	// TransferPrefix — путь перед location в SURL назначения
	TransferPrefix() string
	// CopyModeMarker — суффикс SURL источника при передаче В это хранилище
	CopyModeMarker() string
	// StrictCopy — FTS должен выполнять передачи в это хранилище без проверок каталога
	StrictCopy() bool
	// BringOnline — ожидание подъёма с ленты в секундах, -1 если не применимо
	BringOnline() int
	// ArchiveTimeout — ожидание архивации в секундах, -1 если не применимо
	ArchiveTimeout() int
	// Stat — размер и время изменения файла
	Stat(ctx context.Context, location string) (FileInfo, error)
}

// endpoint — общая часть всех вариантов.
type endpoint struct {
	name   string
	rawURL string
	parsed *url.URL
	stater Stater
}

func newEndpoint(name, rawURL string) (endpoint, error) {
	u, err := ValidateEndpointURL(rawURL)
	if err != nil {
		return endpoint{}, fmt.Errorf("storage %q: %w", name, err)
	}
	return endpoint{name: name, rawURL: rawURL, parsed: u}, nil
}

func (e *endpoint) Name() string           { return e.name }
func (e *endpoint) URL() string            { return e.rawURL }
func (e *endpoint) FormattedURL() string   { return e.rawURL }
func (e *endpoint) Prefix() string         { return strings.Trim(e.parsed.Path, "/") }
func (e *endpoint) RequiresStat() bool     { return false }
func (e *endpoint) TransferPrefix() string { return "" }
func (e *endpoint) CopyModeMarker() string { return "" }
func (e *endpoint) StrictCopy() bool       { return false }
func (e *endpoint) BringOnline() int       { return -1 }
func (e *endpoint) ArchiveTimeout() int    { return -1 }

// Stat делегирует Stater варианта.
func (e *endpoint) Stat(ctx context.Context, location string) (FileInfo, error) {
	if e.stater == nil {
		return FileInfo{}, fmt.Errorf("storage %q не поддерживает stat", e.name)
	}
	return e.stater.Stat(ctx, location)
}

// NewDisk создаёт дисковый endpoint с заданным Stater.
func NewDisk(name, rawURL string, stater Stater) (*Disk, error) {
	base, err := newEndpoint(name, rawURL)
	if err != nil {
		return nil, err
	}
	base.stater = stater
	return &Disk{endpoint: base}, nil
}

// NewTape создаёт ленточный endpoint.
func NewTape(name, rawURL string, bringOnline, archiveTimeout int) (*Tape, error) {
	base, err := newEndpoint(name, rawURL)
	if err != nil {
		return nil, err
	}
	return &Tape{endpoint: base, bringOnline: bringOnline, archiveTimeout: archiveTimeout}, nil
}

// NewS3 создаёт S3 endpoint без клиента S3 API (stat не поддерживается).
func NewS3(name, rawURL, cacheBucket string) (*S3, error) {
	base, err := newEndpoint(name, rawURL)
	if err != nil {
		return nil, err
	}
	return &S3{endpoint: base, cacheBucket: cacheBucket}, nil
}

// Disk — дисковый кэш (XRootD или WebDAV). Источник архивации:
// файлы проверяются перед отправкой.
type Disk struct {
	endpoint
}

// Kind возвращает KindDisk.
func (d *Disk) Kind() Kind { return KindDisk }

// RequiresStat — файлы на диске проверяются перед архивацией.
func (d *Disk) RequiresStat() bool { return true }

// Tape — ленточное хранилище.
type Tape struct {
	endpoint
	bringOnline    int
	archiveTimeout int
}

// Kind возвращает KindTape.
func (t *Tape) Kind() Kind { return KindTape }

// BringOnline возвращает время ожидания подъёма с ленты.
func (t *Tape) BringOnline() int { return t.bringOnline }

// ArchiveTimeout возвращает время ожидания архивации.
func (t *Tape) ArchiveTimeout() int { return t.archiveTimeout }

// S3 — объектное хранилище. Восстановленные файлы сначала попадают
// в CacheBucket, затем копируются в корзину пользователя.
type S3 struct {
	endpoint
	accessKey   string
	secretKey   string
	cacheBucket string
}

// Kind возвращает KindS3.
func (s *S3) Kind() Kind { return KindS3 }

// FormattedURL — схема s3s:// вместо http(s)://.
func (s *S3) FormattedURL() string {
	_, rest, _ := strings.Cut(s.rawURL, "://")
	return "s3s://" + rest
}

// TransferPrefix — файлы восстанавливаются в корзину-кэш.
func (s *S3) TransferPrefix() string { return s.cacheBucket + "/" }

// CopyModeMarker — FTS должен использовать push-копирование в S3.
func (s *S3) CopyModeMarker() string { return "?copy_mode=push" }

// StrictCopy — обязателен для S3.
func (s *S3) StrictCopy() bool { return true }

// Host возвращает host[:port] S3 API.
func (s *S3) Host() string { return s.parsed.Host }

// Secure сообщает, используется ли TLS.
func (s *S3) Secure() bool { return s.parsed.Scheme != "http" }

// AccessKey возвращает ключ доступа.
func (s *S3) AccessKey() string { return s.accessKey }

// SecretKey возвращает секретный ключ.
func (s *S3) SecretKey() string { return s.secretKey }

// CacheBucket возвращает имя корзины-кэша.
func (s *S3) CacheBucket() string { return s.cacheBucket }
