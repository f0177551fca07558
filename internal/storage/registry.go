package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/bigkaa/goartstore/archive-broker/internal/config"
	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-broker/internal/objectstore"
)

// ArchiveName — имя архивного endpoint.
const ArchiveName = "archive"

// ErrUnknownStorage — ключ storage endpoint не найден в конфигурации.
var ErrUnknownStorage = errors.New("неизвестный storage endpoint")

// UnknownStorageError — endpoint name не настроен либо не является S3.
type UnknownStorageError struct {
	Name  string
	NotS3 bool
}

func (e *UnknownStorageError) Error() string {
	if e.NotS3 {
		return fmt.Sprintf("%v: %q не является S3", ErrUnknownStorage, e.Name)
	}
	return fmt.Sprintf("%v: %q", ErrUnknownStorage, e.Name)
}

// Unwrap возвращает ErrUnknownStorage.
func (e *UnknownStorageError) Unwrap() error { return ErrUnknownStorage }

// ObjectStore — операции S3 API, нужные для корзин восстановления.
type ObjectStore interface {
	CreateBucket(ctx context.Context, name string, acl model.BucketACL) error
	RemoveBucket(ctx context.Context, name string) error
	BucketACL(ctx context.Context, name string) (model.BucketACL, error)
	PutJobStates(ctx context.Context, bucket string, states []objectstore.JobState) error
	JobStates(ctx context.Context, bucket string) ([]objectstore.JobState, error)
	Copy(ctx context.Context, srcBucket, dstBucket, key string) error
}

// Registry — набор настроенных storage endpoints.
type Registry struct {
	archive   Storage
	endpoints map[string]Storage
	s3        map[string]ObjectStore
}

// NewRegistry собирает реестр из готовых вариантов.
func NewRegistry(archive Storage, endpoints ...Storage) *Registry {
	r := &Registry{
		archive:   archive,
		endpoints: make(map[string]Storage, len(endpoints)),
		s3:        make(map[string]ObjectStore),
	}
	for _, st := range endpoints {
		r.endpoints[st.Name()] = st
	}
	return r
}

// SetObjectStore привязывает клиент S3 к endpoint name.
func (r *Registry) SetObjectStore(name string, store ObjectStore) {
	r.s3[name] = store
}

// FromConfig строит варианты хранилищ из конфигурации, проверяя URL.
func FromConfig(cfg *config.StorageConfig, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		endpoints: make(map[string]Storage, len(cfg.StorageEndpoints)),
		s3:        make(map[string]ObjectStore),
	}

	archive, err := r.build(ArchiveName, cfg.ArchiveEndpoint, logger)
	if err != nil {
		return nil, err
	}
	r.archive = archive

	for name, ep := range cfg.StorageEndpoints {
		st, err := r.build(name, ep, logger)
		if err != nil {
			return nil, err
		}
		r.endpoints[name] = st
	}
	return r, nil
}

// build создаёт один вариант хранилища.
func (r *Registry) build(name string, ep *config.StorageEndpoint, logger *slog.Logger) (Storage, error) {
	base, err := newEndpoint(name, ep.URL)
	if err != nil {
		return nil, err
	}

	switch ep.StorageType {
	case config.StorageTypeTape:
		return &Tape{endpoint: base, bringOnline: ep.BringOnline, archiveTimeout: ep.ArchiveTimeout}, nil

	case config.StorageTypeS3:
		if base.parsed.Scheme != "http" && base.parsed.Scheme != "https" {
			return nil, fmt.Errorf("storage %q: S3 endpoint должен использовать http или https", name)
		}
		s := &S3{endpoint: base, accessKey: ep.AccessKey, secretKey: ep.SecretKey, cacheBucket: ep.CacheBucket}
		client, err := objectstore.New(s.Host(), s.Secure(), s.accessKey, s.secretKey, logger)
		if err != nil {
			return nil, fmt.Errorf("storage %q: %w", name, err)
		}
		s.stater = &s3Stater{client: client, prefix: s.Prefix()}
		r.s3[name] = client
		return s, nil

	default:
		d := &Disk{endpoint: base}
		if base.parsed.Scheme == "root" {
			d.stater = newXRootDStater(base.parsed)
		} else {
			d.stater = newWebDAVStater(base.parsed)
		}
		return d, nil
	}
}

// Archive возвращает архивный endpoint.
func (r *Registry) Archive() Storage {
	return r.archive
}

// Get возвращает endpoint по ключу.
func (r *Registry) Get(name string) (Storage, error) {
	st, ok := r.endpoints[name]
	if !ok {
		return nil, &UnknownStorageError{Name: name}
	}
	return st, nil
}

// ObjectStore возвращает клиент S3 для S3 endpoint.
func (r *Registry) ObjectStore(name string) (ObjectStore, error) {
	c, ok := r.s3[name]
	if !ok {
		return nil, &UnknownStorageError{Name: name, NotS3: true}
	}
	return c, nil
}

// Names возвращает отсортированные ключи endpoints.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.endpoints))
	for n := range r.endpoints {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Prefixes возвращает path-префиксы всех endpoints (включая архивный)
// для вычисления location файла по SURL.
func (r *Registry) Prefixes() []string {
	prefixes := []string{r.archive.Prefix()}
	for _, n := range r.Names() {
		st := r.endpoints[n]
		prefixes = append(prefixes, st.Prefix())
		if tp := st.TransferPrefix(); tp != "" {
			prefixes = append(prefixes, tp)
		}
	}
	return prefixes
}
