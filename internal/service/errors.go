// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"

	"github.com/bigkaa/goartstore/archive-broker/internal/fts"
	"github.com/bigkaa/goartstore/archive-broker/internal/icat"
	"github.com/bigkaa/goartstore/archive-broker/internal/storage"
	"github.com/bigkaa/goartstore/archive-broker/internal/transfer"
)

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrValidation — ошибка валидации входных данных или нарушение политики.
	ErrValidation = errors.New("ошибка валидации")
	// ErrForbidden — недостаточно прав.
	ErrForbidden = errors.New("доступ запрещён")
	// ErrUnauthorized — сессия каталога недействительна.
	ErrUnauthorized = errors.New("требуется аутентификация")
	// ErrConflict — конфликт (ресурс уже существует).
	ErrConflict = errors.New("конфликт — ресурс уже существует")
	// ErrUpstream — каталог или FTS недоступны либо вернули ошибку.
	ErrUpstream = errors.New("внешний сервис недоступен")
)

// Сообщения клиентских ошибок, которые проверяют вызывающие.
const (
	msgInsufficientPermissions = "insufficient permissions"
	msgCannotCancelArchival    = "Archival jobs cannot be cancelled"
	msgNothingToRetry          = "Archival completed successfully, nothing to retry"
	msgRetryNotComplete        = "Archival not yet complete, cannot retry"
	msgCacheBucketForbidden    = "Access to global S3 cache is forbidden"
)

// ClientError — ошибка, сообщение которой возвращается клиенту как есть.
// Kind — одна из sentinel-ошибок пакета.
type ClientError struct {
	Kind    error
	Message string
}

func (e *ClientError) Error() string { return e.Message }

// Unwrap возвращает Kind.
func (e *ClientError) Unwrap() error { return e.Kind }

func clientError(kind error, format string, args ...any) error {
	return &ClientError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// catalogError переводит ошибку каталога в ошибку сервисного слоя.
// Неизвестные ошибки считаются недоступностью каталога.
func catalogError(err error) error {
	if err == nil {
		return nil
	}
	var ce *ClientError
	if errors.As(err, &ce) {
		return err
	}

	var nf *icat.NotFoundError
	var ie *icat.Error
	switch {
	case errors.As(err, &nf):
		return &ClientError{Kind: ErrNotFound, Message: nf.Error()}
	case errors.As(err, &ie) && errors.Is(err, icat.ErrSession):
		return &ClientError{Kind: ErrUnauthorized, Message: ie.Message}
	case errors.As(err, &ie) && errors.Is(err, icat.ErrInsufficientPrivileges):
		return &ClientError{Kind: ErrForbidden, Message: ie.Message}
	case errors.As(err, &ie) && errors.Is(err, icat.ErrNoSuchObject):
		return &ClientError{Kind: ErrNotFound, Message: ie.Message}
	case errors.As(err, &ie) && ie.Code == icat.CodeObjectAlreadyExists:
		return &ClientError{Kind: ErrConflict, Message: ie.Message}
	case errors.As(err, &ie) && errors.Is(err, icat.ErrBadParameter):
		return &ClientError{Kind: ErrValidation, Message: ie.Message}
	}
	return fmt.Errorf("%w: каталог: %w", ErrUpstream, err)
}

// batchError переводит ошибки построения пакета передач. Сообщения для
// клиента строятся здесь: тексты ошибок пакета transfer — для журнала.
func batchError(err error) error {
	var sle *transfer.SizeLimitError
	var fe *transfer.FileError
	switch {
	case errors.As(err, &sle) && sle.Total:
		return clientError(ErrValidation,
			"Total size of the request (%d bytes) exceeds the limit of %d bytes", sle.Size, sle.Limit)
	case errors.As(err, &sle):
		return clientError(ErrValidation,
			"File %s (%d bytes) exceeds the size limit of %d bytes", sle.Location, sle.Size, sle.Limit)
	case errors.As(err, &fe) && errors.Is(err, transfer.ErrSourceMissing):
		return clientError(ErrValidation, "File %s not found in source storage", fe.Path)
	case errors.As(err, &fe) && errors.Is(err, transfer.ErrNoLocation):
		return clientError(ErrValidation, "Datafile %s has no location", fe.Path)
	}
	return fmt.Errorf("%w: %w", ErrUpstream, err)
}

// storageError переводит ошибку поиска storage endpoint.
func storageError(err error) error {
	var use *storage.UnknownStorageError
	if errors.As(err, &use) {
		if use.NotS3 {
			return clientError(ErrValidation, "Storage endpoint %q is not an S3 endpoint", use.Name)
		}
		return clientError(ErrValidation, "Unknown storage endpoint %q", use.Name)
	}
	return err
}

// transferError переводит ошибку FTS.
func transferError(err error, jobID string) error {
	if errors.Is(err, fts.ErrNotFound) {
		return clientError(ErrNotFound, "No FTS job with id=%s", jobID)
	}
	return fmt.Errorf("%w: FTS: %w", ErrUpstream, err)
}
