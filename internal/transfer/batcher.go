// batcher.go — построение описаний передач FTS и отправка их пакетами.
//
// Batch накапливает передачи одного логического запроса (архивация датасета,
// восстановление набора файлов). Лимиты размера проверяются при добавлении
// каждого файла, поэтому запрос, нарушивший лимит, отклоняется до первой
// отправки в FTS. Submit делит накопленные передачи на задания не более
// MaxPerJob файлов.
//
// Prometheus-метрики:
//   - archive_broker_fts_jobs_submitted_total — отправленные задания (по операциям)
//   - archive_broker_fts_transfers_submitted_total — отправленные передачи файлов
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/archive-broker/internal/config"
	"github.com/bigkaa/goartstore/archive-broker/internal/fts"
	"github.com/bigkaa/goartstore/archive-broker/internal/icat"
	"github.com/bigkaa/goartstore/archive-broker/internal/storage"
)

// DefaultMaxPerJob — ограничение количества файлов в одном задании FTS.
const DefaultMaxPerJob = 1000

var (
	jobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_broker_fts_jobs_submitted_total",
		Help: "Количество заданий, отправленных в FTS",
	}, []string{"operation"})

	transfersSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_broker_fts_transfers_submitted_total",
		Help: "Количество передач файлов, отправленных в FTS",
	}, []string{"operation"})
)

// Ошибки пакета.
var (
	// ErrSizeLimit — превышен лимит размера файла или запроса
	ErrSizeLimit = errors.New("превышен лимит размера")
	// ErrSourceMissing — файл отсутствует в хранилище-источнике
	ErrSourceMissing = errors.New("файл отсутствует в хранилище-источнике")
	// ErrNoLocation — у файла нет location
	ErrNoLocation = errors.New("у файла не задан location")
)

// SizeLimitError — нарушение лимита размера.
type SizeLimitError struct {
	// Location — файл, на котором лимит был превышен
	Location string
	Size     int64
	Limit    int64
	// Total — превышен суммарный лимит запроса, а не лимит файла
	Total bool
}

func (e *SizeLimitError) Error() string {
	if e.Total {
		return fmt.Sprintf("суммарный размер запроса %d байт превышает лимит %d байт (на файле %s)",
			e.Size, e.Limit, e.Location)
	}
	return fmt.Sprintf("размер файла %s (%d байт) превышает лимит %d байт", e.Location, e.Size, e.Limit)
}

// Unwrap возвращает ErrSizeLimit.
func (e *SizeLimitError) Unwrap() error { return ErrSizeLimit }

// FileError — файл нельзя включить в пакет.
type FileError struct {
	// Err — ErrNoLocation или ErrSourceMissing
	Err error
	// Path — location файла, либо имя, если location не задан
	Path string
}

func (e *FileError) Error() string { return e.Err.Error() + ": " + e.Path }

func (e *FileError) Unwrap() error { return e.Err }

// Submitter отправляет задание в FTS и возвращает его id.
type Submitter interface {
	Submit(ctx context.Context, job fts.Job) (string, error)
}

// Options — параметры отправки, общие для всех заданий.
type Options struct {
	// MaxFileSize, MaxTotalSize — лимиты в байтах, 0 — без лимита
	MaxFileSize  int64
	MaxTotalSize int64
	// MaxPerJob — максимум передач в одном задании
	MaxPerJob int
	// Retry — количество повторов передачи в FTS (-1 — настройка сервера)
	Retry int
	// VerifyChecksum — none, source, destination, both
	VerifyChecksum string
	// SupportedChecksums — поддерживаемые механизмы контрольных сумм
	SupportedChecksums []string
}

// Batcher строит и отправляет пакеты передач.
type Batcher struct {
	submitter Submitter
	opts      Options
	logger    *slog.Logger
}

// New создаёт Batcher.
func New(submitter Submitter, opts Options, logger *slog.Logger) *Batcher {
	if opts.MaxPerJob <= 0 {
		opts.MaxPerJob = DefaultMaxPerJob
	}
	if opts.VerifyChecksum == "" {
		opts.VerifyChecksum = config.VerifyChecksumNone
	}
	return &Batcher{
		submitter: submitter,
		opts:      opts,
		logger:    logger.With(slog.String("component", "transfer_batcher")),
	}
}

// Submission — одно отправленное задание.
type Submission struct {
	JobID     string
	Transfers int
}

// JobIDs возвращает id заданий в порядке отправки.
func JobIDs(subs []Submission) []string {
	ids := make([]string, len(subs))
	for i, s := range subs {
		ids[i] = s.JobID
	}
	return ids
}

// Batch — передачи одного запроса между двумя хранилищами.
type Batch struct {
	batcher     *Batcher
	operation   string
	source      storage.Storage
	destination storage.Storage

	transfers []fts.Transfer
	totalSize int64
}

// NewBatch создаёт пустой пакет для operation (archive, restore, …).
func (b *Batcher) NewBatch(operation string, source, destination storage.Storage) *Batch {
	return &Batch{
		batcher:     b,
		operation:   operation,
		source:      source,
		destination: destination,
	}
}

// Len возвращает количество накопленных передач.
func (bt *Batch) Len() int { return len(bt.transfers) }

// TotalSize возвращает суммарный известный размер файлов.
func (bt *Batch) TotalSize() int64 { return bt.totalSize }

// Transfers возвращает накопленные передачи.
func (bt *Batch) Transfers() []fts.Transfer { return slices.Clone(bt.transfers) }

// Add строит передачу для файла. Если источник требует проверки, файл
// проверяется stat, а отсутствующие fileSize и datafileModTime заполняются.
// Нарушение лимитов размера — *SizeLimitError, пакет при этом не меняется.
func (bt *Batch) Add(ctx context.Context, df *icat.Datafile) error {
	if df.Location == "" {
		return &FileError{Err: ErrNoLocation, Path: df.Name}
	}

	if bt.source.RequiresStat() {
		info, err := bt.source.Stat(ctx, df.Location)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return &FileError{Err: ErrSourceMissing, Path: df.Location}
			}
			return fmt.Errorf("stat %s: %w", df.Location, err)
		}
		if df.FileSize == nil {
			size := info.Size
			df.FileSize = &size
		}
		if df.DatafileModTime == nil && !info.ModTime.IsZero() {
			df.DatafileModTime = &icat.Time{Time: info.ModTime}
		}
	}

	var size int64
	if df.FileSize != nil {
		size = *df.FileSize
	}
	opts := bt.batcher.opts
	if opts.MaxFileSize > 0 && size > opts.MaxFileSize {
		return &SizeLimitError{Location: df.Location, Size: size, Limit: opts.MaxFileSize}
	}
	if opts.MaxTotalSize > 0 && bt.totalSize+size > opts.MaxTotalSize {
		return &SizeLimitError{Location: df.Location, Size: bt.totalSize + size, Limit: opts.MaxTotalSize, Total: true}
	}

	src, dst := bt.surls(df.Location)
	t := fts.Transfer{
		Sources:      []string{src},
		Destinations: []string{dst},
		Checksum:     bt.batcher.checksum(df.Checksum),
	}
	if size > 0 {
		t.Filesize = size
	}
	bt.transfers = append(bt.transfers, t)
	bt.totalSize += size
	return nil
}

// surls формирует SURL источника и назначения для location.
// Маркер режима копирования добавляется к источнику, если назначение его требует.
func (bt *Batch) surls(location string) (string, string) {
	location = strings.TrimLeft(location, "/")
	src := bt.source.FormattedURL() + location + bt.destination.CopyModeMarker()
	dst := bt.destination.FormattedURL() + bt.destination.TransferPrefix() + location
	return src, dst
}

// Submit отправляет накопленные передачи заданиями по MaxPerJob.
// Ошибка отправки прерывает пакет: уже отправленные задания возвращаются
// вместе с ошибкой.
func (bt *Batch) Submit(ctx context.Context) ([]Submission, error) {
	params := fts.JobParams{
		VerifyChecksum: bt.batcher.opts.VerifyChecksum,
		Retry:          bt.batcher.opts.Retry,
		BringOnline:    bt.source.BringOnline(),
		ArchiveTimeout: bt.destination.ArchiveTimeout(),
		StrictCopy:     bt.destination.StrictCopy(),
	}

	var subs []Submission
	for chunk := range slices.Chunk(bt.transfers, bt.batcher.opts.MaxPerJob) {
		jobID, err := bt.batcher.submitter.Submit(ctx, fts.Job{Files: chunk, Params: params})
		if err != nil {
			return subs, fmt.Errorf("отправка задания FTS (%d передач): %w", len(chunk), err)
		}
		subs = append(subs, Submission{JobID: jobID, Transfers: len(chunk)})
		jobsSubmittedTotal.WithLabelValues(bt.operation).Inc()
		transfersSubmittedTotal.WithLabelValues(bt.operation).Add(float64(len(chunk)))

		bt.batcher.logger.Info("Задание FTS отправлено",
			slog.String("job_id", jobID),
			slog.String("operation", bt.operation),
			slog.String("source", bt.source.Name()),
			slog.String("destination", bt.destination.Name()),
			slog.Int("transfers", len(chunk)),
		)
	}
	return subs, nil
}

// checksum проверяет контрольную сумму "mechanism:value" по списку
// поддерживаемых механизмов и режиму проверки. Пустая строка — FTS
// не проверяет контрольную сумму этой передачи.
func (b *Batcher) checksum(raw string) string {
	var mechanism, value string
	if raw != "" {
		var hasValue bool
		mechanism, value, hasValue = strings.Cut(raw, ":")
		if !slices.Contains(b.opts.SupportedChecksums, mechanism) {
			b.logger.Warn("Механизм контрольной суммы не поддерживается",
				slog.String("mechanism", mechanism),
				slog.Any("supported", b.opts.SupportedChecksums),
			)
			return ""
		}
		if !hasValue {
			value = ""
		}
	}

	switch b.opts.VerifyChecksum {
	case config.VerifyChecksumSource, config.VerifyChecksumDestination:
		if mechanism == "" || value == "" {
			b.logger.Warn("Для проверки контрольной суммы нужны механизм и значение",
				slog.String("verify_checksum", b.opts.VerifyChecksum),
			)
			return ""
		}
		return raw
	case config.VerifyChecksumBoth:
		if mechanism == "" {
			b.logger.Warn("Для проверки контрольной суммы нужен механизм",
				slog.String("verify_checksum", b.opts.VerifyChecksum),
			)
			return ""
		}
		return raw
	default:
		return ""
	}
}
