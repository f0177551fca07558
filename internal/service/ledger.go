// ledger.go — запись отправленных заданий в локальный реестр и его просмотр.
// Реестр вспомогательный: ошибки записи логируются и не прерывают запрос.
package service

import (
	"context"
	"log/slog"

	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-broker/internal/repository"
	"github.com/bigkaa/goartstore/archive-broker/internal/transfer"
)

// ledgerEntry — общие поля заданий одного запроса.
type ledgerEntry struct {
	operation   string
	source      string
	destination string
	datasetID   *int64
	bucketName  *string
}

// recordJobs сохраняет отправленные задания в реестр.
func recordJobs(ctx context.Context, repo repository.TransferJobRepository, logger *slog.Logger,
	entry ledgerEntry, subs []transfer.Submission) {
	if repo == nil || len(subs) == 0 {
		return
	}
	jobs := make([]*model.TransferJob, 0, len(subs))
	for _, s := range subs {
		jobs = append(jobs, &model.TransferJob{
			JobID:       s.JobID,
			Operation:   entry.operation,
			DatasetID:   entry.datasetID,
			BucketName:  entry.bucketName,
			Source:      entry.source,
			Destination: entry.destination,
			Transfers:   s.Transfers,
			State:       model.StateSubmitted,
		})
	}
	if err := repo.Record(ctx, jobs); err != nil {
		logger.Warn("Ошибка записи заданий в реестр",
			slog.String("operation", entry.operation),
			slog.Any("job_ids", transfer.JobIDs(subs)),
			slog.String("error", err.Error()),
		)
	}
}

// updateJobStates переносит состояния заданий в реестр.
func updateJobStates(ctx context.Context, repo repository.TransferJobRepository, logger *slog.Logger,
	states map[string]string) {
	if repo == nil || len(states) == 0 {
		return
	}
	if _, err := repo.UpdateStates(ctx, states); err != nil {
		logger.Warn("Ошибка обновления состояний заданий в реестре",
			slog.String("error", err.Error()),
		)
	}
}

// JobListService — просмотр реестра заданий и состояния фонового опроса
// (только администратор).
type JobListService struct {
	repo     repository.TransferJobRepository
	pollRepo repository.PollStateRepository
	admins   AdminChecker
}

// NewJobListService создаёт сервис просмотра реестра.
func NewJobListService(repo repository.TransferJobRepository, pollRepo repository.PollStateRepository,
	admins AdminChecker) *JobListService {
	return &JobListService{repo: repo, pollRepo: pollRepo, admins: admins}
}

// List возвращает страницу заданий и общее количество по фильтрам.
func (s *JobListService) List(ctx context.Context, sessionID string, filters repository.TransferJobFilters,
	limit, offset int) ([]*model.TransferJob, int, error) {
	if err := s.admins.RequireAdmin(ctx, sessionID); err != nil {
		return nil, 0, err
	}
	jobs, err := s.repo.List(ctx, filters, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.Count(ctx, filters)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// PollState возвращает итог последнего цикла фонового опроса.
func (s *JobListService) PollState(ctx context.Context, sessionID string) (*model.PollState, error) {
	if err := s.admins.RequireAdmin(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.pollRepo.Get(ctx)
}
