// job.go — операции над отдельными заданиями FTS: состояние, признак
// завершения, процент переданных файлов и отмена.
package service

import (
	"context"
	"log/slog"
	"slices"

	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-broker/internal/fts"
	"github.com/bigkaa/goartstore/archive-broker/internal/paramstore"
	"github.com/bigkaa/goartstore/archive-broker/internal/repository"
	"github.com/bigkaa/goartstore/archive-broker/internal/statecounter"
)

// JobClient — операции FTS над одним заданием.
type JobClient interface {
	Status(ctx context.Context, jobID string, listFiles bool) (*fts.JobStatus, error)
	Cancel(ctx context.Context, jobID string) (string, error)
}

// JobService — сервис заданий FTS.
type JobService struct {
	client   JobClient
	params   ParamStore
	admins   AdminChecker
	jobRepo  repository.TransferJobRepository
	prefixes []string
	logger   *slog.Logger
}

// NewJobService создаёт сервис заданий. jobRepo может быть nil.
func NewJobService(client JobClient, params ParamStore, admins AdminChecker,
	jobRepo repository.TransferJobRepository, prefixes []string, logger *slog.Logger) *JobService {
	return &JobService{
		client:   client,
		params:   params,
		admins:   admins,
		jobRepo:  jobRepo,
		prefixes: prefixes,
		logger:   logger.With(slog.String("component", "jobs")),
	}
}

// Status возвращает состояние задания FTS как есть (только администратор).
func (s *JobService) Status(ctx context.Context, sessionID, jobID string) (*fts.JobStatus, error) {
	if err := s.admins.RequireAdmin(ctx, sessionID); err != nil {
		return nil, err
	}
	status, err := s.client.Status(ctx, jobID, true)
	if err != nil {
		return nil, transferError(err, jobID)
	}
	return status, nil
}

// Complete сообщает, что задание в терминальном состоянии.
func (s *JobService) Complete(ctx context.Context, jobID string) (bool, error) {
	status, err := s.client.Status(ctx, jobID, false)
	if err != nil {
		return false, transferError(err, jobID)
	}
	return model.IsCompleteJobState(status.JobState), nil
}

// Percentage возвращает процент файлов задания в завершённом состоянии
// (-1, если у задания нет файлов).
func (s *JobService) Percentage(ctx context.Context, jobID string) (float64, error) {
	status, err := s.client.Status(ctx, jobID, true)
	if err != nil {
		return 0, transferError(err, jobID)
	}
	counter := statecounter.New(s.logger, s.prefixes...)
	for _, f := range status.Files {
		counter.CheckFile(f)
	}
	return counter.FilePercentage(), nil
}

// Cancel отменяет задание (только администратор). Задания архивации,
// перечисленные в job_ids датасета, отменять нельзя.
func (s *JobService) Cancel(ctx context.Context, sessionID, jobID string) (string, error) {
	if err := s.admins.RequireAdmin(ctx, sessionID); err != nil {
		return "", err
	}

	p, err := s.params.FindJobIDParameter(ctx, sessionID, jobID)
	if err != nil {
		return "", catalogError(err)
	}
	if p != nil && slices.Contains(paramstore.SplitJobIDs(p.Text()), jobID) {
		s.logger.Warn("Отказ в отмене задания архивации", slog.String("job_id", jobID))
		return "", clientError(ErrValidation, msgCannotCancelArchival)
	}

	state, err := s.client.Cancel(ctx, jobID)
	if err != nil {
		return "", transferError(err, jobID)
	}
	updateJobStates(ctx, s.jobRepo, s.logger, map[string]string{jobID: state})
	return state, nil
}
