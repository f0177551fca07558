// status.go — чтение состояния архивации и ручная установка состояния оператором.
package service

import (
	"context"
	"log/slog"

	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
)

// AdminChecker проверяет права администратора сессии.
type AdminChecker interface {
	RequireAdmin(ctx context.Context, sessionID string) error
}

// StatusService — состояние датасетов и файлов.
type StatusService struct {
	reconciler *ReconcileService
	params     ParamStore
	admins     AdminChecker
	logger     *slog.Logger
}

// NewStatusService создаёт сервис состояния.
func NewStatusService(reconciler *ReconcileService, params ParamStore, admins AdminChecker, logger *slog.Logger) *StatusService {
	return &StatusService{
		reconciler: reconciler,
		params:     params,
		admins:     admins,
		logger:     logger.With(slog.String("component", "status")),
	}
}

// DatasetStatus возвращает согласованное состояние датасета.
func (s *StatusService) DatasetStatus(ctx context.Context, sessionID string, datasetID int64, listFiles bool) (*model.DatasetStatus, error) {
	return s.reconciler.ReconcileDataset(ctx, sessionID, datasetID, listFiles)
}

// SetDatasetStatus выставляет состояние датасета (и, по запросу, его файлов).
func (s *StatusService) SetDatasetStatus(ctx context.Context, sessionID string, datasetID int64, req model.StatusUpdateRequest) error {
	if err := s.admins.RequireAdmin(ctx, sessionID); err != nil {
		return err
	}
	if err := s.params.SetDatasetState(ctx, sessionID, datasetID, req.State, req.SetDeletionDate); err != nil {
		return catalogError(err)
	}
	if req.Datafiles {
		if err := s.params.SetDatafileStates(ctx, sessionID, datasetID, req.State, req.SetDeletionDate); err != nil {
			return catalogError(err)
		}
	}
	s.logger.Info("Состояние датасета выставлено вручную",
		slog.Int64("dataset_id", datasetID),
		slog.String("state", req.State),
		slog.Bool("set_deletion_date", req.SetDeletionDate),
		slog.Bool("datafiles", req.Datafiles),
	)
	return nil
}

// SetDatafileStatus выставляет состояние файла.
func (s *StatusService) SetDatafileStatus(ctx context.Context, sessionID string, datafileID int64, req model.StatusUpdateRequest) error {
	if err := s.admins.RequireAdmin(ctx, sessionID); err != nil {
		return err
	}
	if err := s.params.SetDatafileState(ctx, sessionID, datafileID, req.State, req.SetDeletionDate); err != nil {
		return catalogError(err)
	}
	s.logger.Info("Состояние файла выставлено вручную",
		slog.Int64("datafile_id", datafileID),
		slog.String("state", req.State),
		slog.Bool("set_deletion_date", req.SetDeletionDate),
	)
	return nil
}
