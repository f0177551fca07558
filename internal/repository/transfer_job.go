package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
)

// TransferJobFilters — фильтры списка заданий.
type TransferJobFilters struct {
	Operation  *string
	State      *string
	DatasetID  *int64
	BucketName *string
}

// TransferJobRepository — интерфейс для таблицы transfer_jobs.
type TransferJobRepository interface {
	// Record сохраняет отправленные задания; повторная запись задания — no-op.
	Record(ctx context.Context, jobs []*model.TransferJob) error
	// GetByID возвращает задание по id FTS.
	GetByID(ctx context.Context, jobID string) (*model.TransferJob, error)
	// List возвращает задания, новые первыми.
	List(ctx context.Context, filters TransferJobFilters, limit, offset int) ([]*model.TransferJob, error)
	// Count возвращает количество заданий с фильтрацией.
	Count(ctx context.Context, filters TransferJobFilters) (int, error)
	// UpdateStates обновляет состояния заданий (jobID → state). Неизвестные id пропускаются.
	UpdateStates(ctx context.Context, states map[string]string) (int, error)
}

// transferJobRepo — реализация TransferJobRepository.
type transferJobRepo struct {
	db DBTX
}

// NewTransferJobRepository создаёт репозиторий заданий FTS.
func NewTransferJobRepository(db DBTX) TransferJobRepository {
	return &transferJobRepo{db: db}
}

func (r *transferJobRepo) Record(ctx context.Context, jobs []*model.TransferJob) error {
	query := `
		INSERT INTO transfer_jobs (job_id, operation, dataset_id, bucket_name,
			source, destination, transfers, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO NOTHING
		RETURNING submitted_at, updated_at`

	for _, j := range jobs {
		err := r.db.QueryRow(ctx, query,
			j.JobID, j.Operation, j.DatasetID, j.BucketName,
			j.Source, j.Destination, j.Transfers, j.State,
		).Scan(&j.SubmittedAt, &j.UpdatedAt)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("ошибка записи задания %s: %w", j.JobID, err)
		}
	}
	return nil
}

func (r *transferJobRepo) GetByID(ctx context.Context, jobID string) (*model.TransferJob, error) {
	query := `
		SELECT job_id, operation, dataset_id, bucket_name, source, destination,
			transfers, state, submitted_at, updated_at
		FROM transfer_jobs
		WHERE job_id = $1`

	j, err := scanTransferJob(r.db.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения задания: %w", err)
	}
	return j, nil
}

// buildJobWhere строит WHERE-условие и аргументы для фильтрации заданий.
func buildJobWhere(filters TransferJobFilters, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if filters.Operation != nil {
		conditions = append(conditions, fmt.Sprintf("operation = $%d", argNum))
		args = append(args, *filters.Operation)
		argNum++
	}
	if filters.State != nil {
		conditions = append(conditions, fmt.Sprintf("state = $%d", argNum))
		args = append(args, *filters.State)
		argNum++
	}
	if filters.DatasetID != nil {
		conditions = append(conditions, fmt.Sprintf("dataset_id = $%d", argNum))
		args = append(args, *filters.DatasetID)
		argNum++
	}
	if filters.BucketName != nil {
		conditions = append(conditions, fmt.Sprintf("bucket_name = $%d", argNum))
		args = append(args, *filters.BucketName)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (r *transferJobRepo) List(ctx context.Context, filters TransferJobFilters, limit, offset int) ([]*model.TransferJob, error) {
	where, args := buildJobWhere(filters, 1)
	argNum := len(args) + 1

	query := fmt.Sprintf(`
		SELECT job_id, operation, dataset_id, bucket_name, source, destination,
			transfers, state, submitted_at, updated_at
		FROM transfer_jobs
		%s
		ORDER BY submitted_at DESC, job_id
		LIMIT $%d OFFSET $%d`, where, argNum, argNum+1)

	args = append(args, limit, offset)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка заданий: %w", err)
	}
	defer rows.Close()

	var result []*model.TransferJob
	for rows.Next() {
		j, err := scanTransferJob(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования задания: %w", err)
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

func (r *transferJobRepo) Count(ctx context.Context, filters TransferJobFilters) (int, error) {
	where, args := buildJobWhere(filters, 1)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM transfer_jobs %s`, where)

	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта заданий: %w", err)
	}
	return count, nil
}

func (r *transferJobRepo) UpdateStates(ctx context.Context, states map[string]string) (int, error) {
	query := `UPDATE transfer_jobs SET state = $2 WHERE job_id = $1 AND state != $2`

	updated := 0
	for jobID, state := range states {
		tag, err := r.db.Exec(ctx, query, jobID, state)
		if err != nil {
			return updated, fmt.Errorf("ошибка обновления состояния задания %s: %w", jobID, err)
		}
		updated += int(tag.RowsAffected())
	}
	return updated, nil
}

// scanTransferJob сканирует строку transfer_jobs.
func scanTransferJob(row pgx.Row) (*model.TransferJob, error) {
	j := &model.TransferJob{}
	err := row.Scan(
		&j.JobID, &j.Operation, &j.DatasetID, &j.BucketName, &j.Source, &j.Destination,
		&j.Transfers, &j.State, &j.SubmittedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return j, nil
}
