package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
)

// PollStateRepository — интерфейс для таблицы poll_state (одна строка).
type PollStateRepository interface {
	// Get возвращает состояние фонового опроса.
	Get(ctx context.Context) (*model.PollState, error)
	// RecordPoll записывает итог цикла опроса; pollErr == nil — успешный цикл.
	RecordPoll(ctx context.Context, at time.Time, datasets int, pollErr error) error
}

// pollStateRepo — реализация PollStateRepository.
type pollStateRepo struct {
	db DBTX
}

// NewPollStateRepository создаёт репозиторий состояния опроса.
func NewPollStateRepository(db DBTX) PollStateRepository {
	return &pollStateRepo{db: db}
}

func (r *pollStateRepo) Get(ctx context.Context) (*model.PollState, error) {
	query := `
		SELECT last_poll_at, last_poll_error, datasets_polled, updated_at
		FROM poll_state
		WHERE id = 1`

	s := &model.PollState{}
	err := r.db.QueryRow(ctx, query).Scan(&s.LastPollAt, &s.LastPollError, &s.DatasetsPolled, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения poll_state: %w", err)
	}
	return s, nil
}

func (r *pollStateRepo) RecordPoll(ctx context.Context, at time.Time, datasets int, pollErr error) error {
	var msg *string
	if pollErr != nil {
		s := pollErr.Error()
		msg = &s
	}

	query := `
		UPDATE poll_state
		SET last_poll_at = $1, last_poll_error = $2, datasets_polled = $3
		WHERE id = 1`
	if _, err := r.db.Exec(ctx, query, at, msg, datasets); err != nil {
		return fmt.Errorf("ошибка обновления poll_state: %w", err)
	}
	return nil
}
