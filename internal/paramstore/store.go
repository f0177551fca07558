// Пакет paramstore — параметры состояния архивации в каталоге:
// job_state датасетов и файлов, job_ids датасетов и deletion_date.
// Вызывающий код не различает создание и обновление параметра.
package paramstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/archive-broker/internal/icat"
)

// Catalog — операции каталога, нужные хранилищу параметров.
type Catalog interface {
	ParameterTypes(ctx context.Context, sessionID, name, units, facility string) ([]icat.ParameterType, error)
	LookupID(ctx context.Context, sessionID, entity string, equals map[string]any) (int64, error)
	DatasetParameters(ctx context.Context, sessionID string, f icat.ParameterFilter) ([]icat.DatasetParameter, error)
	DatafileParameters(ctx context.Context, sessionID string, f icat.ParameterFilter) ([]icat.DatafileParameter, error)
	DatasetDatafiles(ctx context.Context, sessionID string, datasetID int64) ([]icat.Datafile, error)
	Write(ctx context.Context, sessionID string, beans ...icat.Entity) ([]int64, error)
	Delete(ctx context.Context, sessionID, entity string, ids ...int64) error
}

// Store читает и записывает параметры состояния.
type Store struct {
	catalog Catalog
	types   *TypeResolver
	now     func() time.Time
	logger  *slog.Logger
}

// New создаёт хранилище параметров.
func New(catalog Catalog, types *TypeResolver, logger *slog.Logger) *Store {
	return &Store{
		catalog: catalog,
		types:   types,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "paramstore")),
	}
}

// Types возвращает зарезервированные типы.
func (s *Store) Types(ctx context.Context, sessionID string) (*ReservedTypes, error) {
	return s.types.Resolve(ctx, sessionID)
}

// SplitJobIDs разбирает значение job_ids: id через запятую, пустые отбрасываются.
func SplitJobIDs(value string) []string {
	var ids []string
	for _, id := range strings.Split(value, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// JoinJobIDs собирает значение job_ids.
func JoinJobIDs(ids []string) string {
	return strings.Join(ids, ",")
}

// DatasetStates возвращает параметры job_state датасета (datasetID=0 — всех датасетов).
func (s *Store) DatasetStates(ctx context.Context, sessionID string, datasetID int64) ([]icat.DatasetParameter, error) {
	params, err := s.catalog.DatasetParameters(ctx, sessionID, icat.ParameterFilter{
		TypeName:  s.types.Names().JobState,
		DatasetID: datasetID,
	})
	if err != nil {
		return nil, fmt.Errorf("чтение состояния датасета %d: %w", datasetID, err)
	}
	return params, nil
}

// DatafileStates возвращает параметры job_state всех файлов датасета.
func (s *Store) DatafileStates(ctx context.Context, sessionID string, datasetID int64) ([]icat.DatafileParameter, error) {
	params, err := s.catalog.DatafileParameters(ctx, sessionID, icat.ParameterFilter{
		TypeName:  s.types.Names().JobState,
		DatasetID: datasetID,
	})
	if err != nil {
		return nil, fmt.Errorf("чтение состояний файлов датасета %d: %w", datasetID, err)
	}
	return params, nil
}

// JobIDs возвращает параметры job_ids датасета (datasetID=0 — всех датасетов
// с незавершёнными заданиями).
func (s *Store) JobIDs(ctx context.Context, sessionID string, datasetID int64) ([]icat.DatasetParameter, error) {
	params, err := s.catalog.DatasetParameters(ctx, sessionID, icat.ParameterFilter{
		TypeName:  s.types.Names().JobIDs,
		DatasetID: datasetID,
	})
	if err != nil {
		return nil, fmt.Errorf("чтение job_ids датасета %d: %w", datasetID, err)
	}
	return params, nil
}

// FindJobIDParameter ищет параметр job_ids, содержащий jobID. nil — не найден.
func (s *Store) FindJobIDParameter(ctx context.Context, sessionID, jobID string) (*icat.DatasetParameter, error) {
	params, err := s.catalog.DatasetParameters(ctx, sessionID, icat.ParameterFilter{
		TypeName:      s.types.Names().JobIDs,
		ValueContains: jobID,
	})
	if err != nil {
		return nil, fmt.Errorf("поиск задания %s в job_ids: %w", jobID, err)
	}
	if len(params) == 0 {
		return nil, nil
	}
	return &params[0], nil
}

// SetDatasetState записывает job_state датасета и, при setDeletionDate,
// текущее время в deletion_date.
func (s *Store) SetDatasetState(ctx context.Context, sessionID string, datasetID int64, state string, setDeletionDate bool) error {
	types, err := s.types.Resolve(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.setDatasetParameter(ctx, sessionID, datasetID, types.JobState, stringValue(state)); err != nil {
		return err
	}
	if setDeletionDate {
		return s.setDatasetParameter(ctx, sessionID, datasetID, types.DeletionDate, s.dateValue())
	}
	return nil
}

// SetDatafileState записывает job_state файла и, при setDeletionDate, deletion_date.
func (s *Store) SetDatafileState(ctx context.Context, sessionID string, datafileID int64, state string, setDeletionDate bool) error {
	types, err := s.types.Resolve(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.setDatafileParameter(ctx, sessionID, datafileID, types.JobState, stringValue(state)); err != nil {
		return err
	}
	if setDeletionDate {
		return s.setDatafileParameter(ctx, sessionID, datafileID, types.DeletionDate, s.dateValue())
	}
	return nil
}

// SetDatafileStates записывает job_state (и deletion_date) всем файлам датасета.
// Если у файлов ещё нет параметров, они создаются одной пакетной записью;
// существующие обновляются по одному, сохраняя свои id.
func (s *Store) SetDatafileStates(ctx context.Context, sessionID string, datasetID int64, state string, setDeletionDate bool) error {
	types, err := s.types.Resolve(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.setChildren(ctx, sessionID, datasetID, types.JobState, stringValue(state)); err != nil {
		return err
	}
	if setDeletionDate {
		return s.setChildren(ctx, sessionID, datasetID, types.DeletionDate, s.dateValue())
	}
	return nil
}

// UpdateDatasetValue меняет строковое значение существующего параметра датасета.
func (s *Store) UpdateDatasetValue(ctx context.Context, sessionID string, p icat.DatasetParameter, value string) error {
	p.ParameterValue = stringValue(value)
	if _, err := s.catalog.Write(ctx, sessionID, refDatasetParameter(p)); err != nil {
		return fmt.Errorf("обновление параметра %d: %w", p.ID, err)
	}
	return nil
}

// UpdateDatafileValue меняет строковое значение существующего параметра файла.
func (s *Store) UpdateDatafileValue(ctx context.Context, sessionID string, p icat.DatafileParameter, value string) error {
	p.ParameterValue = stringValue(value)
	if _, err := s.catalog.Write(ctx, sessionID, refDatafileParameter(p)); err != nil {
		return fmt.Errorf("обновление параметра %d: %w", p.ID, err)
	}
	return nil
}

// SetJobIDs переписывает job_ids датасета. Пустой список удаляет параметр:
// отсутствие job_ids означает, что незавершённых заданий нет.
func (s *Store) SetJobIDs(ctx context.Context, sessionID string, p icat.DatasetParameter, ids []string) error {
	if len(ids) == 0 {
		if err := s.catalog.Delete(ctx, sessionID, p.EntityName(), p.ID); err != nil {
			return fmt.Errorf("удаление job_ids %d: %w", p.ID, err)
		}
		s.logger.Debug("Параметр job_ids удалён", slog.Int64("parameter_id", p.ID))
		return nil
	}
	return s.UpdateDatasetValue(ctx, sessionID, p, JoinJobIDs(ids))
}

// CreateJobIDs создаёт новый параметр job_ids датасета.
func (s *Store) CreateJobIDs(ctx context.Context, sessionID string, datasetID int64, ids []string) error {
	types, err := s.types.Resolve(ctx, sessionID)
	if err != nil {
		return err
	}
	bean := icat.DatasetParameter{
		Type:           &icat.ParameterType{ID: types.JobIDs.ID},
		ParameterValue: stringValue(JoinJobIDs(ids)),
		Dataset:        &icat.Dataset{ID: datasetID},
	}
	if _, err := s.catalog.Write(ctx, sessionID, bean); err != nil {
		return fmt.Errorf("создание job_ids датасета %d: %w", datasetID, err)
	}
	return nil
}

// setDatasetParameter — upsert одного параметра датасета.
func (s *Store) setDatasetParameter(ctx context.Context, sessionID string, datasetID int64,
	pt icat.ParameterType, value icat.ParameterValue) error {
	existing, err := s.catalog.DatasetParameters(ctx, sessionID, icat.ParameterFilter{
		TypeName:  pt.Name,
		DatasetID: datasetID,
	})
	if err != nil {
		return fmt.Errorf("поиск параметра %q датасета %d: %w", pt.Name, datasetID, err)
	}

	if len(existing) > 0 {
		p := existing[0]
		p.ParameterValue = value
		if _, err := s.catalog.Write(ctx, sessionID, refDatasetParameter(p)); err != nil {
			return fmt.Errorf("обновление параметра %q датасета %d: %w", pt.Name, datasetID, err)
		}
		return nil
	}

	if _, err := s.catalog.LookupID(ctx, sessionID, "Dataset", map[string]any{"id": datasetID}); err != nil {
		return err
	}
	bean := icat.DatasetParameter{
		Type:           &icat.ParameterType{ID: pt.ID},
		ParameterValue: value,
		Dataset:        &icat.Dataset{ID: datasetID},
	}
	if _, err := s.catalog.Write(ctx, sessionID, bean); err != nil {
		return fmt.Errorf("создание параметра %q датасета %d: %w", pt.Name, datasetID, err)
	}
	return nil
}

// setDatafileParameter — upsert одного параметра файла.
func (s *Store) setDatafileParameter(ctx context.Context, sessionID string, datafileID int64,
	pt icat.ParameterType, value icat.ParameterValue) error {
	existing, err := s.catalog.DatafileParameters(ctx, sessionID, icat.ParameterFilter{
		TypeName:   pt.Name,
		DatafileID: datafileID,
	})
	if err != nil {
		return fmt.Errorf("поиск параметра %q файла %d: %w", pt.Name, datafileID, err)
	}

	if len(existing) > 0 {
		p := existing[0]
		p.ParameterValue = value
		if _, err := s.catalog.Write(ctx, sessionID, refDatafileParameter(p)); err != nil {
			return fmt.Errorf("обновление параметра %q файла %d: %w", pt.Name, datafileID, err)
		}
		return nil
	}

	if _, err := s.catalog.LookupID(ctx, sessionID, "Datafile", map[string]any{"id": datafileID}); err != nil {
		return err
	}
	bean := icat.DatafileParameter{
		Type:           &icat.ParameterType{ID: pt.ID},
		ParameterValue: value,
		Datafile:       &icat.Datafile{ID: datafileID},
	}
	if _, err := s.catalog.Write(ctx, sessionID, bean); err != nil {
		return fmt.Errorf("создание параметра %q файла %d: %w", pt.Name, datafileID, err)
	}
	return nil
}

// setChildren — upsert параметра для всех файлов датасета.
func (s *Store) setChildren(ctx context.Context, sessionID string, datasetID int64,
	pt icat.ParameterType, value icat.ParameterValue) error {
	existing, err := s.catalog.DatafileParameters(ctx, sessionID, icat.ParameterFilter{
		TypeName:  pt.Name,
		DatasetID: datasetID,
	})
	if err != nil {
		return fmt.Errorf("поиск параметров %q файлов датасета %d: %w", pt.Name, datasetID, err)
	}

	if len(existing) == 0 {
		datafiles, err := s.catalog.DatasetDatafiles(ctx, sessionID, datasetID)
		if err != nil {
			return fmt.Errorf("чтение файлов датасета %d: %w", datasetID, err)
		}
		beans := make([]icat.Entity, 0, len(datafiles))
		for _, df := range datafiles {
			beans = append(beans, icat.DatafileParameter{
				Type:           &icat.ParameterType{ID: pt.ID},
				ParameterValue: value,
				Datafile:       &icat.Datafile{ID: df.ID},
			})
		}
		if _, err := s.catalog.Write(ctx, sessionID, beans...); err != nil {
			return fmt.Errorf("создание параметров %q файлов датасета %d: %w", pt.Name, datasetID, err)
		}
		return nil
	}

	for _, p := range existing {
		p.ParameterValue = value
		if _, err := s.catalog.Write(ctx, sessionID, refDatafileParameter(p)); err != nil {
			return fmt.Errorf("обновление параметра %d: %w", p.ID, err)
		}
	}
	return nil
}

func (s *Store) dateValue() icat.ParameterValue {
	now := s.now()
	return icat.ParameterValue{DateTimeValue: &icat.Time{Time: now}}
}

func stringValue(v string) icat.ParameterValue {
	return icat.ParameterValue{StringValue: &v}
}

// refDatasetParameter оставляет у связей только id, чтобы запись
// не затрагивала загруженные вместе с параметром сущности.
func refDatasetParameter(p icat.DatasetParameter) icat.DatasetParameter {
	if p.Type != nil {
		p.Type = &icat.ParameterType{ID: p.Type.ID}
	}
	if p.Dataset != nil {
		p.Dataset = &icat.Dataset{ID: p.Dataset.ID}
	}
	return p
}

func refDatafileParameter(p icat.DatafileParameter) icat.DatafileParameter {
	if p.Type != nil {
		p.Type = &icat.ParameterType{ID: p.Type.ID}
	}
	if p.Datafile != nil {
		p.Datafile = &icat.Datafile{ID: p.Datafile.ID}
	}
	return p
}
