package paramstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/goartstore/archive-broker/internal/icat"
)

// Типы значений ParameterType каталога.
const (
	valueTypeString   = icat.ValueTypeString
	valueTypeDateTime = "DATE_AND_TIME"
)

// Names — имена зарезервированных ParameterType.
type Names struct {
	JobState     string
	JobIDs       string
	DeletionDate string
}

// ReservedTypes — разрешённые зарезервированные ParameterType.
// После разрешения не изменяется.
type ReservedTypes struct {
	JobState     icat.ParameterType
	JobIDs       icat.ParameterType
	DeletionDate icat.ParameterType
}

// TypeResolver лениво разрешает зарезервированные ParameterType один раз
// на процесс. Параллельные вызовы до первого успеха объединяются.
type TypeResolver struct {
	catalog  Catalog
	names    Names
	facility string
	create   bool
	logger   *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	types *ReservedTypes
}

// NewTypeResolver создаёт резолвер. create=true разрешает создавать
// отсутствующие типы в каталоге.
func NewTypeResolver(catalog Catalog, names Names, facility string, create bool, logger *slog.Logger) *TypeResolver {
	return &TypeResolver{
		catalog:  catalog,
		names:    names,
		facility: facility,
		create:   create,
		logger:   logger.With(slog.String("component", "parameter_types")),
	}
}

// Names возвращает имена зарезервированных типов.
func (r *TypeResolver) Names() Names {
	return r.names
}

// Resolve возвращает зарезервированные типы, при первом вызове загружая
// (или создавая) их в каталоге от имени сессии sessionID.
func (r *TypeResolver) Resolve(ctx context.Context, sessionID string) (*ReservedTypes, error) {
	r.mu.RLock()
	types := r.types
	r.mu.RUnlock()
	if types != nil {
		return types, nil
	}

	v, err, _ := r.group.Do("reserved", func() (any, error) {
		r.mu.RLock()
		cached := r.types
		r.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}

		resolved, err := r.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.types = resolved
		r.mu.Unlock()
		return resolved, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ReservedTypes), nil
}

// Invalidate сбрасывает кэш (например, после переподключения к другому каталогу).
func (r *TypeResolver) Invalidate() {
	r.mu.Lock()
	r.types = nil
	r.mu.Unlock()
}

// load разрешает все три типа.
func (r *TypeResolver) load(ctx context.Context, sessionID string) (*ReservedTypes, error) {
	jobState, err := r.resolveOne(ctx, sessionID, icat.ParameterType{
		Name:                 r.names.JobState,
		ValueType:            valueTypeString,
		ApplicableToDataset:  true,
		ApplicableToDatafile: true,
	})
	if err != nil {
		return nil, err
	}
	jobIDs, err := r.resolveOne(ctx, sessionID, icat.ParameterType{
		Name:                r.names.JobIDs,
		ValueType:           valueTypeString,
		ApplicableToDataset: true,
	})
	if err != nil {
		return nil, err
	}
	deletion, err := r.resolveOne(ctx, sessionID, icat.ParameterType{
		Name:                 r.names.DeletionDate,
		ValueType:            valueTypeDateTime,
		ApplicableToDataset:  true,
		ApplicableToDatafile: true,
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Зарезервированные типы параметров разрешены",
		slog.Int64("job_state", jobState.ID),
		slog.Int64("job_ids", jobIDs.ID),
		slog.Int64("deletion_date", deletion.ID),
	)
	return &ReservedTypes{JobState: jobState, JobIDs: jobIDs, DeletionDate: deletion}, nil
}

// resolveOne ищет тип по имени (units пустые) и создаёт его при необходимости.
func (r *TypeResolver) resolveOne(ctx context.Context, sessionID string, want icat.ParameterType) (icat.ParameterType, error) {
	found, err := r.catalog.ParameterTypes(ctx, sessionID, want.Name, "", r.facility)
	if err != nil {
		return icat.ParameterType{}, fmt.Errorf("поиск ParameterType %q: %w", want.Name, err)
	}
	if len(found) > 0 {
		return found[0], nil
	}
	if !r.create {
		return icat.ParameterType{}, &icat.NotFoundError{
			Entity:     "ParameterType",
			Conditions: map[string]any{"name": want.Name, "units": "", "facility.name": r.facility},
		}
	}

	facilityID, err := r.catalog.LookupID(ctx, sessionID, "Facility", map[string]any{"name": r.facility})
	if err != nil {
		return icat.ParameterType{}, fmt.Errorf("поиск Facility %q: %w", r.facility, err)
	}
	want.Facility = &icat.Facility{ID: facilityID}
	ids, err := r.catalog.Write(ctx, sessionID, want)
	if err != nil {
		return icat.ParameterType{}, fmt.Errorf("создание ParameterType %q: %w", want.Name, err)
	}
	if len(ids) == 0 {
		return icat.ParameterType{}, fmt.Errorf("создание ParameterType %q: каталог не вернул id", want.Name)
	}
	want.ID = ids[0]

	r.logger.Info("ParameterType создан",
		slog.String("name", want.Name),
		slog.Int64("id", want.ID),
	)
	return want, nil
}
