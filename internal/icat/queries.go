package icat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// NotFoundError — запрос, ожидающий одну сущность, ничего не вернул.
type NotFoundError struct {
	Entity     string
	Conditions map[string]any
}

func (e *NotFoundError) Error() string {
	keys := make([]string, 0, len(e.Conditions))
	for k := range e.Conditions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, e.Conditions[k])
	}
	return fmt.Sprintf("No %s with %s", e.Entity, strings.Join(parts, ", "))
}

// ParameterFilter — условия поиска параметров датасетов и файлов.
// Нулевые поля не участвуют в запросе.
type ParameterFilter struct {
	TypeName string
	// DatasetID — dataset.id для DatasetParameter, datafile.dataset.id для DatafileParameter
	DatasetID  int64
	DatafileID int64
	// Location — datafile.location
	Location string
	// ValueContains — подстрока stringValue
	ValueContains string
}

// SearchEntities выполняет запрос и декодирует сущности типа T.
func SearchEntities[T any](ctx context.Context, c *Client, sessionID string, q *Query) ([]T, error) {
	data, err := c.Search(ctx, sessionID, q)
	if err != nil {
		return nil, err
	}
	return unwrapEntities[T](data, q.Entity())
}

// IDs выполняет запрос SELECT o.id.
func (c *Client) IDs(ctx context.Context, sessionID string, q *Query) ([]int64, error) {
	data, err := c.Search(ctx, sessionID, q.SelectID())
	if err != nil {
		return nil, err
	}
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("декодирование id %s: %w", q.Entity(), err)
	}
	return ids, nil
}

// LookupID возвращает id единственной сущности entity с полями equals.
// Ничего не найдено — *NotFoundError.
func (c *Client) LookupID(ctx context.Context, sessionID, entity string, equals map[string]any) (int64, error) {
	q := NewQuery(entity)
	for attr, v := range equals {
		q.Equal(attr, v)
	}
	ids, err := c.IDs(ctx, sessionID, q)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, &NotFoundError{Entity: entity, Conditions: equals}
	}
	return ids[0], nil
}

// ParameterTypes ищет ParameterType по имени и единицам в рамках Facility.
func (c *Client) ParameterTypes(ctx context.Context, sessionID, name, units, facility string) ([]ParameterType, error) {
	q := NewQuery("ParameterType").
		Equal("name", name).
		Equal("units", units).
		Equal("facility.name", facility)
	return SearchEntities[ParameterType](ctx, c, sessionID, q)
}

// DatasetParameters ищет параметры датасетов; type и dataset загружаются.
func (c *Client) DatasetParameters(ctx context.Context, sessionID string, f ParameterFilter) ([]DatasetParameter, error) {
	q := NewQuery("DatasetParameter").Include("type", "dataset")
	if f.TypeName != "" {
		q.Equal("type.name", f.TypeName)
	}
	if f.DatasetID != 0 {
		q.Equal("dataset.id", f.DatasetID)
	}
	if f.ValueContains != "" {
		q.Like("stringValue", f.ValueContains)
	}
	return SearchEntities[DatasetParameter](ctx, c, sessionID, q)
}

// DatafileParameters ищет параметры файлов; type и datafile загружаются.
func (c *Client) DatafileParameters(ctx context.Context, sessionID string, f ParameterFilter) ([]DatafileParameter, error) {
	q := NewQuery("DatafileParameter").Include("type", "datafile")
	if f.TypeName != "" {
		q.Equal("type.name", f.TypeName)
	}
	if f.DatasetID != 0 {
		q.Equal("datafile.dataset.id", f.DatasetID)
	}
	if f.DatafileID != 0 {
		q.Equal("datafile.id", f.DatafileID)
	}
	if f.Location != "" {
		q.Equal("datafile.location", strings.TrimSpace(f.Location))
	}
	if f.ValueContains != "" {
		q.Like("stringValue", f.ValueContains)
	}
	return SearchEntities[DatafileParameter](ctx, c, sessionID, q)
}

// DatasetDatafiles возвращает файлы датасета.
func (c *Client) DatasetDatafiles(ctx context.Context, sessionID string, datasetID int64) ([]Datafile, error) {
	q := NewQuery("Datafile").Equal("dataset.id", datasetID)
	return SearchEntities[Datafile](ctx, c, sessionID, q)
}

// Dataset возвращает датасет вместе с investigation, type и файлами.
func (c *Client) Dataset(ctx context.Context, sessionID string, id int64) (*Dataset, error) {
	q := NewQuery("Dataset").
		Equal("id", id).
		Include("investigation", "type", "datafiles")
	datasets, err := SearchEntities[Dataset](ctx, c, sessionID, q)
	if err != nil {
		return nil, err
	}
	if len(datasets) == 0 {
		return nil, &NotFoundError{Entity: "Dataset", Conditions: map[string]any{"id": id}}
	}
	return &datasets[0], nil
}

// Datafile возвращает файл по id.
func (c *Client) Datafile(ctx context.Context, sessionID string, id int64) (*Datafile, error) {
	datafiles, err := SearchEntities[Datafile](ctx, c, sessionID, NewQuery("Datafile").Equal("id", id))
	if err != nil {
		return nil, err
	}
	if len(datafiles) == 0 {
		return nil, &NotFoundError{Entity: "Datafile", Conditions: map[string]any{"id": id}}
	}
	return &datafiles[0], nil
}

// InvestigationsByID возвращает Investigation с датасетами и файлами.
func (c *Client) InvestigationsByID(ctx context.Context, sessionID string, ids []int64) ([]Investigation, error) {
	q := NewQuery("Investigation").In("id", ids).Include("datasets.datafiles")
	return SearchEntities[Investigation](ctx, c, sessionID, q)
}

// DatasetsByID возвращает датасеты с investigation и файлами.
func (c *Client) DatasetsByID(ctx context.Context, sessionID string, ids []int64) ([]Dataset, error) {
	q := NewQuery("Dataset").In("id", ids).Include("investigation", "datafiles")
	return SearchEntities[Dataset](ctx, c, sessionID, q)
}

// DatafilesByID возвращает файлы с датасетом и investigation.
func (c *Client) DatafilesByID(ctx context.Context, sessionID string, ids []int64) ([]Datafile, error) {
	q := NewQuery("Datafile").In("id", ids).Include("dataset.investigation")
	return SearchEntities[Datafile](ctx, c, sessionID, q)
}

// FindInvestigation ищет Investigation по name/visitId в рамках Facility
// вместе с инструментами и циклами. Не найдена — nil без ошибки.
func (c *Client) FindInvestigation(ctx context.Context, sessionID, name, visitID, facility string) (*Investigation, error) {
	q := NewQuery("Investigation").
		Equal("name", name).
		Equal("visitId", visitID).
		Equal("facility.name", facility).
		Include("investigationInstruments.instrument", "investigationFacilityCycles.facilityCycle")
	investigations, err := SearchEntities[Investigation](ctx, c, sessionID, q)
	if err != nil {
		return nil, err
	}
	if len(investigations) == 0 {
		return nil, nil
	}
	return &investigations[0], nil
}
