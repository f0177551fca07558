package icat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeLayout — формат дат REST API каталога.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Time — дата в формате каталога.
type Time struct {
	time.Time
}

// NewTime оборачивает time.Time (nil для nil).
func NewTime(t *time.Time) *Time {
	if t == nil {
		return nil
	}
	return &Time{Time: *t}
}

// MarshalJSON сериализует дату в формате каталога.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Format(TimeLayout))
}

// UnmarshalJSON принимает формат каталога и RFC 3339.
func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("дата каталога: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(TimeLayout, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("дата каталога %q: %w", s, err)
		}
	}
	t.Time = parsed
	return nil
}

// Entity — сущность каталога. В запросах записи сущность передаётся
// как {"<EntityName>": {...}}.
type Entity interface {
	EntityName() string
}

// ValueTypeString — тип значения ParameterType для строк.
const ValueTypeString = "STRING"

// Facility — организация, владеющая данными.
type Facility struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

func (Facility) EntityName() string { return "Facility" }

// ParameterType — тип параметра (имя + единицы в рамках Facility).
type ParameterType struct {
	ID                   int64     `json:"id,omitempty"`
	Name                 string    `json:"name,omitempty"`
	Units                string    `json:"units"`
	ValueType            string    `json:"valueType,omitempty"`
	ApplicableToDataset  bool      `json:"applicableToDataset,omitempty"`
	ApplicableToDatafile bool      `json:"applicableToDatafile,omitempty"`
	Facility             *Facility `json:"facility,omitempty"`
}

func (ParameterType) EntityName() string { return "ParameterType" }

// ParameterValue — значение параметра; поля общие для всех *Parameter.
type ParameterValue struct {
	StringValue   *string  `json:"stringValue,omitempty"`
	NumericValue  *float64 `json:"numericValue,omitempty"`
	DateTimeValue *Time    `json:"dateTimeValue,omitempty"`
	Error         *float64 `json:"error,omitempty"`
	RangeBottom   *float64 `json:"rangeBottom,omitempty"`
	RangeTop      *float64 `json:"rangeTop,omitempty"`
}

// Text возвращает строковое значение (пустая строка, если не задано).
func (v ParameterValue) Text() string {
	if v.StringValue == nil {
		return ""
	}
	return *v.StringValue
}

// DatasetParameter — параметр датасета.
type DatasetParameter struct {
	ID   int64          `json:"id,omitempty"`
	Type *ParameterType `json:"type,omitempty"`
	ParameterValue
	Dataset *Dataset `json:"dataset,omitempty"`
}

func (DatasetParameter) EntityName() string { return "DatasetParameter" }

// DatafileParameter — параметр файла.
type DatafileParameter struct {
	ID   int64          `json:"id,omitempty"`
	Type *ParameterType `json:"type,omitempty"`
	ParameterValue
	Datafile *Datafile `json:"datafile,omitempty"`
}

func (DatafileParameter) EntityName() string { return "DatafileParameter" }

// InvestigationParameter — параметр Investigation.
type InvestigationParameter struct {
	ID   int64          `json:"id,omitempty"`
	Type *ParameterType `json:"type,omitempty"`
	ParameterValue
}

func (InvestigationParameter) EntityName() string { return "InvestigationParameter" }

// SampleParameter — параметр образца.
type SampleParameter struct {
	ID   int64          `json:"id,omitempty"`
	Type *ParameterType `json:"type,omitempty"`
	ParameterValue
}

func (SampleParameter) EntityName() string { return "SampleParameter" }

// InvestigationType — тип Investigation.
type InvestigationType struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

func (InvestigationType) EntityName() string { return "InvestigationType" }

// Instrument — инструмент Facility.
type Instrument struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

func (Instrument) EntityName() string { return "Instrument" }

// FacilityCycle — цикл работы Facility.
type FacilityCycle struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

func (FacilityCycle) EntityName() string { return "FacilityCycle" }

// InvestigationInstrument — связь Investigation с Instrument.
type InvestigationInstrument struct {
	ID         int64       `json:"id,omitempty"`
	Instrument *Instrument `json:"instrument,omitempty"`
}

// InvestigationFacilityCycle — связь Investigation с FacilityCycle.
type InvestigationFacilityCycle struct {
	ID            int64          `json:"id,omitempty"`
	FacilityCycle *FacilityCycle `json:"facilityCycle,omitempty"`
}

// Investigation — эксперимент (name + visitId уникальны в рамках Facility).
type Investigation struct {
	ID                          int64                        `json:"id,omitempty"`
	Name                        string                       `json:"name,omitempty"`
	VisitID                     string                       `json:"visitId,omitempty"`
	Title                       string                       `json:"title,omitempty"`
	Summary                     string                       `json:"summary,omitempty"`
	DOI                         string                       `json:"doi,omitempty"`
	StartDate                   *Time                        `json:"startDate,omitempty"`
	EndDate                     *Time                        `json:"endDate,omitempty"`
	ReleaseDate                 *Time                        `json:"releaseDate,omitempty"`
	Facility                    *Facility                    `json:"facility,omitempty"`
	Type                        *InvestigationType           `json:"type,omitempty"`
	InvestigationInstruments    []InvestigationInstrument    `json:"investigationInstruments,omitempty"`
	InvestigationFacilityCycles []InvestigationFacilityCycle `json:"investigationFacilityCycles,omitempty"`
	Parameters                  []InvestigationParameter     `json:"parameters,omitempty"`
	Samples                     []Sample                     `json:"samples,omitempty"`
	Datasets                    []Dataset                    `json:"datasets,omitempty"`
}

func (Investigation) EntityName() string { return "Investigation" }

// InstrumentName возвращает имя первого инструмента (если он загружен).
func (i *Investigation) InstrumentName() string {
	for _, ii := range i.InvestigationInstruments {
		if ii.Instrument != nil {
			return ii.Instrument.Name
		}
	}
	return ""
}

// CycleName возвращает имя первого цикла (если он загружен).
func (i *Investigation) CycleName() string {
	for _, fc := range i.InvestigationFacilityCycles {
		if fc.FacilityCycle != nil {
			return fc.FacilityCycle.Name
		}
	}
	return ""
}

// DatasetType — тип датасета.
type DatasetType struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

func (DatasetType) EntityName() string { return "DatasetType" }

// Technique — экспериментальная методика.
type Technique struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

func (Technique) EntityName() string { return "Technique" }

// DatasetTechnique — связь Dataset с Technique.
type DatasetTechnique struct {
	ID        int64      `json:"id,omitempty"`
	Technique *Technique `json:"technique,omitempty"`
}

// DatasetInstrument — связь Dataset с Instrument.
type DatasetInstrument struct {
	ID         int64       `json:"id,omitempty"`
	Instrument *Instrument `json:"instrument,omitempty"`
}

// SampleType — тип образца.
type SampleType struct {
	ID               int64  `json:"id,omitempty"`
	Name             string `json:"name,omitempty"`
	MolecularFormula string `json:"molecularFormula,omitempty"`
}

func (SampleType) EntityName() string { return "SampleType" }

// Sample — образец Investigation.
type Sample struct {
	ID            int64             `json:"id,omitempty"`
	Name          string            `json:"name,omitempty"`
	PID           string            `json:"pid,omitempty"`
	Type          *SampleType       `json:"type,omitempty"`
	Investigation *Investigation    `json:"investigation,omitempty"`
	Parameters    []SampleParameter `json:"parameters,omitempty"`
	Datasets      []Dataset         `json:"datasets,omitempty"`
}

func (Sample) EntityName() string { return "Sample" }

// Dataset — набор файлов в рамках Investigation.
type Dataset struct {
	ID                 int64               `json:"id,omitempty"`
	Name               string              `json:"name,omitempty"`
	Description        string              `json:"description,omitempty"`
	DOI                string              `json:"doi,omitempty"`
	Location           string              `json:"location,omitempty"`
	Complete           bool                `json:"complete,omitempty"`
	StartDate          *Time               `json:"startDate,omitempty"`
	EndDate            *Time               `json:"endDate,omitempty"`
	Type               *DatasetType        `json:"type,omitempty"`
	Investigation      *Investigation      `json:"investigation,omitempty"`
	Sample             *Sample             `json:"sample,omitempty"`
	Datafiles          []Datafile          `json:"datafiles,omitempty"`
	Parameters         []DatasetParameter  `json:"parameters,omitempty"`
	DatasetTechniques  []DatasetTechnique  `json:"datasetTechniques,omitempty"`
	DatasetInstruments []DatasetInstrument `json:"datasetInstruments,omitempty"`
}

func (Dataset) EntityName() string { return "Dataset" }

// DatafileFormat — формат файла.
type DatafileFormat struct {
	ID      int64  `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

func (DatafileFormat) EntityName() string { return "DatafileFormat" }

// Datafile — файл датасета. Location — путь относительно storage endpoint.
type Datafile struct {
	ID                 int64               `json:"id,omitempty"`
	Name               string              `json:"name,omitempty"`
	Description        string              `json:"description,omitempty"`
	DOI                string              `json:"doi,omitempty"`
	Location           string              `json:"location,omitempty"`
	FileSize           *int64              `json:"fileSize,omitempty"`
	Checksum           string              `json:"checksum,omitempty"`
	DatafileCreateTime *Time               `json:"datafileCreateTime,omitempty"`
	DatafileModTime    *Time               `json:"datafileModTime,omitempty"`
	DatafileFormat     *DatafileFormat     `json:"datafileFormat,omitempty"`
	Dataset            *Dataset            `json:"dataset,omitempty"`
	Parameters         []DatafileParameter `json:"parameters,omitempty"`
}

func (Datafile) EntityName() string { return "Datafile" }

// Ref — ссылка на существующую сущность только по id (для связей и удаления).
type Ref struct {
	Entity string
	ID     int64
}

func (r Ref) EntityName() string { return r.Entity }

// MarshalJSON сериализует ссылку как {"id": N}.
func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID int64 `json:"id"`
	}{r.ID})
}

// wrapEntities сериализует сущности в формат записи каталога:
// [{"Dataset": {...}}, ...].
func wrapEntities(beans []Entity) ([]byte, error) {
	wrapped := make([]map[string]Entity, 0, len(beans))
	for _, b := range beans {
		wrapped = append(wrapped, map[string]Entity{b.EntityName(): b})
	}
	return json.Marshal(wrapped)
}

// unwrapEntities декодирует результат поиска [{"<entity>": {...}}, ...].
func unwrapEntities[T any](data []byte, entity string) ([]T, error) {
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("декодирование результата поиска %s: %w", entity, err)
	}
	out := make([]T, 0, len(raw))
	for _, item := range raw {
		body, ok := item[entity]
		if !ok {
			keys := make([]string, 0, len(item))
			for k := range item {
				keys = append(keys, k)
			}
			return nil, fmt.Errorf("ожидалась сущность %s, получено %s", entity, strings.Join(keys, ","))
		}
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("декодирование %s: %w", entity, err)
		}
		out = append(out, v)
	}
	return out, nil
}
