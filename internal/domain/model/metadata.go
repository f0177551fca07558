package model

import "time"

// Метаданные, передаваемые в запросе архивации. Имена JSON-полей совпадают
// с именами полей сущностей каталога.

// NamedRef — ссылка на существующую сущность каталога по имени.
type NamedRef struct {
	Name string `json:"name" validate:"required,max=255"`
}

// ParameterTypeRef — ссылка на ParameterType по имени и единицам.
type ParameterTypeRef struct {
	Name  string `json:"name" validate:"required,max=255"`
	Units string `json:"units" validate:"max=255"`
}

// Parameter — значение параметра: заполняется ровно одно из полей значения.
type Parameter struct {
	ParameterType ParameterTypeRef `json:"parameter_type" validate:"required"`
	StringValue   *string          `json:"stringValue,omitempty" validate:"omitempty,max=4000"`
	NumericValue  *float64         `json:"numericValue,omitempty"`
	DateTimeValue *time.Time       `json:"dateTimeValue,omitempty"`
	Error         *float64         `json:"error,omitempty"`
	RangeBottom   *float64         `json:"rangeBottom,omitempty"`
	RangeTop      *float64         `json:"rangeTop,omitempty"`
}

// SampleTypeRef — ссылка на SampleType.
type SampleTypeRef struct {
	Name             string `json:"name" validate:"required,max=255"`
	MolecularFormula string `json:"molecularFormula" validate:"required,max=255"`
}

// Sample — образец, привязанный к Investigation.
type Sample struct {
	Name       string        `json:"name" validate:"required,max=255"`
	PID        string        `json:"pid,omitempty" validate:"max=255"`
	SampleType SampleTypeRef `json:"sample_type" validate:"required"`
	Parameters []Parameter   `json:"parameters,omitempty" validate:"dive"`
}

// DatafileFormatRef — ссылка на DatafileFormat.
type DatafileFormatRef struct {
	Name    string `json:"name" validate:"required,max=255"`
	Version string `json:"version" validate:"required,max=255"`
}

// Datafile — метаданные файла.
type Datafile struct {
	Name               string             `json:"name" validate:"required,max=255"`
	Location           string             `json:"location,omitempty" validate:"max=4000"`
	Description        string             `json:"description,omitempty" validate:"max=255"`
	DOI                string             `json:"doi,omitempty" validate:"max=255"`
	FileSize           *int64             `json:"fileSize,omitempty" validate:"omitempty,gte=0"`
	Checksum           string             `json:"checksum,omitempty" validate:"max=255"`
	DatafileCreateTime *time.Time         `json:"datafileCreateTime,omitempty"`
	DatafileModTime    *time.Time         `json:"datafileModTime,omitempty"`
	DatafileFormat     *DatafileFormatRef `json:"datafileFormat,omitempty"`
	Parameters         []Parameter        `json:"parameters,omitempty" validate:"dive"`
}

// Dataset — метаданные датасета вместе с файлами.
type Dataset struct {
	Name               string      `json:"name" validate:"required,max=255"`
	Complete           *bool       `json:"complete,omitempty"`
	Description        string      `json:"description,omitempty" validate:"max=255"`
	DOI                string      `json:"doi,omitempty" validate:"max=255"`
	Location           string      `json:"location,omitempty" validate:"max=4000"`
	StartDate          *time.Time  `json:"startDate,omitempty"`
	EndDate            *time.Time  `json:"endDate,omitempty"`
	DatasetType        NamedRef    `json:"datasetType" validate:"required"`
	Datafiles          []Datafile  `json:"datafiles" validate:"required,min=1,dive"`
	Sample             *Sample     `json:"sample,omitempty"`
	Parameters         []Parameter `json:"parameters,omitempty" validate:"dive"`
	DatasetTechniques  []NamedRef  `json:"datasetTechniques,omitempty" validate:"dive"`
	DatasetInstruments []NamedRef  `json:"datasetInstruments,omitempty" validate:"dive"`
}

// Investigation — идентификатор (name + visitId) и, при создании новой
// Investigation, полные метаданные. Если InvestigationType не задан,
// Investigation должна уже существовать в каталоге.
type Investigation struct {
	Name    string `json:"name" validate:"required,max=255"`
	VisitID string `json:"visitId" validate:"required,max=255"`

	InvestigationType *NamedRef  `json:"investigationType,omitempty"`
	Instrument        *NamedRef  `json:"instrument,omitempty" validate:"required_with=InvestigationType"`
	FacilityCycle     *NamedRef  `json:"facilityCycle,omitempty" validate:"required_with=InvestigationType"`
	Title             string     `json:"title,omitempty" validate:"required_with=InvestigationType,max=255"`
	Summary           string     `json:"summary,omitempty" validate:"max=4000"`
	DOI               string     `json:"doi,omitempty" validate:"max=255"`
	StartDate         *time.Time `json:"startDate,omitempty"`
	EndDate           *time.Time `json:"endDate,omitempty"`
	ReleaseDate       *time.Time `json:"releaseDate,omitempty"`
}

// IsFull сообщает, что переданы полные метаданные (Investigation можно создать).
func (i *Investigation) IsFull() bool {
	return i.InvestigationType != nil
}

// DefineReleaseDate выставляет releaseDate: не выставляется для типов
// из embargoTypes; уже заданная дата сохраняется; иначе — embargoYears
// лет после endDate, startDate или now.
func (i *Investigation) DefineReleaseDate(embargoYears int, embargoTypes []string, now time.Time) {
	if i.InvestigationType != nil && contains(embargoTypes, i.InvestigationType.Name) {
		i.ReleaseDate = nil
		return
	}
	if i.ReleaseDate != nil {
		return
	}

	base := now
	switch {
	case i.EndDate != nil:
		base = *i.EndDate
	case i.StartDate != nil:
		base = *i.StartDate
	}
	y, m, d := base.Date()
	release := time.Date(y+embargoYears, m, d, 0, 0, 0, 0, base.Location())
	i.ReleaseDate = &release
}
