// archive.go — архивация датасета на ленту и повторная архивация
// файлов, не дошедших до FINISHED.
//
// Архивация строит новые сущности каталога в памяти (archiveCommit),
// отправляет передачи в FTS и только после успешной отправки записывает
// сущности в каталог одной операцией Flush. Ошибка лимита размера или
// отправки не оставляет в каталоге ни одной новой сущности.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-broker/internal/icat"
	"github.com/bigkaa/goartstore/archive-broker/internal/paramstore"
	"github.com/bigkaa/goartstore/archive-broker/internal/repository"
	"github.com/bigkaa/goartstore/archive-broker/internal/storage"
	"github.com/bigkaa/goartstore/archive-broker/internal/transfer"
)

// ArchiveCatalog — операции каталога, нужные архивации.
type ArchiveCatalog interface {
	IDLookup
	FindInvestigation(ctx context.Context, sessionID, name, visitID, facility string) (*icat.Investigation, error)
	Write(ctx context.Context, sessionID string, beans ...icat.Entity) ([]int64, error)
	Delete(ctx context.Context, sessionID, entity string, ids ...int64) error
	DatasetDatafiles(ctx context.Context, sessionID string, datasetID int64) ([]icat.Datafile, error)
}

// ArchiveConfig — параметры архивации.
type ArchiveConfig struct {
	Facility     string
	EmbargoYears int
	EmbargoTypes []string
	RefCacheSize int
	RefCacheTTL  time.Duration
}

// ArchiveService — архивация и повторная архивация датасетов.
type ArchiveService struct {
	catalog    ArchiveCatalog
	refs       *RefCache
	registry   *storage.Registry
	batcher    *transfer.Batcher
	params     ParamStore
	reconciler *ReconcileService
	jobRepo    repository.TransferJobRepository
	cfg        ArchiveConfig
	now        func() time.Time
	logger     *slog.Logger
}

// NewArchiveService создаёт сервис архивации. jobRepo может быть nil.
func NewArchiveService(
	catalog ArchiveCatalog,
	registry *storage.Registry,
	batcher *transfer.Batcher,
	params ParamStore,
	reconciler *ReconcileService,
	jobRepo repository.TransferJobRepository,
	cfg ArchiveConfig,
	logger *slog.Logger,
) *ArchiveService {
	return &ArchiveService{
		catalog:    catalog,
		refs:       NewRefCache(catalog, cfg.RefCacheSize, cfg.RefCacheTTL),
		registry:   registry,
		batcher:    batcher,
		params:     params,
		reconciler: reconciler,
		jobRepo:    jobRepo,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "archive")),
	}
}

// archiveCommit — новые сущности одного запроса архивации.
// Investigation и Sample создаются только если их ещё нет в каталоге.
type archiveCommit struct {
	investigation   *icat.Investigation
	investigationID int64
	sample          *icat.Sample
	sampleID        int64
	dataset         icat.Dataset
}

// Flush записывает сущности в каталог и возвращает id датасета.
// Новый Dataset вкладывается в новый Sample или новую Investigation, и
// каталог создаёт всё дерево одной записью. Новые Investigation и Sample
// вместе требуют двух записей (Dataset ссылается на обе): при ошибке второй
// Investigation удаляется вместе с образцом.
func (c *archiveCommit) Flush(ctx context.Context, w ArchiveCatalog, sessionID string) (int64, error) {
	if c.sampleID != 0 {
		c.dataset.Sample = &icat.Sample{ID: c.sampleID}
	}

	switch {
	case c.investigation == nil && c.sample == nil:
		c.dataset.Investigation = &icat.Investigation{ID: c.investigationID}
		ids, err := w.Write(ctx, sessionID, c.dataset)
		if err != nil {
			return 0, fmt.Errorf("создание Dataset %s: %w", c.dataset.Name, err)
		}
		return ids[0], nil

	case c.investigation == nil:
		c.dataset.Investigation = &icat.Investigation{ID: c.investigationID}
		c.sample.Investigation = &icat.Investigation{ID: c.investigationID}
		c.sample.Datasets = []icat.Dataset{c.dataset}
		if _, err := w.Write(ctx, sessionID, *c.sample); err != nil {
			return 0, fmt.Errorf("создание Sample %s с Dataset %s: %w", c.sample.Name, c.dataset.Name, err)
		}
		return c.datasetID(ctx, w, sessionID)

	case c.sample == nil:
		c.investigation.Datasets = []icat.Dataset{c.dataset}
		ids, err := w.Write(ctx, sessionID, *c.investigation)
		if err != nil {
			return 0, fmt.Errorf("создание Investigation %s с Dataset %s: %w", c.investigation.Name, c.dataset.Name, err)
		}
		c.investigationID = ids[0]
		return c.datasetID(ctx, w, sessionID)
	}

	c.investigation.Samples = []icat.Sample{*c.sample}
	ids, err := w.Write(ctx, sessionID, *c.investigation)
	if err != nil {
		return 0, fmt.Errorf("создание Investigation %s с Sample %s: %w", c.investigation.Name, c.sample.Name, err)
	}
	c.investigationID = ids[0]

	sampleID, err := w.LookupID(ctx, sessionID, "Sample", map[string]any{
		"name":             c.sample.Name,
		"investigation.id": c.investigationID,
	})
	if err != nil {
		return 0, c.rollback(ctx, w, sessionID, fmt.Errorf("поиск созданного Sample %s: %w", c.sample.Name, err))
	}
	c.dataset.Investigation = &icat.Investigation{ID: c.investigationID}
	c.dataset.Sample = &icat.Sample{ID: sampleID}
	ids, err = w.Write(ctx, sessionID, c.dataset)
	if err != nil {
		return 0, c.rollback(ctx, w, sessionID, fmt.Errorf("создание Dataset %s: %w", c.dataset.Name, err))
	}
	return ids[0], nil
}

// datasetID находит id датасета, созданного вложенным в родителя:
// каталог возвращает только id корневых сущностей.
func (c *archiveCommit) datasetID(ctx context.Context, w ArchiveCatalog, sessionID string) (int64, error) {
	id, err := w.LookupID(ctx, sessionID, "Dataset", map[string]any{
		"name":             c.dataset.Name,
		"investigation.id": c.investigationID,
	})
	if err != nil {
		return 0, fmt.Errorf("поиск созданного Dataset %s: %w", c.dataset.Name, err)
	}
	return id, nil
}

// rollback удаляет созданную Investigation (каталог удаляет её образцы каскадно).
func (c *archiveCommit) rollback(ctx context.Context, w ArchiveCatalog, sessionID string, cause error) error {
	if err := w.Delete(ctx, sessionID, "Investigation", c.investigationID); err != nil {
		return fmt.Errorf("%w; откат Investigation %d: %v", cause, c.investigationID, err)
	}
	return cause
}

// Archive архивирует датасет из хранилища source на ленту.
func (s *ArchiveService) Archive(ctx context.Context, sessionID, source string, req *model.ArchiveRequest) (*model.ArchiveResponse, error) {
	src, err := s.registry.Get(source)
	if err != nil {
		return nil, storageError(err)
	}
	types, err := s.params.Types(ctx, sessionID)
	if err != nil {
		return nil, catalogError(err)
	}

	commit := &archiveCommit{}
	instrument, cycle, err := s.resolveInvestigation(ctx, sessionID, &req.Investigation, commit)
	if err != nil {
		return nil, catalogError(err)
	}
	if err := s.checkDuplicate(ctx, sessionID, &req.Investigation, req.Dataset.Name, commit.investigationID); err != nil {
		return nil, err
	}
	if err := s.resolveSample(ctx, sessionID, req.Dataset.Sample, commit); err != nil {
		return nil, catalogError(err)
	}

	prefix := path.Join(instrument, cycle, req.Investigation.Name+"-"+req.Investigation.VisitID)
	commit.dataset, err = s.buildDataset(ctx, sessionID, &req.Dataset, prefix, types)
	if err != nil {
		return nil, catalogError(err)
	}

	batch := s.batcher.NewBatch(model.OperationArchive, src, s.registry.Archive())
	for i := range commit.dataset.Datafiles {
		if err := batch.Add(ctx, &commit.dataset.Datafiles[i]); err != nil {
			return nil, batchError(err)
		}
	}
	subs, err := s.submit(ctx, batch, req.Dataset.Name)
	if err != nil {
		return nil, err
	}

	jobIDs := transfer.JobIDs(subs)
	commit.dataset.Parameters = append(commit.dataset.Parameters, icat.DatasetParameter{
		Type:           &icat.ParameterType{ID: types.JobIDs.ID},
		ParameterValue: textValue(paramstore.JoinJobIDs(jobIDs)),
	})

	datasetID, err := commit.Flush(ctx, s.catalog, sessionID)
	if err != nil {
		s.logger.Error("Задания FTS отправлены, но датасет не записан в каталог",
			slog.String("dataset", req.Dataset.Name),
			slog.Any("job_ids", jobIDs),
			slog.String("error", err.Error()),
		)
		return nil, catalogError(err)
	}

	s.logger.Info("Датасет отправлен на архивацию",
		slog.Int64("dataset_id", datasetID),
		slog.String("source", source),
		slog.Int("datafiles", len(commit.dataset.Datafiles)),
		slog.Any("job_ids", jobIDs),
	)
	recordJobs(ctx, s.jobRepo, s.logger, ledgerEntry{
		operation:   model.OperationArchive,
		source:      src.Name(),
		destination: s.registry.Archive().Name(),
		datasetID:   &datasetID,
	}, subs)

	return &model.ArchiveResponse{DatasetIDs: []int64{datasetID}, JobIDs: jobIDs}, nil
}

// Retry повторно отправляет на ленту файлы датасета, не дошедшие до FINISHED.
// Новые id заданий записываются в новый параметр job_ids.
func (s *ArchiveService) Retry(ctx context.Context, sessionID string, datasetID int64, source string) (*model.ArchiveResponse, error) {
	src, err := s.registry.Get(source)
	if err != nil {
		return nil, storageError(err)
	}

	status, err := s.reconciler.ReconcileDataset(ctx, sessionID, datasetID, true)
	if err != nil {
		return nil, err
	}
	switch {
	case status.State == model.StateFinished:
		return nil, clientError(ErrValidation, msgNothingToRetry)
	case !model.IsCompleteJobState(status.State):
		return nil, clientError(ErrValidation, msgRetryNotComplete)
	}

	datafiles, err := s.catalog.DatasetDatafiles(ctx, sessionID, datasetID)
	if err != nil {
		return nil, catalogError(err)
	}
	batch := s.batcher.NewBatch(model.OperationRearchive, src, s.registry.Archive())
	var retried []icat.Datafile
	for _, df := range datafiles {
		if status.FileStates[df.Location] == model.StateFinished {
			continue
		}
		if err := batch.Add(ctx, &df); err != nil {
			return nil, batchError(err)
		}
		retried = append(retried, df)
	}
	if len(retried) == 0 {
		return nil, clientError(ErrValidation, msgNothingToRetry)
	}

	subs, err := s.submit(ctx, batch, fmt.Sprintf("id=%d", datasetID))
	if err != nil {
		return nil, err
	}
	jobIDs := transfer.JobIDs(subs)

	// терминальный датасет с job_ids согласование не опрашивает:
	// сначала состояние, затем задания, при ошибке состояние возвращается
	if err := s.params.SetDatasetState(ctx, sessionID, datasetID, model.StateSubmitted, false); err != nil {
		return nil, catalogError(err)
	}
	if err := s.params.CreateJobIDs(ctx, sessionID, datasetID, jobIDs); err != nil {
		if rbErr := s.params.SetDatasetState(ctx, sessionID, datasetID, status.State, false); rbErr != nil {
			s.logger.Error("Не удалось вернуть состояние датасета после ошибки записи job_ids",
				slog.Int64("dataset_id", datasetID),
				slog.String("state", status.State),
				slog.String("error", rbErr.Error()),
			)
		}
		return nil, catalogError(err)
	}
	if err := s.resetFileStates(ctx, sessionID, datasetID, retried); err != nil {
		return nil, catalogError(err)
	}

	s.logger.Info("Файлы датасета повторно отправлены на архивацию",
		slog.Int64("dataset_id", datasetID),
		slog.Int("datafiles", len(retried)),
		slog.Any("job_ids", jobIDs),
	)
	recordJobs(ctx, s.jobRepo, s.logger, ledgerEntry{
		operation:   model.OperationRearchive,
		source:      src.Name(),
		destination: s.registry.Archive().Name(),
		datasetID:   &datasetID,
	}, subs)

	return &model.ArchiveResponse{DatasetIDs: []int64{datasetID}, JobIDs: jobIDs}, nil
}

// submit отправляет пакет. При частичной отправке id уже созданных
// заданий попадают в лог: в каталоге они не будут записаны.
func (s *ArchiveService) submit(ctx context.Context, batch *transfer.Batch, dataset string) ([]transfer.Submission, error) {
	subs, err := batch.Submit(ctx)
	if err != nil {
		if len(subs) > 0 {
			s.logger.Error("Отправка прервана, часть заданий FTS не будет записана в каталог",
				slog.String("dataset", dataset),
				slog.Any("job_ids", transfer.JobIDs(subs)),
			)
		}
		return nil, fmt.Errorf("%w: FTS: %w", ErrUpstream, err)
	}
	return subs, nil
}

// resetFileStates выставляет SUBMITTED повторно отправленным файлам.
func (s *ArchiveService) resetFileStates(ctx context.Context, sessionID string, datasetID int64, datafiles []icat.Datafile) error {
	params, err := s.params.DatafileStates(ctx, sessionID, datasetID)
	if err != nil {
		return err
	}
	byID := make(map[int64]icat.DatafileParameter, len(params))
	for _, p := range params {
		if p.Datafile != nil {
			byID[p.Datafile.ID] = p
		}
	}
	for _, df := range datafiles {
		p, ok := byID[df.ID]
		if !ok {
			if err := s.params.SetDatafileState(ctx, sessionID, df.ID, model.StateSubmitted, false); err != nil {
				return err
			}
			continue
		}
		if p.Text() == model.StateSubmitted {
			continue
		}
		if err := s.params.UpdateDatafileValue(ctx, sessionID, p, model.StateSubmitted); err != nil {
			return err
		}
	}
	return nil
}

// resolveInvestigation находит Investigation в каталоге или готовит новую.
// Возвращает имена инструмента и цикла для вычисления location.
func (s *ArchiveService) resolveInvestigation(ctx context.Context, sessionID string,
	req *model.Investigation, commit *archiveCommit) (string, string, error) {
	found, err := s.catalog.FindInvestigation(ctx, sessionID, req.Name, req.VisitID, s.cfg.Facility)
	if err != nil {
		return "", "", err
	}
	if found != nil {
		commit.investigationID = found.ID
		return found.InstrumentName(), found.CycleName(), nil
	}
	if !req.IsFull() {
		return "", "", clientError(ErrNotFound, "No Investigation with name=%s, visitId=%s", req.Name, req.VisitID)
	}

	inv := *req
	inv.DefineReleaseDate(s.cfg.EmbargoYears, s.cfg.EmbargoTypes, s.now())

	facilityID, err := s.refs.ID(ctx, sessionID, "Facility", map[string]any{"name": s.cfg.Facility})
	if err != nil {
		return "", "", err
	}
	typeID, err := s.facilityRef(ctx, sessionID, "InvestigationType", inv.InvestigationType.Name)
	if err != nil {
		return "", "", err
	}
	instrumentID, err := s.facilityRef(ctx, sessionID, "Instrument", inv.Instrument.Name)
	if err != nil {
		return "", "", err
	}
	cycleID, err := s.facilityRef(ctx, sessionID, "FacilityCycle", inv.FacilityCycle.Name)
	if err != nil {
		return "", "", err
	}

	commit.investigation = &icat.Investigation{
		Name:        inv.Name,
		VisitID:     inv.VisitID,
		Title:       inv.Title,
		Summary:     inv.Summary,
		DOI:         inv.DOI,
		StartDate:   icat.NewTime(inv.StartDate),
		EndDate:     icat.NewTime(inv.EndDate),
		ReleaseDate: icat.NewTime(inv.ReleaseDate),
		Facility:    &icat.Facility{ID: facilityID},
		Type:        &icat.InvestigationType{ID: typeID},
		InvestigationInstruments: []icat.InvestigationInstrument{
			{Instrument: &icat.Instrument{ID: instrumentID}},
		},
		InvestigationFacilityCycles: []icat.InvestigationFacilityCycle{
			{FacilityCycle: &icat.FacilityCycle{ID: cycleID}},
		},
	}
	return inv.Instrument.Name, inv.FacilityCycle.Name, nil
}

// checkDuplicate отклоняет датасет, имя которого уже занято в Investigation.
func (s *ArchiveService) checkDuplicate(ctx context.Context, sessionID string,
	inv *model.Investigation, name string, investigationID int64) error {
	if investigationID == 0 {
		return nil
	}
	_, err := s.catalog.LookupID(ctx, sessionID, "Dataset", map[string]any{
		"name":             name,
		"investigation.id": investigationID,
	})
	var nf *icat.NotFoundError
	switch {
	case err == nil:
		return clientError(ErrConflict, "Dataset %s already exists in Investigation %s-%s", name, inv.Name, inv.VisitID)
	case errors.As(err, &nf):
		return nil
	default:
		return catalogError(err)
	}
}

// resolveSample находит образец существующей Investigation или готовит новый.
func (s *ArchiveService) resolveSample(ctx context.Context, sessionID string, req *model.Sample, commit *archiveCommit) error {
	if req == nil {
		return nil
	}
	if commit.investigationID != 0 {
		id, err := s.catalog.LookupID(ctx, sessionID, "Sample", map[string]any{
			"name":             req.Name,
			"investigation.id": commit.investigationID,
		})
		var nf *icat.NotFoundError
		switch {
		case err == nil:
			commit.sampleID = id
			return nil
		case !errors.As(err, &nf):
			return err
		}
	}

	typeID, err := s.refs.ID(ctx, sessionID, "SampleType", map[string]any{
		"name":             req.SampleType.Name,
		"molecularFormula": req.SampleType.MolecularFormula,
		"facility.name":    s.cfg.Facility,
	})
	if err != nil {
		return err
	}
	sample := &icat.Sample{
		Name: req.Name,
		PID:  req.PID,
		Type: &icat.SampleType{ID: typeID},
	}
	for _, p := range req.Parameters {
		pt, value, err := s.parameter(ctx, sessionID, p)
		if err != nil {
			return err
		}
		sample.Parameters = append(sample.Parameters, icat.SampleParameter{Type: pt, ParameterValue: value})
	}
	commit.sample = sample
	return nil
}

// buildDataset строит бин датасета с файлами, параметрами и job_state
// SUBMITTED у датасета и каждого файла.
func (s *ArchiveService) buildDataset(ctx context.Context, sessionID string, req *model.Dataset,
	prefix string, types *paramstore.ReservedTypes) (icat.Dataset, error) {
	typeID, err := s.facilityRef(ctx, sessionID, "DatasetType", req.DatasetType.Name)
	if err != nil {
		return icat.Dataset{}, err
	}

	location := req.Location
	if location == "" {
		location = path.Join(prefix, req.DatasetType.Name, req.Name)
	}
	ds := icat.Dataset{
		Name:        req.Name,
		Description: req.Description,
		DOI:         req.DOI,
		Location:    location,
		Complete:    req.Complete != nil && *req.Complete,
		StartDate:   icat.NewTime(req.StartDate),
		EndDate:     icat.NewTime(req.EndDate),
		Type:        &icat.DatasetType{ID: typeID},
		Parameters: []icat.DatasetParameter{{
			Type:           &icat.ParameterType{ID: types.JobState.ID},
			ParameterValue: textValue(model.StateSubmitted),
		}},
	}

	for _, p := range req.Parameters {
		pt, value, err := s.parameter(ctx, sessionID, p)
		if err != nil {
			return icat.Dataset{}, err
		}
		ds.Parameters = append(ds.Parameters, icat.DatasetParameter{Type: pt, ParameterValue: value})
	}
	for _, t := range req.DatasetTechniques {
		id, err := s.refs.ID(ctx, sessionID, "Technique", map[string]any{"name": t.Name})
		if err != nil {
			return icat.Dataset{}, err
		}
		ds.DatasetTechniques = append(ds.DatasetTechniques, icat.DatasetTechnique{Technique: &icat.Technique{ID: id}})
	}
	for _, i := range req.DatasetInstruments {
		id, err := s.facilityRef(ctx, sessionID, "Instrument", i.Name)
		if err != nil {
			return icat.Dataset{}, err
		}
		ds.DatasetInstruments = append(ds.DatasetInstruments, icat.DatasetInstrument{Instrument: &icat.Instrument{ID: id}})
	}

	for _, f := range req.Datafiles {
		df, err := s.buildDatafile(ctx, sessionID, &f, location, types)
		if err != nil {
			return icat.Dataset{}, err
		}
		ds.Datafiles = append(ds.Datafiles, df)
	}
	return ds, nil
}

func (s *ArchiveService) buildDatafile(ctx context.Context, sessionID string, req *model.Datafile,
	datasetLocation string, types *paramstore.ReservedTypes) (icat.Datafile, error) {
	location := req.Location
	if location == "" {
		location = path.Join(datasetLocation, req.Name)
	}
	df := icat.Datafile{
		Name:               req.Name,
		Description:        req.Description,
		DOI:                req.DOI,
		Location:           location,
		FileSize:           req.FileSize,
		Checksum:           req.Checksum,
		DatafileCreateTime: icat.NewTime(req.DatafileCreateTime),
		DatafileModTime:    icat.NewTime(req.DatafileModTime),
		Parameters: []icat.DatafileParameter{{
			Type:           &icat.ParameterType{ID: types.JobState.ID},
			ParameterValue: textValue(model.StateSubmitted),
		}},
	}
	if req.DatafileFormat != nil {
		id, err := s.refs.ID(ctx, sessionID, "DatafileFormat", map[string]any{
			"name":          req.DatafileFormat.Name,
			"version":       req.DatafileFormat.Version,
			"facility.name": s.cfg.Facility,
		})
		if err != nil {
			return icat.Datafile{}, err
		}
		df.DatafileFormat = &icat.DatafileFormat{ID: id}
	}
	for _, p := range req.Parameters {
		pt, value, err := s.parameter(ctx, sessionID, p)
		if err != nil {
			return icat.Datafile{}, err
		}
		df.Parameters = append(df.Parameters, icat.DatafileParameter{Type: pt, ParameterValue: value})
	}
	return df, nil
}

// parameter разрешает ParameterType значения из запроса.
func (s *ArchiveService) parameter(ctx context.Context, sessionID string, p model.Parameter) (*icat.ParameterType, icat.ParameterValue, error) {
	id, err := s.refs.ID(ctx, sessionID, "ParameterType", map[string]any{
		"name":          p.ParameterType.Name,
		"units":         p.ParameterType.Units,
		"facility.name": s.cfg.Facility,
	})
	if err != nil {
		return nil, icat.ParameterValue{}, err
	}
	return &icat.ParameterType{ID: id}, icat.ParameterValue{
		StringValue:   p.StringValue,
		NumericValue:  p.NumericValue,
		DateTimeValue: icat.NewTime(p.DateTimeValue),
		Error:         p.Error,
		RangeBottom:   p.RangeBottom,
		RangeTop:      p.RangeTop,
	}, nil
}

// facilityRef — id справочной сущности Facility по имени.
func (s *ArchiveService) facilityRef(ctx context.Context, sessionID, entity, name string) (int64, error) {
	return s.refs.ID(ctx, sessionID, entity, map[string]any{
		"name":          name,
		"facility.name": s.cfg.Facility,
	})
}

func textValue(v string) icat.ParameterValue {
	return icat.ParameterValue{StringValue: &v}
}
