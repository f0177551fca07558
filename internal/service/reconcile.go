// reconcile.go — согласование состояния архивации датасетов в каталоге
// с состоянием заданий FTS.
//
// ReconcileDataset — один шаг согласования датасета:
//  1. job_state датасета терминален → ответ из каталога, FTS не опрашивается
//  2. иначе опрос FTS по всем id из job_ids (с файлами)
//  3. запись изменившихся job_state файлов и датасета; итоги заданий,
//     удалённых из job_ids раньше, берутся из job_state файлов каталога
//  4. сужение job_ids до незавершённых заданий; пустой список удаляет параметр
//
// Повторный вызов без новых событий в FTS ничего не пишет в каталог.
//
// ReconcileService также запускает фоновый опрос: RunOnce согласует все
// датасеты с параметром job_ids от имени функционального пользователя.
//
// Prometheus-метрики:
//   - archive_broker_poll_cycles_total — циклы фонового опроса (по результату)
//   - archive_broker_poll_duration_seconds — длительность цикла
//   - archive_broker_reconcile_updates_total — записи состояния в каталог (по сущности)
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-broker/internal/fts"
	"github.com/bigkaa/goartstore/archive-broker/internal/icat"
	"github.com/bigkaa/goartstore/archive-broker/internal/paramstore"
	"github.com/bigkaa/goartstore/archive-broker/internal/repository"
	"github.com/bigkaa/goartstore/archive-broker/internal/statecounter"
)

var (
	pollCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_broker_poll_cycles_total",
		Help: "Количество циклов фонового опроса FTS",
	}, []string{"result"}) // result: success, error

	pollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "archive_broker_poll_duration_seconds",
		Help:    "Длительность цикла фонового опроса FTS",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	reconcileUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_broker_reconcile_updates_total",
		Help: "Количество записей состояния в каталог при согласовании",
	}, []string{"entity"}) // entity: dataset, datafile, job_ids
)

// ParamStore — операции с параметрами состояния в каталоге.
type ParamStore interface {
	DatasetStates(ctx context.Context, sessionID string, datasetID int64) ([]icat.DatasetParameter, error)
	DatafileStates(ctx context.Context, sessionID string, datasetID int64) ([]icat.DatafileParameter, error)
	JobIDs(ctx context.Context, sessionID string, datasetID int64) ([]icat.DatasetParameter, error)
	FindJobIDParameter(ctx context.Context, sessionID, jobID string) (*icat.DatasetParameter, error)
	SetDatasetState(ctx context.Context, sessionID string, datasetID int64, state string, setDeletionDate bool) error
	SetDatafileState(ctx context.Context, sessionID string, datafileID int64, state string, setDeletionDate bool) error
	SetDatafileStates(ctx context.Context, sessionID string, datasetID int64, state string, setDeletionDate bool) error
	UpdateDatasetValue(ctx context.Context, sessionID string, p icat.DatasetParameter, value string) error
	UpdateDatafileValue(ctx context.Context, sessionID string, p icat.DatafileParameter, value string) error
	SetJobIDs(ctx context.Context, sessionID string, p icat.DatasetParameter, ids []string) error
	CreateJobIDs(ctx context.Context, sessionID string, datasetID int64, ids []string) error
	Types(ctx context.Context, sessionID string) (*paramstore.ReservedTypes, error)
}

// StatusPoller — опрос состояния заданий FTS.
type StatusPoller interface {
	Statuses(ctx context.Context, jobIDs []string, listFiles bool) ([]fts.JobStatus, error)
}

// FunctionalSessions выдаёт сессию функционального пользователя.
type FunctionalSessions interface {
	FunctionalSession(ctx context.Context) (string, error)
	ResetFunctionalSession()
}

// ReconcileService — согласование состояния датасетов.
type ReconcileService struct {
	params   ParamStore
	poller   StatusPoller
	sessions FunctionalSessions
	jobRepo  repository.TransferJobRepository
	pollRepo repository.PollStateRepository
	prefixes []string
	interval time.Duration
	logger   *slog.Logger

	// mu защищает inProcess: циклы опроса не перекрываются
	mu        sync.Mutex
	inProcess bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconcileService создаёт сервис согласования. prefixes — path-префиксы
// storage endpoints для вычисления location файла по SURL.
// jobRepo и pollRepo могут быть nil.
func NewReconcileService(
	params ParamStore,
	poller StatusPoller,
	sessions FunctionalSessions,
	jobRepo repository.TransferJobRepository,
	pollRepo repository.PollStateRepository,
	prefixes []string,
	interval time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		params:   params,
		poller:   poller,
		sessions: sessions,
		jobRepo:  jobRepo,
		pollRepo: pollRepo,
		prefixes: prefixes,
		interval: interval,
		logger:   logger.With(slog.String("component", "reconcile")),
	}
}

// ReconcileDataset согласует состояние датасета и возвращает его.
// listFiles=true добавляет состояния файлов по location.
func (s *ReconcileService) ReconcileDataset(ctx context.Context, sessionID string, datasetID int64, listFiles bool) (*model.DatasetStatus, error) {
	states, err := s.params.DatasetStates(ctx, sessionID, datasetID)
	if err != nil {
		return nil, catalogError(err)
	}
	if len(states) == 0 {
		return nil, clientError(ErrNotFound, "No archival state recorded for Dataset with id=%d", datasetID)
	}
	stateParam := states[0]
	recorded := stateParam.Text()

	if model.IsCompleteJobState(recorded) {
		return s.cachedStatus(ctx, sessionID, datasetID, recorded, listFiles)
	}

	jobParams, err := s.params.JobIDs(ctx, sessionID, datasetID)
	if err != nil {
		return nil, catalogError(err)
	}
	var jobIDs []string
	for _, p := range jobParams {
		jobIDs = append(jobIDs, paramstore.SplitJobIDs(p.Text())...)
	}
	if len(jobIDs) == 0 {
		// незавершённое состояние без заданий выставлено вручную
		return s.cachedStatus(ctx, sessionID, datasetID, recorded, listFiles)
	}

	statuses, err := s.poller.Statuses(ctx, jobIDs, true)
	if err != nil {
		return nil, fmt.Errorf("%w: FTS: %w", ErrUpstream, err)
	}
	if len(statuses) == 0 {
		return s.cachedStatus(ctx, sessionID, datasetID, recorded, listFiles)
	}

	recordedFiles, err := s.params.DatafileStates(ctx, sessionID, datasetID)
	if err != nil {
		return nil, catalogError(err)
	}
	byLocation := make(map[string]icat.DatafileParameter, len(recordedFiles))
	for _, p := range recordedFiles {
		if p.Datafile != nil {
			byLocation[p.Datafile.Location] = p
		}
	}

	counter := statecounter.New(s.logger, s.prefixes...)
	jobStates := make(map[string]string, len(statuses))
	for _, st := range statuses {
		counter.CheckState(st.JobState, st.JobID)
		jobStates[st.JobID] = st.JobState
		for _, f := range st.Files {
			counter.CheckFile(f)
		}
	}
	polledFiles := counter.FileStates()

	// задания, удалённые из job_ids раньше, остаются в итоге через job_state файлов
	fileStates := make(map[string]string, len(byLocation))
	for location, p := range byLocation {
		fileStates[location] = p.Text()
		if _, ok := polledFiles[location]; !ok {
			counter.CheckRecorded(location, p.Text())
		}
	}
	maps.Copy(fileStates, polledFiles)
	polled := counter.State()

	if err := s.writeFileStates(ctx, sessionID, datasetID, byLocation, polledFiles); err != nil {
		return nil, err
	}

	if polled != recorded {
		if err := s.params.UpdateDatasetValue(ctx, sessionID, stateParam, polled); err != nil {
			return nil, catalogError(err)
		}
		reconcileUpdatesTotal.WithLabelValues("dataset").Inc()
		s.logger.Info("Состояние датасета обновлено",
			slog.Int64("dataset_id", datasetID),
			slog.String("from", recorded),
			slog.String("to", polled),
		)
	}

	if err := s.narrowJobIDs(ctx, sessionID, datasetID, jobParams, counter.Ongoing()); err != nil {
		return nil, err
	}

	updateJobStates(ctx, s.jobRepo, s.logger, jobStates)

	status := &model.DatasetStatus{State: polled}
	if listFiles {
		status.FileStates = fileStates
	}
	return status, nil
}

// cachedStatus формирует ответ только из каталога.
func (s *ReconcileService) cachedStatus(ctx context.Context, sessionID string, datasetID int64, state string, listFiles bool) (*model.DatasetStatus, error) {
	status := &model.DatasetStatus{State: state}
	if !listFiles {
		return status, nil
	}
	params, err := s.params.DatafileStates(ctx, sessionID, datasetID)
	if err != nil {
		return nil, catalogError(err)
	}
	status.FileStates = make(map[string]string, len(params))
	for _, p := range params {
		if p.Datafile != nil {
			status.FileStates[p.Datafile.Location] = p.Text()
		}
	}
	return status, nil
}

// writeFileStates обновляет job_state файлов, состояние которых изменилось.
func (s *ReconcileService) writeFileStates(ctx context.Context, sessionID string, datasetID int64,
	byLocation map[string]icat.DatafileParameter, fileStates map[string]string) error {
	for location, state := range fileStates {
		p, ok := byLocation[location]
		if !ok {
			s.logger.Warn("Файл из задания FTS не найден среди файлов датасета",
				slog.Int64("dataset_id", datasetID),
				slog.String("location", location),
			)
			continue
		}
		if p.Text() == state {
			continue
		}
		if err := s.params.UpdateDatafileValue(ctx, sessionID, p, state); err != nil {
			return catalogError(err)
		}
		reconcileUpdatesTotal.WithLabelValues("datafile").Inc()
	}
	return nil
}

// narrowJobIDs оставляет в каждом параметре job_ids только незавершённые задания.
func (s *ReconcileService) narrowJobIDs(ctx context.Context, sessionID string, datasetID int64,
	jobParams []icat.DatasetParameter, ongoing []string) error {
	for _, p := range jobParams {
		stored := paramstore.SplitJobIDs(p.Text())
		var keep []string
		for _, id := range stored {
			if slices.Contains(ongoing, id) {
				keep = append(keep, id)
			}
		}
		if slices.Equal(keep, stored) {
			continue
		}
		if err := s.params.SetJobIDs(ctx, sessionID, p, keep); err != nil {
			return catalogError(err)
		}
		reconcileUpdatesTotal.WithLabelValues("job_ids").Inc()
		s.logger.Debug("job_ids датасета сужены",
			slog.Int64("dataset_id", datasetID),
			slog.Int("before", len(stored)),
			slog.Int("after", len(keep)),
		)
	}
	return nil
}

// Start запускает фоновый опрос с интервалом interval.
func (s *ReconcileService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Фоновый опрос FTS запущен",
			slog.String("interval", s.interval.String()),
		)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Фоновый опрос FTS остановлен")
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("Ошибка цикла опроса FTS, цикл пропущен",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()
}

// Stop останавливает фоновый опрос и ждёт завершения.
func (s *ReconcileService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// RunOnce выполняет один цикл опроса: все датасеты с параметром job_ids,
// найденные в начале цикла. Возвращает количество согласованных датасетов.
// Ошибка прерывает цикл; сессия каталога при ошибке аутентификации
// сбрасывается, и следующий цикл войдёт заново.
func (s *ReconcileService) RunOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.inProcess {
		s.mu.Unlock()
		s.logger.Debug("Цикл опроса уже выполняется, пропуск")
		return 0, nil
	}
	s.inProcess = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inProcess = false
		s.mu.Unlock()
	}()

	start := time.Now()
	count, err := s.pollAll(ctx)
	pollDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		pollCyclesTotal.WithLabelValues("error").Inc()
		if errors.Is(err, ErrUnauthorized) {
			s.sessions.ResetFunctionalSession()
		}
	} else {
		pollCyclesTotal.WithLabelValues("success").Inc()
		s.logger.Info("Цикл опроса FTS завершён",
			slog.Int("datasets", count),
			slog.String("duration", time.Since(start).String()),
		)
	}

	if s.pollRepo != nil {
		if recErr := s.pollRepo.RecordPoll(ctx, start.UTC(), count, err); recErr != nil {
			s.logger.Warn("Ошибка записи poll_state", slog.String("error", recErr.Error()))
		}
	}
	return count, err
}

func (s *ReconcileService) pollAll(ctx context.Context) (int, error) {
	sid, err := s.sessions.FunctionalSession(ctx)
	if err != nil {
		return 0, err
	}

	params, err := s.params.JobIDs(ctx, sid, 0)
	if err != nil {
		return 0, catalogError(err)
	}

	var datasetIDs []int64
	for _, p := range params {
		if p.Dataset != nil && !slices.Contains(datasetIDs, p.Dataset.ID) {
			datasetIDs = append(datasetIDs, p.Dataset.ID)
		}
	}

	for i, id := range datasetIDs {
		if _, err := s.ReconcileDataset(ctx, sid, id, false); err != nil {
			return i, fmt.Errorf("датасет %d: %w", id, err)
		}
	}
	return len(datasetIDs), nil
}
