package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/archive-broker/internal/config"
	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-broker/internal/fts"
	"github.com/bigkaa/goartstore/archive-broker/internal/icat"
	"github.com/bigkaa/goartstore/archive-broker/internal/icat/icattest"
	"github.com/bigkaa/goartstore/archive-broker/internal/objectstore"
	"github.com/bigkaa/goartstore/archive-broker/internal/paramstore"
	"github.com/bigkaa/goartstore/archive-broker/internal/repository"
	"github.com/bigkaa/goartstore/archive-broker/internal/storage"
	"github.com/bigkaa/goartstore/archive-broker/internal/transfer"
)

const (
	testSession  = "11111111-2222-4333-8444-555555555555"
	adminSession = "99999999-2222-4333-8444-555555555555"
	testFacility = "facility"
)

var testNames = paramstore.Names{JobState: "Archival state", JobIDs: "Archival ids", DeletionDate: "Deletion date"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- Mock FTS ---

// mockFTS — FTS в памяти: задания получают id job-N и состояние SUBMITTED.
type mockFTS struct {
	mu        sync.Mutex
	jobs      []fts.Job
	statuses  map[string]*fts.JobStatus
	submitErr error
	// failFrom — submitErr возвращается, начиная с задания с этим номером (0 — сразу)
	failFrom  int
	pollErr   error
	polls     int
	cancelled []string
}

func newMockFTS() *mockFTS {
	return &mockFTS{statuses: make(map[string]*fts.JobStatus)}
}

func (m *mockFTS) Submit(_ context.Context, job fts.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil && len(m.jobs) >= m.failFrom {
		return "", m.submitErr
	}
	m.jobs = append(m.jobs, job)
	id := fmt.Sprintf("job-%d", len(m.jobs))
	st := &fts.JobStatus{JobID: id, JobState: model.StateSubmitted}
	for _, f := range job.Files {
		st.Files = append(st.Files, fts.FileStatus{
			FileState:  model.StateSubmitted,
			SourceSURL: f.Sources[0],
			DestSURL:   f.Destinations[0],
		})
	}
	m.statuses[id] = st
	return id, nil
}

func (m *mockFTS) Statuses(_ context.Context, jobIDs []string, _ bool) ([]fts.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	if m.pollErr != nil {
		return nil, m.pollErr
	}
	var out []fts.JobStatus
	for _, id := range jobIDs {
		if st, ok := m.statuses[id]; ok {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (m *mockFTS) Status(_ context.Context, jobID string, _ bool) (*fts.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[jobID]
	if !ok {
		return nil, fmt.Errorf("GET /jobs/%s: %w", jobID, fts.ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

func (m *mockFTS) Cancel(_ context.Context, jobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[jobID]
	if !ok {
		return "", fmt.Errorf("DELETE /jobs/%s: %w", jobID, fts.ErrNotFound)
	}
	st.JobState = model.StateCanceled
	m.cancelled = append(m.cancelled, jobID)
	return st.JobState, nil
}

// setState выставляет состояние задания. Файлы получают fileState, кроме
// перечисленных в overrides (суффикс SURL источника → состояние).
func (m *mockFTS) setState(jobID, jobState, fileState string, overrides map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.statuses[jobID]
	st.JobState = jobState
	for i := range st.Files {
		st.Files[i].FileState = fileState
		for suffix, state := range overrides {
			if strings.HasSuffix(st.Files[i].SourceSURL, suffix) {
				st.Files[i].FileState = state
			}
		}
	}
}

func (m *mockFTS) submitted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// --- Mock object store ---

type mockObjectStore struct {
	mu        sync.Mutex
	buckets   map[string]model.BucketACL
	jobStates map[string][]objectstore.JobState
	copies    []string
}

func newMockObjectStore() *mockObjectStore {
	return &mockObjectStore{
		buckets:   make(map[string]model.BucketACL),
		jobStates: make(map[string][]objectstore.JobState),
	}
}

func (m *mockObjectStore) CreateBucket(_ context.Context, name string, acl model.BucketACL) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[name] = acl
	return nil
}

func (m *mockObjectStore) RemoveBucket(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[name]; !ok {
		return objectstore.ErrBucketNotFound
	}
	delete(m.buckets, name)
	delete(m.jobStates, name)
	return nil
}

func (m *mockObjectStore) BucketACL(_ context.Context, name string) (model.BucketACL, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acl, ok := m.buckets[name]
	if !ok {
		return "", fmt.Errorf("политика корзины %s: %w", name, objectstore.ErrBucketNotFound)
	}
	return acl, nil
}

func (m *mockObjectStore) PutJobStates(_ context.Context, bucket string, states []objectstore.JobState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		return objectstore.ErrBucketNotFound
	}
	m.jobStates[bucket] = append([]objectstore.JobState(nil), states...)
	return nil
}

func (m *mockObjectStore) JobStates(_ context.Context, bucket string) ([]objectstore.JobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		return nil, objectstore.ErrBucketNotFound
	}
	return append([]objectstore.JobState(nil), m.jobStates[bucket]...), nil
}

func (m *mockObjectStore) Copy(_ context.Context, srcBucket, dstBucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copies = append(m.copies, srcBucket+"/"+key+"→"+dstBucket)
	return nil
}

// --- Mock repositories ---

// mockJobRepo — реестр заданий в памяти.
type mockJobRepo struct {
	mu   sync.Mutex
	jobs []*model.TransferJob
}

func (m *mockJobRepo) Record(_ context.Context, jobs []*model.TransferJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range jobs {
		cp := *j
		cp.SubmittedAt = time.Now()
		m.jobs = append(m.jobs, &cp)
	}
	return nil
}

func (m *mockJobRepo) GetByID(_ context.Context, jobID string) (*model.TransferJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.JobID == jobID {
			cp := *j
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *mockJobRepo) List(_ context.Context, filters repository.TransferJobFilters, limit, offset int) ([]*model.TransferJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.TransferJob
	for _, j := range m.jobs {
		if filters.Operation != nil && j.Operation != *filters.Operation {
			continue
		}
		if filters.BucketName != nil && (j.BucketName == nil || *j.BucketName != *filters.BucketName) {
			continue
		}
		out = append(out, j)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockJobRepo) Count(ctx context.Context, filters repository.TransferJobFilters) (int, error) {
	jobs, err := m.List(ctx, filters, 0, 0)
	return len(jobs), err
}

func (m *mockJobRepo) UpdateStates(_ context.Context, states map[string]string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if st, ok := states[j.JobID]; ok && st != j.State {
			j.State = st
			n++
		}
	}
	return n, nil
}

func (m *mockJobRepo) state(jobID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.JobID == jobID {
			return j.State
		}
	}
	return ""
}

// mockPollRepo запоминает итоги циклов опроса.
type mockPollRepo struct {
	cycles []error
	counts []int
}

func (m *mockPollRepo) Get(context.Context) (*model.PollState, error) {
	return &model.PollState{}, nil
}

func (m *mockPollRepo) RecordPoll(_ context.Context, _ time.Time, datasets int, pollErr error) error {
	m.cycles = append(m.cycles, pollErr)
	m.counts = append(m.counts, datasets)
	return nil
}

// --- Mock stater ---

type fixedStater struct {
	size int64
}

func (s fixedStater) Stat(context.Context, string) (storage.FileInfo, error) {
	return storage.FileInfo{Size: s.size, ModTime: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}, nil
}

// --- Окружение ---

// testEnv — каталог, FTS и S3 в памяти и сервисы поверх них.
type testEnv struct {
	cat      *icattest.Catalog
	fts      *mockFTS
	objects  *mockObjectStore
	jobs     *mockJobRepo
	polls    *mockPollRepo
	params   *paramstore.Store
	registry *storage.Registry
	batcher  *transfer.Batcher
	sessions *SessionService

	reconciler *ReconcileService
	invID      int64
}

// newTestEnv создаёт окружение. maxTotalSize — лимит размера запроса (0 — без лимита).
// Каждый файл дискового хранилища idc имеет размер 10 байт.
func newTestEnv(t *testing.T, maxTotalSize int64) *testEnv {
	t.Helper()
	logger := testLogger()

	cat := icattest.New()
	cat.AddSession(testSession, "simple/user")
	cat.AddSession(adminSession, "simple/admin")
	cat.AddUser("simple", "functional", "secret")
	cat.AddRef("Facility", map[string]any{"name": testFacility})
	for entity, name := range map[string]string{
		"InvestigationType": "experiment",
		"Instrument":        "inst",
		"FacilityCycle":     "cycle1",
		"DatasetType":       "raw",
	} {
		cat.AddRef(entity, map[string]any{"name": name, "facility.name": testFacility})
	}
	invID := cat.AddInvestigation(icat.Investigation{
		Name:    "inv",
		VisitID: "1",
		InvestigationInstruments: []icat.InvestigationInstrument{
			{Instrument: &icat.Instrument{Name: "inst"}},
		},
		InvestigationFacilityCycles: []icat.InvestigationFacilityCycle{
			{FacilityCycle: &icat.FacilityCycle{Name: "cycle1"}},
		},
	})

	disk, err := storage.NewDisk("idc", "root://idc.example.org:1094//data/", fixedStater{size: 10})
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	tape, err := storage.NewTape(storage.ArchiveName, "root://tape.example.org:1094//archive/", 3600, 7200)
	if err != nil {
		t.Fatalf("NewTape: %v", err)
	}
	s3, err := storage.NewS3("echo", "https://s3.example.org/", "cache")
	if err != nil {
		t.Fatalf("NewS3: %v", err)
	}
	registry := storage.NewRegistry(tape, disk, s3)
	objects := newMockObjectStore()
	registry.SetObjectStore("echo", objects)

	mockFts := newMockFTS()
	types := paramstore.NewTypeResolver(cat, testNames, testFacility, true, logger)
	params := paramstore.New(cat, types, logger)
	jobs := &mockJobRepo{}
	polls := &mockPollRepo{}

	sessions := NewSessionService(cat, SessionConfig{
		Admins:             []config.IcatUser{{Auth: "simple", Username: "admin"}},
		Functional:         config.IcatUser{Auth: "simple", Username: "functional"},
		FunctionalPassword: "secret",
		CacheTTL:           time.Minute,
	}, logger)

	return &testEnv{
		cat:        cat,
		fts:        mockFts,
		objects:    objects,
		jobs:       jobs,
		polls:      polls,
		params:     params,
		registry:   registry,
		batcher:    transfer.New(mockFts, transfer.Options{MaxTotalSize: maxTotalSize}, logger),
		sessions:   sessions,
		reconciler: NewReconcileService(params, mockFts, sessions, jobs, polls, registry.Prefixes(), time.Minute, logger),
		invID:      invID,
	}
}

func (e *testEnv) archiveService() *ArchiveService {
	return NewArchiveService(e.cat, e.registry, e.batcher, e.params, e.reconciler, e.jobs, ArchiveConfig{
		Facility:     testFacility,
		EmbargoYears: 2,
		EmbargoTypes: []string{"commercial"},
		RefCacheTTL:  time.Minute,
	}, testLogger())
}

func (e *testEnv) transferService() *TransferService {
	return NewTransferService(e.cat, e.registry, e.batcher, e.jobs, testLogger())
}

func (e *testEnv) jobService() *JobService {
	return NewJobService(e.fts, e.params, e.sessions, e.jobs, e.registry.Prefixes(), testLogger())
}

// archiveRequest — запрос архивации датасета name в существующую inv-1.
func archiveRequest(name string, files ...string) *model.ArchiveRequest {
	req := &model.ArchiveRequest{
		Investigation: model.Investigation{Name: "inv", VisitID: "1"},
		Dataset: model.Dataset{
			Name:        name,
			DatasetType: model.NamedRef{Name: "raw"},
		},
	}
	for _, f := range files {
		req.Dataset.Datafiles = append(req.Dataset.Datafiles, model.Datafile{Name: f})
	}
	return req
}

// archive архивирует датасет и возвращает его id и id заданий.
func (e *testEnv) archive(t *testing.T, name string, files ...string) (int64, []string) {
	t.Helper()
	resp, err := e.archiveService().Archive(context.Background(), testSession, "idc", archiveRequest(name, files...))
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	return resp.DatasetIDs[0], resp.JobIDs
}

// assertClientError проверяет вид и сообщение клиентской ошибки.
func assertClientError(t *testing.T, err, kind error, message string) {
	t.Helper()
	if err == nil {
		t.Fatalf("ожидалась ошибка %v", kind)
	}
	var ce *ClientError
	if !errors.As(err, &ce) {
		t.Fatalf("ожидалась *ClientError, получено %T: %v", err, err)
	}
	if ce.Kind != kind {
		t.Errorf("Kind = %v, ожидался %v", ce.Kind, kind)
	}
	if message != "" && ce.Message != message {
		t.Errorf("Message = %q, ожидалось %q", ce.Message, message)
	}
}

// newBatcherPerJob — Batcher с лимитом maxPerJob передач в задании.
func newBatcherPerJob(env *testEnv, maxPerJob int) *transfer.Batcher {
	return transfer.New(env.fts, transfer.Options{MaxPerJob: maxPerJob}, testLogger())
}
