package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/archive-broker/internal/api/middleware"
	"github.com/bigkaa/goartstore/archive-broker/internal/api/openapi"
	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-broker/internal/fts"
	"github.com/bigkaa/goartstore/archive-broker/internal/repository"
	"github.com/bigkaa/goartstore/archive-broker/internal/service"
)

const testSession = "2b7c8e64-5a0d-4d1f-8f55-6c9e0a1b2c3d"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeServices реализует все интерфейсы сервисов. Поле err, если задано,
// возвращается любым вызовом.
type fakeServices struct {
	err error

	session   string
	archive   *model.ArchiveRequest
	source    string
	dest      string
	datasetID int64
	transfer  *model.TransferRequest
	update    model.StatusUpdateRequest
	listFiles bool
	filters   repository.TransferJobFilters
	limit     int
	offset    int
}

func (f *fakeServices) Login(_ context.Context, req model.LoginRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return testSession, nil
}

func (f *fakeServices) Archive(_ context.Context, sid, source string, req *model.ArchiveRequest) (*model.ArchiveResponse, error) {
	f.session, f.source, f.archive = sid, source, req
	if f.err != nil {
		return nil, f.err
	}
	return &model.ArchiveResponse{DatasetIDs: []int64{11}, JobIDs: []string{"job-1"}}, nil
}

func (f *fakeServices) Retry(_ context.Context, sid string, datasetID int64, source string) (*model.ArchiveResponse, error) {
	f.session, f.datasetID, f.source = sid, datasetID, source
	if f.err != nil {
		return nil, f.err
	}
	return &model.ArchiveResponse{DatasetIDs: []int64{datasetID}, JobIDs: []string{"job-2"}}, nil
}

func (f *fakeServices) Restore(_ context.Context, sid, destination string, req *model.TransferRequest) (*model.TransferResponse, error) {
	f.session, f.dest, f.transfer = sid, destination, req
	if f.err != nil {
		return nil, f.err
	}
	return &model.TransferResponse{JobIDs: []string{"job-3"}, BucketName: "b-1"}, nil
}

func (f *fakeServices) Transfer(_ context.Context, sid, source, destination string, req *model.TransferRequest) (*model.TransferResponse, error) {
	f.session, f.source, f.dest, f.transfer = sid, source, destination, req
	if f.err != nil {
		return nil, f.err
	}
	return &model.TransferResponse{JobIDs: []string{"job-4"}}, nil
}

func (f *fakeServices) DatasetStatus(_ context.Context, sid string, datasetID int64, listFiles bool) (*model.DatasetStatus, error) {
	f.session, f.datasetID, f.listFiles = sid, datasetID, listFiles
	if f.err != nil {
		return nil, f.err
	}
	status := &model.DatasetStatus{State: model.StateFinishedDirty}
	if listFiles {
		status.FileStates = map[string]string{"a.nxs": model.StateFinished, "b.nxs": model.StateFailed}
	}
	return status, nil
}

func (f *fakeServices) SetDatasetStatus(_ context.Context, sid string, datasetID int64, req model.StatusUpdateRequest) error {
	f.session, f.datasetID, f.update = sid, datasetID, req
	return f.err
}

func (f *fakeServices) SetDatafileStatus(_ context.Context, sid string, datafileID int64, req model.StatusUpdateRequest) error {
	f.session, f.datasetID, f.update = sid, datafileID, req
	return f.err
}

func (f *fakeServices) Status(_ context.Context, sid, jobID string) (*fts.JobStatus, error) {
	f.session = sid
	if f.err != nil {
		return nil, f.err
	}
	return &fts.JobStatus{JobID: jobID, JobState: model.StateActive}, nil
}

func (f *fakeServices) Complete(_ context.Context, _ string) (bool, error) {
	return f.err == nil, f.err
}

func (f *fakeServices) Percentage(_ context.Context, _ string) (float64, error) {
	return 62.5, f.err
}

func (f *fakeServices) Cancel(_ context.Context, sid, _ string) (string, error) {
	f.session = sid
	if f.err != nil {
		return "", f.err
	}
	return model.StateCanceled, nil
}

func (f *fakeServices) List(_ context.Context, sid string, filters repository.TransferJobFilters, limit, offset int) ([]*model.TransferJob, int, error) {
	f.session, f.filters, f.limit, f.offset = sid, filters, limit, offset
	if f.err != nil {
		return nil, 0, f.err
	}
	dsID := int64(11)
	return []*model.TransferJob{{
		JobID:       "job-1",
		Operation:   model.OperationArchive,
		DatasetID:   &dsID,
		Source:      "idc",
		Destination: "tape",
		Transfers:   2,
		State:       model.StateSubmitted,
		SubmittedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}}, 7, nil
}

func (f *fakeServices) PollState(_ context.Context, sid string) (*model.PollState, error) {
	f.session = sid
	if f.err != nil {
		return nil, f.err
	}
	at := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	return &model.PollState{LastPollAt: &at, DatasetsPolled: 3}, nil
}

// fakeBuckets отделён от fakeServices: Complete и Percentage
// совпадают по сигнатуре с методами Jobs.
type fakeBuckets struct {
	bucket string
	err    error
}

func (b *fakeBuckets) Complete(_ context.Context, bucket string) (bool, error) {
	b.bucket = bucket
	return b.err == nil, b.err
}

func (b *fakeBuckets) Percentage(_ context.Context, bucket string) (float64, error) {
	b.bucket = bucket
	return 25, b.err
}

type testAPI struct {
	router  http.Handler
	svc     *fakeServices
	buckets *fakeBuckets
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	svc := &fakeServices{}
	buckets := &fakeBuckets{}
	h := NewAPIHandler(NewHealthHandler(nil, nil), Services{
		Sessions:  svc,
		Archive:   svc,
		Transfers: svc,
		Status:    svc,
		Jobs:      svc,
		Ledger:    svc,
		Buckets:   buckets,
	}, testLogger())

	router := chi.NewRouter()
	router.Use(middleware.SessionAuthWithExclusions([]string{"/login", "/version", "/openapi.yaml"}, "/health/", "/metrics"))
	openapi.HandlerFromMux(h, router)
	return &testAPI{router: router, svc: svc, buckets: buckets}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testSession)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("декодирование ответа: %v", err)
	}
	return v
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

const archiveBody = `{
	"investigation": {"name": "inv-1", "visitId": "1"},
	"dataset": {
		"name": "ds1",
		"datasetType": {"name": "raw"},
		"datafiles": [{"name": "a.nxs"}]
	}
}`

func TestLogin(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"auth":"simple","username":"u","password":"p"}`))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, тело: %s", rec.Code, rec.Body.String())
	}
	if got := decode[model.LoginResponse](t, rec); got.SessionID != testSession {
		t.Errorf("sessionId = %q", got.SessionID)
	}
}

func TestLogin_MissingPassword(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"auth":"simple","username":"u"}`))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, ожидалось 400", rec.Code)
	}
	if got := decode[errorResponse](t, rec); !strings.Contains(got.Error.Message, "Password") {
		t.Errorf("message = %q", got.Error.Message)
	}
}

func TestLogin_BadCredentials(t *testing.T) {
	api := newTestAPI(t)
	api.svc.err = &service.ClientError{Kind: service.ErrUnauthorized, Message: "Authentication failed"}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"auth":"simple","username":"u","password":"p"}`))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, ожидалось 401", rec.Code)
	}
}

func TestGetVersion_NoAuth(t *testing.T) {
	api := newTestAPI(t)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[model.VersionResponse](t, rec); got.Version == "" {
		t.Error("пустая версия")
	}
}

func TestProtectedRoute_RequiresSession(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/dataset/1/status", nil)
	req.Header.Set("Authorization", "Bearer 12345")
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, ожидалось 401", rec.Code)
	}
	if api.svc.session != "" {
		t.Error("сервис вызван без сессии")
	}
}

func TestArchive(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/archive/idc", archiveBody)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, тело: %s", rec.Code, rec.Body.String())
	}
	got := decode[model.ArchiveResponse](t, rec)
	if len(got.DatasetIDs) != 1 || got.DatasetIDs[0] != 11 || got.JobIDs[0] != "job-1" {
		t.Errorf("ответ = %+v", got)
	}
	if api.svc.session != testSession || api.svc.source != "idc" || api.svc.archive.Dataset.Datafiles[0].Name != "a.nxs" {
		t.Errorf("вызов сервиса: session=%q source=%q", api.svc.session, api.svc.source)
	}
}

func TestArchive_NoDatafiles(t *testing.T) {
	api := newTestAPI(t)
	body := `{"investigation":{"name":"inv-1","visitId":"1"},"dataset":{"name":"ds1","datasetType":{"name":"raw"},"datafiles":[]}}`
	rec := api.do(t, http.MethodPost, "/archive/idc", body)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, ожидалось 400", rec.Code)
	}
	if api.svc.archive != nil {
		t.Error("сервис вызван с невалидным телом")
	}
}

func TestArchive_ServiceErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"размер", &service.ClientError{Kind: service.ErrValidation, Message: "Total size exceeds limit"},
			http.StatusBadRequest, "VALIDATION_ERROR", "Total size exceeds limit"},
		{"нет investigation", &service.ClientError{Kind: service.ErrNotFound, Message: "No Investigation with name=inv-1, visitId=1"},
			http.StatusNotFound, "NOT_FOUND", "No Investigation with name=inv-1, visitId=1"},
		{"дубликат", &service.ClientError{Kind: service.ErrConflict, Message: "Dataset ds1 already exists"},
			http.StatusConflict, "CONFLICT", "Dataset ds1 already exists"},
		{"права", &service.ClientError{Kind: service.ErrForbidden, Message: "insufficient permissions"},
			http.StatusForbidden, "FORBIDDEN", "insufficient permissions"},
		{"FTS недоступен", fmt.Errorf("%w: FTS: connection refused", service.ErrUpstream),
			http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", ""},
		{"прочее", errors.New("pool closed"), http.StatusInternalServerError, "INTERNAL_ERROR", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t)
			api.svc.err = tt.err
			rec := api.do(t, http.MethodPost, "/archive/idc", archiveBody)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, ожидалось %d", rec.Code, tt.status)
			}
			got := decode[errorResponse](t, rec)
			if got.Error.Code != tt.code {
				t.Errorf("code = %q, ожидалось %q", got.Error.Code, tt.code)
			}
			if tt.message != "" && got.Error.Message != tt.message {
				t.Errorf("message = %q, ожидалось %q", got.Error.Message, tt.message)
			}
		})
	}
}

func TestRetryDataset(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPut, "/dataset/42/retry/idc", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if api.svc.datasetID != 42 || api.svc.source != "idc" {
		t.Errorf("вызов сервиса: id=%d source=%q", api.svc.datasetID, api.svc.source)
	}
}

func TestRestoreAndTransfer(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/restore/echo", `{"dataset_ids":[1,2],"bucket_acl":"public-read"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("restore status = %d, тело: %s", rec.Code, rec.Body.String())
	}
	if got := decode[model.TransferResponse](t, rec); got.BucketName != "b-1" {
		t.Errorf("bucket_name = %q", got.BucketName)
	}
	if api.svc.dest != "echo" || api.svc.transfer.BucketACL != model.BucketACLPublicRead || len(api.svc.transfer.DatasetIDs) != 2 {
		t.Errorf("restore: dest=%q req=%+v", api.svc.dest, api.svc.transfer)
	}

	rec = api.do(t, http.MethodPost, "/transfer/idc/rdc", `{"datafile_ids":[5]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("transfer status = %d", rec.Code)
	}
	if got := rec.Body.String(); strings.Contains(got, "bucket_name") {
		t.Errorf("bucket_name в ответе без S3: %s", got)
	}
	if api.svc.source != "idc" || api.svc.dest != "rdc" {
		t.Errorf("transfer: %s→%s", api.svc.source, api.svc.dest)
	}

	rec = api.do(t, http.MethodPost, "/restore/echo", `{"dataset_ids":[1],"bucket_acl":"authenticated-read"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("неизвестный ACL: status = %d", rec.Code)
	}
}

func TestDatasetStatus(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/dataset/7/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := rec.Body.String(); strings.Contains(body, "file_states") {
		t.Errorf("file_states без list_files: %s", body)
	}

	rec = api.do(t, http.MethodGet, "/dataset/7/status?list_files=true", "")
	got := decode[model.DatasetStatus](t, rec)
	if got.State != model.StateFinishedDirty || got.FileStates["b.nxs"] != model.StateFailed {
		t.Errorf("ответ = %+v", got)
	}
	if !api.svc.listFiles || api.svc.datasetID != 7 {
		t.Errorf("вызов сервиса: id=%d listFiles=%v", api.svc.datasetID, api.svc.listFiles)
	}
}

func TestSetStatus(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPut, "/dataset/7/status", `{"state":"FINISHED","set_deletion_date":true}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if api.svc.update.State != model.StateFinished || !api.svc.update.SetDeletionDate {
		t.Errorf("update = %+v", api.svc.update)
	}

	rec = api.do(t, http.MethodPut, "/datafile/9/status", `{"set_deletion_date":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("без state: status = %d, ожидалось 400", rec.Code)
	}

	api.svc.err = &service.ClientError{Kind: service.ErrForbidden, Message: "insufficient permissions"}
	rec = api.do(t, http.MethodPut, "/datafile/9/status", `{"state":"FAILED"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("не администратор: status = %d, ожидалось 403", rec.Code)
	}
}

func TestJobEndpoints(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodDelete, "/job/job-9", "")
	if got := decode[model.CancelResponse](t, rec); rec.Code != http.StatusOK || got.State != model.StateCanceled {
		t.Errorf("cancel: %d %+v", rec.Code, got)
	}

	rec = api.do(t, http.MethodGet, "/job/job-9/status", "")
	if got := decode[fts.JobStatus](t, rec); got.JobID != "job-9" || got.JobState != model.StateActive {
		t.Errorf("status: %+v", got)
	}

	rec = api.do(t, http.MethodGet, "/job/job-9/complete", "")
	if got := decode[model.CompleteResponse](t, rec); !got.Complete {
		t.Errorf("complete: %+v", got)
	}

	rec = api.do(t, http.MethodGet, "/job/job-9/percentage", "")
	if got := decode[model.PercentageResponse](t, rec); got.PercentageComplete != 62.5 {
		t.Errorf("percentage: %+v", got)
	}

	api.svc.err = &service.ClientError{Kind: service.ErrValidation, Message: "Archival jobs cannot be cancelled"}
	rec = api.do(t, http.MethodDelete, "/job/job-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("отмена архивации: status = %d", rec.Code)
	}
}

func TestListJobs(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/jobs?operation=archive&dataset_id=11&limit=5000&offset=-3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[transferJobListResponse](t, rec)
	if got.Total != 7 || len(got.Items) != 1 || got.Items[0].JobID != "job-1" || *got.Items[0].DatasetID != 11 {
		t.Errorf("ответ = %+v", got)
	}
	if got.Limit != 1000 || got.Offset != 0 || api.svc.limit != 1000 || api.svc.offset != 0 {
		t.Errorf("пагинация не нормализована: limit=%d offset=%d", got.Limit, got.Offset)
	}
	if f := api.svc.filters; f.Operation == nil || *f.Operation != model.OperationArchive || f.DatasetID == nil || *f.DatasetID != 11 || f.State != nil {
		t.Errorf("фильтры = %+v", f)
	}

	rec = api.do(t, http.MethodGet, "/jobs/poll-state", "")
	state := decode[pollStateResponse](t, rec)
	if state.DatasetsPolled != 3 || state.LastPollAt == nil || state.LastPollError != nil {
		t.Errorf("poll-state = %+v", state)
	}
}

func TestBucketEndpoints(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/bucket/b-1/complete", "")
	if got := decode[model.CompleteResponse](t, rec); !got.Complete || api.buckets.bucket != "b-1" {
		t.Errorf("complete: %+v bucket=%q", got, api.buckets.bucket)
	}

	api.buckets.err = &service.ClientError{Kind: service.ErrForbidden, Message: "Access to global S3 cache is forbidden"}
	rec = api.do(t, http.MethodGet, "/bucket/cache/percentage", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, ожидалось 403", rec.Code)
	}
	if got := decode[errorResponse](t, rec); got.Error.Message != "Access to global S3 cache is forbidden" {
		t.Errorf("message = %q", got.Error.Message)
	}
}

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name   string
		pg     ReadinessChecker
		icat   ReadinessChecker
		status int
		want   string
	}{
		{"все доступны", stubChecker{"ok"}, stubChecker{"ok"}, http.StatusOK, "ok"},
		{"ICAT деградирован", stubChecker{"ok"}, stubChecker{"degraded"}, http.StatusOK, "degraded"},
		{"БД недоступна", stubChecker{"fail"}, stubChecker{"ok"}, http.StatusServiceUnavailable, "fail"},
		{"не инициализирован", nil, stubChecker{"ok"}, http.StatusServiceUnavailable, "fail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.pg, tt.icat)
			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if rec.Code != tt.status {
				t.Errorf("status = %d, ожидалось %d", rec.Code, tt.status)
			}
			if got := decode[healthReadyResponse](t, rec); got.Status != tt.want {
				t.Errorf("итог = %q, ожидалось %q", got.Status, tt.want)
			}
		})
	}
}

func TestHealthReady_FTS(t *testing.T) {
	h := NewHealthHandler(stubChecker{"ok"}, stubChecker{"ok"}).WithFTS(stubChecker{"degraded"})
	rec := httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, ожидалось 200", rec.Code)
	}
	got := decode[healthReadyResponse](t, rec)
	if got.Status != "degraded" {
		t.Errorf("итог = %q, ожидалось degraded", got.Status)
	}
	if got.Checks.FTS == nil || got.Checks.FTS.Status != "degraded" {
		t.Errorf("checks.fts = %+v", got.Checks.FTS)
	}
}

type stubChecker struct{ status string }

func (s stubChecker) CheckReady() (string, string) { return s.status, "" }
