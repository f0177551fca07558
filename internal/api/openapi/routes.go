package openapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	apierrors "github.com/bigkaa/goartstore/archive-broker/internal/api/errors"
)

// GetDatasetStatusParams — query-параметры GET /dataset/{id}/status.
type GetDatasetStatusParams struct {
	ListFiles *bool `form:"list_files,omitempty" json:"list_files,omitempty"`
}

// ListJobsParams — query-параметры GET /jobs.
type ListJobsParams struct {
	Operation  *string `form:"operation,omitempty" json:"operation,omitempty"`
	State      *string `form:"state,omitempty" json:"state,omitempty"`
	DatasetID  *int64  `form:"dataset_id,omitempty" json:"dataset_id,omitempty"`
	BucketName *string `form:"bucket_name,omitempty" json:"bucket_name,omitempty"`
	Limit      *int    `form:"limit,omitempty" json:"limit,omitempty"`
	Offset     *int    `form:"offset,omitempty" json:"offset,omitempty"`
}

// ServerInterface — операции документа, по одному методу на operationId.
type ServerInterface interface {
	// (POST /login)
	Login(w http.ResponseWriter, r *http.Request)
	// (GET /version)
	GetVersion(w http.ResponseWriter, r *http.Request)
	// (POST /archive/{source})
	Archive(w http.ResponseWriter, r *http.Request, source string)
	// (PUT /dataset/{id}/retry/{source})
	RetryDataset(w http.ResponseWriter, r *http.Request, id int64, source string)
	// (POST /restore/{destination})
	Restore(w http.ResponseWriter, r *http.Request, destination string)
	// (POST /transfer/{source}/{destination})
	Transfer(w http.ResponseWriter, r *http.Request, source string, destination string)
	// (GET /dataset/{id}/status)
	GetDatasetStatus(w http.ResponseWriter, r *http.Request, id int64, params GetDatasetStatusParams)
	// (PUT /dataset/{id}/status)
	SetDatasetStatus(w http.ResponseWriter, r *http.Request, id int64)
	// (PUT /datafile/{id}/status)
	SetDatafileStatus(w http.ResponseWriter, r *http.Request, id int64)
	// (DELETE /job/{id})
	CancelJob(w http.ResponseWriter, r *http.Request, id string)
	// (GET /job/{id}/status)
	GetJobStatus(w http.ResponseWriter, r *http.Request, id string)
	// (GET /job/{id}/complete)
	GetJobComplete(w http.ResponseWriter, r *http.Request, id string)
	// (GET /job/{id}/percentage)
	GetJobPercentage(w http.ResponseWriter, r *http.Request, id string)
	// (GET /jobs)
	ListJobs(w http.ResponseWriter, r *http.Request, params ListJobsParams)
	// (GET /jobs/poll-state)
	GetPollState(w http.ResponseWriter, r *http.Request)
	// (GET /bucket/{name}/complete)
	GetBucketComplete(w http.ResponseWriter, r *http.Request, name string)
	// (GET /bucket/{name}/percentage)
	GetBucketPercentage(w http.ResponseWriter, r *http.Request, name string)
	// (GET /health/live)
	HealthLive(w http.ResponseWriter, r *http.Request)
	// (GET /health/ready)
	HealthReady(w http.ResponseWriter, r *http.Request)
	// (GET /metrics)
	GetMetrics(w http.ResponseWriter, r *http.Request)
}

// HandlerFromMux регистрирует все операции на router.
func HandlerFromMux(si ServerInterface, r chi.Router) http.Handler {
	b := binder{si: si}

	r.Post("/login", si.Login)
	r.Get("/version", si.GetVersion)
	r.Get("/health/live", si.HealthLive)
	r.Get("/health/ready", si.HealthReady)
	r.Get("/metrics", si.GetMetrics)
	r.Get("/openapi.yaml", SpecHandler)

	r.Post("/archive/{source}", b.archive)
	r.Post("/restore/{destination}", b.restore)
	r.Post("/transfer/{source}/{destination}", b.transfer)

	r.Put("/dataset/{id}/retry/{source}", b.retryDataset)
	r.Get("/dataset/{id}/status", b.getDatasetStatus)
	r.Put("/dataset/{id}/status", b.setDatasetStatus)
	r.Put("/datafile/{id}/status", b.setDatafileStatus)

	r.Delete("/job/{id}", b.cancelJob)
	r.Get("/job/{id}/status", b.getJobStatus)
	r.Get("/job/{id}/complete", b.getJobComplete)
	r.Get("/job/{id}/percentage", b.getJobPercentage)
	r.Get("/jobs", b.listJobs)
	r.Get("/jobs/poll-state", si.GetPollState)

	r.Get("/bucket/{name}/complete", b.getBucketComplete)
	r.Get("/bucket/{name}/percentage", b.getBucketPercentage)

	return r
}

// binder разбирает параметры пути и query и вызывает ServerInterface.
type binder struct {
	si ServerInterface
}

func pathString(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	var v string
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &v,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		apierrors.ValidationError(w, "Некорректный параметр "+name+": "+err.Error())
		return "", false
	}
	return v, true
}

func pathInt64(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	var v int64
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &v,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		apierrors.ValidationError(w, "Некорректный параметр "+name+": "+err.Error())
		return 0, false
	}
	return v, true
}

func queryParam(w http.ResponseWriter, r *http.Request, name string, dest any) bool {
	if err := runtime.BindQueryParameter("form", true, false, name, r.URL.Query(), dest); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр "+name+": "+err.Error())
		return false
	}
	return true
}

func (b binder) archive(w http.ResponseWriter, r *http.Request) {
	source, ok := pathString(w, r, "source")
	if !ok {
		return
	}
	b.si.Archive(w, r, source)
}

func (b binder) restore(w http.ResponseWriter, r *http.Request) {
	destination, ok := pathString(w, r, "destination")
	if !ok {
		return
	}
	b.si.Restore(w, r, destination)
}

func (b binder) transfer(w http.ResponseWriter, r *http.Request) {
	source, ok := pathString(w, r, "source")
	if !ok {
		return
	}
	destination, ok := pathString(w, r, "destination")
	if !ok {
		return
	}
	b.si.Transfer(w, r, source, destination)
}

func (b binder) retryDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	source, ok := pathString(w, r, "source")
	if !ok {
		return
	}
	b.si.RetryDataset(w, r, id, source)
}

func (b binder) getDatasetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	var params GetDatasetStatusParams
	if !queryParam(w, r, "list_files", &params.ListFiles) {
		return
	}
	b.si.GetDatasetStatus(w, r, id, params)
}

func (b binder) setDatasetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	b.si.SetDatasetStatus(w, r, id)
}

func (b binder) setDatafileStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	b.si.SetDatafileStatus(w, r, id)
}

func (b binder) cancelJob(w http.ResponseWriter, r *http.Request) {
	if id, ok := pathString(w, r, "id"); ok {
		b.si.CancelJob(w, r, id)
	}
}

func (b binder) getJobStatus(w http.ResponseWriter, r *http.Request) {
	if id, ok := pathString(w, r, "id"); ok {
		b.si.GetJobStatus(w, r, id)
	}
}

func (b binder) getJobComplete(w http.ResponseWriter, r *http.Request) {
	if id, ok := pathString(w, r, "id"); ok {
		b.si.GetJobComplete(w, r, id)
	}
}

func (b binder) getJobPercentage(w http.ResponseWriter, r *http.Request) {
	if id, ok := pathString(w, r, "id"); ok {
		b.si.GetJobPercentage(w, r, id)
	}
}

func (b binder) listJobs(w http.ResponseWriter, r *http.Request) {
	var params ListJobsParams
	if !queryParam(w, r, "operation", &params.Operation) ||
		!queryParam(w, r, "state", &params.State) ||
		!queryParam(w, r, "dataset_id", &params.DatasetID) ||
		!queryParam(w, r, "bucket_name", &params.BucketName) ||
		!queryParam(w, r, "limit", &params.Limit) ||
		!queryParam(w, r, "offset", &params.Offset) {
		return
	}
	b.si.ListJobs(w, r, params)
}

func (b binder) getBucketComplete(w http.ResponseWriter, r *http.Request) {
	if name, ok := pathString(w, r, "name"); ok {
		b.si.GetBucketComplete(w, r, name)
	}
}

func (b binder) getBucketPercentage(w http.ResponseWriter, r *http.Request) {
	if name, ok := pathString(w, r, "name"); ok {
		b.si.GetBucketPercentage(w, r, name)
	}
}
