package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bigkaa/goartstore/archive-broker/internal/api/openapi"
	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-broker/internal/repository"
)

// CancelJob — DELETE /job/{id} (администратор).
func (h *APIHandler) CancelJob(w http.ResponseWriter, r *http.Request, id string) {
	state, err := h.svc.Jobs.Cancel(r.Context(), sessionID(r), id)
	if err != nil {
		h.writeServiceError(w, r, "cancel job", err)
		return
	}

	h.logger.Info("Задание FTS отменено",
		slog.String("job_id", id),
		slog.String("state", state),
	)
	writeJSON(w, http.StatusOK, model.CancelResponse{State: state})
}

// GetJobStatus — GET /job/{id}/status: ответ FTS как есть (администратор).
func (h *APIHandler) GetJobStatus(w http.ResponseWriter, r *http.Request, id string) {
	status, err := h.svc.Jobs.Status(r.Context(), sessionID(r), id)
	if err != nil {
		h.writeServiceError(w, r, "job status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetJobComplete — GET /job/{id}/complete.
func (h *APIHandler) GetJobComplete(w http.ResponseWriter, r *http.Request, id string) {
	complete, err := h.svc.Jobs.Complete(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "job complete", err)
		return
	}
	writeJSON(w, http.StatusOK, model.CompleteResponse{Complete: complete})
}

// GetJobPercentage — GET /job/{id}/percentage.
func (h *APIHandler) GetJobPercentage(w http.ResponseWriter, r *http.Request, id string) {
	pct, err := h.svc.Jobs.Percentage(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "job percentage", err)
		return
	}
	writeJSON(w, http.StatusOK, model.PercentageResponse{PercentageComplete: pct})
}

// transferJobResponse — запись реестра в ответе GET /jobs.
type transferJobResponse struct {
	JobID       string    `json:"job_id"`
	Operation   string    `json:"operation"`
	DatasetID   *int64    `json:"dataset_id,omitempty"`
	BucketName  *string   `json:"bucket_name,omitempty"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Transfers   int       `json:"transfers"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type transferJobListResponse struct {
	Items  []transferJobResponse `json:"items"`
	Total  int                   `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

type pollStateResponse struct {
	LastPollAt     *time.Time `json:"last_poll_at,omitempty"`
	LastPollError  *string    `json:"last_poll_error,omitempty"`
	DatasetsPolled int        `json:"datasets_polled"`
}

// ListJobs — GET /jobs (администратор).
func (h *APIHandler) ListJobs(w http.ResponseWriter, r *http.Request, params openapi.ListJobsParams) {
	limit, offset := paginationDefaults(params.Limit, params.Offset)
	filters := repository.TransferJobFilters{
		Operation:  params.Operation,
		State:      params.State,
		DatasetID:  params.DatasetID,
		BucketName: params.BucketName,
	}

	jobs, total, err := h.svc.Ledger.List(r.Context(), sessionID(r), filters, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, "list jobs", err)
		return
	}

	items := make([]transferJobResponse, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, transferJobToAPI(j))
	}

	writeJSON(w, http.StatusOK, transferJobListResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetPollState — GET /jobs/poll-state (администратор).
func (h *APIHandler) GetPollState(w http.ResponseWriter, r *http.Request) {
	state, err := h.svc.Ledger.PollState(r.Context(), sessionID(r))
	if err != nil {
		h.writeServiceError(w, r, "poll state", err)
		return
	}
	writeJSON(w, http.StatusOK, pollStateResponse{
		LastPollAt:     state.LastPollAt,
		LastPollError:  state.LastPollError,
		DatasetsPolled: state.DatasetsPolled,
	})
}

func transferJobToAPI(j *model.TransferJob) transferJobResponse {
	return transferJobResponse{
		JobID:       j.JobID,
		Operation:   j.Operation,
		DatasetID:   j.DatasetID,
		BucketName:  j.BucketName,
		Source:      j.Source,
		Destination: j.Destination,
		Transfers:   j.Transfers,
		State:       j.State,
		SubmittedAt: j.SubmittedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}
