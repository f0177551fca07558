package handlers

import (
	"log/slog"
	"net/http"

	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
)

// Archive — POST /archive/{source}.
func (h *APIHandler) Archive(w http.ResponseWriter, r *http.Request, source string) {
	var req model.ArchiveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.svc.Archive.Archive(r.Context(), sessionID(r), source, &req)
	if err != nil {
		h.writeServiceError(w, r, "archive", err)
		return
	}

	h.logger.Info("Датасет отправлен на архивацию",
		slog.String("source", source),
		slog.String("dataset", req.Dataset.Name),
		slog.Any("dataset_ids", resp.DatasetIDs),
		slog.Any("job_ids", resp.JobIDs),
	)
	writeJSON(w, http.StatusOK, resp)
}

// RetryDataset — PUT /dataset/{id}/retry/{source}.
func (h *APIHandler) RetryDataset(w http.ResponseWriter, r *http.Request, id int64, source string) {
	resp, err := h.svc.Archive.Retry(r.Context(), sessionID(r), id, source)
	if err != nil {
		h.writeServiceError(w, r, "retry", err)
		return
	}

	h.logger.Info("Повторная архивация датасета",
		slog.Int64("dataset_id", id),
		slog.Any("job_ids", resp.JobIDs),
	)
	writeJSON(w, http.StatusOK, resp)
}
