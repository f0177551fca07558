package handlers

import (
	"net/http"

	"github.com/bigkaa/goartstore/archive-broker/internal/api/openapi"
	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
)

// GetDatasetStatus — GET /dataset/{id}/status.
// Для нетерминального датасета опрашивает FTS и обновляет каталог.
func (h *APIHandler) GetDatasetStatus(w http.ResponseWriter, r *http.Request, id int64, params openapi.GetDatasetStatusParams) {
	listFiles := params.ListFiles != nil && *params.ListFiles

	status, err := h.svc.Status.DatasetStatus(r.Context(), sessionID(r), id, listFiles)
	if err != nil {
		h.writeServiceError(w, r, "dataset status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// SetDatasetStatus — PUT /dataset/{id}/status (администратор).
func (h *APIHandler) SetDatasetStatus(w http.ResponseWriter, r *http.Request, id int64) {
	var req model.StatusUpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.svc.Status.SetDatasetStatus(r.Context(), sessionID(r), id, req); err != nil {
		h.writeServiceError(w, r, "set dataset status", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetDatafileStatus — PUT /datafile/{id}/status (администратор).
func (h *APIHandler) SetDatafileStatus(w http.ResponseWriter, r *http.Request, id int64) {
	var req model.StatusUpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.svc.Status.SetDatafileStatus(r.Context(), sessionID(r), id, req); err != nil {
		h.writeServiceError(w, r, "set datafile status", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
