package handlers

import (
	"net/http"

	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
)

// GetBucketComplete — GET /bucket/{name}/complete.
// Обновляет состояния заданий корзины и копирует готовые файлы из кэша.
func (h *APIHandler) GetBucketComplete(w http.ResponseWriter, r *http.Request, name string) {
	complete, err := h.svc.Buckets.Complete(r.Context(), name)
	if err != nil {
		h.writeServiceError(w, r, "bucket complete", err)
		return
	}
	writeJSON(w, http.StatusOK, model.CompleteResponse{Complete: complete})
}

// GetBucketPercentage — GET /bucket/{name}/percentage.
func (h *APIHandler) GetBucketPercentage(w http.ResponseWriter, r *http.Request, name string) {
	pct, err := h.svc.Buckets.Percentage(r.Context(), name)
	if err != nil {
		h.writeServiceError(w, r, "bucket percentage", err)
		return
	}
	writeJSON(w, http.StatusOK, model.PercentageResponse{PercentageComplete: pct})
}
