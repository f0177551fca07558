package handlers

import (
	"net/http"

	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
)

// Restore — POST /restore/{destination}.
func (h *APIHandler) Restore(w http.ResponseWriter, r *http.Request, destination string) {
	var req model.TransferRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.svc.Transfers.Restore(r.Context(), sessionID(r), destination, &req)
	if err != nil {
		h.writeServiceError(w, r, "restore", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Transfer — POST /transfer/{source}/{destination}.
func (h *APIHandler) Transfer(w http.ResponseWriter, r *http.Request, source, destination string) {
	var req model.TransferRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.svc.Transfers.Transfer(r.Context(), sessionID(r), source, destination, &req)
	if err != nil {
		h.writeServiceError(w, r, "transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
