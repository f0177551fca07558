package handlers

import (
	"net/http"

	"github.com/bigkaa/goartstore/archive-broker/internal/config"
	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
)

// Login — POST /login. Учётные данные передаются в каталог,
// клиенту возвращается sessionId.
func (h *APIHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sid, err := h.svc.Sessions.Login(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "login", err)
		return
	}

	writeJSON(w, http.StatusOK, model.LoginResponse{SessionID: sid})
}

// GetVersion — GET /version.
func (h *APIHandler) GetVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, model.VersionResponse{Version: config.Version})
}
