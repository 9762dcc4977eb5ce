package handlers

import (
	"encoding/json"
	"net/http"
)

// BackendStatus reports the active backend mode, connectivity and cost.
func (a *App) BackendStatus(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, a.Orchestrator.GetBackendStatus(r.Context()))
}

type setModeRequest struct {
	Remote bool `json:"remote"`
}

// SetBackendMode switches between local and remote generation backends.
func (a *App) SetBackendMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	status, err := a.Orchestrator.SetBackendMode(r.Context(), req.Remote)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, status)
}
