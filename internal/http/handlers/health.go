package handlers

import (
	"net/http"
)

// Health reports process, database and backend health.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if a.DB != nil {
		if err := a.DB.Ping(r.Context()); err != nil {
			dbOK = false
		}
	}
	status := "ok"
	code := http.StatusOK
	if !dbOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	a.json(w, code, map[string]any{
		"status":  status,
		"db":      dbOK,
		"backend": a.Orchestrator.GetBackendStatus(r.Context()).Connected,
	})
}
