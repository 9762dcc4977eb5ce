package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"atelier/internal/domain"
	"atelier/internal/infra"
	"atelier/internal/orchestrator"
)

type App struct {
	Orchestrator *orchestrator.Orchestrator
	Files        domain.FileStore
	DB           *pgxpool.Pool
	Logger       infra.Logger
}

func NewApp(orch *orchestrator.Orchestrator, files domain.FileStore, db *pgxpool.Pool, logger infra.Logger) *App {
	return &App{Orchestrator: orch, Files: files, DB: db, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, errorResponse{Code: code, Message: message})
}

// fail maps domain errors onto HTTP statuses.
func (a *App) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, domain.ErrDuplicateOperation):
		a.error(w, http.StatusConflict, "conflict", "operation already in progress")
	default:
		switch domain.KindOf(err) {
		case domain.KindValidation:
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		case domain.KindResource:
			a.error(w, http.StatusServiceUnavailable, "backend_busy", err.Error())
		case domain.KindConnection:
			a.error(w, http.StatusBadGateway, "backend_unreachable", err.Error())
		case domain.KindLifecycle:
			a.error(w, http.StatusBadGateway, "lifecycle", err.Error())
		default:
			a.Logger.Error().Err(err).Msg("handler: internal error")
			a.error(w, http.StatusInternalServerError, "internal", "internal error")
		}
	}
}
