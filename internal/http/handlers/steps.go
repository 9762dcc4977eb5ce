package handlers

import (
	"encoding/json"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"atelier/internal/domain"
	"atelier/pkg/zip"
)

type submitStepRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Model          string  `json:"model"`
	Vae            string  `json:"vae"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	GuidanceScale  float64 `json:"guidance_scale"`
	Scheduler      string  `json:"scheduler"`
	BatchSize      int     `json:"batch_size"`
	Seed           *int64  `json:"seed"`
	ParentStepID   string  `json:"parent_step_id"`
}

// SubmitStep enqueues a generation step for a session.
func (a *App) SubmitStep(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if sessionID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "session_id required")
		return
	}
	var req submitStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	params := domain.GenerationParameters{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		ModelKey:       req.Model,
		VaeKey:         req.Vae,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		GuidanceScale:  req.GuidanceScale,
		Scheduler:      req.Scheduler,
		BatchSize:      req.BatchSize,
		Seed:           req.Seed,
	}
	result, err := a.Orchestrator.SubmitStep(r.Context(), sessionID, params, req.ParentStepID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusAccepted, result)
}

// StepStatus reports step progress and retrieval counts.
func (a *App) StepStatus(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "step_id")
	if stepID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "step_id required")
		return
	}
	report, err := a.Orchestrator.GetStepStatus(r.Context(), stepID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, report)
}

type artifactResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Path          string `json:"path,omitempty"`
	ThumbnailPath string `json:"thumbnail_path,omitempty"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
}

// StepArtifacts lists a step's artifact records.
func (a *App) StepArtifacts(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "step_id")
	if stepID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "step_id required")
		return
	}
	artifacts, err := a.Orchestrator.ListArtifacts(r.Context(), stepID)
	if err != nil {
		a.fail(w, err)
		return
	}
	out := make([]artifactResponse, 0, len(artifacts))
	for _, art := range artifacts {
		out = append(out, artifactResponse{
			ID:            art.ID,
			Status:        string(art.Status),
			Path:          art.Path,
			ThumbnailPath: art.ThumbnailPath,
			Attempts:      art.Attempts,
			LastError:     art.LastError,
		})
	}
	a.json(w, http.StatusOK, out)
}

// StepArchive bundles a step's retrieved images into a zip download.
func (a *App) StepArchive(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "step_id")
	if stepID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "step_id required")
		return
	}
	artifacts, err := a.Orchestrator.ListArtifacts(r.Context(), stepID)
	if err != nil {
		a.fail(w, err)
		return
	}
	entries := make([]zip.Entry, 0, len(artifacts))
	for _, art := range artifacts {
		if art.Status != domain.ArtifactStatusCompleted || art.Path == "" {
			continue
		}
		data, err := a.Files.Read(r.Context(), art.Path)
		if err != nil {
			a.Logger.Warn().Err(err).Str("artifact_id", art.ID).Msg("handler: archive read failed, skipping")
			continue
		}
		entries = append(entries, zip.Entry{Name: path.Base(art.Path), Data: data})
	}
	if len(entries) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "no retrieved images for step")
		return
	}
	archive, err := zip.Archive(entries)
	if err != nil {
		a.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="step-`+stepID+`.zip"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

// RetryStep re-runs failed retrievals for a step. With ?force=true the
// attempt cap is ignored (manual retry).
func (a *App) RetryStep(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "step_id")
	if stepID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "step_id required")
		return
	}
	force := r.URL.Query().Get("force") == "true"
	result, err := a.Orchestrator.RetryFailedRetrievals(r.Context(), stepID, force)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]int{
		"retried":   result.Retried,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	})
}

// CancelStep stops a step's background pipeline.
func (a *App) CancelStep(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "step_id")
	if stepID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "step_id required")
		return
	}
	cancelled := a.Orchestrator.CancelStep(stepID)
	a.json(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}
