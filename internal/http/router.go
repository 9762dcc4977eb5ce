package httpapi

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"atelier/internal/http/handlers"
	"atelier/internal/infra"
	"atelier/internal/middleware"
)

func NewRouter(app *handlers.App, logger infra.Logger) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, chimw.RealIP, chimw.Recoverer, middleware.Logger(logger))

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/sessions/{session_id}", func(r chi.Router) {
		r.Post("/steps", app.SubmitStep)
	})

	r.Route("/v1/steps/{step_id}", func(r chi.Router) {
		r.Get("/", app.StepStatus)
		r.Get("/artifacts", app.StepArtifacts)
		r.Get("/artifacts/archive", app.StepArchive)
		r.Post("/retry", app.RetryStep)
		r.Post("/cancel", app.CancelStep)
	})

	r.Route("/v1/backend", func(r chi.Router) {
		r.Get("/", app.BackendStatus)
		r.Put("/mode", app.SetBackendMode)
	})

	return r
}
