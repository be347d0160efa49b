package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"qualia-backend/interfaces/http/rest/handlers"
	"qualia-backend/interfaces/http/rest/middleware"
)

// NewRouter wires the HTTP API. Metrics and health endpoints are
// mounted by the caller so the worker binary can expose them without
// pulling the full API in.
func NewRouter(entityHandler *handlers.EntityHandler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/entities/{entityID}", func(r chi.Router) {
			r.Get("/", entityHandler.GetEntity)
			r.Get("/graph", entityHandler.GetGraph)
			r.Get("/versions/{versionID}", entityHandler.GetVersion)
			r.Get("/audits", entityHandler.ListAudits)
			r.Get("/messages", entityHandler.ListMessages)
			r.Post("/messages", entityHandler.AppendMessage)
			r.Post("/compact", entityHandler.TriggerCompaction)
		})
	})

	return r
}
