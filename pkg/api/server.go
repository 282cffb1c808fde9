package api

import (
	"log/slog"
	"net/http"

	"github.com/lattice-hq/lattice/pkg/approval"
	"github.com/lattice-hq/lattice/pkg/auth"
	"github.com/lattice-hq/lattice/pkg/compiler"
	"github.com/lattice-hq/lattice/pkg/data"
	"github.com/lattice-hq/lattice/pkg/lifecycle"
	"github.com/lattice-hq/lattice/pkg/overlay"
	"github.com/lattice-hq/lattice/pkg/schema"
	"github.com/lattice-hq/lattice/pkg/timer"
	"github.com/lattice-hq/lattice/pkg/validation"
)

// Server wires the platform services to HTTP.
type Server struct {
	data      *data.Service
	schemas   *schema.Registry
	overlays  *overlay.Store
	compiler  *compiler.Service
	models    *compiler.Models
	rules     *validation.PostgresRuleSource
	validator *validation.Engine
	lifecycle *lifecycle.Manager
	approvals *approval.Engine
	timers    *timer.Service
	logger    *slog.Logger
}

// NewServer creates the API server over the assembled services.
func NewServer(
	dataSvc *data.Service,
	schemas *schema.Registry,
	overlays *overlay.Store,
	comp *compiler.Service,
	models *compiler.Models,
	rules *validation.PostgresRuleSource,
	validator *validation.Engine,
	lc *lifecycle.Manager,
	approvals *approval.Engine,
	timers *timer.Service,
	logger *slog.Logger,
) *Server {
	return &Server{
		data:      dataSvc,
		schemas:   schemas,
		overlays:  overlays,
		compiler:  comp,
		models:    models,
		rules:     rules,
		validator: validator,
		lifecycle: lc,
		approvals: approvals,
		timers:    timers,
		logger:    logger.With("component", "api"),
	}
}

// Routes builds the route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	// schema authoring
	mux.HandleFunc("POST /api/schema/entities", s.handleSaveDraft)
	mux.HandleFunc("GET /api/schema/entities", s.handleListEntities)
	mux.HandleFunc("GET /api/schema/entities/{entity}/versions/{version}", s.handleGetSchema)
	mux.HandleFunc("POST /api/schema/entities/{entity}/versions/{version}/compile", s.handleCompile)
	mux.HandleFunc("POST /api/schema/entities/{entity}/versions/{version}/publish", s.handlePublish)

	// overlays
	mux.HandleFunc("POST /api/schema/overlays", s.handleSaveOverlay)
	mux.HandleFunc("GET /api/schema/overlays", s.handleListOverlays)
	mux.HandleFunc("POST /api/schema/overlays/{id}/publish", s.handlePublishOverlay)

	// validation rules
	mux.HandleFunc("PUT /api/schema/entities/{entity}/versions/{version}/rules", s.handleSaveRules)
	mux.HandleFunc("GET /api/schema/entities/{entity}/rules", s.handleGetRules)

	// generic data surface
	mux.HandleFunc("POST /api/data/{entity}", s.handleCreate)
	mux.HandleFunc("POST /api/data/{entity}/bulk", s.handleBulkCreate)
	mux.HandleFunc("POST /api/data/{entity}/query", s.handleQuery)
	mux.HandleFunc("GET /api/data/{entity}/{id}", s.handleGet)
	mux.HandleFunc("PATCH /api/data/{entity}/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /api/data/{entity}/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/data/{entity}/{id}/restore", s.handleRestore)

	// lifecycle
	mux.HandleFunc("POST /api/data/{entity}/{id}/transition/{operation}", s.handleTransition)
	mux.HandleFunc("GET /api/data/{entity}/{id}/transitions", s.handleAvailableTransitions)

	// approvals
	mux.HandleFunc("GET /api/approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /api/approvals/tasks/{taskId}/decide", s.handleDecideTask)
	mux.HandleFunc("POST /api/approvals/{id}/cancel", s.handleCancelApproval)

	return mux
}

// Handler assembles the full middleware chain around the routes.
func (s *Server) Handler(validator *auth.Validator, limiter *RateLimiter) http.Handler {
	var h http.Handler = s.Routes()
	h = auth.NewMiddleware(validator, WriteUnauthorized)(h)
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	h = auth.RequestIDMiddleware(h)
	return h
}
