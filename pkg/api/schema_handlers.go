package api

import (
	"net/http"
	"strconv"

	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
)

func pathVersion(r *http.Request) (int, error) {
	v, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || v < 1 {
		return 0, errs.Newf(errs.CodeValidation, "invalid version %q", r.PathValue("version"))
	}
	return v, nil
}

func (s *Server) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	if _, err := caller(r); err != nil {
		WriteProblem(w, r, err)
		return
	}
	var def contracts.SchemaDefinition
	if err := decodeBody(r, &def); err != nil {
		WriteProblem(w, r, err)
		return
	}
	if err := s.schemas.SaveDraft(r.Context(), &def); err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	if _, err := caller(r); err != nil {
		WriteProblem(w, r, err)
		return
	}
	names, err := s.schemas.ListEntities(r.Context())
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": names})
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	if _, err := caller(r); err != nil {
		WriteProblem(w, r, err)
		return
	}
	version, err := pathVersion(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	def, err := s.schemas.Get(r.Context(), r.PathValue("entity"), version)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

type compileRequest struct {
	OverlaySet contracts.OverlaySet `json:"overlaySet,omitempty"`
}

// handleCompile runs the compiler and returns the full result including
// diagnostics. A failed compilation is a 200 with success=false; the caller
// asked for diagnostics, not for the model.
func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	version, err := pathVersion(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var req compileRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			WriteProblem(w, r, err)
			return
		}
	}
	result, err := s.compiler.Compile(r.Context(), rc, r.PathValue("entity"), version, req.OverlaySet)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handlePublish compiles and, on success, records the publish artifact.
// ERROR diagnostics block publication.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	version, err := pathVersion(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var req compileRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			WriteProblem(w, r, err)
			return
		}
	}
	entity := r.PathValue("entity")

	result, err := s.compiler.Compile(r.Context(), rc, entity, version, req.OverlaySet)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	if !result.Success {
		WriteProblem(w, r, errs.Newf(errs.CodeValidation,
			"schema %q version %d does not compile: %s", entity, version, result.Diagnostics.Summary()).
			WithDetail("diagnostics", result.Diagnostics))
		return
	}

	artifact, err := s.schemas.Publish(r.Context(), &contracts.PublishArtifact{
		EntityName:         entity,
		Version:            version,
		CompiledHash:       result.Model.OutputHash,
		DiagnosticsSummary: result.Diagnostics.Summary(),
		AppliedOverlaySet:  req.OverlaySet,
		PublishedBy:        rc.UserID,
	})
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	s.validator.Invalidate(r.Context(), entity, version)
	writeJSON(w, http.StatusCreated, artifact)
}

func (s *Server) handleSaveOverlay(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var o contracts.Overlay
	if err := decodeBody(r, &o); err != nil {
		WriteProblem(w, r, err)
		return
	}
	if o.TenantID == "" {
		o.TenantID = rc.TenantID
	}
	if err := s.overlays.Save(r.Context(), &o); err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleListOverlays(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	overlays, err := s.overlays.ListByTenant(r.Context(), rc.TenantID)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"overlays": overlays})
}

func (s *Server) handlePublishOverlay(w http.ResponseWriter, r *http.Request) {
	if _, err := caller(r); err != nil {
		WriteProblem(w, r, err)
		return
	}
	if err := s.overlays.SetStatus(r.Context(), r.PathValue("id"), contracts.OverlayPublished); err != nil {
		WriteProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type saveRulesRequest struct {
	Rules []contracts.ValidationRule `json:"rules"`
}

func (s *Server) handleSaveRules(w http.ResponseWriter, r *http.Request) {
	if _, err := caller(r); err != nil {
		WriteProblem(w, r, err)
		return
	}
	version, err := pathVersion(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var req saveRulesRequest
	if err := decodeBody(r, &req); err != nil {
		WriteProblem(w, r, err)
		return
	}
	entity := r.PathValue("entity")
	for i, rule := range req.Rules {
		if err := s.rules.Save(r.Context(), entity, version, i, rule); err != nil {
			WriteProblem(w, r, err)
			return
		}
	}
	s.validator.Invalidate(r.Context(), entity, version)
	writeJSON(w, http.StatusOK, map[string]any{"saved": len(req.Rules)})
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	if _, err := caller(r); err != nil {
		WriteProblem(w, r, err)
		return
	}
	model, err := s.models.ModelFor(r.Context(), r.PathValue("entity"))
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	graph, err := s.validator.GraphFor(r.Context(), model)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, graph)
}
