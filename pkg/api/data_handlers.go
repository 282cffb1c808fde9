package api

import (
	"encoding/json"
	"net/http"

	"github.com/lattice-hq/lattice/pkg/data"
	"github.com/lattice-hq/lattice/pkg/errs"
	"github.com/lattice-hq/lattice/pkg/reqctx"
)

// caller extracts the request context placed by the auth middleware.
func caller(r *http.Request) (*reqctx.RequestContext, error) {
	rc := reqctx.From(r.Context())
	if rc == nil {
		return nil, errs.New(errs.CodeUnauthorized, "no request context")
	}
	return rc, nil
}

func decodeBody(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return errs.Wrap(errs.CodeValidation, "malformed request body", err)
	}
	return nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var input map[string]any
	if err := decodeBody(r, &input); err != nil {
		WriteProblem(w, r, err)
		return
	}
	record, err := s.data.Create(r.Context(), rc, r.PathValue("entity"), input)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleBulkCreate(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var inputs []map[string]any
	if err := decodeBody(r, &inputs); err != nil {
		WriteProblem(w, r, err)
		return
	}
	result, err := s.data.BulkCreate(r.Context(), rc, r.PathValue("entity"), inputs)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	status := http.StatusCreated
	if len(result.Skipped) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, result)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	record, err := s.data.Get(r.Context(), rc, r.PathValue("entity"), r.PathValue("id"))
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var q data.Query
	if err := decodeBody(r, &q); err != nil {
		WriteProblem(w, r, err)
		return
	}
	result, err := s.data.Query(r.Context(), rc, r.PathValue("entity"), &q)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var input map[string]any
	if err := decodeBody(r, &input); err != nil {
		WriteProblem(w, r, err)
		return
	}
	record, err := s.data.Update(r.Context(), rc, r.PathValue("entity"), r.PathValue("id"), input)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	if err := s.data.Delete(r.Context(), rc, r.PathValue("entity"), r.PathValue("id")); err != nil {
		WriteProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	record, err := s.data.Restore(r.Context(), rc, r.PathValue("entity"), r.PathValue("id"))
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var payload map[string]any
	if r.ContentLength > 0 {
		if err := decodeBody(r, &payload); err != nil {
			WriteProblem(w, r, err)
			return
		}
	}
	result, err := s.data.Transition(r.Context(), rc,
		r.PathValue("entity"), r.PathValue("id"), r.PathValue("operation"), payload)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAvailableTransitions(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	transitions, err := s.lifecycle.AvailableTransitions(r.Context(), rc,
		r.PathValue("entity"), r.PathValue("id"))
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": transitions})
}
