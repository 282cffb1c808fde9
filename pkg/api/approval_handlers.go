package api

import (
	"net/http"

	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
)

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	instance, err := s.approvals.Get(r.Context(), rc, r.PathValue("id"))
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

type decideRequest struct {
	Verb contracts.DecisionVerb `json:"verb"`
	Note string                 `json:"note,omitempty"`
}

func (s *Server) handleDecideTask(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var req decideRequest
	if err := decodeBody(r, &req); err != nil {
		WriteProblem(w, r, err)
		return
	}
	if req.Verb != contracts.DecisionApprove && req.Verb != contracts.DecisionReject {
		WriteProblem(w, r, errs.Newf(errs.CodeValidation, "verb must be approve or reject"))
		return
	}
	instance, err := s.approvals.Decide(r.Context(), rc, r.PathValue("taskId"), req.Verb, req.Note)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelApproval(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			WriteProblem(w, r, err)
			return
		}
	}
	if err := s.approvals.Cancel(r.Context(), rc, r.PathValue("id"), req.Reason); err != nil {
		WriteProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
