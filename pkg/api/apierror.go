// Package api exposes the platform over HTTP: schema authoring, overlay
// management, compilation, and the generic data surface with lifecycle,
// approval, and timer operations. Errors follow RFC 7807.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/lattice-hq/lattice/pkg/errs"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). All
// error responses use this shape.
type ProblemDetail struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Instance string         `json:"instance,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
	Code     string         `json:"code,omitempty"`
	Errors   map[string]any `json:"errors,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem maps a taxonomy error to its RFC 7807 response. Internal
// errors are masked; the detail is only surfaced for coded errors.
func WriteProblem(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	status := errs.HTTPStatus(code)

	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://lattice.dev/errors/%s", code),
		Title:  string(code),
		Status: status,
		Code:   string(code),
	}
	if r != nil {
		problem.Instance = r.URL.Path
		problem.TraceID = w.Header().Get("X-Request-ID")
	}
	if code == errs.CodeInternal {
		problem.Detail = "internal error"
	} else {
		var e *errs.Error
		if errors.As(err, &e) {
			problem.Detail = e.Message
			problem.Errors = e.Details
		} else {
			problem.Detail = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 response with an explicit status and title.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://lattice.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteUnauthorized writes a 401 response. Used by the auth middleware.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSeconds int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded")
}

// writeJSON writes a JSON success response.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}
