// Package reqctx carries the immutable per-request tuple (tenant, realm,
// user, roles, correlation id) through context.Context.
package reqctx

import (
	"context"

	"github.com/google/uuid"
)

// RequestContext identifies the caller for every operation in the platform.
// It is constructed once at the transport boundary and never mutated; callers
// that need altered metadata derive a copy via WithMetadata.
type RequestContext struct {
	UserID    string         `json:"user_id"`
	TenantID  string         `json:"tenant_id"`
	RealmID   string         `json:"realm_id"`
	Roles     []string       `json:"roles"`
	OrgKey    string         `json:"org_key,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// System returns a context used by background workers (timers, drain).
func System(tenantID string) *RequestContext {
	return &RequestContext{
		UserID:    "system",
		TenantID:  tenantID,
		RealmID:   "system",
		Roles:     []string{"system"},
		RequestID: uuid.New().String(),
	}
}

// HasRole reports whether the caller carries the given role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// MetaBool reads a boolean metadata flag, false when absent or mistyped.
func (rc *RequestContext) MetaBool(key string) bool {
	if rc == nil || rc.Metadata == nil {
		return false
	}
	v, ok := rc.Metadata[key].(bool)
	return ok && v
}

// WithMetadata returns a shallow copy with one metadata key set. The original
// context is left untouched.
func (rc *RequestContext) WithMetadata(key string, value any) *RequestContext {
	cp := *rc
	cp.Metadata = make(map[string]any, len(rc.Metadata)+1)
	for k, v := range rc.Metadata {
		cp.Metadata[k] = v
	}
	cp.Metadata[key] = value
	return &cp
}

type ctxKey struct{}

// Into attaches rc to a context.Context.
func Into(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From extracts the RequestContext, nil if absent.
func From(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(ctxKey{}).(*RequestContext)
	return rc
}
