// Package compiler turns declarative entity schemas plus overlay sets into
// the immutable, content-addressed Compiled Model IR. Compilation is
// deterministic: canonical JSON is the sole input to hashing, so logically
// equal inputs always produce the same inputHash.
package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lattice-hq/lattice/pkg/canonical"
	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
	"github.com/lattice-hq/lattice/pkg/reqctx"
)

// SchemaSource resolves base schema versions.
type SchemaSource interface {
	Get(ctx context.Context, entityName string, version int) (*contracts.SchemaDefinition, error)
}

// OverlaySource resolves the published overlays of an overlay set.
type OverlaySource interface {
	GetPublishedSet(ctx context.Context, set contracts.OverlaySet) ([]*contracts.Overlay, error)
}

// Cache receives successfully compiled models. Lookups and invalidation are
// the cache's own concern; the compiler only writes.
type Cache interface {
	Get(ctx context.Context, entityName string, version int, overlayHash string) (*contracts.CompiledModel, bool)
	Put(ctx context.Context, model *contracts.CompiledModel, overlayHash string) error
}

// Service is the schema/policy compiler.
type Service struct {
	schemas  SchemaSource
	overlays OverlaySource
	cache    Cache
	logger   *slog.Logger
	clock    func() time.Time
}

// New creates a compiler service. cache may be nil (compile-only mode).
func New(schemas SchemaSource, overlays OverlaySource, cache Cache, logger *slog.Logger) *Service {
	return &Service{
		schemas:  schemas,
		overlays: overlays,
		cache:    cache,
		logger:   logger.With("component", "compiler"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// OverlaySetHash content-addresses an overlay set for cache keying.
func OverlaySetHash(set contracts.OverlaySet) string {
	if len(set) == 0 {
		return "none"
	}
	h, err := canonical.Hash(set)
	if err != nil {
		// a []string cannot fail canonical marshalling
		return "none"
	}
	return h
}

// CompileCached returns the IR for (entity, version, overlaySet), consulting
// the cache first. Cache read failures degrade to recompilation.
func (s *Service) CompileCached(ctx context.Context, rc *reqctx.RequestContext, entityName string, version int, set contracts.OverlaySet) (*contracts.CompiledModel, error) {
	overlayHash := OverlaySetHash(set)
	if s.cache != nil {
		if model, ok := s.cache.Get(ctx, entityName, version, overlayHash); ok {
			return model, nil
		}
	}
	result, err := s.Compile(ctx, rc, entityName, version, set)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, errs.Newf(errs.CodeValidation, "schema %q version %d does not compile: %s",
			entityName, version, result.Diagnostics.Summary()).
			WithDetail("diagnostics", result.Diagnostics)
	}
	return result.Model, nil
}

// Compile runs the full pipeline: resolve base, apply overlays, validate,
// compile, hash. ERROR diagnostics yield Success=false and nothing is
// cached; the caller must never persist a failed result.
func (s *Service) Compile(ctx context.Context, rc *reqctx.RequestContext, entityName string, version int, set contracts.OverlaySet) (*contracts.CompilationResult, error) {
	base, err := s.schemas.Get(ctx, entityName, version)
	if err != nil {
		return nil, err
	}

	var overlays []*contracts.Overlay
	if len(set) > 0 {
		overlays, err = s.overlays.GetPublishedSet(ctx, set)
		if err != nil {
			return nil, err
		}
	}

	modified, diags := applyOverlays(base, overlays)
	if diags.HasErrors() {
		return &contracts.CompilationResult{Success: false, Diagnostics: diags}, nil
	}

	diags = append(diags, validateSchema(modified)...)
	if diags.HasErrors() {
		return &contracts.CompilationResult{Success: false, Diagnostics: diags}, nil
	}

	model, err := s.build(rc, modified, set)
	if err != nil {
		return nil, err
	}
	model.Diagnostics = diags

	if s.cache != nil {
		if err := s.cache.Put(ctx, model, OverlaySetHash(set)); err != nil {
			// cache failures never fail compilation
			s.logger.Warn("cache write failed", "entity", entityName, "version", version, "error", err)
		}
	}
	return &contracts.CompilationResult{Success: true, Model: model, Diagnostics: diags}, nil
}

// hashableInput is the canonical compilation input fed to inputHash.
type hashableInput struct {
	EntityName string                   `json:"entityName"`
	Version    int                      `json:"version"`
	Fields     []contracts.FieldDef     `json:"fields"`
	Policies   []contracts.PolicyDef    `json:"policies"`
	Metadata   map[string]any           `json:"metadata"`
	OverlaySet contracts.OverlaySet     `json:"overlaySet"`
}

// hashableOutput is the IR with volatile fields (hashes, timestamps, actor,
// diagnostics) excluded, so repeat compiles hash identically.
type hashableOutput struct {
	EntityName   string                     `json:"entityName"`
	Version      int                        `json:"version"`
	TableName    string                     `json:"tableName"`
	Fields       []contracts.CompiledField  `json:"fields"`
	Policies     []contracts.CompiledPolicy `json:"policies"`
	SelectClause string                     `json:"selectClause"`
	FromClause   string                     `json:"fromClause"`
	TenantFilter string                     `json:"tenantFilter"`
	Indexes      []contracts.IndexSpec      `json:"indexes"`
	Metadata     map[string]any             `json:"metadata"`
	OverlaySet   contracts.OverlaySet       `json:"overlaySet"`
}

func (s *Service) build(rc *reqctx.RequestContext, def *contracts.SchemaDefinition, set contracts.OverlaySet) (*contracts.CompiledModel, error) {
	table := TableName(def.EntityName)

	fields := make([]contracts.CompiledField, 0, len(def.Fields))
	selects := make([]string, 0, len(def.Fields))
	var indexes []contracts.IndexSpec
	for _, f := range def.Fields {
		col := SnakeCase(f.Name)
		cf := contracts.CompiledField{
			APIName:     f.Name,
			ColumnName:  col,
			SelectAs:    fmt.Sprintf("%s as %s", col, f.Name),
			Type:        f.Type,
			Required:    f.Required,
			ReferenceTo: f.ReferenceTo,
			OnDelete:    f.OnDelete,
			EnumValues:  f.EnumValues,
			MinLength:   f.MinLength,
			MaxLength:   f.MaxLength,
			Min:         f.Min,
			Max:         f.Max,
			Pattern:     f.Pattern,
			Default:     f.Default,
			JSONSchema:  f.JSONSchema,
			Indexed:     f.Indexed,
			Unique:      f.Unique,
		}
		fields = append(fields, cf)
		selects = append(selects, cf.SelectAs)
		if f.Indexed || f.Unique {
			indexes = append(indexes, contracts.IndexSpec{Column: col, Unique: f.Unique})
		}
	}

	policies := make([]contracts.CompiledPolicy, 0, len(def.Policies))
	for _, p := range def.Policies {
		policies = append(policies, contracts.CompiledPolicy{
			Name:       p.Name,
			Effect:     p.Effect,
			Action:     p.Action,
			Resource:   p.Resource,
			Conditions: p.Conditions,
			Fields:     p.Fields,
			Priority:   p.Priority,
		})
	}

	inputHash, err := canonical.Hash(hashableInput{
		EntityName: def.EntityName,
		Version:    def.Version,
		Fields:     def.Fields,
		Policies:   def.Policies,
		Metadata:   def.Metadata,
		OverlaySet: set,
	})
	if err != nil {
		return nil, fmt.Errorf("compiler: input hash: %w", err)
	}

	model := &contracts.CompiledModel{
		EntityName:   def.EntityName,
		Version:      def.Version,
		TableName:    table,
		Fields:       fields,
		Policies:     policies,
		SelectClause: strings.Join(selects, ", "),
		FromClause:   table,
		TenantFilter: "tenant_id = $1",
		Indexes:      indexes,
		Metadata:     def.Metadata,
		OverlaySet:   set,
		CompiledAt:   s.clock().UTC(),
		InputHash:    inputHash,
	}
	if rc != nil {
		model.CompiledBy = rc.UserID
	}

	outputHash, err := canonical.Hash(hashableOutput{
		EntityName:   model.EntityName,
		Version:      model.Version,
		TableName:    model.TableName,
		Fields:       model.Fields,
		Policies:     model.Policies,
		SelectClause: model.SelectClause,
		FromClause:   model.FromClause,
		TenantFilter: model.TenantFilter,
		Indexes:      model.Indexes,
		Metadata:     model.Metadata,
		OverlaySet:   model.OverlaySet,
	})
	if err != nil {
		return nil, fmt.Errorf("compiler: output hash: %w", err)
	}
	model.OutputHash = outputHash
	return model, nil
}
