package compiler

import (
	"context"
	"fmt"

	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
	"github.com/lattice-hq/lattice/pkg/reqctx"
)

// PublishedSource lists entities and resolves their latest published
// schema version. Satisfied by the schema registry.
type PublishedSource interface {
	ListEntities(ctx context.Context) ([]string, error)
	GetLatestPublished(ctx context.Context, entityName string) (*contracts.SchemaDefinition, error)
}

// Models resolves the current runtime IR per entity: latest published
// version, compiled through the cache, under a fixed overlay set. It is the
// model provider for the policy engine, the data service, and the lifecycle
// runtime.
type Models struct {
	compiler  *Service
	published PublishedSource
	set       contracts.OverlaySet
}

// NewModels creates the runtime model provider. set may be empty.
func NewModels(compiler *Service, published PublishedSource, set contracts.OverlaySet) *Models {
	return &Models{compiler: compiler, published: published, set: set}
}

// ModelFor returns the compiled IR of an entity's latest published version.
func (m *Models) ModelFor(ctx context.Context, entityName string) (*contracts.CompiledModel, error) {
	def, err := m.published.GetLatestPublished(ctx, entityName)
	if err != nil {
		return nil, err
	}
	return m.compiler.CompileCached(ctx, reqctx.From(ctx), def.EntityName, def.Version, m.set)
}

// AllModels compiles every entity that has a published version. Entities
// without one are skipped.
func (m *Models) AllModels(ctx context.Context) ([]*contracts.CompiledModel, error) {
	names, err := m.published.ListEntities(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*contracts.CompiledModel, 0, len(names))
	for _, name := range names {
		model, err := m.ModelFor(ctx, name)
		if err != nil {
			if errs.Is(err, errs.CodeNotFound) {
				continue
			}
			return nil, fmt.Errorf("compiler: model for %s: %w", name, err)
		}
		out = append(out, model)
	}
	return out, nil
}
