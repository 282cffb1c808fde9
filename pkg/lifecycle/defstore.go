// Package lifecycle holds the state-machine runtime: the definition and
// instance stores, the route compiler that maps an entity to a lifecycle,
// and the manager that executes gated transitions.
package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
)

// DefStore persists lifecycle definitions: machines, states, transitions,
// gates, routing rules, and compiled routes.
type DefStore struct {
	db *sql.DB
}

// NewDefStore creates the definition store.
func NewDefStore(db *sql.DB) *DefStore {
	return &DefStore{db: db}
}

const defSchema = `
CREATE SCHEMA IF NOT EXISTS meta;

CREATE TABLE IF NOT EXISTS meta.lifecycle (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	code TEXT NOT NULL,
	version_no INT NOT NULL DEFAULT 1,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	UNIQUE (tenant_id, code, version_no)
);

CREATE TABLE IF NOT EXISTS meta.lifecycle_state (
	id TEXT PRIMARY KEY,
	lifecycle_id TEXT NOT NULL REFERENCES meta.lifecycle(id),
	code TEXT NOT NULL,
	is_terminal BOOLEAN NOT NULL DEFAULT FALSE,
	sort_order INT NOT NULL DEFAULT 0,
	UNIQUE (lifecycle_id, code)
);

CREATE TABLE IF NOT EXISTS meta.lifecycle_transition (
	id TEXT PRIMARY KEY,
	lifecycle_id TEXT NOT NULL REFERENCES meta.lifecycle(id),
	from_state_id TEXT NOT NULL REFERENCES meta.lifecycle_state(id),
	to_state_id TEXT NOT NULL REFERENCES meta.lifecycle_state(id),
	operation_code TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE INDEX IF NOT EXISTS idx_transition_from
	ON meta.lifecycle_transition (lifecycle_id, from_state_id, operation_code);

CREATE TABLE IF NOT EXISTS meta.lifecycle_transition_gate (
	id TEXT PRIMARY KEY,
	transition_id TEXT NOT NULL REFERENCES meta.lifecycle_transition(id),
	gate_json JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_gate_transition
	ON meta.lifecycle_transition_gate (transition_id);

CREATE TABLE IF NOT EXISTS meta.entity_lifecycle (
	id TEXT PRIMARY KEY,
	entity_name TEXT NOT NULL,
	lifecycle_id TEXT NOT NULL REFERENCES meta.lifecycle(id),
	priority INT NOT NULL DEFAULT 0,
	conditions_json JSONB
);

CREATE INDEX IF NOT EXISTS idx_entity_lifecycle_entity
	ON meta.entity_lifecycle (entity_name, priority);

CREATE TABLE IF NOT EXISTS meta.entity_lifecycle_route_compiled (
	entity_name TEXT PRIMARY KEY,
	compiled_hash TEXT NOT NULL,
	route_json JSONB NOT NULL,
	compiled_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Init creates the definition tables.
func (s *DefStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, defSchema)
	return err
}

// GetLifecycle loads one machine by id.
func (s *DefStore) GetLifecycle(ctx context.Context, id string) (*contracts.Lifecycle, error) {
	var lc contracts.Lifecycle
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, code, version_no, is_active
		FROM meta.lifecycle WHERE id = $1`, id).
		Scan(&lc.ID, &lc.TenantID, &lc.Code, &lc.VersionNo, &lc.IsActive)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "lifecycle %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: get %s: %w", id, err)
	}
	return &lc, nil
}

// States returns the machine's states ordered by sortOrder.
func (s *DefStore) States(ctx context.Context, lifecycleID string) ([]contracts.LifecycleState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lifecycle_id, code, is_terminal, sort_order
		FROM meta.lifecycle_state
		WHERE lifecycle_id = $1 ORDER BY sort_order`, lifecycleID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: states of %s: %w", lifecycleID, err)
	}
	defer rows.Close()

	var out []contracts.LifecycleState
	for rows.Next() {
		var st contracts.LifecycleState
		if err := rows.Scan(&st.ID, &st.LifecycleID, &st.Code, &st.IsTerminal, &st.SortOrder); err != nil {
			return nil, fmt.Errorf("lifecycle: scan state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// InitialState returns the state with the lowest sortOrder.
func (s *DefStore) InitialState(ctx context.Context, lifecycleID string) (*contracts.LifecycleState, error) {
	var st contracts.LifecycleState
	err := s.db.QueryRowContext(ctx, `
		SELECT id, lifecycle_id, code, is_terminal, sort_order
		FROM meta.lifecycle_state
		WHERE lifecycle_id = $1 ORDER BY sort_order LIMIT 1`, lifecycleID).
		Scan(&st.ID, &st.LifecycleID, &st.Code, &st.IsTerminal, &st.SortOrder)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "lifecycle %s has no states", lifecycleID)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: initial state of %s: %w", lifecycleID, err)
	}
	return &st, nil
}

// StateByID loads one state.
func (s *DefStore) StateByID(ctx context.Context, id string) (*contracts.LifecycleState, error) {
	var st contracts.LifecycleState
	err := s.db.QueryRowContext(ctx, `
		SELECT id, lifecycle_id, code, is_terminal, sort_order
		FROM meta.lifecycle_state WHERE id = $1`, id).
		Scan(&st.ID, &st.LifecycleID, &st.Code, &st.IsTerminal, &st.SortOrder)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "state %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: get state %s: %w", id, err)
	}
	return &st, nil
}

// FindTransition returns the active transition for (lifecycle, fromState,
// operation), nil when none exists.
func (s *DefStore) FindTransition(ctx context.Context, lifecycleID, fromStateID, operationCode string) (*contracts.LifecycleTransition, error) {
	var tr contracts.LifecycleTransition
	err := s.db.QueryRowContext(ctx, `
		SELECT id, lifecycle_id, from_state_id, to_state_id, operation_code, is_active
		FROM meta.lifecycle_transition
		WHERE lifecycle_id = $1 AND from_state_id = $2 AND operation_code = $3 AND is_active
		LIMIT 1`, lifecycleID, fromStateID, operationCode).
		Scan(&tr.ID, &tr.LifecycleID, &tr.FromStateID, &tr.ToStateID, &tr.OperationCode, &tr.IsActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: find transition: %w", err)
	}
	return &tr, nil
}

// TransitionsFrom returns the active transitions leaving a state.
func (s *DefStore) TransitionsFrom(ctx context.Context, lifecycleID, fromStateID string) ([]contracts.LifecycleTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lifecycle_id, from_state_id, to_state_id, operation_code, is_active
		FROM meta.lifecycle_transition
		WHERE lifecycle_id = $1 AND from_state_id = $2 AND is_active
		ORDER BY operation_code`, lifecycleID, fromStateID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: transitions from %s: %w", fromStateID, err)
	}
	defer rows.Close()

	var out []contracts.LifecycleTransition
	for rows.Next() {
		var tr contracts.LifecycleTransition
		if err := rows.Scan(&tr.ID, &tr.LifecycleID, &tr.FromStateID, &tr.ToStateID, &tr.OperationCode, &tr.IsActive); err != nil {
			return nil, fmt.Errorf("lifecycle: scan transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// TransitionByID loads one transition.
func (s *DefStore) TransitionByID(ctx context.Context, id string) (*contracts.LifecycleTransition, error) {
	var tr contracts.LifecycleTransition
	err := s.db.QueryRowContext(ctx, `
		SELECT id, lifecycle_id, from_state_id, to_state_id, operation_code, is_active
		FROM meta.lifecycle_transition WHERE id = $1`, id).
		Scan(&tr.ID, &tr.LifecycleID, &tr.FromStateID, &tr.ToStateID, &tr.OperationCode, &tr.IsActive)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "transition %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: get transition %s: %w", id, err)
	}
	return &tr, nil
}

// GatesFor returns the gates attached to a transition.
func (s *DefStore) GatesFor(ctx context.Context, transitionID string) ([]contracts.TransitionGate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transition_id, gate_json
		FROM meta.lifecycle_transition_gate
		WHERE transition_id = $1 ORDER BY id`, transitionID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: gates of %s: %w", transitionID, err)
	}
	defer rows.Close()

	var out []contracts.TransitionGate
	for rows.Next() {
		var id, trID string
		var body []byte
		if err := rows.Scan(&id, &trID, &body); err != nil {
			return nil, fmt.Errorf("lifecycle: scan gate: %w", err)
		}
		var gate contracts.TransitionGate
		if err := json.Unmarshal(body, &gate); err != nil {
			return nil, fmt.Errorf("lifecycle: decode gate %s: %w", id, err)
		}
		gate.ID = id
		gate.TransitionID = trID
		out = append(out, gate)
	}
	return out, rows.Err()
}

// RouteRules returns the routing rules of an entity, priority ascending.
func (s *DefStore) RouteRules(ctx context.Context, entityName string) ([]contracts.RouteRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_name, lifecycle_id, priority, conditions_json
		FROM meta.entity_lifecycle
		WHERE entity_name = $1 ORDER BY priority, id`, entityName)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: route rules of %s: %w", entityName, err)
	}
	defer rows.Close()

	var out []contracts.RouteRule
	for rows.Next() {
		var rule contracts.RouteRule
		var conds []byte
		if err := rows.Scan(&rule.ID, &rule.EntityName, &rule.LifecycleID, &rule.Priority, &conds); err != nil {
			return nil, fmt.Errorf("lifecycle: scan route rule: %w", err)
		}
		if len(conds) > 0 {
			if err := json.Unmarshal(conds, &rule.Conditions); err != nil {
				return nil, fmt.Errorf("lifecycle: decode route rule %s: %w", rule.ID, err)
			}
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// SaveCompiledRoute persists the compiled route table for an entity.
func (s *DefStore) SaveCompiledRoute(ctx context.Context, route *contracts.CompiledRoute) error {
	body, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("lifecycle: encode route: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meta.entity_lifecycle_route_compiled (entity_name, compiled_hash, route_json, compiled_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_name) DO UPDATE SET
			compiled_hash = EXCLUDED.compiled_hash,
			route_json = EXCLUDED.route_json,
			compiled_at = EXCLUDED.compiled_at`,
		route.EntityName, route.CompiledHash, body, route.CompiledAt)
	if err != nil {
		return fmt.Errorf("lifecycle: save compiled route: %w", err)
	}
	return nil
}

// SaveLifecycle upserts one machine definition.
func (s *DefStore) SaveLifecycle(ctx context.Context, lc *contracts.Lifecycle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta.lifecycle (id, tenant_id, code, version_no, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET is_active = EXCLUDED.is_active`,
		lc.ID, lc.TenantID, lc.Code, lc.VersionNo, lc.IsActive)
	if err != nil {
		return fmt.Errorf("lifecycle: save lifecycle: %w", err)
	}
	return nil
}

// SaveState upserts one state.
func (s *DefStore) SaveState(ctx context.Context, st *contracts.LifecycleState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta.lifecycle_state (id, lifecycle_id, code, is_terminal, sort_order)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			is_terminal = EXCLUDED.is_terminal,
			sort_order = EXCLUDED.sort_order`,
		st.ID, st.LifecycleID, st.Code, st.IsTerminal, st.SortOrder)
	if err != nil {
		return fmt.Errorf("lifecycle: save state: %w", err)
	}
	return nil
}

// SaveTransition upserts one transition.
func (s *DefStore) SaveTransition(ctx context.Context, tr *contracts.LifecycleTransition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta.lifecycle_transition (id, lifecycle_id, from_state_id, to_state_id, operation_code, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET is_active = EXCLUDED.is_active`,
		tr.ID, tr.LifecycleID, tr.FromStateID, tr.ToStateID, tr.OperationCode, tr.IsActive)
	if err != nil {
		return fmt.Errorf("lifecycle: save transition: %w", err)
	}
	return nil
}

// SaveGate upserts one transition gate.
func (s *DefStore) SaveGate(ctx context.Context, gate *contracts.TransitionGate) error {
	body, err := json.Marshal(gate)
	if err != nil {
		return fmt.Errorf("lifecycle: encode gate: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meta.lifecycle_transition_gate (id, transition_id, gate_json)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET gate_json = EXCLUDED.gate_json`,
		gate.ID, gate.TransitionID, body)
	if err != nil {
		return fmt.Errorf("lifecycle: save gate: %w", err)
	}
	return nil
}

// SaveRouteRule upserts one routing rule.
func (s *DefStore) SaveRouteRule(ctx context.Context, rule *contracts.RouteRule) error {
	var conds []byte
	if len(rule.Conditions) > 0 {
		var err error
		if conds, err = json.Marshal(rule.Conditions); err != nil {
			return fmt.Errorf("lifecycle: encode route conditions: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta.entity_lifecycle (id, entity_name, lifecycle_id, priority, conditions_json)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			lifecycle_id = EXCLUDED.lifecycle_id,
			priority = EXCLUDED.priority,
			conditions_json = EXCLUDED.conditions_json`,
		rule.ID, rule.EntityName, rule.LifecycleID, rule.Priority, conds)
	if err != nil {
		return fmt.Errorf("lifecycle: save route rule: %w", err)
	}
	return nil
}
