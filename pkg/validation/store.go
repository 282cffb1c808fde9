package validation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lattice-hq/lattice/pkg/contracts"
)

// PostgresRuleSource loads custom validation rules from meta.validation_rule.
type PostgresRuleSource struct {
	db *sql.DB
}

// NewPostgresRuleSource creates the rule source.
func NewPostgresRuleSource(db *sql.DB) *PostgresRuleSource {
	return &PostgresRuleSource{db: db}
}

const ruleSchema = `
CREATE SCHEMA IF NOT EXISTS meta;

CREATE TABLE IF NOT EXISTS meta.validation_rule (
	id TEXT PRIMARY KEY,
	entity_name TEXT NOT NULL,
	entity_version INT NOT NULL,
	sort_order INT NOT NULL DEFAULT 0,
	rule_json JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_validation_rule_entity
	ON meta.validation_rule (entity_name, entity_version, sort_order);
`

// Init creates the rule table.
func (s *PostgresRuleSource) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, ruleSchema)
	return err
}

// Load returns the custom rules for (entity, version) in declaration order.
func (s *PostgresRuleSource) Load(ctx context.Context, entityName string, version int) ([]contracts.ValidationRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_json FROM meta.validation_rule
		WHERE entity_name = $1 AND entity_version = $2
		ORDER BY sort_order, id`, entityName, version)
	if err != nil {
		return nil, fmt.Errorf("validation: load rules: %w", err)
	}
	defer rows.Close()

	var out []contracts.ValidationRule
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("validation: scan rule: %w", err)
		}
		var rule contracts.ValidationRule
		if err := json.Unmarshal(body, &rule); err != nil {
			return nil, fmt.Errorf("validation: decode rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// Save upserts one custom rule at the given position.
func (s *PostgresRuleSource) Save(ctx context.Context, entityName string, version, sortOrder int, rule contracts.ValidationRule) error {
	body, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("validation: encode rule: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meta.validation_rule (id, entity_name, entity_version, sort_order, rule_json)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			sort_order = EXCLUDED.sort_order,
			rule_json = EXCLUDED.rule_json`,
		rule.ID, entityName, version, sortOrder, body)
	if err != nil {
		return fmt.Errorf("validation: save rule: %w", err)
	}
	return nil
}

// Delete removes one custom rule.
func (s *PostgresRuleSource) Delete(ctx context.Context, ruleID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM meta.validation_rule WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("validation: delete rule: %w", err)
	}
	return nil
}
