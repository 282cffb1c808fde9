package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lattice-hq/lattice/pkg/canonical"
	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
)

// TemplateStore persists approval templates with their stages and rules.
type TemplateStore struct {
	db *sql.DB
}

// NewTemplateStore creates the template store.
func NewTemplateStore(db *sql.DB) *TemplateStore {
	return &TemplateStore{db: db}
}

const templateSchema = `
CREATE SCHEMA IF NOT EXISTS meta;

CREATE TABLE IF NOT EXISTS meta.approval_template (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	code TEXT NOT NULL,
	version_no INT NOT NULL DEFAULT 1,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	default_reviewer TEXT,
	compiled_json JSONB NOT NULL,
	compiled_hash TEXT NOT NULL,
	UNIQUE (tenant_id, code, version_no)
);

CREATE TABLE IF NOT EXISTS meta.approval_template_stage (
	template_id TEXT NOT NULL REFERENCES meta.approval_template(id),
	stage_no INT NOT NULL,
	mode TEXT NOT NULL,
	quorum_json JSONB,
	PRIMARY KEY (template_id, stage_no)
);

CREATE TABLE IF NOT EXISTS meta.approval_template_rule (
	id TEXT PRIMARY KEY,
	template_id TEXT NOT NULL REFERENCES meta.approval_template(id),
	stage_no INT NOT NULL,
	priority INT NOT NULL DEFAULT 0,
	conditions_json JSONB,
	assign_to_json JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_approval_rule_template
	ON meta.approval_template_rule (template_id, stage_no, priority);
`

// Init creates the template tables.
func (s *TemplateStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, templateSchema)
	return err
}

// Save persists the template with its stages and rules in one transaction.
// The compiled form and its hash are recomputed on every save.
func (s *TemplateStore) Save(ctx context.Context, t *contracts.ApprovalTemplate) error {
	hash, err := canonical.Hash(struct {
		Stages []contracts.TemplateStage `json:"stages"`
		Rules  []contracts.TemplateRule  `json:"rules"`
	}{t.Stages, t.Rules})
	if err != nil {
		return fmt.Errorf("approval: hash template: %w", err)
	}
	t.CompiledHash = hash
	compiled, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("approval: encode template: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("approval: begin save template: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO meta.approval_template
			(id, tenant_id, code, version_no, is_active, default_reviewer, compiled_json, compiled_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			default_reviewer = EXCLUDED.default_reviewer,
			compiled_json = EXCLUDED.compiled_json,
			compiled_hash = EXCLUDED.compiled_hash`,
		t.ID, t.TenantID, t.Code, t.VersionNo, t.IsActive,
		nullable(t.DefaultReviewer), compiled, t.CompiledHash)
	if err != nil {
		return fmt.Errorf("approval: save template: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM meta.approval_template_stage WHERE template_id = $1`, t.ID); err != nil {
		return fmt.Errorf("approval: clear stages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM meta.approval_template_rule WHERE template_id = $1`, t.ID); err != nil {
		return fmt.Errorf("approval: clear rules: %w", err)
	}

	for _, st := range t.Stages {
		var quorum []byte
		if st.Quorum != nil {
			if quorum, err = json.Marshal(st.Quorum); err != nil {
				return fmt.Errorf("approval: encode quorum: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO meta.approval_template_stage (template_id, stage_no, mode, quorum_json)
			VALUES ($1, $2, $3, $4)`,
			t.ID, st.StageNo, string(st.Mode), quorum); err != nil {
			return fmt.Errorf("approval: save stage %d: %w", st.StageNo, err)
		}
	}
	for _, rule := range t.Rules {
		var conds []byte
		if len(rule.Conditions) > 0 {
			if conds, err = json.Marshal(rule.Conditions); err != nil {
				return fmt.Errorf("approval: encode rule conditions: %w", err)
			}
		}
		assign, err := json.Marshal(rule.AssignTo)
		if err != nil {
			return fmt.Errorf("approval: encode assignTo: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO meta.approval_template_rule (id, template_id, stage_no, priority, conditions_json, assign_to_json)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			rule.ID, t.ID, rule.StageNo, rule.Priority, conds, assign); err != nil {
			return fmt.Errorf("approval: save rule %s: %w", rule.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("approval: commit save template: %w", err)
	}
	return nil
}

// Get loads a template with its stages and rules.
func (s *TemplateStore) Get(ctx context.Context, id string) (*contracts.ApprovalTemplate, error) {
	var t contracts.ApprovalTemplate
	var reviewer sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, code, version_no, is_active, default_reviewer, compiled_hash
		FROM meta.approval_template WHERE id = $1`, id).
		Scan(&t.ID, &t.TenantID, &t.Code, &t.VersionNo, &t.IsActive, &reviewer, &t.CompiledHash)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "approval template %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("approval: get template %s: %w", id, err)
	}
	t.DefaultReviewer = reviewer.String

	stageRows, err := s.db.QueryContext(ctx, `
		SELECT stage_no, mode, quorum_json
		FROM meta.approval_template_stage
		WHERE template_id = $1 ORDER BY stage_no`, id)
	if err != nil {
		return nil, fmt.Errorf("approval: stages of %s: %w", id, err)
	}
	defer stageRows.Close()
	for stageRows.Next() {
		var st contracts.TemplateStage
		var mode string
		var quorum []byte
		if err := stageRows.Scan(&st.StageNo, &mode, &quorum); err != nil {
			return nil, fmt.Errorf("approval: scan stage: %w", err)
		}
		st.Mode = contracts.StageMode(mode)
		if len(quorum) > 0 {
			st.Quorum = &contracts.Quorum{}
			if err := json.Unmarshal(quorum, st.Quorum); err != nil {
				return nil, fmt.Errorf("approval: decode quorum: %w", err)
			}
		}
		t.Stages = append(t.Stages, st)
	}
	if err := stageRows.Err(); err != nil {
		return nil, err
	}

	ruleRows, err := s.db.QueryContext(ctx, `
		SELECT id, stage_no, priority, conditions_json, assign_to_json
		FROM meta.approval_template_rule
		WHERE template_id = $1 ORDER BY stage_no, priority, id`, id)
	if err != nil {
		return nil, fmt.Errorf("approval: rules of %s: %w", id, err)
	}
	defer ruleRows.Close()
	for ruleRows.Next() {
		var rule contracts.TemplateRule
		var conds, assign []byte
		if err := ruleRows.Scan(&rule.ID, &rule.StageNo, &rule.Priority, &conds, &assign); err != nil {
			return nil, fmt.Errorf("approval: scan rule: %w", err)
		}
		if len(conds) > 0 {
			if err := json.Unmarshal(conds, &rule.Conditions); err != nil {
				return nil, fmt.Errorf("approval: decode rule conditions: %w", err)
			}
		}
		if err := json.Unmarshal(assign, &rule.AssignTo); err != nil {
			return nil, fmt.Errorf("approval: decode assignTo: %w", err)
		}
		t.Rules = append(t.Rules, rule)
	}
	return &t, ruleRows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
