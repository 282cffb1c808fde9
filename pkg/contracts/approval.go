package contracts

import "time"

// StageMode is serial (tasks decided in order) or parallel (quorum).
type StageMode string

const (
	StageSerial   StageMode = "serial"
	StageParallel StageMode = "parallel"
)

// QuorumType selects how RequiredCount was derived.
type QuorumType string

const (
	QuorumCount   QuorumType = "count"
	QuorumPercent QuorumType = "percent"
)

// Quorum is the completion rule of a parallel stage.
type Quorum struct {
	Type          QuorumType `json:"type"`
	Value         int        `json:"value"`
	RequiredCount int        `json:"requiredCount"`
}

// AssignTo resolves to concrete assignees when a rule matches.
type AssignTo struct {
	Role      string `json:"role,omitempty"`
	Group     string `json:"group,omitempty"`
	Principal string `json:"principal,omitempty"`
}

// TemplateRule picks assignees for a stage; rules are evaluated in priority
// order and the first match wins.
type TemplateRule struct {
	ID         string      `json:"id"`
	StageNo    int         `json:"stageNo"`
	Priority   int         `json:"priority"`
	Conditions []Condition `json:"conditions,omitempty"`
	AssignTo   AssignTo    `json:"assignTo"`
}

// TemplateStage is one stage of an approval template.
type TemplateStage struct {
	StageNo int       `json:"stageNo"`
	Mode    StageMode `json:"mode"`
	Quorum  *Quorum   `json:"quorum,omitempty"`
}

// ApprovalTemplate is the compiled multi-stage approval definition.
type ApprovalTemplate struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenantId"`
	Code            string          `json:"code"`
	VersionNo       int             `json:"versionNo"`
	IsActive        bool            `json:"isActive"`
	Stages          []TemplateStage `json:"stages"`
	Rules           []TemplateRule  `json:"rules"`
	DefaultReviewer string          `json:"defaultReviewer,omitempty"`
	CompiledHash    string          `json:"compiledHash,omitempty"`
}

// InstanceStatus of an approval instance. Terminal statuses are immutable.
type InstanceStatus string

const (
	InstanceOpen      InstanceStatus = "open"
	InstanceCompleted InstanceStatus = "completed"
	InstanceRejected  InstanceStatus = "rejected"
	InstanceCanceled  InstanceStatus = "canceled"
)

// IsTerminal reports whether the status admits no further decisions.
func (s InstanceStatus) IsTerminal() bool { return s != InstanceOpen }

// StageStatus of a materialized stage.
type StageStatus string

const (
	StageOpen      StageStatus = "open"
	StageCompleted StageStatus = "completed"
	StageCanceled  StageStatus = "canceled"
)

// StageOutcome records how a completed stage resolved.
type StageOutcome string

const (
	OutcomeApproved StageOutcome = "approved"
	OutcomeRejected StageOutcome = "rejected"
)

// TaskType distinguishes approvers (counted toward quorum) from reviewers
// and watchers.
type TaskType string

const (
	TaskApprover TaskType = "approver"
	TaskReviewer TaskType = "reviewer"
	TaskWatcher  TaskType = "watcher"
)

// TaskStatus of an approval task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskApproved TaskStatus = "approved"
	TaskRejected TaskStatus = "rejected"
	TaskCanceled TaskStatus = "canceled"
	TaskExpired  TaskStatus = "expired"
)

// ApprovalInstance is a live approval run gating one transition.
type ApprovalInstance struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenantId"`
	EntityName    string         `json:"entityName"`
	EntityID      string         `json:"entityId"`
	TransitionID  string         `json:"transitionId"`
	TemplateID    string         `json:"templateId"`
	Status        InstanceStatus `json:"status"`
	ContextReason string         `json:"contextReason,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	CreatedBy     string         `json:"createdBy"`
	ResolvedAt    *time.Time     `json:"resolvedAt,omitempty"`
}

// ApprovalStage is a materialized stage of an instance.
type ApprovalStage struct {
	ID         string       `json:"id"`
	InstanceID string       `json:"instanceId"`
	StageNo    int          `json:"stageNo"`
	Mode       StageMode    `json:"mode"`
	Quorum     *Quorum      `json:"quorum,omitempty"`
	Status     StageStatus  `json:"status"`
	Outcome    StageOutcome `json:"outcome,omitempty"`
}

// ApprovalTask is one assignee's unit of work.
type ApprovalTask struct {
	ID         string     `json:"id"`
	StageID    string     `json:"stageId"`
	InstanceID string     `json:"instanceId"`
	Assignee   AssignTo   `json:"assignee"`
	TaskType   TaskType   `json:"taskType"`
	Status     TaskStatus `json:"status"`
	DecidedAt  *time.Time `json:"decidedAt,omitempty"`
	DecidedBy  string     `json:"decidedBy,omitempty"`
	Note       string     `json:"note,omitempty"`
	SortOrder  int        `json:"sortOrder"`
}

// AssignmentSnapshot freezes how a task's assignment was resolved.
type AssignmentSnapshot struct {
	TaskID          string         `json:"taskId"`
	RuleID          string         `json:"ruleId,omitempty"`
	TemplateVersion int            `json:"templateVersion"`
	Resolved        map[string]any `json:"resolved,omitempty"`
}

// DecisionVerb is approve or reject.
type DecisionVerb string

const (
	DecisionApprove DecisionVerb = "approve"
	DecisionReject  DecisionVerb = "reject"
)

// ApprovalCompleted is the bus message emitted when an instance reaches a
// terminal status; the Lifecycle Manager consumes it to re-run the gated
// transition instead of being called back in-place.
type ApprovalCompleted struct {
	InstanceID    string         `json:"instanceId"`
	TenantID      string         `json:"tenantId"`
	EntityName    string         `json:"entityName"`
	EntityID      string         `json:"entityId"`
	TransitionID  string         `json:"transitionId"`
	Status        InstanceStatus `json:"status"`
	OperationCode string         `json:"operationCode"`
}
