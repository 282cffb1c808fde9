package contracts

import "time"

// Lifecycle is a versioned per-tenant state machine definition.
type Lifecycle struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	Code      string `json:"code"`
	VersionNo int    `json:"versionNo"`
	IsActive  bool   `json:"isActive"`
}

// LifecycleState is one state in a lifecycle. The state with the lowest
// SortOrder is the initial state.
type LifecycleState struct {
	ID          string `json:"id"`
	LifecycleID string `json:"lifecycleId"`
	Code        string `json:"code"`
	IsTerminal  bool   `json:"isTerminal"`
	SortOrder   int    `json:"sortOrder"`
}

// LifecycleTransition is a directed edge triggered by an operation code.
type LifecycleTransition struct {
	ID          string `json:"id"`
	LifecycleID string `json:"lifecycleId"`
	FromStateID string `json:"fromStateId"`
	ToStateID   string `json:"toStateId"`
	OperationCode string `json:"operationCode"`
	IsActive    bool   `json:"isActive"`
}

// ThresholdAction is what a failing threshold rule does to a transition.
type ThresholdAction string

const (
	ThresholdBlock           ThresholdAction = "block"
	ThresholdRequireApproval ThresholdAction = "require_approval"
)

// ThresholdRule gates a transition on a record field value. For between,
// Value holds [lo, hi].
type ThresholdRule struct {
	Field  string          `json:"field"`
	Op     Operator        `json:"op"`
	Value  any             `json:"value"`
	Action ThresholdAction `json:"action"`
}

// TransitionGate is a precondition attached to a transition.
type TransitionGate struct {
	ID                 string          `json:"id"`
	TransitionID       string          `json:"transitionId"`
	RequiredOperations []string        `json:"requiredOperations,omitempty"`
	ApprovalTemplateID string          `json:"approvalTemplateId,omitempty"`
	Conditions         []Condition     `json:"conditions,omitempty"`
	ThresholdRules     []ThresholdRule `json:"thresholdRules,omitempty"`
}

// RouteRule maps (entity, context) to a lifecycle via priority-ordered
// conditions; lower priority wins, the first rule with no conditions is
// the default.
type RouteRule struct {
	ID          string      `json:"id"`
	EntityName  string      `json:"entityName"`
	LifecycleID string      `json:"lifecycleId"`
	Priority    int         `json:"priority"`
	Conditions  []Condition `json:"conditions,omitempty"`
}

// CompiledRoute is the persisted, content-addressed route table for one
// entity.
type CompiledRoute struct {
	EntityName   string      `json:"entityName"`
	Rules        []RouteRule `json:"rules"`
	DefaultID    string      `json:"defaultId,omitempty"`
	CompiledHash string      `json:"compiledHash"`
	CompiledAt   time.Time   `json:"compiledAt"`
}

// LifecycleInstance is the current state of one entity record. Unique per
// (tenant, entityName, entityID); mutated only by the Lifecycle Manager.
type LifecycleInstance struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	EntityName  string    `json:"entityName"`
	EntityID    string    `json:"entityId"`
	LifecycleID string    `json:"lifecycleId"`
	StateID     string    `json:"stateId"`
	UpdatedAt   time.Time `json:"updatedAt"`
	UpdatedBy   string    `json:"updatedBy"`
}

// LifecycleEvent is the append-only record of every transition.
type LifecycleEvent struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenantId"`
	InstanceID    string         `json:"instanceId"`
	FromStateID   string         `json:"fromStateId,omitempty"`
	ToStateID     string         `json:"toStateId"`
	OperationCode string         `json:"operationCode"`
	Actor         string         `json:"actor"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
}

// TransitionResult is returned by a successful transition.
type TransitionResult struct {
	InstanceID    string `json:"instanceId"`
	FromStateCode string `json:"fromStateCode"`
	StateCode     string `json:"stateCode"`
	EventID       string `json:"eventId"`
}

// AvailableTransition describes one candidate transition from the current
// state, with the caller's authorization verdict.
type AvailableTransition struct {
	TransitionID     string `json:"transitionId"`
	OperationCode    string `json:"operationCode"`
	ToStateCode      string `json:"toStateCode"`
	Authorized       bool   `json:"authorized"`
	Reason           string `json:"reason,omitempty"`
	RequiresApproval bool   `json:"requiresApproval"`
}
