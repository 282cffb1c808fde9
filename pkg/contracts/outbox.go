package contracts

import "time"

// OutboxStatus of an audit outbox row.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxPersisted OutboxStatus = "persisted"
	OutboxFailed    OutboxStatus = "failed"
	OutboxDead      OutboxStatus = "dead"
)

// OutboxEntry is one staged audit event. Rows are inserted in the same
// transaction as the business change they describe.
type OutboxEntry struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenantId"`
	EventType   string         `json:"eventType"`
	Payload     map[string]any `json:"payload"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
	Status      OutboxStatus   `json:"status"`
	LastError   string         `json:"lastError,omitempty"`
	LockedBy    string         `json:"lockedBy,omitempty"`
	LockedUntil *time.Time     `json:"lockedUntil,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// AuditRecord is the persisted audit log row. A fresh UUID is minted per
// persist attempt; the (outbox row id, attempts) tuple de-dups.
type AuditRecord struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenantId"`
	EventType     string         `json:"eventType"`
	Payload       map[string]any `json:"payload"`
	SourceEntryID string         `json:"sourceEntryId"`
	OccurredAt    time.Time      `json:"occurredAt"`
}

// Well-known audit event types.
const (
	EventEntityCreated      = "entity.created"
	EventEntityUpdated      = "entity.updated"
	EventEntityDeleted      = "entity.deleted"
	EventEntityRestored     = "entity.restored"
	EventLifecycleCreated   = "lifecycle.instance_created"
	EventLifecycleTransition = "lifecycle.transitioned"
	EventApprovalCreated    = "approval.created"
	EventApprovalDecided    = "approval.decided"
	EventApprovalCompleted  = "approval.completed"
	EventTimerScheduled     = "timer.scheduled"
	EventTimerFired         = "timer.fired"
	EventTimerCanceled      = "timer.canceled"
	EventSchemaPublished    = "schema.published"
)
