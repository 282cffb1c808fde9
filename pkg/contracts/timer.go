package contracts

import "time"

// TimerType classifies a scheduled auto-action.
type TimerType string

const (
	TimerAutoClose      TimerType = "auto_close"
	TimerAutoCancel     TimerType = "auto_cancel"
	TimerReminder       TimerType = "reminder"
	TimerAutoTransition TimerType = "auto_transition"
)

// DelayType selects how fireAt is computed.
type DelayType string

const (
	DelayFixed         DelayType = "fixed"
	DelayFieldRelative DelayType = "field_relative"
	// DelaySLA falls back to fixed; business-hour adjustment is an extension.
	DelaySLA DelayType = "sla"
)

// TimerPolicy is the declarative rule a timer schedule snapshots at
// scheduling time.
type TimerPolicy struct {
	ID                  string      `json:"id"`
	TenantID            string      `json:"tenantId"`
	EntityName          string      `json:"entityName"`
	TimerType           TimerType   `json:"timerType"`
	DelayType           DelayType   `json:"delayType"`
	DelayMs             int64       `json:"delayMs,omitempty"`
	DelayFromField      string      `json:"delayFromField,omitempty"`
	DelayOffsetMs       int64       `json:"delayOffsetMs,omitempty"`
	TargetOperationCode string      `json:"targetOperationCode,omitempty"`
	Conditions          []Condition `json:"conditions,omitempty"`
	CancelOnAnyTransition bool      `json:"cancelOnAnyTransition,omitempty"`
	CancelOnStates      []string    `json:"cancelOnStates,omitempty"`
	IsActive            bool        `json:"isActive"`
}

// TimerStatus of a schedule row. scheduled → fired is the concurrency
// fence: the compare-and-set happens before the transition executes.
type TimerStatus string

const (
	TimerScheduled TimerStatus = "scheduled"
	TimerFired     TimerStatus = "fired"
	TimerCanceled  TimerStatus = "canceled"
)

// TimerSchedule is one scheduled auto-transition. PolicySnapshot is the
// immutable copy of the policy captured at scheduling time.
type TimerSchedule struct {
	ID             string       `json:"id"`
	TenantID       string       `json:"tenantId"`
	EntityName     string       `json:"entityName"`
	EntityID       string       `json:"entityId"`
	InstanceID     string       `json:"instanceId"`
	TimerType      TimerType    `json:"timerType"`
	FireAt         time.Time    `json:"fireAt"`
	JobID          string       `json:"jobId,omitempty"`
	PolicySnapshot *TimerPolicy `json:"policySnapshot"`
	Status         TimerStatus  `json:"status"`
	CreatedAt      time.Time    `json:"createdAt"`
}
