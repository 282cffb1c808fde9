package contracts

import "time"

// OverlayStatus tracks an overlay through its lifecycle. Only published
// overlays participate in compilation.
type OverlayStatus string

const (
	OverlayDraft     OverlayStatus = "draft"
	OverlayPublished OverlayStatus = "published"
	OverlayArchived  OverlayStatus = "archived"
)

// ChangeKind enumerates overlay change kinds.
type ChangeKind string

const (
	ChangeAddField    ChangeKind = "add_field"
	ChangeModifyField ChangeKind = "modify_field"
	ChangeRemoveField ChangeKind = "remove_field"
	ChangeTweakPolicy ChangeKind = "tweak_policy"
)

// ConflictMode governs what happens when a change collides with the base.
type ConflictMode string

const (
	ConflictFail      ConflictMode = "fail"
	ConflictOverwrite ConflictMode = "overwrite"
	ConflictMerge     ConflictMode = "merge"
)

// OverlayChange is one additive modification within an overlay. Payload is
// the change-kind-specific JSON body (a field or policy definition, or a
// partial update for modify/tweak).
type OverlayChange struct {
	ID           string         `json:"id"`
	Kind         ChangeKind     `json:"kind"`
	TargetName   string         `json:"targetName"`
	Payload      map[string]any `json:"payload,omitempty"`
	SortOrder    int            `json:"sortOrder"`
	ConflictMode ConflictMode   `json:"conflictMode,omitempty"`
}

// Overlay is an ordered, additive modification set layered onto a base
// version at compile time. Published overlays never modify the base in place.
type Overlay struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	Name      string          `json:"name"`
	Status    OverlayStatus   `json:"status"`
	Changes   []OverlayChange `json:"changes"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// OverlaySet is an ordered list of published overlay ids, applied in list
// order; within an overlay, changes apply in SortOrder.
type OverlaySet []string
