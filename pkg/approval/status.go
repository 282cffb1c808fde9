// Package approval implements multi-stage approval instances: template
// materialization, assignment resolution, decision aggregation, and
// completion signaling over the event bus.
package approval

import "github.com/lattice-hq/lattice/pkg/contracts"

// The database stores no "rejected" instance status: a rejected instance
// is stored as canceled with context reason "rejected". This file is the
// only place that mapping exists; everything else speaks the external
// statuses.

const reasonRejected = "rejected"

// toStored maps an external instance status to its (status, reason)
// storage form. reason is only meaningful for canceled rows.
func toStored(s contracts.InstanceStatus, reason string) (string, string) {
	switch s {
	case contracts.InstanceRejected:
		return string(contracts.InstanceCanceled), reasonRejected
	case contracts.InstanceCanceled:
		if reason == "" {
			reason = "canceled"
		}
		return string(contracts.InstanceCanceled), reason
	default:
		return string(s), reason
	}
}

// fromStored reverses toStored.
func fromStored(status, reason string) contracts.InstanceStatus {
	if status == string(contracts.InstanceCanceled) && reason == reasonRejected {
		return contracts.InstanceRejected
	}
	return contracts.InstanceStatus(status)
}
