// Package model defines the records shared by the dispatch stores and schedulers.
package model

import (
	"slices"
	"time"
)

// Task is a unit of work executed by exactly one delegate at a time.
type Task struct {
	// ID is the unique, immutable task identifier.
	ID string `json:"id"`
	// AccountID partitions every scan.
	AccountID string `json:"account_id"`
	// Type is an opaque task kind forwarded to delegates.
	Type string `json:"type"`
	// Payload is the raw task data.
	Payload []byte `json:"payload,omitempty"`
	// Status is the current state, see Status.
	Status Status `json:"status"`
	// Version is sent with every broadcast so delegates can reject incompatible offers.
	Version string `json:"version,omitempty"`
	// RequiredCapabilities must all be satisfied by a delegate for it to be eligible.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	// Expiry is the absolute deadline by which the task must terminate.
	Expiry time.Time `json:"expiry"`

	// EligibleDelegateIDs is consumed front to back; order is eligibility-resolution order.
	EligibleDelegateIDs []string `json:"eligible_delegate_ids,omitempty"`
	// AlreadyTriedDelegates holds every delegate already offered this task.
	AlreadyTriedDelegates []string `json:"already_tried_delegates,omitempty"`
	// ValidationCompletedDelegateIDs holds delegates that finished the pre-check phase.
	ValidationCompletedDelegateIDs []string `json:"validation_completed_delegate_ids,omitempty"`

	BroadcastCount  int       `json:"broadcast_count"`
	BroadcastRound  int       `json:"broadcast_round"`
	NextBroadcastAt time.Time `json:"next_broadcast_at"`

	// AssignedDelegateID is empty until a delegate accepts.
	AssignedDelegateID string `json:"assigned_delegate_id,omitempty"`
	// ValidationStartedAt is zero until the first delegate reports validation.
	ValidationStartedAt time.Time `json:"validation_started_at"`

	FailureReason string    `json:"failure_reason,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
	// Revision is bumped by every conditional write.
	Revision int64 `json:"revision"`
}

// Tried reports whether delegateID was already offered the task.
func (t *Task) Tried(delegateID string) bool {
	return slices.Contains(t.AlreadyTriedDelegates, delegateID)
}

// AllValidated reports whether every eligible delegate finished validation.
// A task without eligible delegates is never considered validated.
func (t *Task) AllValidated() bool {
	if len(t.EligibleDelegateIDs) == 0 {
		return false
	}
	for _, id := range t.EligibleDelegateIDs {
		if !slices.Contains(t.ValidationCompletedDelegateIDs, id) {
			return false
		}
	}
	return true
}

// Expired reports whether the task deadline is at or before now.
func (t *Task) Expired(now time.Time) bool {
	return !t.Expiry.IsZero() && !t.Expiry.After(now)
}

// Due reports whether the rebroadcast gate has opened.
func (t *Task) Due(now time.Time) bool {
	return !t.NextBroadcastAt.After(now)
}

// Union returns a followed by the members of b not already in a, preserving order.
func Union(a, b []string) []string {
	out := slices.Clone(a)
	for _, v := range b {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// Intersect returns the members of a that are also in b, in a's order.
func Intersect(a, b []string) []string {
	out := make([]string, 0, len(a))
	for _, v := range a {
		if slices.Contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}

// Subtract returns the members of a that are not in b, in a's order.
func Subtract(a, b []string) []string {
	out := make([]string, 0, len(a))
	for _, v := range a {
		if !slices.Contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}
