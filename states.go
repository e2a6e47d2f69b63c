package dispatch

import "github.com/UniQw/uniqw-dispatch/internal/model"

// Status is the lifecycle state of a task.
// Use the exported constants (StatusQueued, StatusStarted, etc.) instead of
// raw strings to avoid typos.
type Status = model.Status

const (
	// StatusQueued tasks wait for a delegate to accept them and are rebroadcast.
	StatusQueued = model.StatusQueued
	// StatusParked tasks are held back from broadcasting until requeued.
	StatusParked = model.StatusParked
	// StatusAborted tasks were cancelled and are ended at expiry.
	StatusAborted = model.StatusAborted
	// StatusStarted tasks are owned by exactly one delegate.
	StatusStarted = model.StatusStarted
	// StatusSucceeded tasks completed on their delegate.
	StatusSucceeded = model.StatusSucceeded
	// StatusFailed tasks were force-failed (timeout, disconnect, validation).
	StatusFailed = model.StatusFailed
	// StatusExpired tasks passed their expiry without being accepted.
	StatusExpired = model.StatusExpired
	// StatusEnded tasks were parked or aborted and then reached their expiry.
	StatusEnded = model.StatusEnded
)

// AllStatuses lists every valid task status in a stable order.
var AllStatuses = model.AllStatuses

// ParseStatus converts a string into a Status, returning ErrUnknownStatus for unknown values.
func ParseStatus(s string) (Status, error) { return model.ParseStatus(s) }
