package model

import (
	"errors"
	"fmt"
)

// ErrUnknownStatus is returned when a string does not name a task status.
var ErrUnknownStatus = errors.New("dispatch: unknown task status")

// ErrInvalidTransition is returned when a status change is not allowed by the task state machine.
var ErrInvalidTransition = errors.New("dispatch: invalid status transition")

// Status is the lifecycle state of a Task.
type Status string

const (
	// StatusQueued tasks are waiting for a delegate to accept them.
	StatusQueued Status = "QUEUED"
	// StatusParked tasks are held back from broadcasting until requeued.
	StatusParked Status = "PARKED"
	// StatusAborted tasks were cancelled by the caller and wait to be ended.
	StatusAborted Status = "ABORTED"
	// StatusStarted tasks are owned by exactly one delegate.
	StatusStarted Status = "STARTED"
	// StatusSucceeded tasks completed on their delegate.
	StatusSucceeded Status = "SUCCEEDED"
	// StatusFailed tasks were force-failed by a scheduler.
	StatusFailed Status = "FAILED"
	// StatusExpired tasks passed their expiry without ever being assigned.
	StatusExpired Status = "EXPIRED"
	// StatusEnded tasks were aborted or parked and then ended at expiry.
	StatusEnded Status = "ENDED"
)

// AllStatuses lists every status in a stable order.
var AllStatuses = []Status{
	StatusQueued, StatusParked, StatusAborted, StatusStarted,
	StatusSucceeded, StatusFailed, StatusExpired, StatusEnded,
}

// TerminalStatuses lists the statuses that accept no further writes.
var TerminalStatuses = []Status{StatusSucceeded, StatusFailed, StatusExpired, StatusEnded}

var transitions = map[Status][]Status{
	StatusQueued:  {StatusStarted, StatusParked, StatusAborted, StatusFailed, StatusExpired},
	StatusParked:  {StatusQueued, StatusAborted, StatusEnded},
	StatusAborted: {StatusEnded},
	StatusStarted: {StatusSucceeded, StatusFailed},
}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// IsTerminal reports whether s is a final status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusExpired, StatusEnded:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ParseStatus converts a string into a Status, returning ErrUnknownStatus for unknown values.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownStatus
}
