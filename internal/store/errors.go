package store

import "errors"

// ErrTaskNotFound is returned when a task with the specified ID does not exist.
var ErrTaskNotFound = errors.New("dispatch: task not found")

// ErrDuplicateTask is returned when a task is created with an ID that already exists.
var ErrDuplicateTask = errors.New("dispatch: duplicate task id")

// ErrCorruptedTask is returned when a stored task record cannot be decoded.
var ErrCorruptedTask = errors.New("dispatch: corrupted task record")

// ErrDelegateNotFound is returned when a delegate with the specified ID does not exist.
var ErrDelegateNotFound = errors.New("dispatch: delegate not found")

// ErrPerpetualTaskNotFound is returned when a perpetual task with the specified ID does not exist.
var ErrPerpetualTaskNotFound = errors.New("dispatch: perpetual task not found")

// ErrStatusGuardRequired is returned when a conditional update changes the status
// without stating the expected current status.
var ErrStatusGuardRequired = errors.New("dispatch: status change requires an expected status")

// ErrDelegateAlive is returned when a delegate is marked disconnected but its
// last heartbeat is not older than the given cutoff.
var ErrDelegateAlive = errors.New("dispatch: delegate heartbeat is fresh")
