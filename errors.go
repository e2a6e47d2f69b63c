package dispatch

import (
	"errors"

	"github.com/UniQw/uniqw-dispatch/internal/model"
	"github.com/UniQw/uniqw-dispatch/internal/store"
)

// ErrDuplicateTask is returned when Submit is called with an ID that already exists for the account.
var ErrDuplicateTask = store.ErrDuplicateTask

// ErrTaskNotFound is returned when a task with the specified ID is not found.
var ErrTaskNotFound = store.ErrTaskNotFound

// ErrCorruptedTask is returned when a stored task record cannot be decoded.
var ErrCorruptedTask = store.ErrCorruptedTask

// ErrDelegateNotFound is returned when a delegate with the specified ID is not registered.
var ErrDelegateNotFound = store.ErrDelegateNotFound

// ErrUnknownStatus is returned when an invalid status is used.
var ErrUnknownStatus = model.ErrUnknownStatus

// ErrInvalidTransition is returned when the task state machine does not allow the requested change.
var ErrInvalidTransition = model.ErrInvalidTransition

// ErrConflict is returned when the task changed concurrently and the write was not applied.
var ErrConflict = errors.New("dispatch: task changed concurrently")

// ErrNotEligible is returned when a delegate accepts a task it was never eligible for.
var ErrNotEligible = errors.New("dispatch: delegate not eligible for task")
