package dispatch

import (
	"github.com/UniQw/uniqw-dispatch/internal/broadcast"
	"github.com/UniQw/uniqw-dispatch/internal/model"
)

// Task is a unit of work offered to delegates until exactly one accepts it.
// Records live in Redis as one hash per task, see Client.GetTask.
type Task = model.Task

// Delegate is a remote worker process receiving task offers.
type Delegate = model.Delegate

// PerpetualTask is a long-lived background subscription owned by one delegate.
type PerpetualTask = model.PerpetualTask

// Alert is an open DelegatesDown notification.
type Alert = model.Alert

// Offer is a broadcast message telling delegates to try a task.
type Offer = broadcast.Message

// Subscription streams offers addressed to one delegate.
type Subscription = broadcast.Subscription
