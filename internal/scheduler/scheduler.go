// Package scheduler implements the periodic dispatch iterators: task
// rebroadcast, fail/reap and delegate disconnect detection.
//
// Every mutation goes through a conditional write on the task record; two
// instances handling the same account concurrently is expected and safe.
package scheduler

import (
	"context"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/model"
	"github.com/UniQw/uniqw-dispatch/internal/store"
)

// Logger is a minimal logging interface used internally by the schedulers.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

func orNoop(l Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return l
}

// TaskStore is the task persistence used by the schedulers.
type TaskStore interface {
	Get(ctx context.Context, acct, id string) (*model.Task, error)
	ConditionalUpdate(ctx context.Context, acct, id string, c *store.Change) (bool, error)
	ConditionalDelete(ctx context.Context, acct, id string, expect model.Status) (bool, error)
	ForceDelete(ctx context.Context, acct, id string) error
	Query(ctx context.Context, f store.Filter) ([]*model.Task, error)
	QueryDue(ctx context.Context, acct string, now time.Time, limit int64) ([]*model.Task, error)
	FindCorrupted(ctx context.Context, acct string, limit int) ([]string, error)
}

// DelegateRegistry is the delegate persistence used by the detector.
type DelegateRegistry interface {
	Get(ctx context.Context, acct, id string) (*model.Delegate, error)
	ListNonDeleted(ctx context.Context, acct string) ([]*model.Delegate, error)
	MarkDisconnected(ctx context.Context, acct, id string, cutoff time.Time) (bool, error)
}

// PerpetualStore is the perpetual task ownership store used by the detector.
type PerpetualStore interface {
	ListByDelegate(ctx context.Context, acct, delegateID string) ([]*model.PerpetualTask, error)
	Unassign(ctx context.Context, acct, id, expectedDelegate string) (bool, error)
}

// Resolver computes eligible and connected delegates for a task.
type Resolver interface {
	EligibleDelegates(ctx context.Context, t *model.Task) ([]string, error)
	ConnectedDelegates(ctx context.Context, candidates []string, t *model.Task) ([]string, error)
	ConnectedWhitelisted(ctx context.Context, t *model.Task) ([]string, error)
}

// Transport publishes task offers. Delivery is fire-and-forget.
type Transport interface {
	Publish(ctx context.Context, acct, taskID, version string, delegateIDs []string) error
}

// AlertSink opens and closes alerts. Both calls are idempotent and report
// whether they changed anything.
type AlertSink interface {
	Open(ctx context.Context, acct, scope string, typ model.AlertType, payload model.DelegatesDown) (bool, error)
	Close(ctx context.Context, acct, scope string, typ model.AlertType, payload model.DelegatesDown) (bool, error)
}

// Clock returns the current time.
type Clock func() time.Time
