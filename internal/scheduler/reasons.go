package scheduler

import (
	"fmt"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/model"
)

// Cause is why a task is being force-terminated.
type Cause string

const (
	CauseExpired           Cause = "expired"
	CauseDisconnected      Cause = "delegate disconnected"
	CauseValidationTimeout Cause = "validation timed out"
)

// Formatter renders the failure reason stored on a force-terminated task.
type Formatter interface {
	ReasonFor(t *model.Task, cause Cause) string
}

// FormatterFunc adapts a function to Formatter.
type FormatterFunc func(t *model.Task, cause Cause) string

func (f FormatterFunc) ReasonFor(t *model.Task, cause Cause) string { return f(t, cause) }

// DefaultFormatter produces short human-readable reasons.
type DefaultFormatter struct{}

func (DefaultFormatter) ReasonFor(t *model.Task, cause Cause) string {
	switch cause {
	case CauseExpired:
		if t.AssignedDelegateID != "" {
			return fmt.Sprintf("task expired at %s while running on delegate %s", t.Expiry.UTC().Format(time.RFC3339), t.AssignedDelegateID)
		}
		return fmt.Sprintf("task expired at %s after %d broadcasts to %d delegates", t.Expiry.UTC().Format(time.RFC3339), t.BroadcastCount, len(t.AlreadyTriedDelegates))
	case CauseDisconnected:
		return fmt.Sprintf("delegate %s disconnected while running the task", t.AssignedDelegateID)
	case CauseValidationTimeout:
		return fmt.Sprintf("all %d eligible delegates validated the task but none picked it up", len(t.EligibleDelegateIDs))
	}
	return string(cause)
}
