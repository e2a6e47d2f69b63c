package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/hctx"
	"github.com/UniQw/uniqw-dispatch/internal/metrics"
	"github.com/UniQw/uniqw-dispatch/internal/model"
	"github.com/UniQw/uniqw-dispatch/internal/pool"
	"github.com/UniQw/uniqw-dispatch/internal/store"
)

// DefaultValidationTimeout is how long a fully validated task may stay queued before it is failed.
const DefaultValidationTimeout = 2 * time.Minute

// ReaperConfig configures a Reaper.
type ReaperConfig struct {
	// ValidationTimeout is measured from the task's ValidationStartedAt.
	ValidationTimeout time.Duration
	// TaskParallelism bounds concurrent task handling within one sub-scan.
	TaskParallelism int
	// ScanLimit caps the tasks handled per status and sub-scan; zero means no cap.
	ScanLimit int64
	Logger    Logger
	Clock     Clock
}

// Reaper force-terminates tasks that can no longer make progress and purges
// terminal records past their retention.
type Reaper struct {
	tasks    TaskStore
	resolver Resolver
	reasons  Formatter
	timeout  time.Duration
	par      int
	limit    int64
	log      Logger
	now      Clock
}

// NewReaper wires a reaper. A nil formatter uses DefaultFormatter.
func NewReaper(tasks TaskStore, resolver Resolver, reasons Formatter, cfg ReaperConfig) *Reaper {
	if reasons == nil {
		reasons = DefaultFormatter{}
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	timeout := cfg.ValidationTimeout
	if timeout <= 0 {
		timeout = DefaultValidationTimeout
	}
	par := cfg.TaskParallelism
	if par <= 0 {
		par = 8
	}
	return &Reaper{
		tasks:    tasks,
		resolver: resolver,
		reasons:  reasons,
		timeout:  timeout,
		par:      par,
		limit:    cfg.ScanLimit,
		log:      orNoop(cfg.Logger),
		now:      now,
	}
}

// HandleAccount runs every sub-scan for the account. A failing sub-scan does
// not prevent the others from running; their errors are joined.
func (r *Reaper) HandleAccount(ctx context.Context, acct string) error {
	scans := []struct {
		name string
		fn   func(context.Context, string) error
	}{
		{"expired", r.ReapExpired},
		{"started", r.ReapStarted},
		{"validated", r.FailValidated},
		{"corrupted", r.ReapCorrupted},
		{"purge", r.Purge},
	}
	var errs []error
	for _, s := range scans {
		if err := r.safe(ctx, acct, s.fn); err != nil {
			errs = append(errs, fmt.Errorf("reaper %s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reaper) safe(ctx context.Context, acct string, fn func(context.Context, string) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &pool.PanicError{Value: p}
		}
	}()
	return fn(ctx, acct)
}

// ReapExpired ends never-started tasks past their expiry: QUEUED becomes
// EXPIRED, PARKED and ABORTED become ENDED.
func (r *Reaper) ReapExpired(ctx context.Context, acct string) error {
	now := r.now()
	ts, err := r.tasks.Query(ctx, store.Filter{
		AccountID:      acct,
		Statuses:       []model.Status{model.StatusQueued, model.StatusParked, model.StatusAborted},
		DeadlineBefore: now,
		Limit:          r.limit,
	})
	if err != nil {
		return err
	}
	r.each(ctx, acct, "expired", ts, func(ctx context.Context, t *model.Task) error {
		if !t.Expired(now) {
			return nil
		}
		target := model.StatusEnded
		if t.Status == model.StatusQueued {
			target = model.StatusExpired
		}
		c := store.NewChange().
			ExpectStatus(t.Status).
			SetStatus(target, now).
			Set(store.FieldFailureReason, r.reasons.ReasonFor(t, CauseExpired))
		return r.terminate(ctx, t, c, metrics.ReasonExpired)
	})
	return nil
}

// ReapStarted fails STARTED tasks past their expiry.
func (r *Reaper) ReapStarted(ctx context.Context, acct string) error {
	now := r.now()
	ts, err := r.tasks.Query(ctx, store.Filter{
		AccountID:      acct,
		Statuses:       []model.Status{model.StatusStarted},
		DeadlineBefore: now,
		Limit:          r.limit,
	})
	if err != nil {
		return err
	}
	r.each(ctx, acct, "started", ts, func(ctx context.Context, t *model.Task) error {
		if !t.Expired(now) {
			return nil
		}
		c := store.NewChange().
			ExpectStatus(model.StatusStarted).
			ExpectAssigned(t.AssignedDelegateID).
			SetStatus(model.StatusFailed, now).
			Set(store.FieldFailureReason, r.reasons.ReasonFor(t, CauseExpired))
		return r.terminate(ctx, t, c, metrics.ReasonStartedTimeout)
	})
	return nil
}

// FailValidated fails queued tasks every eligible delegate validated without
// accepting, once the validation window elapsed. A task is left alone while any
// of its eligible delegates is connected and whitelisted.
func (r *Reaper) FailValidated(ctx context.Context, acct string) error {
	cands, err := r.tasks.Query(ctx, store.Filter{
		AccountID: acct,
		Statuses:  []model.Status{model.StatusQueued},
		Match: func(t *model.Task) bool {
			return t.AssignedDelegateID == "" && t.AllValidated()
		},
		Limit: r.limit,
	})
	if err != nil {
		return err
	}
	r.each(ctx, acct, "validated", cands, func(ctx context.Context, t *model.Task) error {
		ready, err := r.resolver.ConnectedWhitelisted(ctx, t)
		if err != nil {
			return fmt.Errorf("whitelist check: %w", err)
		}
		if len(ready) > 0 {
			r.log.Debugf("reaper: validated task kept id=%s account=%s whitelisted=%v", t.ID, acct, ready)
			return nil
		}
		now := r.now()
		if t.ValidationStartedAt.IsZero() || now.Sub(t.ValidationStartedAt) < r.timeout {
			return nil
		}
		c := store.NewChange().
			ExpectStatus(model.StatusQueued).
			ExpectAssigned("").
			SetStatus(model.StatusFailed, now).
			Set(store.FieldFailureReason, r.reasons.ReasonFor(t, CauseValidationTimeout))
		return r.terminate(ctx, t, c, metrics.ReasonValidationTimeout)
	})
	return nil
}

// ReapCorrupted force-deletes records that cannot be decoded. They are not
// reported as failures.
func (r *Reaper) ReapCorrupted(ctx context.Context, acct string) error {
	ids, err := r.tasks.FindCorrupted(ctx, acct, int(r.limit))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.tasks.ForceDelete(ctx, acct, id); err != nil {
			r.log.Warnf("reaper: corrupted delete failed id=%s account=%s err=%v", id, acct, err)
			continue
		}
		metrics.Reaped.WithLabelValues(metrics.ReasonCorrupted).Inc()
		r.log.Warnf("reaper: deleted corrupted task id=%s account=%s", id, acct)
	}
	return nil
}

// Purge deletes terminal records whose retention elapsed.
func (r *Reaper) Purge(ctx context.Context, acct string) error {
	ts, err := r.tasks.Query(ctx, store.Filter{
		AccountID:      acct,
		Statuses:       model.TerminalStatuses,
		DeadlineBefore: r.now(),
		Limit:          r.limit,
	})
	if err != nil {
		return err
	}
	r.each(ctx, acct, "purge", ts, func(ctx context.Context, t *model.Task) error {
		ok, err := r.tasks.ConditionalDelete(ctx, acct, t.ID, t.Status)
		if err != nil && !errors.Is(err, store.ErrTaskNotFound) {
			return err
		}
		if ok {
			metrics.Reaped.WithLabelValues(metrics.ReasonPurged).Inc()
		}
		return nil
	})
	return nil
}

func (r *Reaper) terminate(ctx context.Context, t *model.Task, c *store.Change, reason string) error {
	ok, err := r.tasks.ConditionalUpdate(ctx, t.AccountID, t.ID, c)
	if err != nil && !errors.Is(err, store.ErrTaskNotFound) {
		return err
	}
	if !ok {
		metrics.Conflicts.WithLabelValues("reaper").Inc()
		r.log.Debugf("reaper: lost race id=%s account=%s status=%s", t.ID, t.AccountID, t.Status)
		return nil
	}
	metrics.Reaped.WithLabelValues(reason).Inc()
	r.log.Infof("reaper: terminated id=%s account=%s from=%s reason=%s", t.ID, t.AccountID, t.Status, reason)
	return nil
}

func (r *Reaper) each(ctx context.Context, acct, scan string, ts []*model.Task, fn func(context.Context, *model.Task) error) {
	if len(ts) == 0 {
		return
	}
	pool.Each(ctx, r.par, ts, func(t *model.Task) string { return t.ID }, fn, func(e *pool.ItemError) {
		r.log.Warnf("reaper %s: id=%s account=%s pass=%s err=%v", scan, e.Item, acct, hctx.ID(ctx), e.Err)
	})
}
