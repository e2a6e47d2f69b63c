package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/eligibility"
	"github.com/UniQw/uniqw-dispatch/internal/hctx"
	"github.com/UniQw/uniqw-dispatch/internal/metrics"
	"github.com/UniQw/uniqw-dispatch/internal/model"
	"github.com/UniQw/uniqw-dispatch/internal/pool"
	"github.com/UniQw/uniqw-dispatch/internal/store"
)

// DetectorConfig configures a Detector.
type DetectorConfig struct {
	// HeartbeatTimeout is the heartbeat age after which a delegate is handled as disconnected.
	HeartbeatTimeout time.Duration
	// TaskParallelism bounds concurrent task failing for one delegate.
	TaskParallelism int
	Logger          Logger
	Clock           Clock
}

// Detector cleans up after delegates whose heartbeat went silent and keeps
// the DelegatesDown alerts in line with group and host connectivity.
type Detector struct {
	registry  DelegateRegistry
	tasks     TaskStore
	perpetual PerpetualStore
	alerts    AlertSink
	subject   *Subject
	reasons   Formatter
	timeout   time.Duration
	par       int
	log       Logger
	now       Clock
}

// NewDetector wires a detector. A nil subject gets an empty one and a nil
// formatter uses DefaultFormatter.
func NewDetector(registry DelegateRegistry, tasks TaskStore, perpetual PerpetualStore, alerts AlertSink, subject *Subject, reasons Formatter, cfg DetectorConfig) *Detector {
	lg := orNoop(cfg.Logger)
	if subject == nil {
		subject = NewSubject(lg)
	}
	if reasons == nil {
		reasons = DefaultFormatter{}
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	timeout := cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = eligibility.DefaultHeartbeatTimeout
	}
	par := cfg.TaskParallelism
	if par <= 0 {
		par = 8
	}
	return &Detector{
		registry:  registry,
		tasks:     tasks,
		perpetual: perpetual,
		alerts:    alerts,
		subject:   subject,
		reasons:   reasons,
		timeout:   timeout,
		par:       par,
		log:       lg,
		now:       now,
	}
}

// Subject returns the observer registry notified on disconnects.
func (d *Detector) Subject() *Subject { return d.subject }

// HandleAccount handles every delegate of the account whose heartbeat aged
// past the timeout, and reconciles alerts for the connected ones. Delegates
// already flagged disconnected are handled again so that cleanup interrupted
// by a store error is retried.
func (d *Detector) HandleAccount(ctx context.Context, acct string) error {
	ds, err := d.registry.ListNonDeleted(ctx, acct)
	if err != nil {
		return fmt.Errorf("detector: list account=%s: %w", acct, err)
	}
	now := d.now()
	var stale []*model.Delegate
	reconciled := make(map[string]bool)
	for _, dl := range ds {
		switch {
		case now.Sub(dl.LastHeartbeatAt) > d.timeout:
			stale = append(stale, dl)
		case dl.Connected(now, d.timeout):
			scope := downPayload(dl).Scope()
			if reconciled[scope] {
				continue
			}
			reconciled[scope] = true
			if err := d.reconcile(ctx, dl, ds); err != nil {
				d.log.Warnf("detector: reconcile failed delegate=%s account=%s err=%v", dl.ID, acct, err)
			}
		}
	}
	pool.Each(ctx, 1, stale, func(dl *model.Delegate) string { return dl.ID }, d.Handle, func(e *pool.ItemError) {
		d.log.Warnf("detector: delegate=%s account=%s pass=%s err=%v", e.Item, acct, hctx.ID(ctx), e.Err)
	})
	return nil
}

// Handle marks the delegate disconnected, fails its started tasks, releases
// its perpetual tasks, notifies observers and evaluates the DelegatesDown
// alert. A delegate that heartbeated within the timeout is left alone.
// Running it again for the same delegate only repeats the cleanup; observers
// are notified once per disconnect.
func (d *Detector) Handle(ctx context.Context, dl *model.Delegate) error {
	changed, err := d.registry.MarkDisconnected(ctx, dl.AccountID, dl.ID, d.now().Add(-d.timeout))
	if errors.Is(err, store.ErrDelegateAlive) {
		d.log.Debugf("detector: delegate heartbeated, skipping delegate=%s account=%s", dl.ID, dl.AccountID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark disconnected: %w", err)
	}
	dl.Disconnected = true
	if changed {
		metrics.DelegatesDisconnected.Inc()
		d.log.Infof("detector: delegate disconnected delegate=%s account=%s host=%s group=%s", dl.ID, dl.AccountID, dl.HostName, dl.GroupName)
	}

	var errs []error
	if err := d.failStarted(ctx, dl); err != nil {
		errs = append(errs, err)
	}
	if err := d.releasePerpetual(ctx, dl); err != nil {
		errs = append(errs, err)
	}
	if changed {
		d.subject.Notify(dl.AccountID, dl.ID)
	}
	if err := d.Reconcile(ctx, dl); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *Detector) failStarted(ctx context.Context, dl *model.Delegate) error {
	ts, err := d.tasks.Query(ctx, store.Filter{AccountID: dl.AccountID, Statuses: []model.Status{model.StatusStarted}})
	if err != nil {
		return fmt.Errorf("query started: %w", err)
	}
	owned := ts[:0]
	for _, t := range ts {
		if t.AssignedDelegateID == dl.ID {
			owned = append(owned, t)
		}
	}
	failed := pool.Each(ctx, d.par, owned, func(t *model.Task) string { return t.ID },
		func(ctx context.Context, t *model.Task) error {
			now := d.now()
			c := store.NewChange().
				ExpectStatus(model.StatusStarted).
				ExpectAssigned(dl.ID).
				SetStatus(model.StatusFailed, now).
				Set(store.FieldFailureReason, d.reasons.ReasonFor(t, CauseDisconnected))
			ok, err := d.tasks.ConditionalUpdate(ctx, t.AccountID, t.ID, c)
			if err != nil && !errors.Is(err, store.ErrTaskNotFound) {
				return err
			}
			if !ok {
				metrics.Conflicts.WithLabelValues("detector").Inc()
				return nil
			}
			metrics.Reaped.WithLabelValues(metrics.ReasonDisconnected).Inc()
			d.log.Infof("detector: failed task id=%s account=%s delegate=%s", t.ID, t.AccountID, dl.ID)
			return nil
		},
		func(e *pool.ItemError) {
			d.log.Warnf("detector: fail task id=%s delegate=%s err=%v", e.Item, dl.ID, e.Err)
		})
	if failed > 0 {
		return fmt.Errorf("%d started tasks of delegate %s could not be failed", failed, dl.ID)
	}
	return nil
}

func (d *Detector) releasePerpetual(ctx context.Context, dl *model.Delegate) error {
	ps, err := d.perpetual.ListByDelegate(ctx, dl.AccountID, dl.ID)
	if err != nil {
		return fmt.Errorf("list perpetual: %w", err)
	}
	var errs []error
	for _, p := range ps {
		ok, err := d.perpetual.Unassign(ctx, dl.AccountID, p.ID, dl.ID)
		if err != nil && !errors.Is(err, store.ErrPerpetualTaskNotFound) {
			errs = append(errs, fmt.Errorf("unassign perpetual %s: %w", p.ID, err))
			continue
		}
		if ok {
			d.log.Infof("detector: released perpetual task id=%s delegate=%s", p.ID, dl.ID)
		}
	}
	return errors.Join(errs...)
}

// Reconcile opens the DelegatesDown alert of the delegate's group (or host,
// when ungrouped) if every member is disconnected, and closes it otherwise.
func (d *Detector) Reconcile(ctx context.Context, dl *model.Delegate) error {
	ds, err := d.registry.ListNonDeleted(ctx, dl.AccountID)
	if err != nil {
		return fmt.Errorf("list delegates: %w", err)
	}
	return d.reconcile(ctx, dl, ds)
}

func (d *Detector) reconcile(ctx context.Context, dl *model.Delegate, all []*model.Delegate) error {
	payload := downPayload(dl)
	scope := payload.Scope()
	now := d.now()
	down := true
	for _, m := range all {
		if downPayload(m).Scope() != scope {
			continue
		}
		if m.Connected(now, d.timeout) {
			down = false
			break
		}
	}
	if down {
		opened, err := d.alerts.Open(ctx, dl.AccountID, scope, model.AlertDelegatesDown, payload)
		if err != nil {
			return fmt.Errorf("open alert: %w", err)
		}
		if opened {
			metrics.AlertsOpened.WithLabelValues(string(model.AlertDelegatesDown)).Inc()
			d.log.Warnf("detector: delegates down account=%s scope=%s", dl.AccountID, scope)
		}
		return nil
	}
	closed, err := d.alerts.Close(ctx, dl.AccountID, scope, model.AlertDelegatesDown, payload)
	if err != nil {
		return fmt.Errorf("close alert: %w", err)
	}
	if closed {
		metrics.AlertsClosed.WithLabelValues(string(model.AlertDelegatesDown)).Inc()
		d.log.Infof("detector: delegates back up account=%s scope=%s", dl.AccountID, scope)
	}
	return nil
}

func downPayload(dl *model.Delegate) model.DelegatesDown {
	return model.DelegatesDown{
		AccountID:    dl.AccountID,
		HostName:     dl.HostName,
		ObfuscatedIP: model.ObfuscateIP(dl.IP),
		GroupName:    dl.GroupName,
	}
}
