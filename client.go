package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/alert"
	"github.com/UniQw/uniqw-dispatch/internal/broadcast"
	"github.com/UniQw/uniqw-dispatch/internal/eligibility"
	"github.com/UniQw/uniqw-dispatch/internal/metrics"
	"github.com/UniQw/uniqw-dispatch/internal/model"
	"github.com/UniQw/uniqw-dispatch/internal/scheduler"
	"github.com/UniQw/uniqw-dispatch/internal/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// validationAttempts bounds the read-modify-write retries of ReportValidation.
const validationAttempts = 5

// Client provides the submission, acceptance, validation and heartbeat paths
// on top of the Redis store. It is safe for concurrent use.
type Client struct {
	rdb     redis.UniversalClient
	encoder Encoder
	log     Logger

	heartbeatTimeout time.Duration
	retention        time.Duration
	now              func() time.Time

	tasks     *store.TaskStore
	registry  *store.Registry
	perpetual *store.PerpetualStore
	whitelist *store.Whitelist
	alerts    *alert.Sink
	resolver  *eligibility.Resolver
	transport *broadcast.Transport
	detector  *scheduler.Detector
}

// NewClient creates a new dispatch client.
func NewClient(rdb redis.UniversalClient, opts ...ClientOption) *Client {
	c := &Client{
		rdb:              rdb,
		encoder:          &JSONEncoder{},
		log:              NewFmtLogger(),
		heartbeatTimeout: eligibility.DefaultHeartbeatTimeout,
		retention:        store.DefaultRetention,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tasks = store.NewTaskStore(rdb, store.WithRetention(c.retention))
	c.registry = store.NewRegistry(rdb)
	c.perpetual = store.NewPerpetualStore(rdb)
	c.whitelist = store.NewWhitelist(rdb)
	c.alerts = alert.New(rdb)
	c.resolver = eligibility.New(c.registry, c.whitelist,
		eligibility.WithHeartbeatTimeout(c.heartbeatTimeout),
		eligibility.WithClock(c.now))
	c.transport = broadcast.New(rdb)
	c.detector = scheduler.NewDetector(c.registry, c.tasks, c.perpetual, c.alerts, nil, nil, scheduler.DetectorConfig{
		HeartbeatTimeout: c.heartbeatTimeout,
		Logger:           rtLogger{Logger: c.log},
		Clock:            c.now,
	})
	return c
}

// RegisterDelegate stores d as an enabled, connected delegate. A missing ID is
// generated; a previous registration with the same ID is replaced.
func (c *Client) RegisterDelegate(ctx context.Context, d *Delegate) error {
	if d.AccountID == "" {
		return errors.New("dispatch: delegate account id is required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := c.now()
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = now
	}
	if d.LastHeartbeatAt.IsZero() {
		d.LastHeartbeatAt = now
	}
	d.Disconnected = false
	if err := c.registry.Register(ctx, d); err != nil {
		return fmt.Errorf("register delegate %s: %w", d.ID, err)
	}
	c.log.Infof("delegate registered: id=%s account=%s host=%s group=%s", d.ID, d.AccountID, d.HostName, d.GroupName)
	return nil
}

// GetDelegate loads a delegate record.
func (c *Client) GetDelegate(ctx context.Context, acct, id string) (*Delegate, error) {
	return c.registry.Get(ctx, acct, id)
}

// Heartbeat records that the delegate is alive. A delegate coming back from a
// disconnect closes the DelegatesDown alert of its group or host.
func (c *Client) Heartbeat(ctx context.Context, acct, delegateID string) error {
	reconnected, err := c.registry.Heartbeat(ctx, acct, delegateID, c.now())
	if err != nil {
		return err
	}
	if !reconnected {
		return nil
	}
	c.log.Infof("delegate reconnected: id=%s account=%s", delegateID, acct)
	d, err := c.registry.Get(ctx, acct, delegateID)
	if err != nil {
		return err
	}
	return c.detector.Reconcile(ctx, d)
}

// DeleteDelegate removes the delegate from eligibility. Tasks it already runs
// are left to the reaper.
func (c *Client) DeleteDelegate(ctx context.Context, acct, delegateID string) error {
	return c.registry.Delete(ctx, acct, delegateID)
}

// Submit stores a new QUEUED task and offers it to the first connected
// eligible delegate. That first offer is not counted as a broadcast; the
// rebroadcast schedule starts InitialBroadcastDelay later.
// It returns ErrDuplicateTask if the task ID already exists in the account.
func (c *Client) Submit(ctx context.Context, acct, taskType string, payload any, opts ...Option) (*Task, error) {
	data, err := c.encoder.Encode(payload)
	if err != nil {
		return nil, err
	}
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}
	now := c.now()
	t := &Task{
		ID:                   id,
		AccountID:            acct,
		Type:                 taskType,
		Payload:              data,
		Status:               StatusQueued,
		Version:              cfg.version,
		RequiredCapabilities: cfg.capabilities,
		CreatedAt:            now,
		Expiry:               cfg.expiry(now),
		NextBroadcastAt:      now.Add(InitialBroadcastDelay),
	}

	// A failed resolution leaves the list empty; the rebroadcaster resolves again.
	if eligible, err := c.resolver.EligibleDelegates(ctx, t); err != nil {
		c.log.Warnf("submit: resolve eligible id=%s account=%s err=%v", id, acct, err)
	} else {
		t.EligibleDelegateIDs = eligible
	}

	if err := c.tasks.Create(ctx, t); err != nil {
		return nil, err
	}
	c.offer(ctx, t)
	return t, nil
}

func (c *Client) offer(ctx context.Context, t *Task) {
	if len(t.EligibleDelegateIDs) == 0 {
		c.log.Debugf("submit: no eligible delegates id=%s account=%s", t.ID, t.AccountID)
		return
	}
	connected, err := c.resolver.ConnectedDelegates(ctx, t.EligibleDelegateIDs, t)
	if err != nil || len(connected) == 0 {
		c.log.Debugf("submit: no connected delegates id=%s account=%s", t.ID, t.AccountID)
		return
	}
	if err := c.transport.Publish(ctx, t.AccountID, t.ID, t.Version, connected[:1]); err != nil {
		metrics.BroadcastFailures.Inc()
		c.log.Warnf("submit: publish id=%s account=%s err=%v", t.ID, t.AccountID, err)
		return
	}
	metrics.Broadcasts.Inc()
}

// Accept assigns a QUEUED task to delegateID and moves it to STARTED.
// It returns ErrNotEligible for a delegate outside the eligible list and
// ErrConflict when another delegate got the task first.
func (c *Client) Accept(ctx context.Context, acct, taskID, delegateID string) (*Task, error) {
	t, err := c.tasks.Get(ctx, acct, taskID)
	if err != nil {
		return nil, err
	}
	if err := model.ValidateTransition(t.Status, StatusStarted); err != nil {
		return nil, err
	}
	if len(t.EligibleDelegateIDs) > 0 && !slices.Contains(t.EligibleDelegateIDs, delegateID) {
		return nil, fmt.Errorf("%w: task=%s delegate=%s", ErrNotEligible, taskID, delegateID)
	}
	now := c.now()
	if t.Expired(now) {
		return nil, fmt.Errorf("%w: task %s expired", ErrInvalidTransition, taskID)
	}
	ch := store.NewChange().
		ExpectStatus(StatusQueued).
		ExpectAssigned("").
		SetStatus(StatusStarted, now).
		Set(store.FieldAssigned, delegateID)
	if err := c.apply(ctx, t, ch); err != nil {
		return nil, err
	}
	c.log.Debugf("task accepted: id=%s account=%s delegate=%s", taskID, acct, delegateID)
	return c.tasks.Get(ctx, acct, taskID)
}

// Complete marks a task started by delegateID as SUCCEEDED.
func (c *Client) Complete(ctx context.Context, acct, taskID, delegateID string) error {
	return c.finish(ctx, acct, taskID, delegateID, StatusSucceeded, "")
}

// Fail marks a task started by delegateID as FAILED with the given reason.
func (c *Client) Fail(ctx context.Context, acct, taskID, delegateID, reason string) error {
	return c.finish(ctx, acct, taskID, delegateID, StatusFailed, reason)
}

func (c *Client) finish(ctx context.Context, acct, taskID, delegateID string, to Status, reason string) error {
	t, err := c.tasks.Get(ctx, acct, taskID)
	if err != nil {
		return err
	}
	if err := model.ValidateTransition(t.Status, to); err != nil {
		return err
	}
	if t.AssignedDelegateID != delegateID {
		return fmt.Errorf("%w: task %s is assigned to %q", ErrConflict, taskID, t.AssignedDelegateID)
	}
	ch := store.NewChange().
		ExpectStatus(StatusStarted).
		ExpectAssigned(delegateID).
		SetStatus(to, c.now())
	if reason != "" {
		ch.Set(store.FieldFailureReason, reason)
	}
	return c.apply(ctx, t, ch)
}

// Abort cancels a QUEUED or PARKED task. The reaper ends it at expiry.
func (c *Client) Abort(ctx context.Context, acct, taskID string) error {
	return c.move(ctx, acct, taskID, StatusAborted, nil)
}

// Park stops broadcasting a QUEUED task until Requeue.
func (c *Client) Park(ctx context.Context, acct, taskID string) error {
	return c.move(ctx, acct, taskID, StatusParked, nil)
}

// Requeue puts a PARKED task back in the rebroadcast schedule, due immediately.
func (c *Client) Requeue(ctx context.Context, acct, taskID string) error {
	return c.move(ctx, acct, taskID, StatusQueued, func(ch *store.Change) {
		ch.SetTime(store.FieldNextBroadcastAt, c.now())
	})
}

func (c *Client) move(ctx context.Context, acct, taskID string, to Status, extra func(*store.Change)) error {
	t, err := c.tasks.Get(ctx, acct, taskID)
	if err != nil {
		return err
	}
	if err := model.ValidateTransition(t.Status, to); err != nil {
		return err
	}
	ch := store.NewChange().ExpectStatus(t.Status).ExpectAssigned("").SetStatus(to, c.now())
	if extra != nil {
		extra(ch)
	}
	return c.apply(ctx, t, ch)
}

func (c *Client) apply(ctx context.Context, t *Task, ch *store.Change) error {
	ok, err := c.tasks.ConditionalUpdate(ctx, t.AccountID, t.ID, ch)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// ReportValidation records that delegateID finished the pre-check phase of a
// QUEUED task. The first report starts the validation clock. A delegate that
// validated successfully is whitelisted for the task's capabilities.
func (c *Client) ReportValidation(ctx context.Context, acct, taskID, delegateID string, validated bool) error {
	for range validationAttempts {
		t, err := c.tasks.Get(ctx, acct, taskID)
		if err != nil {
			return err
		}
		if t.Status != StatusQueued {
			return fmt.Errorf("%w: validation on %s task %s", ErrInvalidTransition, t.Status, taskID)
		}
		if validated {
			if err := c.whitelist.Add(ctx, acct, delegateID, t.RequiredCapabilities...); err != nil {
				return fmt.Errorf("whitelist delegate %s: %w", delegateID, err)
			}
		}
		if slices.Contains(t.ValidationCompletedDelegateIDs, delegateID) && !t.ValidationStartedAt.IsZero() {
			return nil
		}
		ch := store.NewChange().
			ExpectStatus(StatusQueued).
			ExpectRevision(t.Revision).
			SetStrings(store.FieldValidated, model.Union(t.ValidationCompletedDelegateIDs, []string{delegateID}))
		if t.ValidationStartedAt.IsZero() {
			ch.SetTime(store.FieldValidationStartedAt, c.now())
		}
		ok, err := c.tasks.ConditionalUpdate(ctx, acct, taskID, ch)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		metrics.Conflicts.WithLabelValues("validation").Inc()
	}
	return ErrConflict
}

// AssignPerpetualTask gives p to p.DelegateID. The detector releases it when
// the delegate disconnects.
func (c *Client) AssignPerpetualTask(ctx context.Context, p *PerpetualTask) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, err := c.registry.Get(ctx, p.AccountID, p.DelegateID); err != nil {
		return err
	}
	if p.AssignedAt.IsZero() {
		p.AssignedAt = c.now()
	}
	return c.perpetual.Assign(ctx, p)
}

// GetPerpetualTask loads a perpetual task.
func (c *Client) GetPerpetualTask(ctx context.Context, acct, id string) (*PerpetualTask, error) {
	return c.perpetual.Get(ctx, acct, id)
}

// GetTask loads a task by id.
func (c *Client) GetTask(ctx context.Context, acct, id string) (*Task, error) {
	return c.tasks.Get(ctx, acct, id)
}

// DecodePayload decodes the task payload into v with the client encoder.
func (c *Client) DecodePayload(t *Task, v any) error {
	return c.encoder.Decode(t.Payload, v)
}

// TaskFilter is a function used to filter tasks during ListTasks.
type TaskFilter func(*Task) bool

// ListTasks returns the tasks of the account in the given status.
// Records that cannot be decoded are skipped.
func (c *Client) ListTasks(ctx context.Context, acct string, status Status, filter TaskFilter) ([]*Task, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}
	ts, err := c.tasks.Query(ctx, store.Filter{AccountID: acct, Statuses: []Status{status}})
	if err != nil {
		return nil, err
	}
	if filter == nil {
		return ts, nil
	}
	out := ts[:0]
	for _, t := range ts {
		if filter(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// ListAlerts returns the open alerts of the account.
func (c *Client) ListAlerts(ctx context.Context, acct string) ([]*Alert, error) {
	return c.alerts.List(ctx, acct)
}

// Subscribe receives the offers addressed to delegateID. The subscription is
// live when Subscribe returns; call Close when done.
func (c *Client) Subscribe(ctx context.Context, acct, delegateID string) (*Subscription, error) {
	return c.transport.Subscribe(ctx, acct, delegateID)
}
