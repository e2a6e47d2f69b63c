package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/hctx"
	"github.com/UniQw/uniqw-dispatch/internal/metrics"
	"github.com/UniQw/uniqw-dispatch/internal/model"
	"github.com/UniQw/uniqw-dispatch/internal/pool"
	"github.com/UniQw/uniqw-dispatch/internal/store"
)

// Outcome describes what a rebroadcast pass did to a task.
type Outcome int

const (
	// OutcomeSkipped: not queued, assigned, not yet due or expired.
	OutcomeSkipped Outcome = iota
	// OutcomeExhausted: the schedule ran out; the task is left for the reaper.
	OutcomeExhausted
	// OutcomeRescheduled: nobody connected, retried shortly without counting.
	OutcomeRescheduled
	// OutcomeBroadcast: offered and counters advanced.
	OutcomeBroadcast
	// OutcomeConflict: another writer changed the task first.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeRescheduled:
		return "rescheduled"
	case OutcomeBroadcast:
		return "broadcast"
	case OutcomeConflict:
		return "conflict"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// RebroadcasterConfig configures a Rebroadcaster.
type RebroadcasterConfig struct {
	Policy Policy
	// TaskParallelism bounds concurrent task handling within one account pass.
	TaskParallelism int
	// ScanLimit caps the due tasks handled per account pass; zero means no cap.
	ScanLimit int64
	Logger    Logger
	Clock     Clock
}

// Rebroadcaster re-offers queued, unassigned tasks to eligible delegates.
type Rebroadcaster struct {
	tasks     TaskStore
	resolver  Resolver
	transport Transport
	policy    Policy
	par       int
	limit     int64
	log       Logger
	now       Clock
}

// NewRebroadcaster wires a rebroadcaster.
func NewRebroadcaster(tasks TaskStore, resolver Resolver, transport Transport, cfg RebroadcasterConfig) *Rebroadcaster {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	par := cfg.TaskParallelism
	if par <= 0 {
		par = 8
	}
	return &Rebroadcaster{
		tasks:     tasks,
		resolver:  resolver,
		transport: transport,
		policy:    cfg.Policy.withDefaults(),
		par:       par,
		limit:     cfg.ScanLimit,
		log:       orNoop(cfg.Logger),
		now:       now,
	}
}

// Policy returns the effective policy.
func (r *Rebroadcaster) Policy() Policy { return r.policy }

// HandleAccount rebroadcasts every due task of the account. A failing task
// is logged and does not stop the others.
func (r *Rebroadcaster) HandleAccount(ctx context.Context, acct string) error {
	now := r.now()
	ts, err := r.tasks.QueryDue(ctx, acct, now, r.limit)
	if err != nil {
		return fmt.Errorf("rebroadcast: query account=%s: %w", acct, err)
	}
	due := ts[:0]
	for _, t := range ts {
		if !t.Expired(now) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	pool.Each(ctx, r.par, due, func(t *model.Task) string { return t.ID },
		func(ctx context.Context, t *model.Task) error {
			_, err := r.HandleTask(ctx, t)
			return err
		},
		func(e *pool.ItemError) {
			r.log.Warnf("rebroadcast: id=%s account=%s pass=%s err=%v", e.Item, acct, hctx.ID(ctx), e.Err)
		})
	return nil
}

// HandleTask runs one rebroadcast pass over t as read from the store.
// Calling it again before t.NextBroadcastAt is a no-op.
func (r *Rebroadcaster) HandleTask(ctx context.Context, t *model.Task) (Outcome, error) {
	now := r.now()
	if t.Status != model.StatusQueued || t.AssignedDelegateID != "" || !t.Due(now) || t.Expired(now) {
		return OutcomeSkipped, nil
	}
	if r.policy.Exhausted(t.BroadcastRound, t.BroadcastCount) {
		r.log.Debugf("rebroadcast: exhausted id=%s account=%s count=%d round=%d", t.ID, t.AccountID, t.BroadcastCount, t.BroadcastRound)
		return r.commit(ctx, t, r.guard(t).SetTime(store.FieldNextBroadcastAt, r.parkUntil(t, now)), OutcomeExhausted)
	}

	eligible, connected, rerr := r.resolve(ctx, t)
	if rerr != nil {
		r.log.Warnf("rebroadcast: eligibility failed id=%s account=%s err=%v", t.ID, t.AccountID, rerr)
	}
	if len(connected) == 0 {
		c := r.guard(t).SetTime(store.FieldNextBroadcastAt, now.Add(r.policy.NoConnectedRetry))
		if rerr == nil {
			c.SetStrings(store.FieldEligible, eligible)
		}
		return r.commit(ctx, t, c, OutcomeRescheduled)
	}

	batch := r.policy.Batch(eligible, t.BroadcastRound)
	targets := r.pick(t, eligible, batch, connected)

	if err := r.transport.Publish(ctx, t.AccountID, t.ID, t.Version, targets); err != nil {
		metrics.BroadcastFailures.Inc()
		return OutcomeSkipped, fmt.Errorf("publish: %w", err)
	}

	tried := model.Union(t.AlreadyTriedDelegates, targets)
	round := t.BroadcastRound
	if !hasFresh(batch, connected, tried) {
		round = min(round+1, r.policy.MaxRounds)
	}
	count := t.BroadcastCount + 1
	c := r.guard(t).
		SetInt(store.FieldBroadcastCount, count).
		SetInt(store.FieldBroadcastRound, round).
		SetStrings(store.FieldTried, tried).
		SetStrings(store.FieldEligible, eligible).
		SetTime(store.FieldNextBroadcastAt, now.Add(r.policy.Interval(count)))
	out, err := r.commit(ctx, t, c, OutcomeBroadcast)
	if out == OutcomeBroadcast {
		metrics.Broadcasts.Inc()
		r.log.Debugf("rebroadcast: id=%s account=%s count=%d round=%d targets=%v", t.ID, t.AccountID, count, round, targets)
	}
	return out, err
}

// resolve returns the eligible list for this pass, keeping the stored order
// and appending newly eligible delegates, and its connected subset.
func (r *Rebroadcaster) resolve(ctx context.Context, t *model.Task) ([]string, []string, error) {
	current, err := r.resolver.EligibleDelegates(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	eligible := model.Union(model.Intersect(t.EligibleDelegateIDs, current), current)
	connected, err := r.resolver.ConnectedDelegates(ctx, eligible, t)
	if err != nil {
		return nil, nil, err
	}
	return eligible, connected, nil
}

// pick prefers untried connected batch members, then already tried ones,
// then connected delegates beyond this round's batch.
func (r *Rebroadcaster) pick(t *model.Task, eligible, batch, connected []string) []string {
	inBatch := model.Intersect(batch, connected)
	cands := model.Subtract(inBatch, t.AlreadyTriedDelegates)
	if len(cands) == 0 {
		cands = inBatch
	}
	if len(cands) == 0 {
		cands = model.Subtract(connected, batch)
	}
	if !r.policy.Small(len(eligible)) && len(cands) > r.policy.LargePoolFanout {
		cands = cands[:r.policy.LargePoolFanout]
	}
	return cands
}

func hasFresh(batch, connected, tried []string) bool {
	for _, id := range batch {
		if slices.Contains(connected, id) && !slices.Contains(tried, id) {
			return true
		}
	}
	return false
}

// parkUntil is the next broadcast time of an exhausted task: its expiry, when
// the reaper takes it over, or one maximum interval for tasks that never expire.
func (r *Rebroadcaster) parkUntil(t *model.Task, now time.Time) time.Time {
	if !t.Expiry.IsZero() {
		return t.Expiry
	}
	return now.Add(r.policy.MaxInterval)
}

// guard pins the fields this pass read so a concurrent accept, completion or
// second scheduler pass makes the write fail.
func (r *Rebroadcaster) guard(t *model.Task) *store.Change {
	return store.NewChange().
		ExpectStatus(model.StatusQueued).
		ExpectAssigned("").
		Expect(store.FieldBroadcastCount, store.EncodeInt(t.BroadcastCount)).
		Expect(store.FieldNextBroadcastAt, store.EncodeTime(t.NextBroadcastAt))
}

func (r *Rebroadcaster) commit(ctx context.Context, t *model.Task, c *store.Change, want Outcome) (Outcome, error) {
	ok, err := r.tasks.ConditionalUpdate(ctx, t.AccountID, t.ID, c)
	if err != nil && !errors.Is(err, store.ErrTaskNotFound) {
		return OutcomeSkipped, fmt.Errorf("update: %w", err)
	}
	if !ok {
		metrics.Conflicts.WithLabelValues("rebroadcast").Inc()
		r.log.Debugf("rebroadcast: lost race id=%s account=%s", t.ID, t.AccountID)
		return OutcomeConflict, nil
	}
	return want, nil
}
