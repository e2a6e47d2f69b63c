// Package eligibility decides which delegates may receive a task.
package eligibility

import (
	"context"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/model"
	"golang.org/x/sync/singleflight"
)

// DefaultHeartbeatTimeout is the heartbeat age after which a delegate no longer counts as connected.
const DefaultHeartbeatTimeout = 30 * time.Second

// DelegateLister lists the enabled delegates of an account.
type DelegateLister interface {
	ListNonDeleted(ctx context.Context, acct string) ([]*model.Delegate, error)
}

// WhitelistChecker filters delegates whitelisted for every capability.
type WhitelistChecker interface {
	Whitelisted(ctx context.Context, acct string, delegateIDs, capabilities []string) ([]string, error)
}

// Resolver matches task capability requirements against delegate declarations.
type Resolver struct {
	delegates DelegateLister
	whitelist WhitelistChecker
	timeout   time.Duration
	now       func() time.Time
	// sf collapses concurrent registry reads of one account within a pass.
	sf singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHeartbeatTimeout overrides DefaultHeartbeatTimeout.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides the time source used for connectivity checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a resolver.
func New(delegates DelegateLister, whitelist WhitelistChecker, opts ...Option) *Resolver {
	r := &Resolver{delegates: delegates, whitelist: whitelist, timeout: DefaultHeartbeatTimeout, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HeartbeatTimeout returns the connectivity threshold in use.
func (r *Resolver) HeartbeatTimeout() time.Duration { return r.timeout }

// EligibleDelegates returns the ids of enabled delegates declaring every
// capability the task requires, in registration order.
func (r *Resolver) EligibleDelegates(ctx context.Context, t *model.Task) ([]string, error) {
	ds, err := r.list(ctx, t.AccountID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		if d.Satisfies(t.RequiredCapabilities) {
			out = append(out, d.ID)
		}
	}
	return out, nil
}

// ConnectedDelegates returns the members of candidates that are currently
// connected, preserving candidate order.
func (r *Resolver) ConnectedDelegates(ctx context.Context, candidates []string, t *model.Task) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	ds, err := r.list(ctx, t.AccountID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	connected := make(map[string]bool, len(ds))
	for _, d := range ds {
		if d.Connected(now, r.timeout) {
			connected[d.ID] = true
		}
	}
	out := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if connected[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// ConnectedWhitelisted returns the task's eligible delegates that are
// connected and whitelisted for all of its capabilities.
func (r *Resolver) ConnectedWhitelisted(ctx context.Context, t *model.Task) ([]string, error) {
	eligible := t.EligibleDelegateIDs
	if len(eligible) == 0 {
		var err error
		if eligible, err = r.EligibleDelegates(ctx, t); err != nil {
			return nil, err
		}
	}
	connected, err := r.ConnectedDelegates(ctx, eligible, t)
	if err != nil || len(connected) == 0 {
		return nil, err
	}
	return r.whitelist.Whitelisted(ctx, t.AccountID, connected, t.RequiredCapabilities)
}

func (r *Resolver) list(ctx context.Context, acct string) ([]*model.Delegate, error) {
	v, err, _ := r.sf.Do(acct, func() (any, error) {
		return r.delegates.ListNonDeleted(ctx, acct)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*model.Delegate), nil
}
