package store

import (
	"context"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/keys"
	"github.com/UniQw/uniqw-dispatch/internal/model"
	"github.com/redis/go-redis/v9"
)

// heartbeatScript refreshes a delegate heartbeat and clears its disconnected
// flag. Returns -1 when the delegate is unknown, 1 when it was flagged
// disconnected before the call, 0 otherwise.
var heartbeatScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local was = redis.call('HGET', KEYS[1], 'disconnected')
redis.call('HSET', KEYS[1], 'last_heartbeat_at', ARGV[1], 'disconnected', '0')
if was == '1' then return 1 end
return 0
`)

// disconnectScript sets the disconnected flag once, provided the last heartbeat
// is older than ARGV[1]. Returns -1 when the delegate is unknown, -2 when
// the heartbeat is fresh, 1 when the flag changed, 0 otherwise.
var disconnectScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local hb = tonumber(redis.call('HGET', KEYS[1], 'last_heartbeat_at')) or 0
if hb >= tonumber(ARGV[1]) then return -2 end
if redis.call('HGET', KEYS[1], 'disconnected') == '1' then return 0 end
redis.call('HSET', KEYS[1], 'disconnected', '1')
return 1
`)

// Registry stores delegates per account.
type Registry struct {
	rdb redis.UniversalClient
}

// NewRegistry creates a delegate registry on top of rdb.
func NewRegistry(rdb redis.UniversalClient) *Registry {
	return &Registry{rdb: rdb}
}

// Register creates or replaces a delegate record and enables it.
func (r *Registry) Register(ctx context.Context, d *model.Delegate) error {
	k := keys.For(d.AccountID)
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = time.Now()
	}
	d.Status = model.DelegateEnabled
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, k.Delegate(d.ID))
		p.HSet(ctx, k.Delegate(d.ID), toArgs(encodeDelegate(d))...)
		p.ZAdd(ctx, k.Delegates, redis.Z{Score: float64(d.RegisteredAt.UnixMilli()), Member: d.ID})
		return nil
	})
	if err != nil {
		return err
	}
	return r.rdb.SAdd(ctx, keys.Accounts, d.AccountID).Err()
}

// Get loads a delegate, including deleted ones.
func (r *Registry) Get(ctx context.Context, acct, id string) (*model.Delegate, error) {
	m, err := r.rdb.HGetAll(ctx, keys.Delegate(acct, id)).Result()
	if err != nil {
		return nil, err
	}
	return decodeDelegate(m)
}

// ListNonDeleted returns the enabled delegates of an account in registration order.
// Records that cannot be decoded are skipped.
func (r *Registry) ListNonDeleted(ctx context.Context, acct string) ([]*model.Delegate, error) {
	k := keys.For(acct)
	ids, err := r.rdb.ZRange(ctx, k.Delegates, 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, k.Delegate(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*model.Delegate, 0, len(ids))
	for _, c := range cmds {
		d, derr := decodeDelegate(c.Val())
		if derr != nil || d.Status == model.DelegateDeleted {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Heartbeat records a heartbeat at the given time and clears the disconnected flag.
// It reports whether the delegate was disconnected before the call.
func (r *Registry) Heartbeat(ctx context.Context, acct, id string, at time.Time) (bool, error) {
	n, err := heartbeatScript.Run(ctx, r.rdb, []string{keys.Delegate(acct, id)}, EncodeTime(at)).Int()
	if err != nil {
		return false, err
	}
	if n < 0 {
		return false, ErrDelegateNotFound
	}
	return n == 1, nil
}

// MarkDisconnected flags the delegate disconnected unless it heartbeated at or
// after cutoff, in which case ErrDelegateAlive is returned. It is idempotent and
// reports whether this call changed the flag.
func (r *Registry) MarkDisconnected(ctx context.Context, acct, id string, cutoff time.Time) (bool, error) {
	n, err := disconnectScript.Run(ctx, r.rdb, []string{keys.Delegate(acct, id)}, cutoff.UnixMilli()).Int()
	if err != nil {
		return false, err
	}
	switch n {
	case -1:
		return false, ErrDelegateNotFound
	case -2:
		return false, ErrDelegateAlive
	}
	return n == 1, nil
}

// Delete marks the delegate deleted. The record is kept so in-flight tasks can
// still resolve it.
func (r *Registry) Delete(ctx context.Context, acct, id string) error {
	k := keys.For(acct)
	n, err := r.rdb.Exists(ctx, k.Delegate(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDelegateNotFound
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k.Delegate(id), dFieldStatus, string(model.DelegateDeleted))
		p.ZRem(ctx, k.Delegates, id)
		return nil
	})
	return err
}
