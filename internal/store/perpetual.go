package store

import (
	"context"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/keys"
	"github.com/UniQw/uniqw-dispatch/internal/model"
	"github.com/redis/go-redis/v9"
)

// unassignScript releases a perpetual task only while it is still owned by
// ARGV[1]. Returns -1 when the record is missing, 0 when owned by someone else.
var unassignScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'delegate_id') ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'delegate_id', '', 'state', 'UNASSIGNED')
redis.call('SREM', KEYS[2], ARGV[2])
return 1
`)

// PerpetualStore keeps perpetual task ownership with a reverse index per delegate.
type PerpetualStore struct {
	rdb redis.UniversalClient
}

// NewPerpetualStore creates a perpetual task store on top of rdb.
func NewPerpetualStore(rdb redis.UniversalClient) *PerpetualStore {
	return &PerpetualStore{rdb: rdb}
}

// Assign gives the perpetual task to p.DelegateID, moving it off any previous owner.
func (s *PerpetualStore) Assign(ctx context.Context, p *model.PerpetualTask) error {
	k := keys.For(p.AccountID)
	prev, err := s.rdb.HGet(ctx, k.Perpetual(p.ID), pFieldDelegateID).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if p.AssignedAt.IsZero() {
		p.AssignedAt = time.Now()
	}
	p.State = model.PerpetualAssigned
	_, err = s.rdb.TxPipelined(ctx, func(pp redis.Pipeliner) error {
		if prev != "" && prev != p.DelegateID {
			pp.SRem(ctx, k.PerpetualByDelegate(prev), p.ID)
		}
		pp.HSet(ctx, k.Perpetual(p.ID), toArgs(encodePerpetual(p))...)
		pp.SAdd(ctx, k.PerpetualByDelegate(p.DelegateID), p.ID)
		return nil
	})
	return err
}

// Get loads a perpetual task.
func (s *PerpetualStore) Get(ctx context.Context, acct, id string) (*model.PerpetualTask, error) {
	m, err := s.rdb.HGetAll(ctx, keys.Perpetual(acct, id)).Result()
	if err != nil {
		return nil, err
	}
	return decodePerpetual(m)
}

// ListByDelegate returns the perpetual tasks currently owned by delegateID.
// Index entries pointing at missing or reassigned records are skipped.
func (s *PerpetualStore) ListByDelegate(ctx context.Context, acct, delegateID string) ([]*model.PerpetualTask, error) {
	k := keys.For(acct)
	ids, err := s.rdb.SMembers(ctx, k.PerpetualByDelegate(delegateID)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]*model.PerpetualTask, 0, len(ids))
	for _, id := range ids {
		p, gerr := s.Get(ctx, acct, id)
		if gerr != nil {
			continue
		}
		if p.DelegateID != delegateID || p.State != model.PerpetualAssigned {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Unassign releases the perpetual task if it is still owned by expectedDelegate.
// It reports false when the task moved to another owner in the meantime.
func (s *PerpetualStore) Unassign(ctx context.Context, acct, id, expectedDelegate string) (bool, error) {
	k := keys.For(acct)
	n, err := unassignScript.Run(ctx, s.rdb, []string{k.Perpetual(id), k.PerpetualByDelegate(expectedDelegate)}, expectedDelegate, id).Int()
	if err != nil {
		return false, err
	}
	if n < 0 {
		return false, ErrPerpetualTaskNotFound
	}
	return n == 1, nil
}
