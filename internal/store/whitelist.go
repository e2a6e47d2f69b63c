package store

import (
	"context"

	"github.com/UniQw/uniqw-dispatch/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Whitelist records which delegates passed validation for a capability.
type Whitelist struct {
	rdb redis.UniversalClient
}

// NewWhitelist creates a capability whitelist on top of rdb.
func NewWhitelist(rdb redis.UniversalClient) *Whitelist {
	return &Whitelist{rdb: rdb}
}

// Add whitelists delegateID for every given capability.
func (w *Whitelist) Add(ctx context.Context, acct, delegateID string, capabilities ...string) error {
	if len(capabilities) == 0 {
		return nil
	}
	k := keys.For(acct)
	_, err := w.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, c := range capabilities {
			p.SAdd(ctx, k.Whitelist(c), delegateID)
		}
		return nil
	})
	return err
}

// Whitelisted returns the members of delegateIDs whitelisted for every
// capability, in input order. With no capabilities every delegate qualifies.
func (w *Whitelist) Whitelisted(ctx context.Context, acct string, delegateIDs, capabilities []string) ([]string, error) {
	if len(capabilities) == 0 || len(delegateIDs) == 0 {
		return append([]string(nil), delegateIDs...), nil
	}
	k := keys.For(acct)
	members := make([]any, len(delegateIDs))
	for i, id := range delegateIDs {
		members[i] = id
	}
	cmds := make([]*redis.BoolSliceCmd, len(capabilities))
	_, err := w.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, c := range capabilities {
			cmds[i] = p.SMIsMember(ctx, k.Whitelist(c), members...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(delegateIDs))
	for i, id := range delegateIDs {
		ok := true
		for _, c := range cmds {
			if !c.Val()[i] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}
