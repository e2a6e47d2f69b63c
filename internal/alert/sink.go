// Package alert persists open delegate-down alerts per account.
package alert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/keys"
	"github.com/UniQw/uniqw-dispatch/internal/model"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Sink keeps at most one open alert per (type, scope) in the account alerts hash.
type Sink struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// New creates an alert sink on top of rdb.
func New(rdb redis.UniversalClient) *Sink {
	return &Sink{rdb: rdb, now: time.Now}
}

func field(typ model.AlertType, scope string) string { return string(typ) + ":" + scope }

// Open raises an alert unless one is already open for the same type and scope.
// It reports whether a new alert was created.
func (s *Sink) Open(ctx context.Context, acct, scope string, typ model.AlertType, payload model.DelegatesDown) (bool, error) {
	raw, err := json.Marshal(model.Alert{
		ID:        uuid.NewString(),
		AccountID: acct,
		Type:      typ,
		Scope:     scope,
		Payload:   payload,
		OpenedAt:  s.now(),
	})
	if err != nil {
		return false, err
	}
	return s.rdb.HSetNX(ctx, keys.For(acct).Alerts, field(typ, scope), raw).Result()
}

// Close resolves the alert for the given type and scope. It reports whether
// an open alert existed.
func (s *Sink) Close(ctx context.Context, acct, scope string, typ model.AlertType, _ model.DelegatesDown) (bool, error) {
	n, err := s.rdb.HDel(ctx, keys.For(acct).Alerts, field(typ, scope)).Result()
	return n > 0, err
}

// List returns the open alerts of an account. Undecodable entries are skipped.
func (s *Sink) List(ctx context.Context, acct string) ([]*model.Alert, error) {
	m, err := s.rdb.HGetAll(ctx, keys.For(acct).Alerts).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Alert, 0, len(m))
	for _, raw := range m {
		var a model.Alert
		if err := sonic.UnmarshalString(raw, &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}
