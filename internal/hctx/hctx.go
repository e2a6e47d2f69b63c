package hctx

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Pass holds per-pass metadata that iterator handlers attach to their log lines.
type Pass struct {
	ID        string
	Iterator  string
	Item      string
	StartedAt time.Time
}

// New creates pass metadata with a fresh random id.
func New(iterator, item string) *Pass {
	return &Pass{ID: uuid.NewString(), Iterator: iterator, Item: item, StartedAt: time.Now()}
}

type ctxKey struct{}

// WithPass returns a child context carrying the given pass.
func WithPass(parent context.Context, p *Pass) context.Context {
	return context.WithValue(parent, ctxKey{}, p)
}

// From extracts the pass from context if present.
func From(ctx context.Context) (*Pass, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	p, ok := v.(*Pass)
	return p, ok
}

// ID returns the pass id carried by ctx, or "-" when absent.
func ID(ctx context.Context) string {
	if p, ok := From(ctx); ok && p != nil {
		return p.ID
	}
	return "-"
}
