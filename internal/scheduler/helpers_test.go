package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/model"
	"github.com/UniQw/uniqw-dispatch/internal/store"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) *redis.Client {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.UnixMilli(1_700_000_000_000)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

type fakeResolver struct {
	mu          sync.Mutex
	eligible    []string
	connected   []string
	whitelisted []string
	err         error
}

func (f *fakeResolver) EligibleDelegates(context.Context, *model.Task) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eligible, f.err
}

func (f *fakeResolver) ConnectedDelegates(_ context.Context, cands []string, _ *model.Task) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return model.Intersect(cands, f.connected), nil
}

func (f *fakeResolver) ConnectedWhitelisted(context.Context, *model.Task) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.whitelisted, f.err
}

type publishCall struct {
	acct, taskID, version string
	ids                   []string
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []publishCall
	fail  bool
}

func (f *fakeTransport) Publish(_ context.Context, acct, taskID, version string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("publish failure (injected)")
	}
	f.calls = append(f.calls, publishCall{acct, taskID, version, append([]string(nil), ids...)})
	return nil
}

func (f *fakeTransport) last() publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = prefix + string(rune('a'+i))
	}
	return out
}

func createTask(t *testing.T, ts *store.TaskStore, tk *model.Task) {
	t.Helper()
	if tk.Status == "" {
		tk.Status = model.StatusQueued
	}
	if tk.AccountID == "" {
		tk.AccountID = "a1"
	}
	require.NoError(t, ts.Create(context.Background(), tk))
}

func load(t *testing.T, ts *store.TaskStore, acct, id string) *model.Task {
	t.Helper()
	tk, err := ts.Get(context.Background(), acct, id)
	require.NoError(t, err)
	return tk
}

func start(t *testing.T, ts *store.TaskStore, acct, id, delegateID string, at time.Time) {
	t.Helper()
	ok, err := ts.ConditionalUpdate(context.Background(), acct, id, store.NewChange().
		ExpectStatus(model.StatusQueued).
		ExpectAssigned("").
		SetStatus(model.StatusStarted, at).
		Set(store.FieldAssigned, delegateID))
	require.NoError(t, err)
	require.True(t, ok)
}
