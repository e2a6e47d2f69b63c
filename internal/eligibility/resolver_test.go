package eligibility

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/model"
	"github.com/UniQw/uniqw-dispatch/internal/store"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, now time.Time) (*Resolver, *store.Registry, *store.Whitelist) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	reg := store.NewRegistry(rdb)
	wl := store.NewWhitelist(rdb)
	r := New(reg, wl, WithHeartbeatTimeout(time.Minute), WithClock(func() time.Time { return now }))
	return r, reg, wl
}

func TestResolver_EligibleAndConnected(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	r, reg, _ := setup(t, now)
	ctx := context.Background()

	add := func(id string, caps []string, hb time.Time, at time.Duration) {
		require.NoError(t, reg.Register(ctx, &model.Delegate{ID: id, AccountID: "a1", HostName: id, Capabilities: caps, LastHeartbeatAt: hb, RegisteredAt: now.Add(at)}))
	}
	add("d1", []string{"k8s", "git"}, now, 0)
	add("d2", []string{"git"}, now, time.Second)
	add("d3", []string{"k8s"}, now.Add(-2*time.Minute), 2*time.Second)
	add("d4", []string{"k8s"}, now, 3*time.Second)
	_, err := reg.MarkDisconnected(ctx, "a1", "d4", now.Add(time.Minute))
	require.NoError(t, err)

	task := &model.Task{AccountID: "a1", RequiredCapabilities: []string{"k8s"}}
	eligible, err := r.EligibleDelegates(ctx, task)
	require.NoError(t, err)
	require.Equal(t, []string{"d1", "d3", "d4"}, eligible)

	connected, err := r.ConnectedDelegates(ctx, eligible, task)
	require.NoError(t, err)
	require.Equal(t, []string{"d1"}, connected, "stale heartbeat and disconnected flag both exclude")

	all, err := r.EligibleDelegates(ctx, &model.Task{AccountID: "a1"})
	require.NoError(t, err)
	require.Len(t, all, 4, "no requirements matches everyone")
}

func TestResolver_ConnectedWhitelisted(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	r, reg, wl := setup(t, now)
	ctx := context.Background()
	for i, id := range []string{"d1", "d2"} {
		require.NoError(t, reg.Register(ctx, &model.Delegate{ID: id, AccountID: "a1", Capabilities: []string{"k8s"}, LastHeartbeatAt: now, RegisteredAt: now.Add(time.Duration(i) * time.Second)}))
	}
	task := &model.Task{AccountID: "a1", RequiredCapabilities: []string{"k8s"}, EligibleDelegateIDs: []string{"d1", "d2"}}

	got, err := r.ConnectedWhitelisted(ctx, task)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, wl.Add(ctx, "a1", "d2", "k8s"))
	got, err = r.ConnectedWhitelisted(ctx, task)
	require.NoError(t, err)
	require.Equal(t, []string{"d2"}, got)
}

type failingLister struct{}

func (failingLister) ListNonDeleted(context.Context, string) ([]*model.Delegate, error) {
	return nil, errors.New("registry down (injected)")
}

func TestResolver_PropagatesRegistryErrors(t *testing.T) {
	r := New(failingLister{}, nil)
	_, err := r.EligibleDelegates(context.Background(), &model.Task{AccountID: "a1"})
	require.Error(t, err)
	_, err = r.ConnectedDelegates(context.Background(), []string{"d1"}, &model.Task{AccountID: "a1"})
	require.Error(t, err)
	require.Equal(t, DefaultHeartbeatTimeout, r.HeartbeatTimeout())
}
