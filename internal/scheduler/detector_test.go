package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/alert"
	"github.com/UniQw/uniqw-dispatch/internal/model"
	"github.com/UniQw/uniqw-dispatch/internal/store"
	"github.com/stretchr/testify/require"
)

type detectorFixture struct {
	ts     *store.TaskStore
	reg    *store.Registry
	perp   *store.PerpetualStore
	alerts *alert.Sink
	clock  *fakeClock
	det    *Detector
}

func newDetectorFixture(t *testing.T) *detectorFixture {
	t.Helper()
	rdb := newMiniClient(t)
	f := &detectorFixture{
		ts:     store.NewTaskStore(rdb),
		reg:    store.NewRegistry(rdb),
		perp:   store.NewPerpetualStore(rdb),
		alerts: alert.New(rdb),
		clock:  newClock(),
	}
	f.det = NewDetector(f.reg, f.ts, f.perp, f.alerts, nil, nil, DetectorConfig{HeartbeatTimeout: 30 * time.Second, Clock: f.clock.Now})
	return f
}

func (f *detectorFixture) register(t *testing.T, id, host, group string, hb time.Time) *model.Delegate {
	t.Helper()
	d := &model.Delegate{ID: id, AccountID: "a1", HostName: host, IP: "10.0.0.1", GroupName: group, LastHeartbeatAt: hb, RegisteredAt: f.clock.Now()}
	require.NoError(t, f.reg.Register(context.Background(), d))
	return d
}

func (f *detectorFixture) openAlerts(t *testing.T) []*model.Alert {
	t.Helper()
	as, err := f.alerts.List(context.Background(), "a1")
	require.NoError(t, err)
	return as
}

func TestDetector_DisconnectCascade(t *testing.T) {
	f := newDetectorFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	d := f.register(t, "d1", "h1", "", now.Add(-time.Minute))
	f.register(t, "d2", "h2", "", now)

	for _, id := range []string{"t1", "t2", "t3"} {
		createTask(t, f.ts, &model.Task{ID: id, Expiry: now.Add(time.Hour)})
		start(t, f.ts, "a1", id, "d1", now)
	}
	createTask(t, f.ts, &model.Task{ID: "other", Expiry: now.Add(time.Hour)})
	start(t, f.ts, "a1", "other", "d2", now)
	require.NoError(t, f.perp.Assign(ctx, &model.PerpetualTask{ID: "p1", AccountID: "a1", DelegateID: "d1"}))

	var mu sync.Mutex
	var notified []string
	f.det.Subject().Register(ObserverFunc(func(acct, id string) {
		mu.Lock()
		notified = append(notified, acct+"/"+id)
		mu.Unlock()
	}))

	require.NoError(t, f.det.Handle(ctx, d))

	for _, id := range []string{"t1", "t2", "t3"} {
		got := load(t, f.ts, "a1", id)
		require.Equal(t, model.StatusFailed, got.Status, id)
		require.Contains(t, got.FailureReason, "disconnected")
	}
	require.Equal(t, model.StatusStarted, load(t, f.ts, "a1", "other").Status)

	dl, err := f.reg.Get(ctx, "a1", "d1")
	require.NoError(t, err)
	require.True(t, dl.Disconnected)

	p, err := f.perp.Get(ctx, "a1", "p1")
	require.NoError(t, err)
	require.Equal(t, model.PerpetualUnassigned, p.State)

	require.Equal(t, []string{"a1/d1"}, notified)

	as := f.openAlerts(t)
	require.Len(t, as, 1)
	require.Equal(t, "host:h1", as[0].Scope)
	require.Equal(t, "10.***.***.1", as[0].Payload.ObfuscatedIP)

	// handling again changes nothing
	require.NoError(t, f.det.Handle(ctx, d))
	require.Len(t, f.openAlerts(t), 1)
}

func TestDetector_ObserverPanicIsolated(t *testing.T) {
	f := newDetectorFixture(t)
	d := f.register(t, "d1", "h1", "", f.clock.Now().Add(-time.Minute))

	calls := 0
	f.det.Subject().Register(ObserverFunc(func(string, string) { panic("bad observer") }))
	f.det.Subject().Register(ObserverFunc(func(string, string) { calls++ }))

	require.NoError(t, f.det.Handle(context.Background(), d))
	require.Equal(t, 1, calls)
}

func TestDetector_GroupDownSemantics(t *testing.T) {
	f := newDetectorFixture(t)
	ctx := context.Background()
	stale := f.clock.Now().Add(-time.Minute)
	f.register(t, "g1", "h1", "east", stale)
	f.register(t, "g2", "h2", "east", stale)

	require.NoError(t, f.det.HandleAccount(ctx, "a1"))
	as := f.openAlerts(t)
	require.Len(t, as, 1, "one alert for the whole group")
	require.Equal(t, "group:east", as[0].Scope)
	require.Equal(t, "east", as[0].Payload.GroupName)

	// one member reconnects
	_, err := f.reg.Heartbeat(ctx, "a1", "g1", f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.det.HandleAccount(ctx, "a1"))
	require.Empty(t, f.openAlerts(t))

	// the other member is handled again while g1 is up: no new alert
	g2, err := f.reg.Get(ctx, "a1", "g2")
	require.NoError(t, err)
	require.NoError(t, f.det.Handle(ctx, g2))
	require.Empty(t, f.openAlerts(t))
}

func TestDetector_GroupStaysUpWhileOneMemberConnected(t *testing.T) {
	f := newDetectorFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	f.register(t, "g1", "h1", "east", now.Add(-time.Minute))
	f.register(t, "g2", "h2", "east", now)

	require.NoError(t, f.det.HandleAccount(ctx, "a1"))
	require.Empty(t, f.openAlerts(t))
	g1, err := f.reg.Get(ctx, "a1", "g1")
	require.NoError(t, err)
	require.True(t, g1.Disconnected)
}

// flakyTasks fails Query while failQuery is set.
type flakyTasks struct {
	*store.TaskStore
	mu        sync.Mutex
	failQuery bool
}

func (f *flakyTasks) Query(ctx context.Context, flt store.Filter) ([]*model.Task, error) {
	f.mu.Lock()
	fail := f.failQuery
	f.mu.Unlock()
	if fail {
		return nil, errors.New("query failure (injected)")
	}
	return f.TaskStore.Query(ctx, flt)
}

func (f *flakyTasks) setFail(v bool) {
	f.mu.Lock()
	f.failQuery = v
	f.mu.Unlock()
}

func TestDetector_RetriesCleanupAfterStoreFailure(t *testing.T) {
	f := newDetectorFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	f.register(t, "d1", "h1", "", now.Add(-time.Minute))
	createTask(t, f.ts, &model.Task{ID: "t1", Expiry: now.Add(time.Hour)})
	start(t, f.ts, "a1", "t1", "d1", now)

	flaky := &flakyTasks{TaskStore: f.ts, failQuery: true}
	det := NewDetector(f.reg, flaky, f.perp, f.alerts, nil, nil, DetectorConfig{HeartbeatTimeout: 30 * time.Second, Clock: f.clock.Now})
	notified := 0
	det.Subject().Register(ObserverFunc(func(string, string) { notified++ }))

	require.NoError(t, det.HandleAccount(ctx, "a1"))
	dl, err := f.reg.Get(ctx, "a1", "d1")
	require.NoError(t, err)
	require.True(t, dl.Disconnected)
	require.Equal(t, model.StatusStarted, load(t, f.ts, "a1", "t1").Status)

	flaky.setFail(false)
	f.clock.Advance(10 * time.Second)
	require.NoError(t, det.HandleAccount(ctx, "a1"))
	got := load(t, f.ts, "a1", "t1")
	require.Equal(t, model.StatusFailed, got.Status)
	require.Equal(t, "d1", got.AssignedDelegateID)
	require.Equal(t, 1, notified, "observers hear about a disconnect once")
}

func TestDetector_SkipsDelegateThatHeartbeated(t *testing.T) {
	f := newDetectorFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	snapshot := f.register(t, "d1", "h1", "", now.Add(-time.Minute))
	createTask(t, f.ts, &model.Task{ID: "t1", Expiry: now.Add(time.Hour)})
	start(t, f.ts, "a1", "t1", "d1", now)

	notified := 0
	f.det.Subject().Register(ObserverFunc(func(string, string) { notified++ }))

	// the delegate heartbeats after the snapshot was read
	_, err := f.reg.Heartbeat(ctx, "a1", "d1", now)
	require.NoError(t, err)
	require.NoError(t, f.det.Handle(ctx, snapshot))

	dl, err := f.reg.Get(ctx, "a1", "d1")
	require.NoError(t, err)
	require.False(t, dl.Disconnected)
	require.Equal(t, model.StatusStarted, load(t, f.ts, "a1", "t1").Status)
	require.Zero(t, notified)
	require.Empty(t, f.openAlerts(t))
}
