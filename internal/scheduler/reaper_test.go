package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/keys"
	"github.com/UniQw/uniqw-dispatch/internal/model"
	"github.com/UniQw/uniqw-dispatch/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type reaperFixture struct {
	rdb   *redis.Client
	ts    *store.TaskStore
	clock *fakeClock
	res   *fakeResolver
	rp    *Reaper
}

func newReaperFixture(t *testing.T) *reaperFixture {
	t.Helper()
	rdb := newMiniClient(t)
	f := &reaperFixture{
		rdb:   rdb,
		ts:    store.NewTaskStore(rdb, store.WithRetention(time.Hour)),
		clock: newClock(),
		res:   &fakeResolver{},
	}
	f.rp = NewReaper(f.ts, f.res, nil, ReaperConfig{ValidationTimeout: time.Minute, Clock: f.clock.Now})
	return f
}

func TestReaper_ExpiredNeverStarted(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	past, future := now.Add(-time.Second), now.Add(time.Hour)

	createTask(t, f.ts, &model.Task{ID: "q-old", Expiry: past})
	createTask(t, f.ts, &model.Task{ID: "q-new", Expiry: future})
	createTask(t, f.ts, &model.Task{ID: "p-old", Status: model.StatusParked, Expiry: past})
	createTask(t, f.ts, &model.Task{ID: "a-old", Status: model.StatusAborted, Expiry: past})
	createTask(t, f.ts, &model.Task{ID: "forever"})

	require.NoError(t, f.rp.ReapExpired(ctx, "a1"))

	got := load(t, f.ts, "a1", "q-old")
	require.Equal(t, model.StatusExpired, got.Status)
	require.NotEmpty(t, got.FailureReason)
	require.Equal(t, model.StatusEnded, load(t, f.ts, "a1", "p-old").Status)
	require.Equal(t, model.StatusEnded, load(t, f.ts, "a1", "a-old").Status)
	require.Equal(t, model.StatusQueued, load(t, f.ts, "a1", "q-new").Status)
	require.Equal(t, model.StatusQueued, load(t, f.ts, "a1", "forever").Status, "no expiry never reaps")
}

func TestReaper_StartedTimeout(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	createTask(t, f.ts, &model.Task{ID: "late", Expiry: now.Add(-time.Second)})
	createTask(t, f.ts, &model.Task{ID: "ok", Expiry: now.Add(time.Hour)})
	start(t, f.ts, "a1", "late", "d1", now.Add(-time.Minute))
	start(t, f.ts, "a1", "ok", "d1", now.Add(-time.Minute))

	require.NoError(t, f.rp.ReapStarted(ctx, "a1"))
	late := load(t, f.ts, "a1", "late")
	require.Equal(t, model.StatusFailed, late.Status)
	require.Contains(t, late.FailureReason, "d1")
	require.Equal(t, model.StatusStarted, load(t, f.ts, "a1", "ok").Status)
}

func TestReaper_ValidationCompleted(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	validated := func(id string, startedAt time.Time) {
		createTask(t, f.ts, &model.Task{
			ID:                             id,
			Expiry:                         now.Add(time.Hour),
			EligibleDelegateIDs:            []string{"d1", "d2"},
			ValidationCompletedDelegateIDs: []string{"d2", "d1"},
			ValidationStartedAt:            startedAt,
		})
	}
	validated("stuck", now.Add(-2*time.Minute))
	validated("grace", now.Add(-10*time.Second))
	createTask(t, f.ts, &model.Task{
		ID:                             "partial",
		Expiry:                         now.Add(time.Hour),
		EligibleDelegateIDs:            []string{"d1", "d2"},
		ValidationCompletedDelegateIDs: []string{"d1"},
		ValidationStartedAt:            now.Add(-time.Hour),
	})

	require.NoError(t, f.rp.FailValidated(ctx, "a1"))
	require.Equal(t, model.StatusFailed, load(t, f.ts, "a1", "stuck").Status)
	require.Equal(t, model.StatusQueued, load(t, f.ts, "a1", "grace").Status)
	require.Equal(t, model.StatusQueued, load(t, f.ts, "a1", "partial").Status)
}

func TestReaper_ValidationCompletedKeepsWhitelisted(t *testing.T) {
	f := newReaperFixture(t)
	f.res.whitelisted = []string{"d1"}
	now := f.clock.Now()
	createTask(t, f.ts, &model.Task{
		ID:                             "t1",
		Expiry:                         now.Add(time.Hour),
		EligibleDelegateIDs:            []string{"d1"},
		ValidationCompletedDelegateIDs: []string{"d1"},
		ValidationStartedAt:            now.Add(-time.Hour),
	})

	require.NoError(t, f.rp.FailValidated(context.Background(), "a1"))
	require.Equal(t, model.StatusQueued, load(t, f.ts, "a1", "t1").Status)
}

func TestReaper_ValidationCompletedWithScanLimit(t *testing.T) {
	f := newReaperFixture(t)
	rp := NewReaper(f.ts, f.res, nil, ReaperConfig{ValidationTimeout: time.Minute, ScanLimit: 1, Clock: f.clock.Now})
	now := f.clock.Now()
	createTask(t, f.ts, &model.Task{ID: "pending", Expiry: now.Add(time.Minute), EligibleDelegateIDs: []string{"d1"}})
	createTask(t, f.ts, &model.Task{
		ID:                             "stuck",
		Expiry:                         now.Add(time.Hour),
		EligibleDelegateIDs:            []string{"d1"},
		ValidationCompletedDelegateIDs: []string{"d1"},
		ValidationStartedAt:            now.Add(-time.Hour),
	})

	require.NoError(t, rp.FailValidated(context.Background(), "a1"))
	require.Equal(t, model.StatusFailed, load(t, f.ts, "a1", "stuck").Status)
	require.Equal(t, model.StatusQueued, load(t, f.ts, "a1", "pending").Status)
}

func TestReaper_CorruptedIsForceDeleted(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()
	createTask(t, f.ts, &model.Task{ID: "fine", Expiry: f.clock.Now().Add(time.Hour)})
	require.NoError(t, f.rdb.HSet(ctx, keys.Task("a1", "junk"), store.FieldID, "junk", store.FieldStatus, "QUEUED").Err())
	require.NoError(t, f.rdb.ZAdd(ctx, keys.Status("a1", "QUEUED"), redis.Z{Score: 1, Member: "junk"}).Err())

	require.NoError(t, f.rp.ReapCorrupted(ctx, "a1"))
	require.Equal(t, int64(0), f.rdb.Exists(ctx, keys.Task("a1", "junk")).Val())
	require.Equal(t, int64(1), f.rdb.ZCard(ctx, keys.Status("a1", "QUEUED")).Val())
	require.Equal(t, model.StatusQueued, load(t, f.ts, "a1", "fine").Status)
}

func TestReaper_PurgeAfterRetention(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	createTask(t, f.ts, &model.Task{ID: "t1", Expiry: now.Add(-time.Second)})
	require.NoError(t, f.rp.ReapExpired(ctx, "a1"))

	require.NoError(t, f.rp.Purge(ctx, "a1"))
	require.Equal(t, model.StatusExpired, load(t, f.ts, "a1", "t1").Status, "kept during retention")

	f.clock.Advance(time.Hour + time.Second)
	require.NoError(t, f.rp.Purge(ctx, "a1"))
	_, err := f.ts.Get(ctx, "a1", "t1")
	require.ErrorIs(t, err, store.ErrTaskNotFound)
}

// acceptingStore flips every queried QUEUED task to STARTED right after the
// read, the way a delegate accepting between scan and write would.
type acceptingStore struct {
	*store.TaskStore
	t *testing.T
}

func (s *acceptingStore) Query(ctx context.Context, f store.Filter) ([]*model.Task, error) {
	ts, err := s.TaskStore.Query(ctx, f)
	for _, tk := range ts {
		if tk.Status == model.StatusQueued {
			start(s.t, s.TaskStore, tk.AccountID, tk.ID, "d9", time.Now())
		}
	}
	return ts, err
}

func TestReaper_LosesRaceToAcceptance(t *testing.T) {
	f := newReaperFixture(t)
	now := f.clock.Now()
	createTask(t, f.ts, &model.Task{ID: "t1", Expiry: now.Add(-time.Second)})
	rp := NewReaper(&acceptingStore{TaskStore: f.ts, t: t}, f.res, nil, ReaperConfig{Clock: f.clock.Now})

	require.NoError(t, rp.ReapExpired(context.Background(), "a1"))
	got := load(t, f.ts, "a1", "t1")
	require.Equal(t, model.StatusStarted, got.Status)
	require.Equal(t, "d9", got.AssignedDelegateID)
}

func TestReaper_HandleAccountRunsEveryScan(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	createTask(t, f.ts, &model.Task{ID: "q", Expiry: now.Add(-time.Second)})
	createTask(t, f.ts, &model.Task{ID: "s", Expiry: now.Add(-time.Second)})
	start(t, f.ts, "a1", "s", "d1", now.Add(-time.Minute))
	require.NoError(t, f.rdb.ZAdd(ctx, keys.Status("a1", "QUEUED"), redis.Z{Score: 1, Member: "ghost"}).Err())

	require.NoError(t, f.rp.HandleAccount(ctx, "a1"))
	require.Equal(t, model.StatusExpired, load(t, f.ts, "a1", "q").Status)
	require.Equal(t, model.StatusFailed, load(t, f.ts, "a1", "s").Status)
	ids, err := f.ts.FindCorrupted(ctx, "a1", 0)
	require.NoError(t, err)
	require.Empty(t, ids)
}
