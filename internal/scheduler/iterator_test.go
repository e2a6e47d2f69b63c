package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/hctx"
	"github.com/UniQw/uniqw-dispatch/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	s, err := ParseSchedule("250ms")
	require.NoError(t, err)
	require.Equal(t, base.Add(250*time.Millisecond), s.Next(base))

	s, err = ParseSchedule("@every 5s")
	require.NoError(t, err)
	require.Equal(t, base.Add(5*time.Second), s.Next(base))

	s, err = ParseSchedule("*/2 * * * *")
	require.NoError(t, err)
	require.Equal(t, base.Add(2*time.Minute), s.Next(base))

	_, err = ParseSchedule("-1s")
	require.Error(t, err)
	_, err = ParseSchedule("not a schedule")
	require.Error(t, err)
}

func TestIterator_RunOnceFansOut(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}
	it := &Iterator{
		Name:        "test",
		Concurrency: 2,
		List:        func(context.Context) ([]string, error) { return []string{"a1", "a2", "a3"}, nil },
		Handle: func(ctx context.Context, item string) error {
			p, ok := hctx.From(ctx)
			mu.Lock()
			if ok {
				seen[item] = p.Iterator + "/" + p.Item
			}
			mu.Unlock()
			if item == "a2" {
				return errors.New("boom")
			}
			return nil
		},
	}
	failed, err := it.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, failed)
	require.Equal(t, map[string]string{"a1": "test/a1", "a2": "test/a2", "a3": "test/a3"}, seen)
}

func TestIterator_ListFailure(t *testing.T) {
	it := &Iterator{
		Name:   "test",
		List:   func(context.Context) ([]string, error) { return nil, errors.New("redis down") },
		Handle: func(context.Context, string) error { return nil },
	}
	_, err := it.RunOnce(context.Background())
	require.Error(t, err)
}

func TestIterator_RunUntilCanceled(t *testing.T) {
	var passes atomic.Int32
	it := &Iterator{
		Name:     "loop",
		Schedule: Every(10 * time.Millisecond),
		List: func(context.Context) ([]string, error) {
			passes.Add(1)
			return nil, nil
		},
		Handle: func(context.Context, string) error { return nil },
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		it.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return passes.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()
	require.Equal(t, 5*time.Second, p.Interval(1))
	require.Equal(t, 10*time.Second, p.Interval(2))
	require.Equal(t, 40*time.Second, p.Interval(4))
	require.Equal(t, time.Minute, p.Interval(5))
	require.Equal(t, time.Minute, p.Interval(50))

	small := ids("d", 10)
	require.Equal(t, small, p.Batch(small, 0))
	require.Equal(t, small, p.Batch(small, 2))

	large := ids("d", 12)
	require.Len(t, p.Batch(large, 0), 4)
	require.Len(t, p.Batch(large, 1), 8)
	require.Len(t, p.Batch(large, 2), 12)
	require.Len(t, p.Batch(large, 5), 12)

	require.False(t, p.Exhausted(3, 3))
	require.False(t, p.Exhausted(2, 9))
	require.True(t, p.Exhausted(3, 4))

	custom := Policy{SmallPoolThreshold: 2, BaseInterval: time.Second, MaxInterval: time.Millisecond}.withDefaults()
	require.Equal(t, 3, custom.MaxRounds)
	require.Equal(t, time.Second, custom.MaxInterval, "cap never below the base")
	require.Equal(t, time.Second, custom.Interval(3))
}

func TestSubject_NotifyCountsPanics(t *testing.T) {
	s := NewSubject(nil)
	var got []string
	s.Register(ObserverFunc(func(a, d string) { got = append(got, "first:"+d) }))
	s.Register(ObserverFunc(func(string, string) { panic("x") }))
	s.Register(nil)
	s.Register(ObserverFunc(func(a, d string) { got = append(got, "last:"+d) }))

	require.Equal(t, 1, s.Notify("a1", "d1"))
	require.Equal(t, []string{"first:d1", "last:d1"}, got)
}

func TestDefaultFormatter(t *testing.T) {
	f := DefaultFormatter{}
	tk := &model.Task{
		ID:                    "t1",
		Expiry:                time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
		BroadcastCount:        3,
		AlreadyTriedDelegates: ids("d", 2),
		EligibleDelegateIDs:   ids("d", 2),
	}
	require.Equal(t, "task expired at 2026-01-01T10:00:00Z after 3 broadcasts to 2 delegates", f.ReasonFor(tk, CauseExpired))
	require.Contains(t, f.ReasonFor(tk, CauseValidationTimeout), "all 2 eligible delegates")

	tk.AssignedDelegateID = "d9"
	require.Contains(t, f.ReasonFor(tk, CauseDisconnected), "delegate d9 disconnected")
	require.Contains(t, f.ReasonFor(tk, CauseExpired), "running on delegate d9")

	custom := FormatterFunc(func(t *model.Task, c Cause) string { return t.ID + ":" + string(c) })
	require.Equal(t, "t1:expired", custom.ReasonFor(tk, CauseExpired))
}
