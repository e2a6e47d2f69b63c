package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEach_IsolatesFailures(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	var done atomic.Int32
	var seen []string
	failed := Each(context.Background(), 2, items, func(s string) string { return s },
		func(_ context.Context, s string) error {
			switch s {
			case "b":
				return errors.New("boom")
			case "c":
				panic("kaboom")
			}
			done.Add(1)
			return nil
		},
		func(e *ItemError) { seen = append(seen, e.Item) })

	require.Equal(t, 2, failed)
	require.Equal(t, int32(2), done.Load())
	require.ElementsMatch(t, []string{"b", "c"}, seen)
}

func TestEach_PanicIsReported(t *testing.T) {
	var got *ItemError
	Each(context.Background(), 1, []int{1}, func(int) string { return "one" },
		func(context.Context, int) error { panic("x") },
		func(e *ItemError) { got = e })
	require.NotNil(t, got)
	var pe *PanicError
	require.ErrorAs(t, got, &pe)
	require.Equal(t, "x", pe.Value)
	require.NotEmpty(t, pe.Stack)
}

func TestEach_RespectsLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 20)
	Each(context.Background(), 3, items, func(int) string { return "" },
		func(context.Context, int) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}, nil)
	require.LessOrEqual(t, peak.Load(), int32(3))
}

func TestEach_StopsSchedulingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	Each(ctx, 1, []int{1, 2, 3}, func(int) string { return "" },
		func(context.Context, int) error { calls.Add(1); return nil }, nil)
	require.Equal(t, int32(0), calls.Load())
}
