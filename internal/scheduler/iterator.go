package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/hctx"
	"github.com/UniQw/uniqw-dispatch/internal/metrics"
	"github.com/UniQw/uniqw-dispatch/internal/pool"
	"github.com/robfig/cron/v3"
)

// Every returns a schedule firing at a fixed interval. Unlike cron.Every it
// keeps sub-second intervals.
func Every(d time.Duration) cron.Schedule { return fixed(d) }

type fixed time.Duration

func (f fixed) Next(t time.Time) time.Time { return t.Add(time.Duration(f)) }

// ParseSchedule accepts a Go duration ("250ms", "5s"), a descriptor such as
// "@every 5s", or a standard 5-field cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule %q: interval must be positive", spec)
		}
		return Every(d), nil
	}
	s, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return s, nil
}

// Iterator periodically lists items (accounts) and handles each of them on a
// bounded pool. It keeps no state between passes.
type Iterator struct {
	Name     string
	Schedule cron.Schedule
	// Concurrency bounds the items handled at once.
	Concurrency int
	List        func(ctx context.Context) ([]string, error)
	Handle      func(ctx context.Context, item string) error
	Logger      Logger
}

// RunOnce performs a single pass and returns the number of failed items.
func (it *Iterator) RunOnce(ctx context.Context) (int, error) {
	log := orNoop(it.Logger)
	start := time.Now()
	defer func() { metrics.PassDuration.WithLabelValues(it.Name).Observe(time.Since(start).Seconds()) }()

	items, err := it.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: list: %w", it.Name, err)
	}
	failed := pool.Each(ctx, it.Concurrency, items, func(s string) string { return s },
		func(ctx context.Context, item string) error {
			return it.Handle(hctx.WithPass(ctx, hctx.New(it.Name, item)), item)
		},
		func(e *pool.ItemError) {
			metrics.ItemErrors.WithLabelValues(it.Name).Inc()
			log.Warnf("%s: item=%s err=%v", it.Name, e.Item, e.Err)
		})
	return failed, nil
}

// Run executes passes on the schedule until ctx is canceled.
func (it *Iterator) Run(ctx context.Context) {
	log := orNoop(it.Logger)
	for {
		now := time.Now()
		next := it.Schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := it.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warnf("%s: pass failed err=%v", it.Name, err)
		}
	}
}
