package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/alert"
	"github.com/UniQw/uniqw-dispatch/internal/broadcast"
	"github.com/UniQw/uniqw-dispatch/internal/eligibility"
	"github.com/UniQw/uniqw-dispatch/internal/scheduler"
	"github.com/UniQw/uniqw-dispatch/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// Default iterator schedules.
const (
	DefaultRebroadcastSchedule = "1s"
	DefaultReapSchedule        = "5s"
	DefaultDetectSchedule      = "10s"
)

// ServerConfig defines the configuration for a dispatch server.
type ServerConfig struct {
	// Concurrency is the number of accounts each iterator handles at once.
	Concurrency int
	// TaskParallelism bounds the tasks handled at once within one account.
	TaskParallelism int
	// RebroadcastSchedule, ReapSchedule and DetectSchedule accept a Go
	// duration ("250ms"), "@every 5s" or a standard cron expression.
	RebroadcastSchedule string
	ReapSchedule        string
	DetectSchedule      string
	// HeartbeatTimeout is the heartbeat age after which a delegate is disconnected.
	HeartbeatTimeout time.Duration
	// ValidationTimeout is the grace period after all eligible delegates validated a task.
	ValidationTimeout time.Duration
	// Retention is how long terminal tasks are kept before they are purged.
	Retention time.Duration
	// ScanLimit caps the tasks handled per status and account in one pass; zero means no cap.
	ScanLimit int64
	// Policy controls rebroadcast fan-out and pacing. Zero fields take DefaultPolicy values.
	Policy Policy
	// Formatter renders failure reasons. Defaults to the built-in messages.
	Formatter FailureFormatter
	// Logger is the logger used for server events.
	Logger Logger
}

// Server runs the rebroadcast, reap and disconnect iterators over every
// account known to the task store. Several servers may run against the same
// Redis; every write is conditional.
type Server struct {
	iterators []*scheduler.Iterator
	subject   *scheduler.Subject
	log       Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a new dispatch server. It fails only on an invalid schedule.
func NewServer(rdb redis.UniversalClient, cfg ServerConfig) (*Server, error) {
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	lg := rtLogger{Logger: l}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	schedules := make(map[string]cron.Schedule, 3)
	for name, spec := range map[string]string{
		"rebroadcast": orDefault(cfg.RebroadcastSchedule, DefaultRebroadcastSchedule),
		"reaper":      orDefault(cfg.ReapSchedule, DefaultReapSchedule),
		"detector":    orDefault(cfg.DetectSchedule, DefaultDetectSchedule),
	} {
		s, err := scheduler.ParseSchedule(spec)
		if err != nil {
			return nil, fmt.Errorf("dispatch: %s: %w", name, err)
		}
		schedules[name] = s
	}

	tasks := store.NewTaskStore(rdb, store.WithRetention(cfg.Retention))
	registry := store.NewRegistry(rdb)
	resolver := eligibility.New(registry, store.NewWhitelist(rdb), eligibility.WithHeartbeatTimeout(cfg.HeartbeatTimeout))
	subject := scheduler.NewSubject(lg)

	rb := scheduler.NewRebroadcaster(tasks, resolver, broadcast.New(rdb), scheduler.RebroadcasterConfig{
		Policy:          cfg.Policy,
		TaskParallelism: cfg.TaskParallelism,
		ScanLimit:       cfg.ScanLimit,
		Logger:          lg,
	})
	rp := scheduler.NewReaper(tasks, resolver, cfg.Formatter, scheduler.ReaperConfig{
		ValidationTimeout: cfg.ValidationTimeout,
		TaskParallelism:   cfg.TaskParallelism,
		ScanLimit:         cfg.ScanLimit,
		Logger:            lg,
	})
	det := scheduler.NewDetector(registry, tasks, store.NewPerpetualStore(rdb), alert.New(rdb), subject, cfg.Formatter, scheduler.DetectorConfig{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		TaskParallelism:  cfg.TaskParallelism,
		Logger:           lg,
	})

	iter := func(name string, handle func(context.Context, string) error) *scheduler.Iterator {
		return &scheduler.Iterator{
			Name:        name,
			Schedule:    schedules[name],
			Concurrency: cfg.Concurrency,
			List:        tasks.Accounts,
			Handle:      handle,
			Logger:      lg,
		}
	}
	return &Server{
		iterators: []*scheduler.Iterator{
			iter("rebroadcast", rb.HandleAccount),
			iter("reaper", rp.HandleAccount),
			iter("detector", det.HandleAccount),
		},
		subject: subject,
		log:     l,
	}, nil
}

func orDefault(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

// RegisterObserver adds o to the observers notified when a delegate is
// marked disconnected. A panicking observer does not affect the others.
func (s *Server) RegisterObserver(o Observer) { s.subject.Register(o) }

// Start launches the iterators. It is idempotent and non-blocking.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Warnf("server already started; ignoring Start()")
		return
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.log.Infof("starting server: iterators=%d", len(s.iterators))
	for _, it := range s.iterators {
		s.wg.Add(1)
		go func(it *scheduler.Iterator) {
			defer s.wg.Done()
			it.Run(ctx)
		}(it)
	}
}

// Stop cancels the iterators and waits for in-flight passes to return.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.log.Warnf("server not started; ignoring Stop()")
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	s.log.Infof("stopping server")
	cancel()
	s.wg.Wait()
}

// RunOnce performs one pass of every iterator, in rebroadcast, reaper,
// detector order, regardless of their schedules.
func (s *Server) RunOnce(ctx context.Context) error {
	var errs []error
	for _, it := range s.iterators {
		failed, err := it.RunOnce(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if failed > 0 {
			errs = append(errs, fmt.Errorf("%s: %d accounts failed", it.Name, failed))
		}
	}
	return errors.Join(errs...)
}

// rtLogger adapts the public Logger to the internal scheduler logger interface.
type rtLogger struct{ Logger }
