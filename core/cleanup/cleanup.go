package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/authkit/core/orm"
)

// Report summarizes one runner invocation.
type Report struct {
	// Cleaned is the total number of records removed.
	Cleaned int64
	// Tables breaks the total down per table.
	Tables map[string]int64
}

// merge folds per-table counters into the report total.
func (r *Report) merge(table string, n int64) {
	if r.Tables == nil {
		r.Tables = make(map[string]int64)
	}
	r.Tables[table] += n
	r.Cleaned += n
}

// Add records n cleaned rows against a table. Helper for runners.
func (r *Report) Add(table string, n int64) { r.merge(table, n) }

// Runner performs one bounded cleanup pass. Runners must be idempotent and
// should delete in small batches rather than scanning whole tables.
type Runner func(ctx context.Context, store orm.ORM) (Report, error)

// Task is a registered periodic cleanup job.
type Task struct {
	// Name uniquely identifies the task across all plugins.
	Name string
	// Plugin is the owning plugin's name, for introspection.
	Plugin string
	// Interval between runs. Each tick is jittered by ±10%.
	Interval time.Duration
	// Enabled tasks run on their timer; disabled tasks only via RunOnce.
	Enabled bool
	Runner  Runner
}

// TaskInfo is the introspection view of a registered task.
type TaskInfo struct {
	Name       string
	Plugin     string
	Interval   time.Duration
	Enabled    bool
	Runs       int64
	Failures   int64
	LastRun    time.Time
	LastReport Report
}

type taskState struct {
	task    Task
	running atomic.Bool

	mu         sync.Mutex
	runs       int64
	failures   int64
	lastRun    time.Time
	lastReport Report
}

// Scheduler dispatches registered cleanup tasks on individual jittered
// timers. Overlapping runs of the same task are skipped, and a panicking
// runner is logged and rescheduled without affecting other tasks.
type Scheduler struct {
	store           orm.ORM
	logger          *slog.Logger
	shutdownTimeout time.Duration

	mu     sync.RWMutex
	tasks  map[string]*taskState
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for task lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for in-flight runners.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewScheduler creates a scheduler over the shared store.
func NewScheduler(store orm.ORM, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:           store,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		shutdownTimeout: 30 * time.Second,
		tasks:           make(map[string]*taskState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task. Registration happens at plugin initialization,
// before Start; registering a duplicate name fails.
func (s *Scheduler) Register(task Task) error {
	if task.Name == "" || task.Runner == nil {
		return ErrInvalidTask
	}
	if task.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidTask)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.Name]; exists {
		return ErrTaskExists
	}
	s.tasks[task.Name] = &taskState{task: task}

	s.logger.Info("registered cleanup task",
		slog.String("task", task.Name),
		slog.String("plugin", task.Plugin),
		slog.Duration("interval", task.Interval),
		slog.Bool("enabled", task.Enabled))
	return nil
}

// Tasks enumerates registered tasks with their run counters.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskInfo, 0, len(s.tasks))
	for _, st := range s.tasks {
		st.mu.Lock()
		out = append(out, TaskInfo{
			Name:       st.task.Name,
			Plugin:     st.task.Plugin,
			Interval:   st.task.Interval,
			Enabled:    st.task.Enabled,
			Runs:       st.runs,
			Failures:   st.failures,
			LastRun:    st.lastRun,
			LastReport: st.lastReport,
		})
		st.mu.Unlock()
	}
	return out
}

// RunOnce executes a task immediately, regardless of its Enabled flag.
// Returns ErrTaskRunning when a timer-driven run is still in flight.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (Report, error) {
	s.mu.RLock()
	st, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return Report{}, ErrTaskNotFound
	}

	if !st.running.CompareAndSwap(false, true) {
		return Report{}, ErrTaskRunning
	}
	defer st.running.Store(false)

	return s.execute(ctx, st)
}

// Start launches one timer loop per enabled task and blocks until the context
// is cancelled. Initial fires are staggered randomly within the task interval
// to avoid a thundering herd after deployment.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("cleanup scheduler already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	var enabled []*taskState
	for _, st := range s.tasks {
		if st.task.Enabled {
			enabled = append(enabled, st)
		}
	}
	s.mu.Unlock()

	s.logger.InfoContext(runCtx, "cleanup scheduler started",
		slog.Int("task_count", len(enabled)))

	g, gctx := errgroup.WithContext(runCtx)
	for _, st := range enabled {
		g.Go(func() error {
			s.loop(gctx, st)
			return nil
		})
	}

	err := g.Wait()
	close(s.done)

	s.mu.Lock()
	s.cancel = nil
	s.mu.Unlock()

	if err == nil {
		err = runCtx.Err()
	}
	return err
}

// Stop cancels the timer loops and waits for in-flight runners up to the
// shutdown timeout.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel == nil {
		return fmt.Errorf("cleanup scheduler not started")
	}
	cancel()

	select {
	case <-done:
		s.logger.Info("cleanup scheduler stopped")
		return nil
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("cleanup scheduler shutdown timeout exceeded",
			slog.Duration("timeout", s.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", s.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		err := s.Start(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
}

// loop drives a single task: an initial staggered fire, then jittered intervals.
func (s *Scheduler) loop(ctx context.Context, st *taskState) {
	timer := time.NewTimer(stagger(st.task.Interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.tick(ctx, st)
			timer.Reset(jitter(st.task.Interval))
		}
	}
}

// tick runs the task unless the previous run is still in flight.
func (s *Scheduler) tick(ctx context.Context, st *taskState) {
	if !st.running.CompareAndSwap(false, true) {
		s.logger.DebugContext(ctx, "cleanup task still running, skipping tick",
			slog.String("task", st.task.Name))
		return
	}
	defer st.running.Store(false)

	if _, err := s.execute(ctx, st); err != nil {
		s.logger.ErrorContext(ctx, "cleanup task failed",
			slog.String("task", st.task.Name),
			slog.String("plugin", st.task.Plugin),
			slog.String("error", err.Error()))
	}
}

// execute invokes the runner with panic isolation and records the outcome.
func (s *Scheduler) execute(ctx context.Context, st *taskState) (report Report, err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrRunnerPanic, r)
		}

		st.mu.Lock()
		st.runs++
		st.lastRun = start
		if err != nil {
			st.failures++
		} else {
			st.lastReport = report
		}
		st.mu.Unlock()
	}()

	report, err = st.task.Runner(ctx, s.store)
	if err != nil {
		return Report{}, err
	}

	s.logger.DebugContext(ctx, "cleanup task completed",
		slog.String("task", st.task.Name),
		slog.Int64("cleaned", report.Cleaned),
		slog.Duration("duration", time.Since(start)))
	return report, nil
}

// stagger spreads initial fires uniformly across the interval.
func stagger(interval time.Duration) time.Duration {
	return time.Duration(rand.Int64N(int64(interval)) + 1)
}

// jitter returns the interval perturbed by ±10%.
func jitter(interval time.Duration) time.Duration {
	maxDelta := int64(interval) / 10
	if maxDelta == 0 {
		return interval
	}
	return interval + time.Duration(rand.Int64N(2*maxDelta)-maxDelta)
}
