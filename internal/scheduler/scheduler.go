// Package scheduler runs the background jobs on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plazashare/escrow/internal/joblock"
	"github.com/plazashare/escrow/internal/logging"
	"github.com/plazashare/escrow/internal/metrics"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Timer drives one job on a ticker. A run that is still going when the next
// tick arrives makes that tick a no-op. With a Locker the same holds across
// instances.
type Timer struct {
	job     Job
	locker  joblock.Locker
	logger  *slog.Logger
	stop    chan struct{}
	once    sync.Once
	running atomic.Bool
	busy    atomic.Bool
}

// NewTimer creates a timer for job. locker may be nil.
func NewTimer(job Job, locker joblock.Locker, logger *slog.Logger) *Timer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Timer{
		job:    job,
		locker: locker,
		logger: logging.ForJob(logger, job.Name),
		stop:   make(chan struct{}),
	}
}

// Name returns the job name.
func (t *Timer) Name() string {
	return t.job.Name
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.RunOnce(ctx)
		}
	}
}

// Stop signals the loop to exit. Safe to call more than once.
func (t *Timer) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// RunOnce executes the job now unless a run is already in progress here or,
// with a locker, on another instance. It reports whether the job ran.
func (t *Timer) RunOnce(ctx context.Context) bool {
	if !t.busy.CompareAndSwap(false, true) {
		t.logger.Debug("previous run still in progress, skipping tick")
		metrics.JobRunsTotal.WithLabelValues(t.job.Name, "skipped").Inc()
		return false
	}
	defer t.busy.Store(false)

	if t.locker != nil {
		unlock, ok, err := t.locker.TryLock(ctx, t.job.Name, t.lockTTL())
		if err != nil {
			t.logger.Warn("failed to acquire job lock", "error", err)
			metrics.JobRunsTotal.WithLabelValues(t.job.Name, "error").Inc()
			return false
		}
		if !ok {
			t.logger.Debug("job held by another instance, skipping tick")
			metrics.JobRunsTotal.WithLabelValues(t.job.Name, "skipped").Inc()
			return false
		}
		defer unlock()
	}

	t.safeRun(ctx)
	return true
}

// lockTTL outlives a normal run but frees the lock before the next tick if
// the holder dies.
func (t *Timer) lockTTL() time.Duration {
	if ttl := t.job.Interval - time.Second; ttl > time.Second {
		return ttl
	}
	return time.Second
}

func (t *Timer) safeRun(ctx context.Context) {
	start := time.Now()
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in job", "panic", fmt.Sprint(r))
			result = "panic"
		}
		metrics.JobDuration.WithLabelValues(t.job.Name).Observe(time.Since(start).Seconds())
		metrics.JobRunsTotal.WithLabelValues(t.job.Name, result).Inc()
	}()

	if err := t.job.Run(ctx); err != nil {
		result = "error"
		t.logger.Warn("job run failed", "error", err)
	}
}

// Scheduler owns one timer per job. Different jobs run concurrently.
type Scheduler struct {
	timers []*Timer
	wg     sync.WaitGroup
}

// New creates timers for jobs sharing one locker.
func New(jobs []Job, locker joblock.Locker, logger *slog.Logger) *Scheduler {
	s := &Scheduler{}
	for _, j := range jobs {
		s.timers = append(s.timers, NewTimer(j, locker, logger))
	}
	return s
}

// Timers returns the managed timers, for health checks.
func (s *Scheduler) Timers() []*Timer {
	return s.timers
}

// Start launches every timer.
func (s *Scheduler) Start(ctx context.Context) {
	for _, t := range s.timers {
		s.wg.Add(1)
		go func(t *Timer) {
			defer s.wg.Done()
			t.Start(ctx)
		}(t)
	}
}

// Stop stops every timer and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.wg.Wait()
}
