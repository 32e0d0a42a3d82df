// Package supervisor drives a user callable on a periodic schedule with a
// per-tick timeout and exponential back-off, used by the client to run
// heartbeats, registry fetches and other background loops
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"discoveryd/internal/obsmetrics"
	"discoveryd/internal/platform/logger"
)

// Func is the user callable a Task supervises. It should honor ctx
// cancellation: the supervisor cancels ctx with interrupt semantics when a
// tick times out, but lets the goroutine run to completion regardless.
type Func func(ctx context.Context) error

// Task wraps a Func with a single-shot rescheduler and a shared worker pool.
// At most one invocation of Func is in flight from a given Task at a time.
type Task struct {
	name string
	run  Func
	pool *Pool

	baseTimeout time.Duration
	maxDelay    time.Duration

	currentDelay atomic.Int64 // nanoseconds, baseTimeout <= currentDelay <= maxDelay

	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool

	successes atomic.Int64
	timeouts  atomic.Int64
	rejected  atomic.Int64
	errors    atomic.Int64
}

// New constructs a supervised task. baseTimeout bounds both the per-tick
// deadline and the reschedule floor; backoffBound (>= 1) sets
// maxDelay = baseTimeout * backoffBound.
func New(name string, run Func, pool *Pool, baseTimeout time.Duration, backoffBound int) *Task {
	if backoffBound < 1 {
		backoffBound = 1
	}
	t := &Task{
		name:        name,
		run:         run,
		pool:        pool,
		baseTimeout: baseTimeout,
		maxDelay:    baseTimeout * time.Duration(backoffBound),
	}
	t.currentDelay.Store(int64(baseTimeout))
	obsmetrics.SupervisorTaskDelayMs.WithLabelValues(name).Set(float64(baseTimeout.Milliseconds()))
	return t
}

// Start runs the first tick immediately and then reschedules itself
// according to the back-off schedule
func (t *Task) Start() {
	go t.tick()
}

// Cancel deregisters this task's metrics and cancels the next scheduled
// tick. An in-flight invocation of Func is not interrupted by Cancel; it
// runs to completion on its own.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	obsmetrics.UnregisterTask(t.name)
}

// CurrentDelay returns the task's current reschedule delay
func (t *Task) CurrentDelay() time.Duration {
	return time.Duration(t.currentDelay.Load())
}

func (t *Task) tick() {
	log := logger.Named("supervisor").With().Str("task", t.name).Logger()

	resultCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())

	submitted := t.pool.TrySubmit(func() {
		defer cancel()
		resultCh <- t.run(ctx)
	})

	if !submitted {
		t.rejected.Add(1)
		obsmetrics.SupervisorTaskRunsTotal.WithLabelValues(t.name, "rejected").Inc()
		log.Warn().Msg("worker pool saturated, skipping this tick")
		cancel()
		t.reschedule()
		return
	}

	select {
	case err := <-resultCh:
		if err != nil {
			t.errors.Add(1)
			obsmetrics.SupervisorTaskRunsTotal.WithLabelValues(t.name, "error").Inc()
			log.Warn().Err(err).Msg("task returned an error")
		} else {
			t.successes.Add(1)
			obsmetrics.SupervisorTaskRunsTotal.WithLabelValues(t.name, "success").Inc()
			t.currentDelay.Store(int64(t.baseTimeout))
		}
	case <-time.After(t.baseTimeout):
		t.timeouts.Add(1)
		obsmetrics.SupervisorTaskRunsTotal.WithLabelValues(t.name, "timeout").Inc()
		log.Warn().Dur("timeout", t.baseTimeout).Msg("task timed out, widening schedule")
		t.growDelay()
		cancel() // interrupt the still-running invocation
	}

	obsmetrics.SupervisorTaskDelayMs.WithLabelValues(t.name).Set(float64(t.CurrentDelay().Milliseconds()))
	t.reschedule()
}

// growDelay sets currentDelay = min(maxDelay, currentDelay*2) via CAS
func (t *Task) growDelay() {
	for {
		cur := t.currentDelay.Load()
		next := cur * 2
		if time.Duration(next) > t.maxDelay {
			next = int64(t.maxDelay)
		}
		if t.currentDelay.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (t *Task) reschedule() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.timer = time.AfterFunc(t.CurrentDelay(), t.tick)
}
