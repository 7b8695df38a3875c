// internal/sched/runner.go

package sched

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"idlerunq/internal/logx"
)

// IdleTaskRunner posts idle tasks to an idle-priority TaskRunner and runs each
// one with a deadline obtained from its Delegate at execution time.
//
// Posting is safe from any goroutine. EnqueueReadyDelayedIdleTasks, SetBlameContext
// and Close belong to the goroutine the underlying TaskRunner is bound to.
type IdleTaskRunner struct {
	runner   TaskRunner
	delegate Delegate
	delayed  *delayedQueue
	ref      *runnerRef    // revoked on Close; every queued trampoline goes through it
	nextID   atomic.Uint64 // task ids for events and logs

	mu    sync.Mutex // protects blame
	blame BlameContext

	log      logx.Logger
	observer func(StatusEvent)
	limiter  *rate.Limiter // throttles the per-task allotted time log
}

// Option configures an IdleTaskRunner.
type Option func(*IdleTaskRunner)

func WithLogger(l logx.Logger) Option {
	return func(r *IdleTaskRunner) { r.log = l }
}

// WithObserver registers fn to receive every StatusEvent. fn runs synchronously
// on the goroutine that caused the event and must not block.
func WithObserver(fn func(StatusEvent)) Option {
	return func(r *IdleTaskRunner) { r.observer = fn }
}

// WithTraceRate caps the allotted time debug log to perSec lines per second.
// perSec <= 0 removes the cap.
func WithTraceRate(perSec int) Option {
	return func(r *IdleTaskRunner) {
		if perSec <= 0 {
			r.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	}
}

// NewIdleTaskRunner must be called on the goroutine runner is bound to.
func NewIdleTaskRunner(runner TaskRunner, delegate Delegate, opts ...Option) *IdleTaskRunner {
	if runner == nil {
		panic("sched: nil task runner")
	}
	if delegate == nil {
		panic("sched: nil delegate")
	}
	if !runner.RunsTasksOnCurrentThread() {
		panic("sched: idle task runner must be created on its task runner's goroutine")
	}

	r := &IdleTaskRunner{
		runner:   runner,
		delegate: delegate,
		delayed:  newDelayedQueue(),
		log:      logx.Nop(),
		limiter:  rate.NewLimiter(rate.Limit(10), 10),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ref = &runnerRef{r: r}
	r.ref.alive.Store(true)
	return r
}

// RunsTasksOnCurrentThread reports whether the caller is on the owning goroutine.
func (r *IdleTaskRunner) RunsTasksOnCurrentThread() bool {
	return r.runner.RunsTasksOnCurrentThread()
}

// PostIdleTask queues task to run the next time the owning goroutine is idle.
func (r *IdleTaskRunner) PostIdleTask(from Location, task IdleTask) {
	r.post(from, task, false)
}

// PostNonNestableIdleTask is PostIdleTask for tasks that must never run from
// inside another task's nested run loop.
func (r *IdleTaskRunner) PostNonNestableIdleTask(from Location, task IdleTask) {
	r.post(from, task, true)
}

func (r *IdleTaskRunner) post(from Location, task IdleTask, nonNestable bool) {
	if task == nil {
		panic(fmt.Sprintf("sched: nil idle task posted from %s", from))
	}
	e := r.newEntry(from, task)
	if !r.ref.alive.Load() {
		r.emit(StatusDropped, e, time.Time{})
		return
	}

	r.delegate.OnIdleTaskPosted()
	trampoline := r.trampoline(e)
	if nonNestable {
		r.runner.PostNonNestableTask(from, trampoline)
	} else {
		r.runner.PostTask(from, trampoline)
	}
	r.emit(StatusPosted, e, time.Time{})
}

// PostDelayedIdleTask queues task to become eligible no earlier than
// NowTicks()+delay. It reaches the task runner on the first
// EnqueueReadyDelayedIdleTasks call that observes that time.
func (r *IdleTaskRunner) PostDelayedIdleTask(from Location, delay time.Duration, task IdleTask) {
	if delay < 0 {
		panic(fmt.Sprintf("sched: negative delay %v posted from %s", delay, from))
	}
	if task == nil {
		panic(fmt.Sprintf("sched: nil idle task posted from %s", from))
	}
	e := r.newEntry(from, task)
	if !r.ref.alive.Load() {
		r.emit(StatusDropped, e, time.Time{})
		return
	}

	eligible := r.delegate.NowTicks().Add(delay)
	if !r.delayed.insert(eligible, e) {
		// Close ran after the liveness check.
		r.emit(StatusDropped, e, eligible)
		return
	}
	r.emit(StatusDelayed, e, eligible)
}

// EnqueueReadyDelayedIdleTasks moves every delayed task whose eligibility time
// has passed onto the task runner, earliest first. It returns how many moved.
func (r *IdleTaskRunner) EnqueueReadyDelayedIdleTasks() int {
	if r.delayed.len() == 0 {
		return 0
	}

	now := r.delegate.NowTicks()
	ready := r.delayed.popReady(now)
	for _, d := range ready {
		r.runner.PostTask(d.from, r.trampoline(d.scheduledEntry))
		r.emit(StatusPromoted, d.scheduledEntry, d.eligible)
	}
	if len(ready) > 0 {
		r.log.Trace("promoted delayed idle tasks",
			logx.Int("count", len(ready)),
			logx.Int("pending", r.delayed.len()))
	}
	return len(ready)
}

// NextDelayedRunTime reports the earliest eligibility time among delayed tasks.
func (r *IdleTaskRunner) NextDelayedRunTime() (time.Time, bool) {
	d, ok := r.delayed.peek()
	if !ok {
		return time.Time{}, false
	}
	return d.eligible, true
}

// PendingDelayed returns the number of delayed tasks not yet promoted.
func (r *IdleTaskRunner) PendingDelayed() int { return r.delayed.len() }

// SetBlameContext attaches ctx to every subsequent task execution. nil detaches.
func (r *IdleTaskRunner) SetBlameContext(ctx BlameContext) {
	r.mu.Lock()
	r.blame = ctx
	r.mu.Unlock()
}

// Close tears the runner down. Delayed tasks are dropped, tasks already handed
// to the task runner turn into no-ops, and later posts are discarded.
func (r *IdleTaskRunner) Close() {
	if !r.ref.alive.CompareAndSwap(true, false) {
		return
	}
	dropped := r.delayed.close()
	for _, d := range dropped {
		r.emit(StatusDropped, d.scheduledEntry, d.eligible)
	}
	r.log.Debug("idle task runner closed", logx.Int("dropped_delayed", len(dropped)))
}

func (r *IdleTaskRunner) newEntry(from Location, task IdleTask) scheduledEntry {
	return scheduledEntry{
		id:   TaskID(r.nextID.Add(1)),
		from: from,
		task: task,
	}
}

// trampoline binds e to the revocable handle rather than to r itself.
func (r *IdleTaskRunner) trampoline(e scheduledEntry) func() {
	ref := r.ref
	return func() {
		if target := ref.get(); target != nil {
			target.runTask(e)
		}
	}
}

// runTask resolves the deadline at dispatch time, not at post time.
func (r *IdleTaskRunner) runTask(e scheduledEntry) {
	deadline := r.delegate.WillProcessIdleTask()
	r.traceAllotted(e, deadline)
	r.emit(StatusRun, e, deadline)

	r.mu.Lock()
	blame := r.blame
	r.mu.Unlock()

	if blame != nil {
		blame.Enter()
	}
	// Pairs stay balanced when the task panics and the loop recovers.
	defer func() {
		if blame != nil {
			blame.Leave()
		}
		r.delegate.DidProcessIdleTask()
		r.emit(StatusFinish, e, deadline)
	}()
	e.task(deadline)
}

func (r *IdleTaskRunner) traceAllotted(e scheduledEntry, deadline time.Time) {
	if !r.log.Enabled(logx.LevelDebug) || !r.limiter.Allow() {
		return
	}
	allotted := deadline.Sub(r.delegate.NowTicks())
	r.log.Debug("running idle task",
		logx.Uint64("task_id", uint64(e.id)),
		logx.String("from", e.from.String()),
		logx.Float64("allotted_time_ms", float64(allotted)/float64(time.Millisecond)))
}

func (r *IdleTaskRunner) emit(kind StatusKind, e scheduledEntry, at time.Time) {
	if r.observer == nil {
		return
	}
	r.observer(StatusEvent{
		Time:   time.Now(),
		Kind:   kind,
		TaskID: e.id,
		From:   e.from,
		At:     at,
	})
}

// runnerRef is a revocable reference to an IdleTaskRunner. Once revoked, get
// returns nil forever.
type runnerRef struct {
	alive atomic.Bool
	r     *IdleTaskRunner
}

func (h *runnerRef) get() *IdleTaskRunner {
	if !h.alive.Load() {
		return nil
	}
	return h.r
}
