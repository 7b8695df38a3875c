// internal/loop/loop.go

package loop

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/queues/linkedlistqueue"

	"idlerunq/internal/logx"
	"idlerunq/internal/sched"
)

var (
	// ErrLoopClosed is returned by Run on a loop that has been closed.
	ErrLoopClosed = errors.New("loop: closed")

	// ErrReentrantRun is returned when Run is called from inside a task.
	ErrReentrantRun = errors.New("loop: cannot call Run from within a task")
)

// Loop is a FIFO task queue drained by the one goroutine that created it.
// Any goroutine may post; only the owner runs tasks.
//
// A task may drain the loop again by calling RunUntilIdle (a nested run).
// Non-nestable tasks reached while nested are set aside and run once control
// is back at the top level, ahead of everything else.
type Loop struct {
	owner uint64 // goroutine id

	mu       sync.Mutex             // protects queue, deferred, closed
	queue    *linkedlistqueue.Queue // pendingTask, FIFO
	deferred *linkedlistqueue.Queue // non-nestable tasks seen while nested
	closed   bool
	wake     chan struct{} // 1-buffered post notification
	done     chan struct{} // closed by Close
	doneOnce sync.Once

	// owner goroutine only
	depth  int
	cycles []func()

	ran          atomic.Int64
	tickInterval time.Duration
	panicHandler func(any)
	log          logx.Logger
}

type pendingTask struct {
	from        sched.Location
	fn          func()
	nonNestable bool
}

// Option configures a Loop.
type Option func(*Loop)

func WithLogger(l logx.Logger) Option {
	return func(lp *Loop) { lp.log = l }
}

// WithTickInterval sets how often Run starts a work cycle when nothing is posted.
func WithTickInterval(d time.Duration) Option {
	return func(lp *Loop) {
		if d > 0 {
			lp.tickInterval = d
		}
	}
}

// WithPanicHandler recovers task panics and hands them to fn. Without it a
// panicking task unwinds through RunUntilIdle or Run.
func WithPanicHandler(fn func(r any)) Option {
	return func(lp *Loop) { lp.panicHandler = fn }
}

// New creates a loop bound to the calling goroutine.
func New(opts ...Option) *Loop {
	l := &Loop{
		owner:        goroutineID(),
		queue:        linkedlistqueue.New(),
		deferred:     linkedlistqueue.New(),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		tickInterval: 5 * time.Millisecond,
		log:          logx.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RunsTasksOnCurrentThread reports whether the caller is the owning goroutine.
func (l *Loop) RunsTasksOnCurrentThread() bool {
	return goroutineID() == l.owner
}

// PostTask queues fn. It returns false, dropping fn, once the loop is closed.
func (l *Loop) PostTask(from sched.Location, fn func()) bool {
	return l.post(pendingTask{from: from, fn: fn})
}

// PostNonNestableTask queues fn such that it never runs inside a nested run.
func (l *Loop) PostNonNestableTask(from sched.Location, fn func()) bool {
	return l.post(pendingTask{from: from, fn: fn, nonNestable: true})
}

func (l *Loop) post(t pendingTask) bool {
	if t.fn == nil {
		panic(fmt.Sprintf("loop: nil task posted from %s", t.from))
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue.Enqueue(t)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// OnCycle registers fn to run at the start of every top-level work cycle.
// Owner goroutine only.
func (l *Loop) OnCycle(fn func()) {
	l.mustBeOwner("OnCycle")
	l.cycles = append(l.cycles, fn)
}

// RunUntilIdle runs queued tasks until none are left and returns how many ran.
// Called at the top level it first runs the cycle hooks; called from inside a
// task it performs a nested run.
func (l *Loop) RunUntilIdle() int {
	l.mustBeOwner("RunUntilIdle")
	if l.depth == 0 {
		l.runCycle()
	}
	return l.drain()
}

// Run processes work cycles on every post and every tick until ctx is done,
// returning nil, or the loop is closed, returning ErrLoopClosed.
func (l *Loop) Run(ctx context.Context) error {
	l.mustBeOwner("Run")
	if l.depth > 0 {
		return ErrReentrantRun
	}
	if l.isClosed() {
		return ErrLoopClosed
	}

	clock := NewTickClock(1)
	clock.Start(l.tickInterval)
	defer clock.Stop()

	l.log.Debug("loop running", logx.Duration("tick", l.tickInterval))
	for {
		l.runCycle()
		l.drain()

		select {
		case <-ctx.Done():
			l.log.Debug("loop stopped", logx.Int64("ticks", clock.Count()), logx.Int64("ran", l.ran.Load()))
			return nil
		case <-l.done:
			l.log.Debug("loop closed while running", logx.Int64("ticks", clock.Count()))
			return ErrLoopClosed
		case <-l.wake:
		case <-clock.Ch:
		}
	}
}

// Close drops every queued task and rejects further posts. Safe to call more
// than once and from any goroutine.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	dropped := l.queue.Size() + l.deferred.Size()
	l.queue.Clear()
	l.deferred.Clear()
	l.mu.Unlock()

	l.doneOnce.Do(func() { close(l.done) })
	l.log.Debug("loop closed", logx.Int("dropped", dropped))
}

// Len returns the number of tasks waiting to run, deferred ones included.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Size() + l.deferred.Size()
}

// Ran returns the number of tasks executed so far.
func (l *Loop) Ran() int64 { return l.ran.Load() }

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) runCycle() {
	for _, fn := range l.cycles {
		fn()
	}
}

func (l *Loop) drain() int {
	l.depth++
	defer func() { l.depth-- }()

	n := 0
	for {
		t, ok := l.next()
		if !ok {
			return n
		}
		l.exec(t)
		n++
	}
}

// next pops the next runnable task for the current depth.
func (l *Loop) next() (pendingTask, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth == 1 {
		if v, ok := l.deferred.Dequeue(); ok {
			return v.(pendingTask), true
		}
	}
	for {
		v, ok := l.queue.Dequeue()
		if !ok {
			return pendingTask{}, false
		}
		t := v.(pendingTask)
		if t.nonNestable && l.depth > 1 {
			l.deferred.Enqueue(t)
			continue
		}
		return t, true
	}
}

func (l *Loop) exec(t pendingTask) {
	l.ran.Add(1)
	if l.panicHandler != nil {
		defer func() {
			if r := recover(); r != nil {
				l.log.Error("task panicked", logx.String("from", t.from.String()), logx.Any("panic", r))
				l.panicHandler(r)
			}
		}()
	}
	t.fn()
}

func (l *Loop) mustBeOwner(op string) {
	if !l.RunsTasksOnCurrentThread() {
		panic("loop: " + op + " called off the owning goroutine")
	}
}

// goroutineID returns the current goroutine's ID.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
