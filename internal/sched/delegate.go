package sched

import "time"

// Delegate is the deadline policy an IdleTaskRunner consults. It owns the
// notion of "now" and decides how long each idle task may run.
type Delegate interface {
	// NowTicks returns the current monotonic time.
	NowTicks() time.Time
	// WillProcessIdleTask is called right before a task runs and returns its deadline.
	WillProcessIdleTask() time.Time
	// DidProcessIdleTask is called right after a task returns.
	DidProcessIdleTask()
	// OnIdleTaskPosted is called synchronously for every non-delayed post.
	OnIdleTaskPosted()
}

// TaskRunner is the execution queue idle tasks are forwarded to. PostTask and
// PostNonNestableTask may be called from any goroutine and must preserve FIFO
// order per kind; tasks run on the goroutine the runner is bound to.
type TaskRunner interface {
	RunsTasksOnCurrentThread() bool
	PostTask(from Location, task func()) bool
	PostNonNestableTask(from Location, task func()) bool
}

// BlameContext brackets a single task execution for diagnostics.
type BlameContext interface {
	Enter()
	Leave()
}
