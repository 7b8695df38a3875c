package job

import (
	"time"

	"idlerunq/internal/sched"
)

// Chunked processes items one at a time until all are done or the deadline
// passes; leftover items are handed to repost so the work resumes in a later
// idle period. now is the time source the deadline is compared against.
type Chunked struct {
	Items    []int
	Step     func(item int)
	Now      func() time.Time
	Repost   func(task sched.IdleTask)
	Finished func(done int)

	done int
}

// Run is an sched.IdleTask.
func (c *Chunked) Run(deadline time.Time) {
	for len(c.Items) > 0 {
		if !c.Now().Before(deadline) {
			if c.Repost != nil {
				c.Repost(c.Run)
			}
			return
		}
		item := c.Items[0]
		c.Items = c.Items[1:]
		if c.Step != nil {
			c.Step(item)
		}
		c.done++
	}
	if c.Finished != nil {
		c.Finished(c.done)
	}
}

// Done returns how many items have been processed.
func (c *Chunked) Done() int { return c.done }

// SleepWork returns an idle task that sleeps for the given duration, or until
// the deadline if that comes first.
func SleepWork(ms int64) sched.IdleTask {
	want := time.Duration(ms) * time.Millisecond
	return func(deadline time.Time) {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if want < remaining {
			remaining = want
		}
		time.Sleep(remaining)
	}
}
