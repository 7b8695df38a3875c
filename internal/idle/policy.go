package idle

import (
	"sync"
	"time"

	"idlerunq/internal/logx"
)

// DefaultMaxWindow bounds a single idle task's deadline when no explicit idle
// period is active.
const DefaultMaxWindow = 50 * time.Millisecond

// WindowPolicy is a deadline policy built around idle periods.
//
// The owner opens an explicit idle period with BeginIdlePeriod (for example
// once a frame is done) and every task run inside it gets the period's end as
// its deadline. Outside an explicit period the policy treats the goroutine as
// in a long idle period and hands out now+maxWindow.
type WindowPolicy struct {
	clock     Clock
	maxWindow time.Duration
	log       logx.Logger

	mu        sync.Mutex
	periodEnd time.Time   // zero when no explicit period is open
	deadlines []time.Time // one per running task, innermost last
	running   int
	posted    uint64
	processed uint64
	overruns  uint64
	allotted  time.Duration
}

// Stats is a point in time copy of the policy's bookkeeping.
type Stats struct {
	Posted       uint64
	Processed    uint64
	Overruns     uint64 // tasks that finished after their own deadline
	Running      int
	InIdlePeriod bool
	PeriodEnd    time.Time
	Allotted     time.Duration // sum of deadlines handed out, measured from dispatch
}

type PolicyOption func(*WindowPolicy)

func WithPolicyLogger(l logx.Logger) PolicyOption {
	return func(p *WindowPolicy) { p.log = l }
}

// NewWindowPolicy returns a policy reading time from clock. maxWindow <= 0
// selects DefaultMaxWindow.
func NewWindowPolicy(clock Clock, maxWindow time.Duration, opts ...PolicyOption) *WindowPolicy {
	if clock == nil {
		clock = SystemClock{}
	}
	if maxWindow <= 0 {
		maxWindow = DefaultMaxWindow
	}
	p := &WindowPolicy{clock: clock, maxWindow: maxWindow, log: logx.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *WindowPolicy) NowTicks() time.Time { return p.clock.Now() }

// BeginIdlePeriod opens an idle period ending at end, clamped to now+maxWindow.
// An end that already passed is ignored.
func (p *WindowPolicy) BeginIdlePeriod(end time.Time) {
	now := p.clock.Now()
	if !end.After(now) {
		return
	}
	if limit := now.Add(p.maxWindow); end.After(limit) {
		end = limit
	}

	p.mu.Lock()
	p.periodEnd = end
	p.mu.Unlock()
	p.log.Trace("idle period started", logx.Duration("length", end.Sub(now)))
}

func (p *WindowPolicy) EndIdlePeriod() {
	p.mu.Lock()
	p.periodEnd = time.Time{}
	p.mu.Unlock()
}

func (p *WindowPolicy) WillProcessIdleTask() time.Time {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := now.Add(p.maxWindow)
	if !p.periodEnd.IsZero() {
		deadline = p.periodEnd
	}
	p.running++
	p.deadlines = append(p.deadlines, deadline)
	if d := deadline.Sub(now); d > 0 {
		p.allotted += d
	}
	return deadline
}

func (p *WindowPolicy) DidProcessIdleTask() {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var deadline time.Time
	if p.running > 0 {
		p.running--
		deadline = p.deadlines[p.running]
		p.deadlines = p.deadlines[:p.running]
	}
	p.processed++
	if !p.periodEnd.IsZero() && !now.Before(p.periodEnd) {
		p.periodEnd = time.Time{}
	}
	if over := now.Sub(deadline); !deadline.IsZero() && over > 0 {
		p.overruns++
		p.log.Debug("idle task overran its deadline", logx.Duration("over", over))
	}
}

func (p *WindowPolicy) OnIdleTaskPosted() {
	p.mu.Lock()
	p.posted++
	p.mu.Unlock()
}

func (p *WindowPolicy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Posted:       p.posted,
		Processed:    p.processed,
		Overruns:     p.overruns,
		Running:      p.running,
		InIdlePeriod: !p.periodEnd.IsZero(),
		PeriodEnd:    p.periodEnd,
		Allotted:     p.allotted,
	}
}
