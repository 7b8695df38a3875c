package sched

import (
	"sync"
	"time"
)

// recordingDelegate is a Delegate on a manual clock that logs every lifecycle
// call, interleaved with whatever the tasks themselves record.
type recordingDelegate struct {
	mu     sync.Mutex
	now    time.Time
	window time.Duration
	calls  []string
	nows   int
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		now:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		window: 16 * time.Millisecond,
	}
}

func (d *recordingDelegate) NowTicks() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nows++
	return d.now
}

func (d *recordingDelegate) WillProcessIdleTask() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "will")
	return d.now.Add(d.window)
}

func (d *recordingDelegate) DidProcessIdleTask() { d.record("did") }
func (d *recordingDelegate) OnIdleTaskPosted()   { d.record("posted") }

func (d *recordingDelegate) record(s string) {
	d.mu.Lock()
	d.calls = append(d.calls, s)
	d.mu.Unlock()
}

func (d *recordingDelegate) advance(by time.Duration) {
	d.mu.Lock()
	d.now = d.now.Add(by)
	d.mu.Unlock()
}

func (d *recordingDelegate) start() time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}

func (d *recordingDelegate) log() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *recordingDelegate) count(s string) int {
	n := 0
	for _, c := range d.log() {
		if c == s {
			n++
		}
	}
	return n
}

type fakeTask struct {
	from        Location
	fn          func()
	nonNestable bool
}

// fakeRunner queues posted closures until runAll is called.
type fakeRunner struct {
	mu      sync.Mutex
	tasks   []fakeTask
	foreign bool
}

func (f *fakeRunner) RunsTasksOnCurrentThread() bool { return !f.foreign }

func (f *fakeRunner) PostTask(from Location, fn func()) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, fakeTask{from: from, fn: fn})
	return true
}

func (f *fakeRunner) PostNonNestableTask(from Location, fn func()) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, fakeTask{from: from, fn: fn, nonNestable: true})
	return true
}

func (f *fakeRunner) pending() []fakeTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeTask(nil), f.tasks...)
}

// runAll runs queued closures in FIFO order, including ones posted meanwhile.
func (f *fakeRunner) runAll() int {
	n := 0
	for {
		f.mu.Lock()
		if len(f.tasks) == 0 {
			f.mu.Unlock()
			return n
		}
		t := f.tasks[0]
		f.tasks = f.tasks[1:]
		f.mu.Unlock()

		t.fn()
		n++
	}
}

type countingBlame struct {
	enters, leaves int
	log            *recordingDelegate
}

func (b *countingBlame) Enter() {
	b.enters++
	b.log.record("enter")
}

func (b *countingBlame) Leave() {
	b.leaves++
	b.log.record("leave")
}
