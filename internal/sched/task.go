package sched

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"
)

// TaskID identifies a posted idle task in events and logs.
type TaskID uint64

// IdleTask is a unit of deferred work. It receives the deadline by which it
// should stop doing discretionary work; the deadline is a hint, never enforced.
type IdleTask func(deadline time.Time)

// Location tags where a task was posted from.
type Location struct {
	Function string
	File     string
	Line     int
}

// FromHere captures the caller's location.
func FromHere() Location {
	return locationAt(2)
}

func locationAt(skip int) Location {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return Location{}
	}
	loc := Location{File: filepath.Base(file), Line: line}
	if fn := runtime.FuncForPC(pc); fn != nil {
		loc.Function = fn.Name()
	}
	return loc
}

func (l Location) IsZero() bool { return l.File == "" && l.Function == "" }

func (l Location) String() string {
	if l.IsZero() {
		return "unknown"
	}
	if l.Function == "" {
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}
	return fmt.Sprintf("%s@%s:%d", l.Function, l.File, l.Line)
}

// scheduledEntry is an idle task plus its provenance, as it moves between queues.
type scheduledEntry struct {
	id   TaskID
	from Location
	task IdleTask
}

// delayedEntry is a scheduledEntry waiting for its eligibility time.
type delayedEntry struct {
	scheduledEntry
	eligible time.Time
}
