// internal/sched/schedulerEvent.go

package sched

import (
	"time"
)

// StatusKind represents the type of idle task lifecycle event
type StatusKind int

const (
	StatusPosted StatusKind = iota
	StatusDelayed
	StatusPromoted
	StatusRun
	StatusFinish
	StatusDropped
)

// StatusEvent is emitted on every lifecycle transition of an idle task.
// At carries the eligibility time for delayed/promoted events and the
// deadline for run/finish events.
type StatusEvent struct {
	Time   time.Time
	Kind   StatusKind
	TaskID TaskID
	From   Location
	At     time.Time
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusPosted:
		return "Posted"
	case StatusDelayed:
		return "Delayed"
	case StatusPromoted:
		return "Promoted"
	case StatusRun:
		return "Run"
	case StatusFinish:
		return "Finish"
	case StatusDropped:
		return "Dropped"
	default:
		return "Unknown"
	}
}
