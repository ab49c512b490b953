package delivery

import (
	"fmt"
	"time"

	"parcel/internal/archive"
	"parcel/internal/dispatch"
	"parcel/internal/split"
)

// State is the lifecycle position of a delivery job. It only moves forward.
type State int

const (
	Pending State = iota
	Scheduled
	Draining
	Complete
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Scheduled:
		return "scheduled"
	case Draining:
		return "draining"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Job describes one archive to deliver.
type Job struct {
	// ID is generated when empty.
	ID      string
	Source  string
	Subject string
	Archive archive.Archive
	Parts   []split.Part
	// Seed drives trigger jitter; zero derives it from ID.
	Seed uint64
	// OnComplete runs once, after the last outcome is recorded.
	OnComplete func(Snapshot)
}

// Snapshot is a point-in-time copy of a job's progress.
type Snapshot struct {
	ID          string
	Source      string
	Subject     string
	Archive     archive.Archive
	Parts       []split.Part
	State       State
	Triggers    []time.Time
	Remaining   int
	Outcomes    []dispatch.Outcome
	SubmittedAt time.Time
	CompletedAt time.Time
}

// Failed counts parts whose dispatch failed.
func (s Snapshot) Failed() int {
	failed := 0
	for _, o := range s.Outcomes {
		if !o.OK() {
			failed++
		}
	}
	return failed
}

// Delivered reports whether every part was accepted by the relay.
func (s Snapshot) Delivered() bool {
	return s.State == Complete && len(s.Outcomes) == len(s.Parts) && s.Failed() == 0
}

// Outcome summarizes a completed job as "delivered", "partial", or
// "failed". Jobs still in progress report their state.
func (s Snapshot) Outcome() string {
	if s.State != Complete {
		return s.State.String()
	}
	switch failed := s.Failed(); {
	case failed == 0:
		return "delivered"
	case failed == len(s.Parts):
		return "failed"
	default:
		return "partial"
	}
}

// NextTrigger returns the first trigger minute that has not fired yet.
func (s Snapshot) NextTrigger() (time.Time, bool) {
	fired := len(s.Parts) - s.Remaining
	if s.State == Complete || fired >= len(s.Triggers) {
		return time.Time{}, false
	}
	return s.Triggers[fired], true
}

// PartSubject labels a part's message with its position when there is
// more than one part.
func PartSubject(subject string, part split.Part) string {
	if part.Total <= 1 {
		return subject
	}
	return fmt.Sprintf("%s (%d/%d)", subject, part.Index+1, part.Total)
}
