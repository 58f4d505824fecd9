package job

import (
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions can leave the status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var allowedTransitions = map[Status]map[Status]bool{
	StatusWaiting: {
		StatusActive: true,
		// jobs still queued when the service stops are failed in place
		StatusFailed: true,
	},
	StatusActive: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// CanTransition reports whether a record in status from may move to status to.
// Staying in the same non-terminal status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.IsTerminal()
	}
	return allowedTransitions[from][to]
}

// Params describes the requested work. The core only looks at FormatID
// during admission; everything else is handed to the Runner as is.
type Params struct {
	URL       string `json:"url"`
	FormatID  string `json:"format_id,omitempty"`
	AudioOnly bool   `json:"audio_only,omitempty"`
}

// Record is the tracked state of one submitted job.
type Record struct {
	ID         string
	Params     Params
	Status     Status
	Progress   float64
	Message    string
	Filename   string
	Error      bool
	Position   int
	AddedAt    time.Time
	FinishedAt time.Time
}

// Snapshot is the externally visible view of a Record.
type Snapshot struct {
	ID        string  `json:"id"`
	Status    Status  `json:"status"`
	Progress  float64 `json:"progress"`
	Message   string  `json:"message"`
	Completed bool    `json:"completed"`
	Filename  *string `json:"filename"`
	Error     bool    `json:"error"`
	Position  int     `json:"position,omitempty"`
}

// Snapshot copies the observable fields out of the record.
func (r *Record) Snapshot() Snapshot {
	s := Snapshot{
		ID:        r.ID,
		Status:    r.Status,
		Progress:  r.Progress,
		Message:   r.Message,
		Completed: r.Status == StatusCompleted,
		Error:     r.Error,
		Position:  r.Position,
	}
	if r.Filename != "" {
		name := r.Filename
		s.Filename = &name
	}
	return s
}

// Delta is a partial update merged into a Record by the Registry.
// Nil fields are left untouched; an empty Status keeps the current one.
type Delta struct {
	Status   Status
	Progress *float64
	Message  *string
	Filename *string
	Error    *bool
}

func progressDelta(progress float64, message string) Delta {
	return Delta{Progress: &progress, Message: &message}
}

func activeDelta(message string) Delta {
	d := progressDelta(0, message)
	d.Status = StatusActive
	return d
}

func completedDelta(filename, message string) Delta {
	d := progressDelta(100, message)
	d.Status = StatusCompleted
	d.Filename = &filename
	return d
}

func failedDelta(message string) Delta {
	d := progressDelta(-1, message)
	d.Status = StatusFailed
	failed := true
	d.Error = &failed
	return d
}

// apply merges d into r. It returns false, leaving r unchanged, when the
// delta would move the record backwards or touch a terminal record.
func (r *Record) apply(d Delta, now time.Time) bool {
	if r.Status.IsTerminal() {
		return false
	}
	if d.Status != "" && !CanTransition(r.Status, d.Status) {
		return false
	}
	if d.Status != "" {
		r.Status = d.Status
		if d.Status != StatusWaiting {
			r.Position = 0
		}
		if d.Status.IsTerminal() {
			r.FinishedAt = now
		}
	}
	if d.Progress != nil {
		r.Progress = clamp(*d.Progress, -1, 100)
	}
	if d.Message != nil {
		r.Message = *d.Message
	}
	if d.Filename != nil {
		r.Filename = *d.Filename
	}
	if d.Error != nil {
		r.Error = *d.Error
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
