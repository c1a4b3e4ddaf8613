package fitting

import "fmt"

// FitStatus tracks how far the engine has been prepared for a fit.
type FitStatus int

const (
	Initialized FitStatus = 1 << iota
	Connected
	Configured
	Done
)

func (s FitStatus) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Connected:
		return "connected"
	case Configured:
		return "configured"
	case Done:
		return "done"
	}
	return fmt.Sprintf("FitStatus(%d)", int(s))
}

// JobStatus tracks the worker running a fit.
type JobStatus int

const (
	Void JobStatus = 256 << iota
	Queued
	Running
	Paused
)

func (s JobStatus) String() string {
	switch s {
	case Void:
		return "void"
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Paused:
		return "paused"
	}
	return fmt.Sprintf("JobStatus(%d)", int(s))
}

// Event is sent to observers on every status change and after every
// refinement step. Err is set on the final event of a failed run.
type Event struct {
	Fit       string
	FitStatus FitStatus
	JobStatus JobStatus
	Step      int
	RW        float64
	// Refined marks the event sent after a refinement step.
	Refined   bool
	Err       error
}
