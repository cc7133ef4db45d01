package compose

// Status reports whether a resumed task finished or suspended again.
type Status int

const (
	// Done means the task completed and the scope's execution is over.
	Done Status = iota
	// Suspended means the task is waiting for input; the scope stays
	// Composing and resumes when Ready signals.
	Suspended
)

// Task is an explicitly resumable unit of work: a state machine with
// suspend points. The scheduler uses it to tell "still running" apart
// from "finished" without goroutine parking. A suspended scope remains
// Composing and is never executed twice at once.
type Task interface {
	// Resume advances the task. Reads performed during Resume are
	// tracked into the scope's dependency set like any other reads.
	Resume(ctx *Ctx) (Status, error)
	// Ready returns a channel that signals when Resume can make
	// progress again. It is consulted once per suspension.
	Ready() <-chan struct{}
}

// Suspend is returned by a Unit's Execute to hand the rest of its
// work to a resumable task.
func Suspend(t Task) error {
	return &suspendError{task: t}
}

type suspendError struct {
	task Task
}

func (e *suspendError) Error() string { return "compose: scope suspended" }
