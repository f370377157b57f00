package delivery

import (
	"time"

	"github.com/austindbirch/hookline/internal/tracker"
)

// Task is one queued delivery handed from the scheduler to a worker. Message
// is shared by every task of the same fan-out and must not be mutated.
type Task struct {
	Delivery tracker.Delivery
	Message  *tracker.Message
}

func (t Task) ID() string         { return t.Delivery.ID }
func (t Task) EndpointID() string { return t.Delivery.EndpointID }

// ready is when the task becomes eligible for dispatch.
func (t Task) ready() time.Time { return t.Delivery.NextAttemptAt }

// Result is what a worker reports back to the scheduler after one attempt.
type Result struct {
	Task Task
	// Outcome is the state the delivery is now in. Non-terminal outcomes keep
	// the task at the head of its endpoint queue.
	Outcome       tracker.State
	AttemptCount  int
	NextAttemptAt time.Time
	ResponseCode  int
	Reason        string
	// Err is set when the outcome could not be recorded.
	Err error
}
