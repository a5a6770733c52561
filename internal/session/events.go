package session

import "time"

// Event is delivered to observers in the order transitions happened.
// It is one of Accepted, Transition or Finished.
type Event interface {
	event()
}

// Accepted is emitted when an invocation is accepted.
type Accepted struct {
	Ticket     Ticket
	Args       map[string]any
	AcceptedAt time.Time
	Expected   time.Duration
}

// Transition is emitted for every DeviceState change.
type Transition struct {
	Seq     uint64
	Time    time.Time
	Changed []Field
	State   DeviceState
}

// Finished is emitted when a completion has been folded. It carries the
// command outputs, which are not part of DeviceState.
type Finished struct {
	Ticket     Ticket
	AcceptedAt time.Time
	FinishedAt time.Time
	Result     ResultState
	Error      ErrorType
	Asset      *AssetUpdate
	Outputs    map[string]any
}

// Duration is the time between acceptance and completion.
func (f Finished) Duration() time.Duration {
	return f.FinishedAt.Sub(f.AcceptedAt)
}

func (Accepted) event()   {}
func (Transition) event() {}
func (Finished) event()   {}

// Observer receives session events on the publish goroutine. It should
// return quickly; slow observers delay later publications.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) { f(e) }
