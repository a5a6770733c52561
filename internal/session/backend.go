package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Ticket identifies one accepted invocation. Completions are matched on ID.
type Ticket struct {
	ID      uuid.UUID `json:"id"`
	Command string    `json:"command"`
}

// AssetUpdate is the identification outcome reported by a backend.
type AssetUpdate struct {
	State    AssetState `json:"state"`
	Location string     `json:"location"`
}

// Completion is the asynchronous outcome of an Execute call.
type Completion struct {
	Ticket Ticket
	Result ResultState
	Error  ErrorType
	// Asset is applied only for identification commands that succeed.
	Asset *AssetUpdate
	// Outputs are forwarded to observers and never stored in DeviceState.
	Outputs map[string]any
}

// CompletionFunc delivers a Completion. It may be called from any goroutine.
type CompletionFunc func(Completion)

// Backend is a strategy driving the physical or simulated sensor.
//
// Execute must not block: it starts the work and returns. It calls done
// exactly once per ticket, unless Abort returned true for that ticket.
//
// Abort returns true only if it guarantees done will never be called for
// the ticket; the session then records the abort itself. Returning false
// means a completion is still coming, possibly with ErrorAborted.
type Backend interface {
	Execute(t Ticket, cmd Command, done CompletionFunc)
	Abort(t Ticket) bool
	Close() error
}

// Estimator is implemented by backends that know better than the command
// table how long a command will take.
type Estimator interface {
	Estimate(cmd Command) (time.Duration, bool)
}

// Publisher mirrors DeviceState fields into an object model.
type Publisher interface {
	PublishValue(field string, value any) error
}

// CommandHandler serves one command for an object-model server.
type CommandHandler func(ctx context.Context, args []any) (Ack, error)

// CommandRegistrar is an object-model server that delivers invocations.
type CommandRegistrar interface {
	RegisterCommandHandler(command string, handler CommandHandler) error
}

// Ack is the synchronous acknowledgment of an accepted invocation.
type Ack struct {
	Ticket     Ticket        `json:"ticket"`
	AcceptedAt time.Time     `json:"accepted_at"`
	Expected   time.Duration `json:"expected"`
}

// Logger is the logging surface used by the session and the backends.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// OrNop returns l, or a logger that discards everything when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}
