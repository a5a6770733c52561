// Package echo provides the Echo backend: every command is logged and
// completes successfully right away.
package echo

import (
	"sync/atomic"
	"time"

	"github.com/nerrad567/fingerprint-core/internal/session"
)

// PlaceholderLocation is reported for every identification command.
const PlaceholderLocation = "echo"

// Backend logs commands and completes them with fixed results.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Backend struct {
	logger   session.Logger
	executed atomic.Uint64
}

// New creates an Echo backend. logger may be nil.
func New(logger session.Logger) *Backend {
	return &Backend{logger: session.OrNop(logger)}
}

// Execute logs the command and delivers its completion on a new goroutine.
func (b *Backend) Execute(t session.Ticket, cmd session.Command, done session.CompletionFunc) {
	b.executed.Add(1)
	b.logger.Info("echo", "command", cmd.Name, "ticket", t.ID, "args", cmd.Named())
	c := Result(cmd)
	c.Ticket = t
	go done(c)
}

// Abort never cancels: the completion is already on its way.
func (b *Backend) Abort(session.Ticket) bool {
	return false
}

// Estimate reports zero for every command.
func (b *Backend) Estimate(session.Command) (time.Duration, bool) {
	return 0, true
}

// Executed returns the number of commands seen.
func (b *Backend) Executed() uint64 {
	return b.executed.Load()
}

// Close is a no-op.
func (b *Backend) Close() error {
	return nil
}

// Result is the fixed completion for cmd, without a ticket.
func Result(cmd session.Command) session.Completion {
	c := session.Completion{Result: session.ResultSuccess}

	switch cmd.Name {
	case session.CmdGetStatus:
		c.Outputs = map[string]any{
			"RunState":       int(session.RunIdle),
			"ResultState":    int(session.ResultUnknown),
			"ErrorType":      int(session.ErrorNone),
			"CurrentCommand": "",
		}
	case session.CmdAddPart:
		c.Outputs = map[string]any{"PartIDsOfDuplicates": ""}
		c.Asset = &session.AssetUpdate{State: session.AssetIdentified, Location: PlaceholderLocation}
	case session.CmdTracePart:
		c.Outputs = map[string]any{
			"PartID":                  "",
			"BatchID":                 "",
			"PartType":                "",
			"CurrentConfidenceValue1": 99,
			"CurrentConfidenceValue2": 100,
			"AverageConfidenceValue1": 97,
			"AverageConfidenceValue2": 98,
		}
		c.Asset = &session.AssetUpdate{State: session.AssetTracked, Location: PlaceholderLocation}
	case session.CmdIdentify:
		c.Asset = &session.AssetUpdate{State: session.AssetIdentified, Location: PlaceholderLocation}
	}
	return c
}
