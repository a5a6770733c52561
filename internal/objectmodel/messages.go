package objectmodel

import (
	"errors"
	"time"

	"github.com/nerrad567/fingerprint-core/internal/session"
)

// CommandMessage is an invocation published to command/{name}.
type CommandMessage struct {
	// ID correlates the acknowledgment. Optional.
	ID string `json:"id"`

	// Args are positional and coerced to the command's parameter types.
	Args []any `json:"args"`
}

// AckStatus is the outcome of the synchronous part of an invocation.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckRejected AckStatus = "rejected"
)

// AckMessage answers a CommandMessage on ack/{name}.
type AckMessage struct {
	ID        string    `json:"id,omitempty"`
	Command   string    `json:"command"`
	Status    AckStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`

	// Set when accepted.
	Ticket             string `json:"ticket,omitempty"`
	ExpectedDurationMs int64  `json:"expected_duration_ms"`

	// Set when rejected.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func newAccepted(id, command string, ack session.Ack) AckMessage {
	return AckMessage{
		ID:                 id,
		Command:            command,
		Status:             AckAccepted,
		Timestamp:          ack.AcceptedAt.UTC(),
		Ticket:             ack.Ticket.ID.String(),
		ExpectedDurationMs: ack.Expected.Milliseconds(),
	}
}

func newRejected(id, command string, err error) AckMessage {
	return AckMessage{
		ID:        id,
		Command:   command,
		Status:    AckRejected,
		Timestamp: time.Now().UTC(),
		Code:      rejectionCode(err),
		Message:   err.Error(),
	}
}

// rejectionCode maps a synchronous session error onto an ack code.
func rejectionCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPayload):
		return CodeInvalidPayload
	case errors.Is(err, session.ErrInvalidArguments):
		return CodeInvalidArguments
	case errors.Is(err, session.ErrInvalidCommand):
		return CodeInvalidCommand
	case errors.Is(err, session.ErrBusy):
		return CodeBusy
	case errors.Is(err, session.ErrNotRunning):
		return CodeNotRunning
	case errors.Is(err, session.ErrClosed):
		return CodeClosed
	default:
		return CodeInternal
	}
}

// ValueMessage is the retained payload of a state, capability or
// property node.
type ValueMessage struct {
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// FinishedMessage is published on event/finished when a command completes.
type FinishedMessage struct {
	Ticket      string         `json:"ticket"`
	Command     string         `json:"command"`
	ResultState int            `json:"result_state"`
	Result      string         `json:"result"`
	ErrorType   int            `json:"error_type"`
	Error       string         `json:"error,omitempty"`
	AssetState  *int           `json:"asset_state,omitempty"`
	Location    *string        `json:"location,omitempty"`
	AcceptedAt  time.Time      `json:"accepted_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	DurationMs  int64          `json:"duration_ms"`
	Outputs     map[string]any `json:"outputs,omitempty"`
}

// NewFinishedMessage converts a session event.
func NewFinishedMessage(f session.Finished) FinishedMessage {
	msg := FinishedMessage{
		Ticket:      f.Ticket.ID.String(),
		Command:     f.Ticket.Command,
		ResultState: int(f.Result),
		Result:      f.Result.String(),
		ErrorType:   int(f.Error),
		AcceptedAt:  f.AcceptedAt.UTC(),
		FinishedAt:  f.FinishedAt.UTC(),
		DurationMs:  f.Duration().Milliseconds(),
		Outputs:     f.Outputs,
	}
	if f.Error != session.ErrorNone {
		msg.Error = f.Error.String()
	}
	if f.Asset != nil {
		state, loc := int(f.Asset.State), f.Asset.Location
		msg.AssetState = &state
		msg.Location = &loc
	}
	return msg
}

// HealthStatus is the overall module status.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
	// HealthOffline is published by the broker through the Last Will.
	HealthOffline HealthStatus = "offline"
)

// HealthMessage is the retained document on the health topic.
type HealthMessage struct {
	Module        string         `json:"module"`
	Status        HealthStatus   `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	Version       string         `json:"version"`
	Mode          string         `json:"mode"`
	Timestamp     time.Time      `json:"timestamp"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	State         map[string]any `json:"state"`
	Session       *session.Stats `json:"session,omitempty"`
	Link          *LinkHealth    `json:"link,omitempty"`
}

// LinkHealth summarizes the device link of a linked backend.
type LinkHealth struct {
	Connected    bool      `json:"connected"`
	Reconnecting bool      `json:"reconnecting"`
	DeviceName   string    `json:"device_name,omitempty"`
	RequestsTx   uint64    `json:"requests_tx"`
	ResultsRx    uint64    `json:"results_rx"`
	LinkLost     uint64    `json:"link_lost"`
	Timeouts     uint64    `json:"timeouts"`
	Desyncs      uint64    `json:"desyncs"`
	Reconnects   uint64    `json:"reconnects_total"`
	Pending      int       `json:"pending"`
	LastActivity time.Time `json:"last_activity,omitzero"`
}
