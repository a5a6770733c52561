package objectmodel

import "errors"

var (
	// ErrDuplicateHandler is returned when a command already has a handler.
	ErrDuplicateHandler = errors.New("objectmodel: handler already registered")

	// ErrInvalidPayload is returned for command payloads that are not a
	// JSON invocation document.
	ErrInvalidPayload = errors.New("objectmodel: invalid payload")
)

// Rejection codes carried by acknowledgments.
const (
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeInvalidCommand   = "INVALID_COMMAND"
	CodeInvalidArguments = "INVALID_ARGUMENTS"
	CodeBusy             = "BUSY"
	CodeNotRunning       = "NOT_RUNNING"
	CodeClosed           = "CLOSED"
	CodeInternal         = "INTERNAL_ERROR"
)
