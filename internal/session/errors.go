package session

import (
	"errors"
	"fmt"
)

// Synchronous errors returned by Invoke and Abort. Outcomes of accepted
// commands are never Go errors; they are folded into DeviceState.
var (
	// ErrInvalidCommand is returned for names outside the command table.
	ErrInvalidCommand = errors.New("session: invalid command")

	// ErrInvalidArguments is returned when arguments do not match the
	// command's parameters. It wraps ErrInvalidCommand.
	ErrInvalidArguments = fmt.Errorf("%w: invalid arguments", ErrInvalidCommand)

	// ErrBusy is returned while another command is running.
	ErrBusy = errors.New("session: busy")

	// ErrNotRunning is returned by Abort when nothing is in flight.
	ErrNotRunning = errors.New("session: no command running")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
)
