package linked

import "errors"

// Domain errors for the link protocol.
var (
	// ErrNotConnected is returned when the device link is down.
	ErrNotConnected = errors.New("linked: not connected to device")

	// ErrConnectionFailed is returned when dialing or the handshake fails.
	ErrConnectionFailed = errors.New("linked: connection to device failed")

	// ErrProtocolDesync is returned when the byte stream can no longer be
	// framed or decoded. The connection must be dropped.
	ErrProtocolDesync = errors.New("linked: protocol desync")

	// ErrFrameTooLarge is returned when a payload does not fit a frame.
	ErrFrameTooLarge = errors.New("linked: frame too large")

	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("linked: server closed")
)
