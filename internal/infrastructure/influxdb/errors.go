package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: telemetry export disabled")
	// ErrConnectionFailed wraps ping and health failures.
	ErrConnectionFailed = errors.New("influxdb: server unreachable")
	// ErrNotConnected is returned after Close.
	ErrNotConnected = errors.New("influxdb: client closed")
)
