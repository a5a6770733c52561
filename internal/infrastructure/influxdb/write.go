package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementState   = "fingerprint_state"
	MeasurementCommand = "fingerprint_command"
)

// StatePoint is one DeviceState sample.
type StatePoint struct {
	ModuleID    string
	RunState    int
	ResultState int
	ErrorType   int
	AssetState  int
	Command     string
	Time        time.Time
}

// CommandPoint records the outcome of one accepted command.
type CommandPoint struct {
	ModuleID  string
	Command   string
	Result    string
	ErrorType int
	Duration  time.Duration
	Time      time.Time
}

// WriteState queues a fingerprint_state point. Non-blocking.
func (c *Client) WriteState(p StatePoint) {
	fields := map[string]any{
		"run_state":    p.RunState,
		"result_state": p.ResultState,
		"error_type":   p.ErrorType,
		"asset_state":  p.AssetState,
	}
	if p.Command != "" {
		fields["command"] = p.Command
	}
	c.WritePointWithTime(MeasurementState, map[string]string{"module_id": p.ModuleID}, fields, p.Time)
}

// WriteCommand queues a fingerprint_command point. Non-blocking.
func (c *Client) WriteCommand(p CommandPoint) {
	c.WritePointWithTime(MeasurementCommand,
		map[string]string{
			"module_id": p.ModuleID,
			"command":   p.Command,
			"result":    p.Result,
		},
		map[string]any{
			"duration_ms": float64(p.Duration) / float64(time.Millisecond),
			"error_type":  p.ErrorType,
		},
		p.Time,
	)
}

// WritePoint queues a point with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime queues a point. A zero timestamp means now.
// Points written while disconnected are dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
