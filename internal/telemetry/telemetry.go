// Package telemetry turns session events into InfluxDB points.
//
// Every transition becomes a fingerprint_state point and every finished
// command a fingerprint_command point with its duration.
package telemetry

import (
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/fingerprint-core/internal/session"
)

// Writer queues points without blocking. *influxdb.Client satisfies it.
type Writer interface {
	WriteState(p influxdb.StatePoint)
	WriteCommand(p influxdb.CommandPoint)
}

var _ Writer = (*influxdb.Client)(nil)

// Observer is a session.Observer writing telemetry.
type Observer struct {
	writer   Writer
	moduleID string
}

// NewObserver creates an observer tagging points with moduleID.
func NewObserver(w Writer, moduleID string) *Observer {
	return &Observer{writer: w, moduleID: moduleID}
}

// Observe implements session.Observer.
func (o *Observer) Observe(e session.Event) {
	switch ev := e.(type) {
	case session.Transition:
		o.writer.WriteState(influxdb.StatePoint{
			ModuleID:    o.moduleID,
			RunState:    int(ev.State.RunState),
			ResultState: int(ev.State.ResultState),
			ErrorType:   int(ev.State.ErrorType),
			AssetState:  int(ev.State.AssetState),
			Command:     ev.State.CurrentCommand,
			Time:        ev.Time,
		})
	case session.Finished:
		o.writer.WriteCommand(influxdb.CommandPoint{
			ModuleID:  o.moduleID,
			Command:   ev.Ticket.Command,
			Result:    ev.Result.String(),
			ErrorType: int(ev.Error),
			Duration:  ev.Duration(),
			Time:      ev.FinishedAt,
		})
	}
}
