package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fingerprint-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/fingerprint-core/internal/session"
)

type fakeWriter struct {
	mu       sync.Mutex
	states   []influxdb.StatePoint
	commands []influxdb.CommandPoint
}

func (w *fakeWriter) WriteState(p influxdb.StatePoint) {
	w.mu.Lock()
	w.states = append(w.states, p)
	w.mu.Unlock()
}

func (w *fakeWriter) WriteCommand(p influxdb.CommandPoint) {
	w.mu.Lock()
	w.commands = append(w.commands, p)
	w.mu.Unlock()
}

func TestObserver(t *testing.T) {
	w := &fakeWriter{}
	o := NewObserver(w, "fp-001")

	now := time.Now()
	o.Observe(session.Transition{
		Seq:   3,
		Time:  now,
		State: session.DeviceState{CurrentCommand: "flash", RunState: session.RunRunning, ErrorType: session.ErrorRecovering},
	})
	o.Observe(session.Accepted{})
	o.Observe(session.Finished{
		Ticket:     session.Ticket{ID: uuid.New(), Command: "flash"},
		AcceptedAt: now,
		FinishedAt: now.Add(750 * time.Millisecond),
		Result:     session.ResultFailure,
		Error:      session.ErrorRecovering,
	})

	if len(w.states) != 1 || len(w.commands) != 1 {
		t.Fatalf("points: %d states, %d commands; want 1 each", len(w.states), len(w.commands))
	}
	s := w.states[0]
	if s.ModuleID != "fp-001" || s.RunState != 1 || s.ErrorType != 13 || s.Command != "flash" || !s.Time.Equal(now) {
		t.Errorf("state point = %+v", s)
	}
	c := w.commands[0]
	if c.Command != "flash" || c.Result != "Failure" || c.ErrorType != 13 || c.Duration != 750*time.Millisecond {
		t.Errorf("command point = %+v", c)
	}
}
