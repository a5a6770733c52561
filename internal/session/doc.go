// Package session implements the device session state machine of a
// Fingerprint module.
//
// A Session owns the observable DeviceState (CurrentCommand, RunState,
// ResultState, ErrorType, AssetState, Location) and drives one Backend:
//
//	Idle -> Running -> Completed|Aborted -> Idle
//
// Invoke accepts at most one command at a time; anything else is rejected
// synchronously with ErrBusy, ErrInvalidCommand or ErrInvalidArguments and
// leaves the state untouched. The backend reports the outcome later through
// a CompletionFunc; completions are matched on the ticket ID so late,
// duplicated or foreign completions cannot corrupt the state. Completed and
// Aborted stay visible for one publish cycle before the session settles to
// Idle.
//
// State changes are delivered in order to a Publisher and to Observers by a
// single goroutine outside the session lock.
//
// # Usage
//
//	s, err := session.New(session.Options{
//	    Backend:   backend,
//	    Publisher: server,
//	    Observers: []session.Observer{journal},
//	    Logger:    log.Component("session"),
//	})
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	ack, err := s.Invoke(ctx, session.CmdFlash, nil)
package session
