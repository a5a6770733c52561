package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultPublishCycle is how long Completed and Aborted stay visible.
const DefaultPublishCycle = 250 * time.Millisecond

// Options configures a Session.
type Options struct {
	// Backend is required.
	Backend Backend

	// Publisher mirrors field changes. Optional.
	Publisher Publisher

	// Observers receive every event after the publisher. Optional.
	Observers []Observer

	Logger Logger

	// PublishCycle defaults to DefaultPublishCycle.
	PublishCycle time.Duration

	// Commands defaults to DefaultTable(0).
	Commands *Table
}

// Stats are monotonically increasing session counters.
type Stats struct {
	Accepted           uint64 `json:"accepted"`
	RejectedInvalid    uint64 `json:"rejected_invalid"`
	RejectedBusy       uint64 `json:"rejected_busy"`
	Completed          uint64 `json:"completed"`
	Aborted            uint64 `json:"aborted"`
	Failed             uint64 `json:"failed"`
	DuplicateCompletes uint64 `json:"duplicate_completions"`
	ProtocolViolations uint64 `json:"protocol_violations"`
	PublishErrors      uint64 `json:"publish_errors"`
}

// flight is the in-flight invocation.
type flight struct {
	ticket     Ticket
	class      Class
	acceptedAt time.Time
	aborting   bool
}

// Session is the device session state machine.
//
// It owns DeviceState, accepts at most one command at a time, dispatches
// it to the backend and folds the backend's completion. Every change is
// queued under the lock and delivered in order by a single publish
// goroutine, so publishers and observers never run inside the critical
// section.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Session struct {
	backend   Backend
	publisher Publisher
	observers []Observer
	logger    Logger
	table     *Table
	cycle     time.Duration
	now       func() time.Time

	mu           sync.Mutex
	state        DeviceState
	inflight     *flight
	lastResolved uuid.UUID
	settle       *time.Timer
	closed       bool
	pending      []Event
	seq          uint64

	wake      chan struct{}
	stop      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	stats struct {
		accepted        atomic.Uint64
		rejectedInvalid atomic.Uint64
		rejectedBusy    atomic.Uint64
		completed       atomic.Uint64
		aborted         atomic.Uint64
		failed          atomic.Uint64
		duplicates      atomic.Uint64
		violations      atomic.Uint64
		publishErrors   atomic.Uint64
	}
}

// New creates a Session in the default state and starts its publish loop.
// The default state is published immediately.
func New(opts Options) (*Session, error) {
	if opts.Backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if opts.PublishCycle <= 0 {
		opts.PublishCycle = DefaultPublishCycle
	}
	if opts.Commands == nil {
		opts.Commands = DefaultTable(0)
	}

	s := &Session{
		backend:   opts.Backend,
		publisher: opts.Publisher,
		observers: append([]Observer(nil), opts.Observers...),
		logger:    OrNop(opts.Logger),
		table:     opts.Commands,
		cycle:     opts.PublishCycle,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}

	s.mu.Lock()
	s.queueLocked(Transition{Changed: append([]Field(nil), Fields...), State: s.state})
	s.mu.Unlock()

	go s.publishLoop()
	return s, nil
}

// Commands returns the command table.
func (s *Session) Commands() *Table {
	return s.table
}

// Snapshot returns a copy of the current DeviceState.
func (s *Session) Snapshot() DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InFlight returns the ticket of the running command, if any.
func (s *Session) InFlight() (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == nil {
		return Ticket{}, false
	}
	return s.inflight.ticket, true
}

// Stats returns a copy of the counters.
func (s *Session) Stats() Stats {
	return Stats{
		Accepted:           s.stats.accepted.Load(),
		RejectedInvalid:    s.stats.rejectedInvalid.Load(),
		RejectedBusy:       s.stats.rejectedBusy.Load(),
		Completed:          s.stats.completed.Load(),
		Aborted:            s.stats.aborted.Load(),
		Failed:             s.stats.failed.Load(),
		DuplicateCompletes: s.stats.duplicates.Load(),
		ProtocolViolations: s.stats.violations.Load(),
		PublishErrors:      s.stats.publishErrors.Load(),
	}
}

// Invoke validates and accepts a command, dispatches it to the backend and
// returns without waiting for the outcome.
//
// It returns ErrInvalidCommand or ErrInvalidArguments for commands that do
// not match the table, ErrBusy while another command is running, and
// ErrClosed after Close. A rejected invocation has no side effect.
func (s *Session) Invoke(ctx context.Context, name string, args []any) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	desc, ok := s.table.Lookup(name)
	if !ok {
		s.stats.rejectedInvalid.Add(1)
		s.logger.Debug("invocation rejected", "command", name, "reason", "unknown command")
		return Ack{}, fmt.Errorf("%w: %q", ErrInvalidCommand, name)
	}
	cmd, err := desc.Bind(args)
	if err != nil {
		s.stats.rejectedInvalid.Add(1)
		s.logger.Debug("invocation rejected", "command", name, "error", err)
		return Ack{}, err
	}

	expected := desc.Expected
	if est, ok := s.backend.(Estimator); ok {
		if d, ok := est.Estimate(cmd); ok {
			expected = d
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Ack{}, ErrClosed
	}
	if s.state.RunState == RunRunning {
		running := s.state.CurrentCommand
		s.mu.Unlock()
		s.stats.rejectedBusy.Add(1)
		s.logger.Debug("invocation rejected", "command", name, "reason", "busy", "running", running)
		return Ack{}, fmt.Errorf("%w: %s is running", ErrBusy, running)
	}

	// A new command cuts the publish cycle short, but Idle is still
	// published before Running.
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	if s.state.RunState == RunCompleted || s.state.RunState == RunAborted {
		idle := s.state
		idle.RunState = RunIdle
		idle.CurrentCommand = ""
		s.transitionLocked(idle)
	}

	now := s.now()
	ticket := Ticket{ID: uuid.New(), Command: name}
	s.inflight = &flight{ticket: ticket, class: desc.Class, acceptedAt: now}

	s.queueLocked(Accepted{Ticket: ticket, Args: cmd.Named(), AcceptedAt: now, Expected: expected})
	next := s.state
	next.CurrentCommand = name
	next.RunState = RunRunning
	next.ResultState = ResultUnknown
	next.ErrorType = ErrorNone
	s.transitionLocked(next)
	s.mu.Unlock()

	s.stats.accepted.Add(1)
	s.logger.Debug("command accepted", "command", name, "ticket", ticket.ID)

	s.backend.Execute(ticket, cmd, s.complete)

	return Ack{Ticket: ticket, AcceptedAt: now, Expected: expected}, nil
}

// Abort requests cancellation of the running command. It returns
// ErrNotRunning when nothing is in flight. If the backend cannot cancel,
// the command's own completion decides the outcome.
func (s *Session) Abort(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.inflight == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if s.inflight.aborting {
		s.mu.Unlock()
		return nil
	}
	s.inflight.aborting = true
	ticket := s.inflight.ticket
	s.mu.Unlock()

	s.logger.Debug("abort requested", "command", ticket.Command, "ticket", ticket.ID)

	if s.backend.Abort(ticket) {
		s.complete(Completion{Ticket: ticket, Result: ResultFailure, Error: ErrorAborted})
	}
	return nil
}

// complete folds a backend completion. It is the CompletionFunc handed
// to every Execute call.
func (s *Session) complete(c Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Debug("completion after close dropped", "command", c.Ticket.Command, "ticket", c.Ticket.ID)
		return
	}

	if s.inflight == nil || s.inflight.ticket.ID != c.Ticket.ID {
		if c.Ticket.ID == s.lastResolved {
			s.stats.duplicates.Add(1)
			s.logger.Debug("duplicate completion ignored", "command", c.Ticket.Command, "ticket", c.Ticket.ID)
			return
		}
		s.stats.violations.Add(1)
		running := ""
		if s.inflight != nil {
			running = s.inflight.ticket.Command
		}
		s.logger.Warn("protocol violation: completion does not match in-flight command",
			"command", c.Ticket.Command, "ticket", c.Ticket.ID, "running", running)
		return
	}

	f := s.inflight
	result, code := normalize(c.Result, c.Error)

	next := s.state
	next.ResultState = result
	next.ErrorType = code
	next.RunState = RunCompleted
	if code == ErrorAborted {
		next.RunState = RunAborted
	}
	var asset *AssetUpdate
	if f.class == ClassIdentification && result == ResultSuccess && c.Asset != nil {
		asset = c.Asset
		next.AssetState = c.Asset.State
		next.Location = c.Asset.Location
		if next.AssetState == AssetUnknown {
			next.Location = ""
		}
	}

	s.inflight = nil
	s.lastResolved = f.ticket.ID
	now := s.now()
	s.transitionLocked(next)
	s.queueLocked(Finished{
		Ticket:     f.ticket,
		AcceptedAt: f.acceptedAt,
		FinishedAt: now,
		Result:     result,
		Error:      code,
		Asset:      asset,
		Outputs:    c.Outputs,
	})

	switch {
	case code == ErrorAborted:
		s.stats.aborted.Add(1)
	case result == ResultFailure:
		s.stats.failed.Add(1)
	default:
		s.stats.completed.Add(1)
	}
	s.logger.Debug("command finished", "command", f.ticket.Command, "ticket", f.ticket.ID,
		"result", result.String(), "error_type", int(code))

	id := f.ticket.ID
	s.settle = time.AfterFunc(s.cycle, func() { s.settleIdle(id) })
}

// normalize enforces that a non-zero error code implies Failure and that
// a Failure always carries a code.
func normalize(result ResultState, code ErrorType) (ResultState, ErrorType) {
	if code != ErrorNone {
		return ResultFailure, code
	}
	if result == ResultFailure {
		return ResultFailure, ErrorGeneric
	}
	return ResultSuccess, ErrorNone
}

// settleIdle returns to Idle one publish cycle after a completion, unless
// another command has been accepted since.
func (s *Session) settleIdle(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.inflight != nil || s.lastResolved != id {
		return
	}
	if s.state.RunState != RunCompleted && s.state.RunState != RunAborted {
		return
	}
	s.settle = nil

	next := s.state
	next.RunState = RunIdle
	next.CurrentCommand = ""
	s.transitionLocked(next)
}

// transitionLocked installs next and queues a Transition if anything changed.
func (s *Session) transitionLocked(next DeviceState) {
	changed := s.state.Changed(next)
	s.state = next
	if len(changed) == 0 {
		return
	}
	s.queueLocked(Transition{Changed: changed, State: next})
}

func (s *Session) queueLocked(e Event) {
	if t, ok := e.(Transition); ok {
		s.seq++
		t.Seq = s.seq
		t.Time = s.now()
		e = t
	}
	s.pending = append(s.pending, e)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) publishLoop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.wake:
			s.drain()
		case <-s.stop:
			s.drain()
			return
		}
	}
}

func (s *Session) drain() {
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			s.deliver(e)
		}
	}
}

func (s *Session) deliver(e Event) {
	if t, ok := e.(Transition); ok && s.publisher != nil {
		for _, f := range t.Changed {
			if err := s.publisher.PublishValue(string(f), t.State.Value(f)); err != nil {
				s.stats.publishErrors.Add(1)
				s.logger.Warn("publishing field failed", "field", string(f), "error", err)
			}
		}
	}
	for _, o := range s.observers {
		o.Observe(e)
	}
}

// Close stops accepting commands, delivers every queued event and stops
// the publish loop. It does not close the backend.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.settle != nil {
			s.settle.Stop()
			s.settle = nil
		}
		s.mu.Unlock()

		close(s.stop)
		<-s.loopDone
	})
	return nil
}

// RegisterCommands installs a handler for every command in the table on
// an object-model server.
func (s *Session) RegisterCommands(r CommandRegistrar) error {
	for _, d := range s.table.Descriptors() {
		name := d.Name
		handler := func(ctx context.Context, args []any) (Ack, error) {
			return s.Invoke(ctx, name, args)
		}
		if err := r.RegisterCommandHandler(name, handler); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}
	return nil
}
