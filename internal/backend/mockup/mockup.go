package mockup

import (
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fingerprint-core/internal/session"
)

// IdentifyLocation is reported by a successful identify.
const IdentifyLocation = "mockup"

// Options configures the simulation.
type Options struct {
	// LightingTime is the requested flash duration, clamped to
	// [MinLightingTime, MaxLightingTime].
	LightingTime    time.Duration
	MinLightingTime time.Duration

	// MaxLightingTime and MinRecoverTime come from the capability table.
	// Zero disables the bound.
	MaxLightingTime time.Duration
	MinRecoverTime  time.Duration

	// Durations overrides the simulated execution time per command name.
	// Commands without an entry take their table duration.
	Durations map[string]time.Duration

	// Seed makes trace candidate selection reproducible. 0 seeds randomly.
	Seed uint64

	// Databases are created empty at start.
	Databases []string

	Logger session.Logger
}

// Status is a snapshot of the simulated device.
type Status struct {
	Ready             bool           `json:"ready"`
	ErrorType         int            `json:"error_type"`
	ImageMatchingType string         `json:"image_matching_type"`
	Databases         map[string]int `json:"databases"`
	Pending           int            `json:"pending"`
}

type task struct {
	ticket session.Ticket
	timer  *time.Timer
	done   session.CompletionFunc
	run    func() session.Completion
}

// Backend simulates a Fingerprint device with timed tasks.
//
// Every Execute schedules a task that produces the completion when its
// timer fires. Database changes happen when the task fires, so an aborted
// command has no effect. A failed duplicate check latches the device in an
// error state that only reset_system clears.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Backend struct {
	opts   Options
	logger session.Logger
	now    func() time.Time

	mu           sync.Mutex
	rng          *rand.Rand
	db           *store
	latched      session.ErrorType
	matching     string
	tasks        map[uuid.UUID]*task
	preAborted   uuid.UUID
	lastFired    uuid.UUID
	lastFlashEnd time.Time
	closed       bool
}

// New creates a mockup backend.
func New(opts Options) *Backend {
	seed1, seed2 := opts.Seed, opts.Seed^0x9e3779b97f4a7c15
	if opts.Seed == 0 {
		seed1, seed2 = rand.Uint64(), rand.Uint64()
	}
	return &Backend{
		opts:     opts,
		logger:   session.OrNop(opts.Logger),
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(seed1, seed2)),
		db:       newStore(opts.Databases...),
		matching: "default",
		tasks:    make(map[uuid.UUID]*task),
	}
}

// Estimate returns the simulated duration of cmd.
func (b *Backend) Estimate(cmd session.Command) (time.Duration, bool) {
	return b.duration(cmd), true
}

func (b *Backend) duration(cmd session.Command) time.Duration {
	if cmd.Name == session.CmdFlash {
		return b.flashTime()
	}
	if d, ok := b.opts.Durations[cmd.Name]; ok {
		return d
	}
	return cmd.Expected
}

func (b *Backend) flashTime() time.Duration {
	d := b.opts.LightingTime
	if d < b.opts.MinLightingTime {
		d = b.opts.MinLightingTime
	}
	if b.opts.MaxLightingTime > 0 && d > b.opts.MaxLightingTime {
		d = b.opts.MaxLightingTime
	}
	return d
}

// Execute schedules the command. Precondition failures complete without
// delay.
func (b *Backend) Execute(t session.Ticket, cmd session.Command, done session.CompletionFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		go done(failure(t, session.ErrorNotReady))
		return
	}
	if t.ID == b.preAborted {
		b.preAborted = uuid.Nil
		b.logger.Debug("mockup task aborted before start", "command", cmd.Name, "ticket", t.ID)
		return
	}

	delay, run := b.plan(cmd)
	tk := &task{ticket: t, done: done, run: run}
	b.tasks[t.ID] = tk
	tk.timer = time.AfterFunc(delay, func() { b.fire(t.ID) })

	b.logger.Debug("mockup task scheduled", "command", cmd.Name, "ticket", t.ID, "delay", delay)
}

// Abort cancels the task for t if its timer has not fired. An abort that
// arrives before Execute cancels the task in advance.
func (b *Backend) Abort(t session.Ticket) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tk, ok := b.tasks[t.ID]; ok {
		if !tk.timer.Stop() {
			return false
		}
		delete(b.tasks, t.ID)
		b.logger.Debug("mockup task cancelled", "command", t.Command, "ticket", t.ID)
		return true
	}
	if t.ID == b.lastFired {
		return false
	}
	b.preAborted = t.ID
	return true
}

// Close cancels every pending task. Cancelled tasks never complete.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, tk := range b.tasks {
		tk.timer.Stop()
		delete(b.tasks, id)
	}
	return nil
}

// Status returns a snapshot of the simulated device.
func (b *Backend) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked()
}

func (b *Backend) statusLocked() Status {
	return Status{
		Ready:             b.latched == session.ErrorNone,
		ErrorType:         int(b.latched),
		ImageMatchingType: b.matching,
		Databases:         b.db.counts(),
		Pending:           len(b.tasks),
	}
}

func (b *Backend) fire(id uuid.UUID) {
	b.mu.Lock()
	tk, ok := b.tasks[id]
	if !ok || b.closed {
		b.mu.Unlock()
		return
	}
	delete(b.tasks, id)
	c := tk.run()
	c.Ticket = tk.ticket
	b.lastFired = id
	b.mu.Unlock()

	b.logger.Debug("mockup task finished", "command", tk.ticket.Command, "ticket", id,
		"result", c.Result.String(), "error_type", int(c.Error))
	tk.done(c)
}

// plan validates cmd against the device state and returns the delay and
// the work to run when the timer fires. run is called with b.mu held.
func (b *Backend) plan(cmd session.Command) (time.Duration, func() session.Completion) {
	fail := func(code session.ErrorType) (time.Duration, func() session.Completion) {
		return 0, func() session.Completion { return failure(session.Ticket{}, code) }
	}
	delay := b.duration(cmd)

	switch cmd.Name {
	case session.CmdResetSystem:
		return delay, func() session.Completion {
			b.latched = session.ErrorNone
			return success(nil, nil)
		}

	case session.CmdGetStatus:
		return delay, func() session.Completion {
			st := b.statusLocked()
			return success(map[string]any{
				"Ready":             st.Ready,
				"ErrorType":         st.ErrorType,
				"ImageMatchingType": st.ImageMatchingType,
				"Databases":         st.Databases,
			}, nil)
		}

	case session.CmdSetImageMatchingType:
		name := cmd.StringArg("name")
		if name == "" {
			return fail(session.ErrorBadArguments)
		}
		return delay, func() session.Completion {
			b.matching = name
			return success(nil, nil)
		}

	case session.CmdAddPart:
		if b.latched != session.ErrorNone {
			return fail(session.ErrorNotReady)
		}
		target := cmd.StringArg("database_name")
		e := newEntry(cmd.StringArg("part_id"), cmd.StringArg("batch_id"), cmd.StringArg("part_type"))
		if target == "" || e.PartID == "" {
			return fail(session.ErrorBadArguments)
		}
		checkID, checkFP := cmd.BoolArg("check_id_duplicates"), cmd.BoolArg("check_fp_duplicates")
		return delay, func() session.Completion {
			return b.addPart(target, e, checkID, checkFP)
		}

	case session.CmdTracePart:
		if b.latched != session.ErrorNone {
			return fail(session.ErrorNotReady)
		}
		q := traceQuery{
			target:    cmd.StringArg("database_name"),
			refs:      splitList(cmd.StringArg("ref_database_names")),
			traceAll:  cmd.BoolArg("trace_all_databases"),
			batches:   splitList(cmd.StringArg("batch_ids")),
			batchwise: cmd.BoolArg("trace_batchwise"),
			types:     splitList(cmd.StringArg("part_types")),
			typewise:  cmd.BoolArg("trace_typewise"),
		}
		if q.target == "" {
			return fail(session.ErrorBadArguments)
		}
		return delay, func() session.Completion {
			return b.tracePart(q)
		}

	case session.CmdIdentify:
		if b.latched != session.ErrorNone {
			return fail(session.ErrorNotReady)
		}
		return delay, func() session.Completion {
			return success(map[string]any{"ImageMatchingType": b.matching},
				&session.AssetUpdate{State: session.AssetIdentified, Location: IdentifyLocation})
		}

	case session.CmdFlash:
		if rt := b.opts.MinRecoverTime; rt > 0 && !b.lastFlashEnd.IsZero() && b.now().Sub(b.lastFlashEnd) < rt {
			return fail(session.ErrorRecovering)
		}
		return delay, func() session.Completion {
			b.lastFlashEnd = b.now()
			return success(map[string]any{"LightingTime": delay.Milliseconds()}, nil)
		}

	case session.CmdPing:
		return delay, func() session.Completion { return success(nil, nil) }

	default:
		b.logger.Warn("mockup does not simulate command", "command", cmd.Name)
		return fail(session.ErrorGeneric)
	}
}

func (b *Backend) addPart(target string, e entry, checkID, checkFP bool) session.Completion {
	byID, byFP := b.db.duplicates(e, checkID, checkFP)

	var code session.ErrorType
	switch {
	case len(byID) > 0:
		code = session.ErrorIDDuplicateFound
	case len(byFP) > 0:
		code = session.ErrorFPDuplicateFound
	}
	if code != session.ErrorNone {
		b.latched = code
		ids := make(map[string]struct{})
		for _, x := range append(byFP, byID...) {
			ids[x.PartID] = struct{}{}
		}
		b.logger.Info("mockup duplicate check failed", "part_id", e.PartID, "error_type", int(code))
		c := failure(session.Ticket{}, code)
		c.Outputs = map[string]any{
			"PartIDsOfDuplicates": strings.Join(slices.Sorted(maps.Keys(ids)), ";"),
		}
		return c
	}

	b.db.ensure(target).add(e)
	return success(map[string]any{"PartIDsOfDuplicates": ""},
		&session.AssetUpdate{State: session.AssetIdentified, Location: target})
}

func (b *Backend) tracePart(q traceQuery) session.Completion {
	found, from, ok := b.db.trace(q, b.rng.IntN)
	if !ok {
		return success(map[string]any{
			"PartID":                  "",
			"BatchID":                 "",
			"PartType":                "",
			"CurrentConfidenceValue1": 0,
			"CurrentConfidenceValue2": 0,
			"AverageConfidenceValue1": 0,
			"AverageConfidenceValue2": 0,
		}, &session.AssetUpdate{State: session.AssetUnknown})
	}

	b.logger.Debug("mockup traced part", "part_id", found.PartID, "from", from, "to", q.target)
	return success(map[string]any{
		"PartID":                  found.PartID,
		"BatchID":                 found.BatchID,
		"PartType":                found.PartType,
		"CurrentConfidenceValue1": 99,
		"CurrentConfidenceValue2": 100,
		"AverageConfidenceValue1": 97,
		"AverageConfidenceValue2": 98,
	}, &session.AssetUpdate{State: session.AssetTracked, Location: q.target})
}

func success(outputs map[string]any, asset *session.AssetUpdate) session.Completion {
	return session.Completion{Result: session.ResultSuccess, Outputs: outputs, Asset: asset}
}

func failure(t session.Ticket, code session.ErrorType) session.Completion {
	return session.Completion{Ticket: t, Result: session.ResultFailure, Error: code}
}
