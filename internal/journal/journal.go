package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/fingerprint-core/internal/session"
)

const (
	// DefaultLimit and MaxLimit bound history queries.
	DefaultLimit = 50
	MaxLimit     = 200

	writeTimeout = 5 * time.Second
)

// CommandEntry is one command_journal row.
type CommandEntry struct {
	ID          string         `json:"id"`
	Command     string         `json:"command"`
	Args        map[string]any `json:"args"`
	AcceptedAt  time.Time      `json:"accepted_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	RunState    *int           `json:"run_state,omitempty"`
	ResultState *int           `json:"result_state,omitempty"`
	ErrorType   *int           `json:"error_type,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
}

// StateEntry is one state_history row.
type StateEntry struct {
	ID         int64               `json:"id"`
	Field      string              `json:"field"`
	Value      any                 `json:"value"`
	Snapshot   session.DeviceState `json:"snapshot"`
	RecordedAt time.Time           `json:"recorded_at"`
}

// Journal persists session events.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Journal struct {
	db     *sql.DB
	logger session.Logger
	errors atomic.Uint64
}

// New creates a journal on a migrated database.
func New(db *sql.DB, logger session.Logger) *Journal {
	return &Journal{db: db, logger: session.OrNop(logger)}
}

// WriteErrors returns the number of events that could not be recorded.
func (j *Journal) WriteErrors() uint64 {
	return j.errors.Load()
}

// Observe records an event. It implements session.Observer.
func (j *Journal) Observe(e session.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch ev := e.(type) {
	case session.Accepted:
		err = j.RecordAccepted(ctx, ev)
	case session.Finished:
		err = j.RecordFinished(ctx, ev)
	case session.Transition:
		err = j.RecordTransition(ctx, ev)
	}
	if err != nil {
		j.errors.Add(1)
		j.logger.Warn("journal write failed", "error", err)
	}
}

// RecordAccepted inserts the journal row of an accepted command.
func (j *Journal) RecordAccepted(ctx context.Context, a session.Accepted) error {
	args, err := marshalMap(a.Args)
	if err != nil {
		return fmt.Errorf("marshalling args: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO command_journal (id, command, args, accepted_at, run_state)
		 VALUES (?, ?, ?, ?, ?)`,
		a.Ticket.ID.String(),
		a.Ticket.Command,
		args,
		a.AcceptedAt.UnixMilli(),
		int(session.RunRunning),
	)
	if err != nil {
		return fmt.Errorf("inserting command journal: %w", err)
	}
	return nil
}

// RecordFinished completes the journal row of a command. A command whose
// acceptance was not recorded gets a complete row.
func (j *Journal) RecordFinished(ctx context.Context, f session.Finished) error {
	outputs, err := marshalMap(f.Outputs)
	if err != nil {
		return fmt.Errorf("marshalling outputs: %w", err)
	}
	runState := session.RunCompleted
	if f.Error == session.ErrorAborted {
		runState = session.RunAborted
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO command_journal
		     (id, command, accepted_at, finished_at, run_state, result_state, error_type, outputs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     finished_at = excluded.finished_at,
		     run_state = excluded.run_state,
		     result_state = excluded.result_state,
		     error_type = excluded.error_type,
		     outputs = excluded.outputs`,
		f.Ticket.ID.String(),
		f.Ticket.Command,
		f.AcceptedAt.UnixMilli(),
		f.FinishedAt.UnixMilli(),
		int(runState),
		int(f.Result),
		int(f.Error),
		outputs,
	)
	if err != nil {
		return fmt.Errorf("completing command journal: %w", err)
	}
	return nil
}

// RecordTransition writes one row per changed field in a transaction.
func (j *Journal) RecordTransition(ctx context.Context, t session.Transition) error {
	if len(t.Changed) == 0 {
		return nil
	}
	snapshot, err := json.Marshal(t.State)
	if err != nil {
		return fmt.Errorf("marshalling snapshot: %w", err)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after Commit

	recorded := t.Time
	if recorded.IsZero() {
		recorded = time.Now()
	}
	for _, f := range t.Changed {
		value, err := json.Marshal(t.State.Value(f))
		if err != nil {
			return fmt.Errorf("marshalling %s: %w", f, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state_history (field, value, snapshot, recorded_at) VALUES (?, ?, ?, ?)`,
			string(f), string(value), string(snapshot), recorded.UnixMilli(),
		); err != nil {
			return fmt.Errorf("inserting state history: %w", err)
		}
	}
	return tx.Commit()
}

// Commands returns the most recent journal rows, newest first.
func (j *Journal) Commands(ctx context.Context, limit int) ([]CommandEntry, error) {
	limit = ClampLimit(limit)
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, command, args, accepted_at, finished_at, run_state, result_state, error_type, outputs
		 FROM command_journal
		 ORDER BY accepted_at DESC, rowid DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying command journal: %w", err)
	}
	defer rows.Close()

	entries := make([]CommandEntry, 0, limit)
	for rows.Next() {
		var (
			e                                CommandEntry
			args                             string
			outputs                          sql.NullString
			accepted                         int64
			finished                         sql.NullInt64
			runState, resultState, errorType sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Command, &args, &accepted, &finished,
			&runState, &resultState, &errorType, &outputs); err != nil {
			return nil, fmt.Errorf("scanning command journal: %w", err)
		}

		e.AcceptedAt = time.UnixMilli(accepted).UTC()
		if finished.Valid {
			t := time.UnixMilli(finished.Int64).UTC()
			e.FinishedAt = &t
		}
		e.RunState = nullInt(runState)
		e.ResultState = nullInt(resultState)
		e.ErrorType = nullInt(errorType)
		if e.Args, err = unmarshalMap(args); err != nil {
			return nil, fmt.Errorf("unmarshalling args: %w", err)
		}
		if outputs.Valid {
			if e.Outputs, err = unmarshalMap(outputs.String); err != nil {
				return nil, fmt.Errorf("unmarshalling outputs: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command journal: %w", err)
	}
	return entries, nil
}

// States returns the most recent state history rows, newest first.
func (j *Journal) States(ctx context.Context, limit int) ([]StateEntry, error) {
	limit = ClampLimit(limit)
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, field, value, snapshot, recorded_at
		 FROM state_history
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]StateEntry, 0, limit)
	for rows.Next() {
		var (
			e               StateEntry
			value, snapshot string
			recorded        int64
		)
		if err := rows.Scan(&e.ID, &e.Field, &value, &snapshot, &recorded); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		if err := json.Unmarshal([]byte(value), &e.Value); err != nil {
			return nil, fmt.Errorf("unmarshalling value: %w", err)
		}
		if err := json.Unmarshal([]byte(snapshot), &e.Snapshot); err != nil {
			return nil, fmt.Errorf("unmarshalling snapshot: %w", err)
		}
		e.RecordedAt = time.UnixMilli(recorded).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

// Prune deletes journal and history rows older than olderThan and returns
// the number of rows removed. Unfinished commands are kept.
func (j *Journal) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, ErrInvalidRetention
	}
	cutoff := time.Now().Add(-olderThan).UnixMilli()

	var total int64
	for _, stmt := range []string{
		"DELETE FROM command_journal WHERE accepted_at < ? AND finished_at IS NOT NULL",
		"DELETE FROM state_history WHERE recorded_at < ?",
	} {
		result, err := j.db.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return total, fmt.Errorf("pruning journal: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("checking rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

// RunPruner prunes every interval until ctx is done.
func (j *Journal) RunPruner(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.Prune(ctx, retention)
			if err != nil {
				j.logger.Warn("journal prune failed", "error", err)
				continue
			}
			if n > 0 {
				j.logger.Info("journal pruned", "rows", n, "retention", retention.String())
			}
		}
	}
}

// ClampLimit applies the default and maximum history limits.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
