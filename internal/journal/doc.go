// Package journal records the command journal and the state history of a
// Fingerprint session in SQLite.
//
// A Journal is a session.Observer: it inserts a command_journal row when a
// command is accepted, completes it when the command finishes, and writes
// one state_history row per changed field with a snapshot of the whole
// DeviceState. The journal is an audit trail only; the session never
// restores its state from it.
//
// The schema lives in the top-level migrations package.
package journal
