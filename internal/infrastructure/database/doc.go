// Package database provides SQLite connectivity for the command journal.
//
// It manages:
//   - The connection, with optional WAL mode and a busy timeout
//   - Forward and backward schema migrations loaded from an fs.FS
//   - Health checks for the /health endpoint
//
// All queries use parameterised statements. The database file is created
// with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
