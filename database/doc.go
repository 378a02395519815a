// Package database provides a unified interface for connecting to record
// store backends.
//
// # Supported Backends
//
//   - PostgreSQL: Production backend using a pgx connection pool
//   - SQLite: Single-node backend using modernc.org/sqlite
//   - Memory: Process-local store for tests and development
//
// # Usage
//
//	cfg := database.Config{
//	    Type:   "sqlite",
//	    DSN:    "ucs.db",
//	    Tables: ucs.Tables{Records: "upload_records"},
//	}
//
//	store, cleanup, err := database.Connect(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cleanup()
//
// Connect runs migrations and validates the schema before returning.
package database
