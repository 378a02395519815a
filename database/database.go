package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sagarc03/ucs"
	"github.com/sagarc03/ucs/database/memory"
	"github.com/sagarc03/ucs/database/postgres"
	"github.com/sagarc03/ucs/database/sqlite"
)

// Config holds the configuration for connecting to a record store backend.
type Config struct {
	// Type specifies the database type: "sqlite", "postgres" or "memory"
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=sqlite postgres memory"`
	// DSN is the data source name (connection string)
	DSN string `mapstructure:"dsn" yaml:"dsn" validate:"required_unless=Type memory"`
	// Tables holds the table names
	Tables ucs.Tables `mapstructure:"tables" yaml:"tables"`
}

// Connect establishes a connection to the configured database backend,
// runs migrations, validates the schema, and returns a RecordStore.
// The returned cleanup function should be called to close the connection.
func Connect(ctx context.Context, cfg Config) (ucs.RecordStore, func(), error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), func() {}, nil
	case "sqlite", "postgres":
	default:
		return nil, nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	if err := cfg.Tables.Validate(); err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	if cfg.Type == "sqlite" {
		return connectSQLite(ctx, cfg.DSN, cfg.Tables)
	}
	return connectPostgres(ctx, cfg.DSN, cfg.Tables)
}

// Reset drops and recreates the record tables. All records are lost.
func Reset(ctx context.Context, cfg Config) error {
	if err := cfg.Tables.Validate(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	switch cfg.Type {
	case "memory":
		return nil
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if err := sqlite.DropTables(ctx, db, cfg.Tables); err != nil {
			return fmt.Errorf("reset sqlite: %w", err)
		}
		return sqlite.Migrate(ctx, db, cfg.Tables)
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		if err := postgres.DropTables(ctx, pool, cfg.Tables); err != nil {
			return fmt.Errorf("reset postgres: %w", err)
		}
		return postgres.Migrate(ctx, pool, cfg.Tables)
	default:
		return fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

func connectSQLite(ctx context.Context, dsn string, tables ucs.Tables) (ucs.RecordStore, func(), error) {
	db, err := sqlite.Open(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}

	if err = prepareSQLite(ctx, db, tables); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	repo, err := sqlite.NewRepo(db, tables)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("create sqlite repo: %w", err)
	}

	cleanup := func() {
		_ = db.Close()
	}

	return repo, cleanup, nil
}

func prepareSQLite(ctx context.Context, db *sql.DB, tables ucs.Tables) error {
	if err := sqlite.Migrate(ctx, db, tables); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}

	if err := sqlite.ValidateSchema(ctx, db, tables); err != nil {
		return fmt.Errorf("validate sqlite schema: %w", err)
	}

	return nil
}

func connectPostgres(ctx context.Context, dsn string, tables ucs.Tables) (ucs.RecordStore, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err = postgres.Migrate(ctx, pool, tables); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate postgres: %w", err)
	}

	if err = postgres.ValidateSchema(ctx, pool, tables); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("validate postgres schema: %w", err)
	}

	repo, err := postgres.NewRepo(pool, tables)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("create postgres repo: %w", err)
	}

	return repo, pool.Close, nil
}
