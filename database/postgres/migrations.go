package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sagarc03/ucs"
)

// Migrate creates the records table and its indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool, tables ucs.Tables) error {
	if err := tables.Validate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := createRecordsTable(ctx, pool, tables.Records); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// DropTables removes every table created by Migrate.
func DropTables(ctx context.Context, pool *pgxpool.Pool, tables ucs.Tables) error {
	if err := tables.Validate(); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	sql := fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", pgx.Identifier{tables.Records}.Sanitize())
	if _, err := pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	return nil
}

func createRecordsTable(ctx context.Context, pool *pgxpool.Pool, tableName string) error {
	quotedTable := pgx.Identifier{tableName}.Sanitize()
	indexList := pgx.Identifier{fmt.Sprintf("idx_%s_list", tableName)}.Sanitize()
	indexState := pgx.Identifier{fmt.Sprintf("idx_%s_state_list", tableName)}.Sanitize()

	sql := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			file_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			file_name TEXT NOT NULL DEFAULT '',
			expected_size BIGINT NOT NULL DEFAULT 0,
			checksum TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			current_upload_id TEXT NOT NULL DEFAULT '',
			attempts JSONB NOT NULL DEFAULT '[]'::jsonb,
			outbox JSONB NOT NULL DEFAULT '[]'::jsonb,
			last_event_sequence BIGINT NOT NULL,
			deletion_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS %s
		ON %s (created_at, file_id);

		CREATE INDEX IF NOT EXISTS %s
		ON %s (state, created_at, file_id);
	`,
		quotedTable,
		indexList, quotedTable,
		indexState, quotedTable,
	)

	_, err := pool.Exec(ctx, sql)
	if err != nil {
		return fmt.Errorf("create records table: %w", err)
	}
	return nil
}
