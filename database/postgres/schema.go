package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sagarc03/ucs"
)

var recordColumns = []ucs.Column{
	{Name: "file_id", Type: "text"},
	{Name: "state", Type: "text"},
	{Name: "file_name", Type: "text"},
	{Name: "expected_size", Type: "bigint"},
	{Name: "checksum", Type: "text"},
	{Name: "correlation_id", Type: "text"},
	{Name: "current_upload_id", Type: "text"},
	{Name: "attempts", Type: "jsonb"},
	{Name: "outbox", Type: "jsonb"},
	{Name: "last_event_sequence", Type: "bigint"},
	{Name: "deletion_confirmed", Type: "boolean"},
	{Name: "version", Type: "bigint"},
	{Name: "created_at", Type: "timestamp with time zone"},
	{Name: "updated_at", Type: "timestamp with time zone"},
}

// ValidateSchema checks that the records table exists in the public schema
// with the columns the repo reads and writes.
func ValidateSchema(ctx context.Context, pool *pgxpool.Pool, tables ucs.Tables) error {
	if !ucs.IsValidTableName(tables.Records) {
		return fmt.Errorf("validate schema: invalid table name: %s", tables.Records)
	}

	rows, err := pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable = 'YES'
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position
	`, tables.Records)
	if err != nil {
		return fmt.Errorf("validate schema %s: query columns: %w", tables.Records, err)
	}

	have, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ucs.Column, error) {
		var c ucs.Column
		err := row.Scan(&c.Name, &c.Type, &c.Nullable)
		return c, err
	})
	if err != nil {
		return fmt.Errorf("validate schema %s: %w", tables.Records, err)
	}

	if err := ucs.CheckColumns(tables.Records, recordColumns, have); err != nil {
		return fmt.Errorf("validate schema: %w", err)
	}
	return nil
}
