package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sagarc03/ucs"
)

var recordColumns = []ucs.Column{
	{Name: "file_id", Type: "text"},
	{Name: "state", Type: "text"},
	{Name: "file_name", Type: "text"},
	{Name: "expected_size", Type: "integer"},
	{Name: "checksum", Type: "text"},
	{Name: "correlation_id", Type: "text"},
	{Name: "current_upload_id", Type: "text"},
	{Name: "attempts", Type: "text"},
	{Name: "outbox", Type: "text"},
	{Name: "last_event_sequence", Type: "integer"},
	{Name: "deletion_confirmed", Type: "integer"},
	{Name: "version", Type: "integer"},
	{Name: "created_at", Type: "text"},
	{Name: "updated_at", Type: "text"},
}

// ValidateSchema checks that the records table exists with the columns the
// repo reads and writes.
func ValidateSchema(ctx context.Context, db *sql.DB, tables ucs.Tables) error {
	if !ucs.IsValidTableName(tables.Records) {
		return fmt.Errorf("validate schema: invalid table name: %s", tables.Records)
	}

	have, err := tableColumns(ctx, db, tables.Records)
	if err != nil {
		return fmt.Errorf("validate schema %s: %w", tables.Records, err)
	}

	if err := ucs.CheckColumns(tables.Records, recordColumns, have); err != nil {
		return fmt.Errorf("validate schema: %w", err)
	}
	return nil
}

// tableColumns reads PRAGMA table_info; a missing table yields no rows.
func tableColumns(ctx context.Context, db *sql.DB, table string) ([]ucs.Column, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdentifier(table)))
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cols []ucs.Column
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, ucs.Column{Name: name, Type: typ, Nullable: notNull == 0})
	}
	return cols, rows.Err()
}
