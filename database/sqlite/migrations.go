package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sagarc03/ucs"
)

// quoteIdentifier safely quotes a SQLite identifier
func quoteIdentifier(name string) string {
	return `"` + name + `"`
}

type TableMigration struct {
	TableName string
	Up        func(ctx context.Context, db *sql.DB) error
	Down      func(ctx context.Context, db *sql.DB) error
}

func getTableMigrations(tables ucs.Tables) []TableMigration {
	return []TableMigration{
		{
			TableName: tables.Records,
			Up:        createRecordsTable(tables.Records),
			Down:      dropTable(tables.Records),
		},
	}
}

func Migrate(ctx context.Context, db *sql.DB, tables ucs.Tables) error {
	for _, migration := range getTableMigrations(tables) {
		if err := migration.Up(ctx, db); err != nil {
			return fmt.Errorf("migrate up %s: %w", migration.TableName, err)
		}
	}
	return nil
}

func DropTables(ctx context.Context, db *sql.DB, tables ucs.Tables) error {
	migrations := getTableMigrations(tables)

	for i := len(migrations) - 1; i >= 0; i-- {
		migration := migrations[i]
		if err := migration.Down(ctx, db); err != nil {
			return fmt.Errorf("migrate down %s: %w", migration.TableName, err)
		}
	}

	return nil
}

func createRecordsTable(tableName string) func(context.Context, *sql.DB) error {
	return func(ctx context.Context, db *sql.DB) error {
		quotedTable := quoteIdentifier(tableName)
		indexList := quoteIdentifier(fmt.Sprintf("idx_%s_list", tableName))
		indexState := quoteIdentifier(fmt.Sprintf("idx_%s_state_list", tableName))

		createTableSQL := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				file_id TEXT NOT NULL PRIMARY KEY,
				state TEXT NOT NULL,
				file_name TEXT NOT NULL,
				expected_size INTEGER NOT NULL,
				checksum TEXT NOT NULL,
				correlation_id TEXT NOT NULL,
				current_upload_id TEXT NOT NULL,
				attempts TEXT NOT NULL,
				outbox TEXT NOT NULL,
				last_event_sequence INTEGER NOT NULL,
				deletion_confirmed INTEGER NOT NULL,
				version INTEGER NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)
		`, quotedTable)

		if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
			return fmt.Errorf("create table: %w", err)
		}

		indexSQL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (created_at, file_id)`, indexList, quotedTable)
		if _, err := db.ExecContext(ctx, indexSQL); err != nil {
			return fmt.Errorf("create index list: %w", err)
		}

		indexSQL = fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (state, created_at, file_id)`, indexState, quotedTable)
		if _, err := db.ExecContext(ctx, indexSQL); err != nil {
			return fmt.Errorf("create index state_list: %w", err)
		}

		return nil
	}
}

func dropTable(tableName string) func(context.Context, *sql.DB) error {
	return func(ctx context.Context, db *sql.DB) error {
		dropSQL := fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(tableName))
		_, err := db.ExecContext(ctx, dropSQL)
		return err
	}
}
