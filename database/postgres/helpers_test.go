package postgres_test

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sagarc03/ucs"
	"github.com/sagarc03/ucs/database/postgres"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	testPool     *pgxpool.Pool
	testPoolErr  error
	testPoolOnce sync.Once
	testCleanup  func()
)

// getSharedTestDatabase starts one postgres container for the whole package.
// Tests isolate themselves through unique table names.
func getSharedTestDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()

	testPoolOnce.Do(func() {
		ctx := context.Background()

		container, err := pgcontainer.Run(ctx,
			"postgres:18-alpine",
			pgcontainer.WithDatabase("ucs"),
			pgcontainer.WithUsername("ucs"),
			pgcontainer.WithPassword("ucs"),
			pgcontainer.BasicWaitStrategies(),
		)
		if err != nil {
			testPoolErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		testCleanup = func() {
			if testPool != nil {
				testPool.Close()
			}
			_ = testcontainers.TerminateContainer(container)
		}

		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			testPoolErr = fmt.Errorf("connection string: %w", err)
			return
		}

		testPool, testPoolErr = pgxpool.New(ctx, dsn)
	})

	require.NoError(t, testPoolErr)
	return testPool
}

// uniqueTableName returns a records table name no other test uses.
func uniqueTableName(t *testing.T) string {
	t.Helper()

	b := make([]byte, 6)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return "records_" + hex.EncodeToString(b)
}

func dropTable(ctx context.Context, pool *pgxpool.Pool, tableName string) error {
	_, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{tableName}.Sanitize()+" CASCADE")
	return err
}

// setupTestRepo migrates a fresh table and returns a repo bound to it.
func setupTestRepo(t *testing.T) *postgres.Repo {
	t.Helper()

	pool := getSharedTestDatabase(t)
	ctx := context.Background()
	tables := ucs.Tables{Records: uniqueTableName(t)}

	require.NoError(t, postgres.Migrate(ctx, pool, tables), "migrate")
	t.Cleanup(func() { _ = dropTable(ctx, pool, tables.Records) })

	repo, err := postgres.NewRepo(pool, tables)
	require.NoError(t, err)
	return repo
}
