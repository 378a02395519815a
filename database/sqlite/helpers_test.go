package sqlite_test

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math"
	"math/big"
	"testing"

	"github.com/sagarc03/ucs"
	"github.com/sagarc03/ucs/database/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getRandomString(t *testing.T) string {
	t.Helper()
	n, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	assert.NoError(t, err, "random string")
	return fmt.Sprintf("test%x", n.Int64())
}

// openTestDB opens an in-memory database with a unique records table.
func openTestDB(t *testing.T) (*sql.DB, ucs.Tables) {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err, "failed to open")
	t.Cleanup(func() { _ = db.Close() })

	tables := ucs.Tables{Records: fmt.Sprintf("records_%s", getRandomString(t))}
	return db, tables
}

func setupTestRepo(t *testing.T) *sqlite.Repo {
	t.Helper()

	db, tables := openTestDB(t)
	require.NoError(t, sqlite.Migrate(context.Background(), db, tables), "failed to migrate")

	repo, err := sqlite.NewRepo(db, tables)
	require.NoError(t, err)
	return repo
}
