package scheduler

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openjobspec/ojs-racejob/internal/sqlstore"
)

func openTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sqlstore.OpenWithMigrations(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
