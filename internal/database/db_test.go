package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
		Name: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNew_OpensFileUnderDataDir(t *testing.T) {
	dataDir := t.TempDir()
	path := filepath.Join(dataDir, "templates.db")

	db, err := New(Config{Path: path, Name: "templates"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(context.Background(), `CREATE TABLE t (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestNew_RejectsDirectoryAsPath(t *testing.T) {
	// The path must name the database file; a bare data directory cannot be
	// opened.
	_, err := New(Config{Path: t.TempDir(), Name: "templates"})
	require.Error(t, err)
}

func TestNew_CreatesMissingParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "nested.db")

	db, err := New(Config{Path: path, Name: "nested"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.QuickCheck(context.Background()))
}

func TestQuickCheck(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.QuickCheck(context.Background()))

	require.NoError(t, db.Close())
	assert.Error(t, db.QuickCheck(context.Background()))
}

func TestWithTransaction(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)

	count := func() int {
		var n int
		require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n))
		return n
	}

	t.Run("commit", func(t *testing.T) {
		err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
			_, err := tx.Exec(`INSERT INTO kv (k, v) VALUES ('a', '1')`)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, 1, count())
	})

	t.Run("error rolls back", func(t *testing.T) {
		err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
			if _, err := tx.Exec(`INSERT INTO kv (k, v) VALUES ('b', '2')`); err != nil {
				return err
			}
			return assert.AnError
		})
		require.Error(t, err)
		assert.Equal(t, 1, count(), "failed transaction leaves no rows behind")
	})

	t.Run("panic rolls back", func(t *testing.T) {
		err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
			if _, err := tx.Exec(`INSERT INTO kv (k, v) VALUES ('c', '3')`); err != nil {
				return err
			}
			panic("boom")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panic")
		assert.Equal(t, 1, count())
	})
}
