package database

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(Config{Path: filepath.Join(t.TempDir(), "nested", "test.db"), Name: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

const testSchema = `CREATE TABLE IF NOT EXISTS items (id INTEGER PRIMARY KEY, name TEXT NOT NULL);`

func TestNew_CreatesDirectory(t *testing.T) {
	db := newTestDB(t)
	assert.FileExists(t, db.Path())
	assert.Equal(t, "test", db.Name())
	require.NoError(t, db.HealthCheck(context.Background()))
}

func pragmasOf(t *testing.T, s string) []string {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u.Query()["_pragma"]
}

func TestDSN(t *testing.T) {
	std := pragmasOf(t, dsn("/tmp/a.db", ProfileStandard))
	assert.Contains(t, std, "journal_mode(WAL)")
	assert.Contains(t, std, "synchronous(NORMAL)")
	assert.Contains(t, std, "foreign_keys(1)")
	assert.Equal(t, "journal_mode(WAL)", std[0])

	scratch := pragmasOf(t, dsn("/tmp/a.db", ProfileScratch))
	assert.Contains(t, scratch, "synchronous(OFF)")
	assert.NotContains(t, scratch, "auto_vacuum(INCREMENTAL)")

	assert.True(t, strings.HasPrefix(dsn("file:x.db?mode=memory", ProfileScratch), "file:x.db?mode=memory&_pragma="))
}

func TestNew_UnknownProfile(t *testing.T) {
	_, err := New(Config{Path: filepath.Join(t.TempDir(), "a.db"), Profile: "fast"})
	assert.Error(t, err)
}

func TestIntegrityCheck(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate(context.Background(), testSchema))
	assert.NoError(t, db.IntegrityCheck(context.Background()))
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx, testSchema))
	require.NoError(t, db.Migrate(ctx, testSchema))
}

func TestWithTransaction(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx, testSchema))

	err := WithTransaction(ctx, db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO items (name) VALUES ('kept')")
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = WithTransaction(ctx, db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO items (name) VALUES ('dropped')"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = WithTransaction(ctx, db.Conn(), func(tx *sql.Tx) error {
		_, _ = tx.Exec("INSERT INTO items (name) VALUES ('panicked')")
		panic("oops")
	})
	assert.Error(t, err)

	var n int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM items").Scan(&n))
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, WithTransaction(ctx, nil, func(*sql.Tx) error { return nil }), ErrNilConn)
}

func TestSnapshotAndStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx, testSchema))
	_, err := db.Conn().Exec("INSERT INTO items (name) VALUES ('a')")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, db.Snapshot(ctx, dest))

	cp, err := New(Config{Path: dest, Name: "copy"})
	require.NoError(t, err)
	defer cp.Close()
	var n int
	require.NoError(t, cp.Conn().QueryRow("SELECT COUNT(*) FROM items").Scan(&n))
	assert.Equal(t, 1, n)

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Positive(t, stats.PageCount)
	assert.Positive(t, stats.PageSize)
}
