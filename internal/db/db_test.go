package db

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_MigratesToLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shiftd.sqlite")

	database, err := Open(path)
	require.NoError(t, err)
	v, err := database.Version()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)

	for _, table := range []string{"event_ledger", "geocache", "resource_state"} {
		var name string
		err := database.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		assert.NoError(t, err, table)
	}
	_, err = database.Exec(`INSERT INTO geocache (query, display_name, latitude, longitude, created_at, timezone)
		VALUES ('oslo', 'Oslo', 59.9, 10.7, 0, 'Europe/Oslo')`)
	require.NoError(t, err)
	require.NoError(t, database.Close())

	// Reopening is a no-op and keeps data
	database, err = Open(path)
	require.NoError(t, err)
	defer database.Close()
	var tz string
	require.NoError(t, database.QueryRow(`SELECT timezone FROM geocache WHERE query = 'oslo'`).Scan(&tz))
	assert.Equal(t, "Europe/Oslo", tz)
}

func TestOpen_UpgradesOlderSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.sqlite")

	// A database created before the timezone column existed
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	for i, m := range migrations[:2] {
		require.NoError(t, apply(raw, i+1, m))
	}
	_, err = raw.Exec(`INSERT INTO geocache (query, display_name, latitude, longitude, created_at)
		VALUES ('lima', 'Lima', -12.0, -77.0, 0)`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	database, err := Open(path)
	require.NoError(t, err)
	defer database.Close()

	var tz string
	require.NoError(t, database.QueryRow(`SELECT timezone FROM geocache WHERE query = 'lima'`).Scan(&tz))
	assert.Empty(t, tz)
	v, _ := database.Version()
	assert.Equal(t, SchemaVersion, v)
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.sqlite")
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	_, err = Open(path)
	assert.ErrorContains(t, err, "newer than this build")
}
