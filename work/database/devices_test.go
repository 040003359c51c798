package database

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestIdentityDeterministic(t *testing.T) {
	db, _ := openTestDB(t)

	first, err := db.Identity("543")
	require.NoError(t, err)
	second, err := db.Identity("543")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, uuid.NewSHA1(uuid.NameSpaceDNS, []byte("stream2dvr:543")), first)
}

func TestIdentityDistinctPerMarket(t *testing.T) {
	db, _ := openTestDB(t)

	a, err := db.Identity("543")
	require.NoError(t, err)
	b, err := db.Identity("501")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestIdentitySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.db")

	db, err := Open(path)
	require.NoError(t, err)
	first, err := db.Identity("618")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	second, err := reopened.Identity("618")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestIdentityPersistedRowWins(t *testing.T) {
	db, _ := openTestDB(t)

	seeded := uuid.New()
	_, err := db.Exec("INSERT INTO devices (market, uuid) VALUES (?, ?)", "725", seeded.String())
	require.NoError(t, err)

	got, err := db.Identity("725")
	require.NoError(t, err)
	assert.Equal(t, seeded, got)
	assert.NotEqual(t, uuid.NewSHA1(uuid.NameSpaceDNS, []byte("stream2dvr:725")), got)
}

func TestMigrationsIdempotent(t *testing.T) {
	db, path := openTestDB(t)

	var version int
	require.NoError(t, db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version))
	assert.Equal(t, 1, version)
	require.NoError(t, db.Close())

	// Reopening re-runs migrate; applied versions must be skipped
	again, err := Open(path)
	require.NoError(t, err)
	defer again.Close()

	var count int
	require.NoError(t, again.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 1, count)
}
