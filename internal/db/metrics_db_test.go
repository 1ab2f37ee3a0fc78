package db

import (
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/splatdepth/internal/testutil"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	testutil.RouteLogsToTest(t)
	db, err := NewDB(filepath.Join(t.TempDir(), "model", FileName))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEmbeddedMigrations(t *testing.T) {
	migFS, err := getMigrationsFS()
	require.NoError(t, err)
	up, err := fs.Glob(migFS, "*.up.sql")
	require.NoError(t, err)
	down, err := fs.Glob(migFS, "*.down.sql")
	require.NoError(t, err)
	assert.NotEmpty(t, up)
	assert.Len(t, down, len(up), "every up migration needs a down")
}

func TestNewDBCreatesSchema(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	for _, table := range statTables {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}

	// Reopening an up-to-date database is a no-op migration.
	again, err := NewDB(db.Path())
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var synchronous int
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous, "NORMAL")

	var foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)
}

func TestMigrateDownAndUp(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='iteration_records'`).Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, db.MigrateUp())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestOpenExisting(t *testing.T) {
	_, err := OpenExisting(filepath.Join(t.TempDir(), "missing.db"))
	assert.Error(t, err)

	db := newTestDB(t)
	_, err = db.Exec(`INSERT INTO training_runs (run_id, model_path, mode, started_at) VALUES ('r1', '/m', 'none', 1)`)
	require.NoError(t, err)

	reader, err := OpenExisting(db.Path())
	require.NoError(t, err)
	defer reader.Close()

	var mode string
	require.NoError(t, reader.QueryRow(`SELECT mode FROM training_runs WHERE run_id='r1'`).Scan(&mode))
	assert.Equal(t, "none", mode)
}

func TestStats(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Exec(`INSERT INTO training_runs (run_id, model_path, mode, started_at) VALUES ('r1', '/m', 'weak', 1)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO iteration_records (run_id, iteration, l1_loss, photometric_loss, total_loss, gaussian_count, wall_time_ns)
		VALUES ('r1', 1, 0.1, 0.1, 0.1, 100, 10), ('r1', 2, 0.09, 0.09, 0.09, 100, 20)`)
	require.NoError(t, err)

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Greater(t, stats.TotalSizeMB, 0.0)

	rows := map[string]int64{}
	for _, ts := range stats.Tables {
		rows[ts.Name] = ts.Rows
	}
	assert.Equal(t, map[string]int64{
		"training_runs":     1,
		"iteration_records": 2,
		"test_records":      0,
		"calibrations":      0,
	}, rows)
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	for _, path := range []string{"/debug/db-stats", "/debug/backup", "/debug/tailsql/"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			// tsweb may refuse non-local callers with 403; only a missing
			// route is a failure.
			assert.NotEqual(t, http.StatusNotFound, w.Code)

			if path == "/debug/db-stats" && w.Code == http.StatusOK {
				var stats DatabaseStats
				require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
				assert.Len(t, stats.Tables, len(statTables))
			}
		})
	}
}
