package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "ranger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDBMigrates(t *testing.T) {
	db := setupTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// reopening an up-to-date database is a no-op
	require.NoError(t, db.MigrateUp())
}

func TestMigrateDown(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='sessions'`).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, db.MigrateUp())
}

func TestRecordAndRecentSamples(t *testing.T) {
	db := setupTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		err := db.RecordSample(RangeSample{
			SessionID:   "s1",
			CapturedAt:  base.Add(time.Duration(i) * 100 * time.Millisecond),
			Echo:        time.Duration(i+1) * time.Millisecond,
			Valid:       i != 2,
			RangeInches: float64(i+1) * 6.78,
			Feedback:    float64(i+1) * 6.78,
			Units:       "in",
		})
		require.NoError(t, err)
	}
	require.NoError(t, db.RecordSample(RangeSample{SessionID: "other", CapturedAt: base, Units: "mm"}))

	got, err := db.RecentSamples("s1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 5*time.Millisecond, got[0].Echo)
	assert.Equal(t, 3*time.Millisecond, got[2].Echo)
	assert.False(t, got[2].Valid)
	assert.WithinDuration(t, base.Add(400*time.Millisecond), got[0].CapturedAt, time.Microsecond)
	assert.Contains(t, got[0].String(), "valid=true")

	all, err := db.RecentSamples("s1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	st, err := db.Stats("s1")
	require.NoError(t, err)
	assert.Equal(t, 5, st.Total)
	assert.Equal(t, 4, st.Valid)
	assert.InDelta(t, 6.78, st.MinInches, 1e-9)
	assert.InDelta(t, 33.9, st.MaxInches, 1e-9)
	assert.InDelta(t, 0.2, st.DropoutRate(), 1e-9)

	empty, err := db.Stats("nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.DropoutRate())
}

func TestSessions(t *testing.T) {
	db := setupTestDB(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.StartSession(SessionRecord{
		ID: "abc", Backend: "dev", PingCh: 1, EchoCh: 2, Units: "in", StartedAt: start,
	}))
	assert.Error(t, db.StartSession(SessionRecord{ID: "abc", StartedAt: start}))

	sessions, err := db.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Nil(t, sessions[0].ClosedAt)

	require.NoError(t, db.EndSession("abc", start.Add(time.Minute)))
	assert.Error(t, db.EndSession("missing", start))

	sessions, err = db.Sessions()
	require.NoError(t, err)
	require.NotNil(t, sessions[0].ClosedAt)
	assert.WithinDuration(t, start.Add(time.Minute), *sessions[0].ClosedAt, time.Microsecond)
	assert.Equal(t, "dev", sessions[0].Backend)
}
