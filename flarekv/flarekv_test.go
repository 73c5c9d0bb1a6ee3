package flarekv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flarekv/flarekv/kverrors"
	"github.com/flarekv/flarekv/typetag"
)

func openTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), typetag.U32_(), typetag.U32_(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Put(typetag.Value{U: 1}, typetag.Value{U: 10}))

	got, ok, err := db.Get(typetag.Value{U: 1})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), got.U)
}

func TestGetMissingKeyReportsAbsent(t *testing.T) {
	db := openTestDB(t)
	_, ok, err := db.Get(typetag.Value{U: 99})
	require.NoError(t, err)
	require.False(t, ok)
}

// TestOverwriteKeepsLatestValue puts key=1/value=10, then key=1/value=20;
// Get must return the later value.
func TestOverwriteKeepsLatestValue(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Put(typetag.Value{U: 1}, typetag.Value{U: 10}))
	require.NoError(t, db.Put(typetag.Value{U: 1}, typetag.Value{U: 20}))

	got, ok, err := db.Get(typetag.Value{U: 1})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(20), got.U)
}

// TestDeleteShadowsEarlierPut inserts then deletes a key: Get must report
// absence through the public surface, even though the tombstone record
// still exists underneath.
func TestDeleteShadowsEarlierPut(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Put(typetag.Value{U: 5}, typetag.Value{U: 100}))
	require.NoError(t, db.Delete(typetag.Value{U: 5}))

	_, ok, err := db.Get(typetag.Value{U: 5})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClosedDBRejectsOps(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Close())

	require.ErrorIs(t, db.Put(typetag.Value{U: 1}, typetag.Value{U: 1}), kverrors.ErrClosed)
	_, _, err := db.Get(typetag.Value{U: 1})
	require.ErrorIs(t, err, kverrors.ErrClosed)
}

// TestFlushCreatesSSTableSegment crosses the memtable threshold and checks
// that a new segment file lands on disk and the flushed keys stay
// readable through it rather than the memtable.
func TestFlushCreatesSSTableSegment(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, typetag.U32_(), typetag.U32_(), WithMemtableThreshold(2), WithSize(10))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put(typetag.Value{U: 1}, typetag.Value{U: 11}))
	require.NoError(t, db.Put(typetag.Value{U: 2}, typetag.Value{U: 22}))

	require.Len(t, db.snapshotTables(), 1, "crossing the threshold must flush one segment")

	got, ok, err := db.Get(typetag.Value{U: 1})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(11), got.U)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var sstCount int
	for _, e := range entries {
		if filepath.Ext(e.Name()) == sstableExt {
			sstCount++
		}
	}
	require.Equal(t, 1, sstCount)
}

// TestReopenReplaysWAL writes records that never cross the flush threshold,
// closes the database, and reopens it: the records must still be readable
// via WAL replay into the memtable.
func TestReopenReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, typetag.U32_(), typetag.U32_(), WithMemtableThreshold(1000))
	require.NoError(t, err)
	require.NoError(t, db.Put(typetag.Value{U: 7}, typetag.Value{U: 70}))
	require.NoError(t, db.Put(typetag.Value{U: 8}, typetag.Value{U: 80}))
	require.NoError(t, db.Close())

	reopened, err := Open(dir, typetag.U32_(), typetag.U32_(), WithMemtableThreshold(1000))
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Get(typetag.Value{U: 7})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(70), got.U)

	got, ok, err = reopened.Get(typetag.Value{U: 8})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(80), got.U)
}

// TestReopenAfterFlushTruncatesWAL checks that once a flush has persisted
// records into a segment, reopening the engine does not double-count them:
// the WAL was truncated, so only the segment (not a stale replay) supplies
// the value.
func TestReopenAfterFlushTruncatesWAL(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, typetag.U32_(), typetag.U32_(), WithMemtableThreshold(1), WithSize(10))
	require.NoError(t, err)
	require.NoError(t, db.Put(typetag.Value{U: 3}, typetag.Value{U: 33}))
	require.NoError(t, db.Close())

	reopened, err := Open(dir, typetag.U32_(), typetag.U32_(), WithMemtableThreshold(1), WithSize(10))
	require.NoError(t, err)
	defer reopened.Close()

	require.Len(t, reopened.snapshotTables(), 1)
	got, ok, err := reopened.Get(typetag.Value{U: 3})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(33), got.U)
}

func TestReopenDiscoversSegmentsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, typetag.U32_(), typetag.U32_(), WithMemtableThreshold(1), WithSize(10))
	require.NoError(t, err)
	require.NoError(t, db.Put(typetag.Value{U: 1}, typetag.Value{U: 1}))
	require.NoError(t, db.Put(typetag.Value{U: 1}, typetag.Value{U: 2})) // newer segment shadows the older one
	require.NoError(t, db.Close())

	reopened, err := Open(dir, typetag.U32_(), typetag.U32_(), WithMemtableThreshold(1), WithSize(10))
	require.NoError(t, err)
	defer reopened.Close()

	require.Len(t, reopened.snapshotTables(), 2)
	got, ok, err := reopened.Get(typetag.Value{U: 1})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), got.U, "the newest segment must shadow the older one for the same key")
}
