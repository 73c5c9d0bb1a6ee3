package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flarekv/flarekv/datanode"
	"github.com/flarekv/flarekv/typetag"
)

func u32node(t *testing.T, key, value uint64, ts int64, deleted bool) datanode.Node {
	t.Helper()
	n, err := datanode.New(typetag.Value{U: key}, typetag.Value{U: value}, typetag.U32_(), typetag.U32_(), ts, deleted)
	require.NoError(t, err)
	return n
}

func TestOpenEmptyWritesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x57, 0x41, 0x4C, 0x46}, data)
}

func TestAppendRecordOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l, err := Open(path)
	require.NoError(t, err)

	n := u32node(t, 1, 11, 100, false)
	require.NoError(t, l.Append(n, datanode.MethodAppend))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// header(5) then: start_delim(4) key_type(1) value_type(1) key_len(4)
	// value_len(4) key(4) value(4) timestamp(8) method(1) end_delim(4)
	rec := data[5:]
	require.Equal(t, []byte{0x01, 0x10, 0xEF, 0xFE}, rec[0:4])
	require.Equal(t, typetag.Tag(typetag.U32_()), rec[4])
	require.Equal(t, typetag.Tag(typetag.U32_()), rec[5])
	require.Equal(t, []byte{0x04, 0x00, 0x00, 0x00}, rec[6:10])
	require.Equal(t, []byte{0x04, 0x00, 0x00, 0x00}, rec[10:14])
	require.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, rec[14:18]) // key=1
	require.Equal(t, []byte{0x0B, 0x00, 0x00, 0x00}, rec[18:22]) // value=11
	require.Equal(t, byte(datanode.MethodAppend), rec[30])
	require.Equal(t, []byte{0xFE, 0xEF, 0x10, 0x01}, rec[31:35])
}

// TestReplayReconstructsStateAcrossAppendsAndDelete appends three WAL
// records for (k=1,v=11,Append), (k=2,v=22,Append), (k=1,Delete), and
// replays them into a fresh ordered map. The map must end up with exactly
// [(1, tombstone), (2, v=22)].
func TestReplayReconstructsStateAcrossAppendsAndDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, l.Append(u32node(t, 1, 11, 1, false), datanode.MethodAppend))
	require.NoError(t, l.Append(u32node(t, 2, 22, 2, false), datanode.MethodAppend))
	require.NoError(t, l.Append(u32node(t, 1, 0, 3, true), datanode.MethodDelete))
	require.NoError(t, l.Close())

	state := map[uint64]datanode.Node{}
	var order []uint64
	err = Replay(path, func(n datanode.Node, method datanode.Method) error {
		if _, seen := state[n.Key.U]; !seen {
			order = append(order, n.Key.U)
		}
		state[n.Key.U] = n
		return nil
	})
	require.NoError(t, err)

	require.Len(t, state, 2)
	require.True(t, state[1].Deleted)
	require.Equal(t, uint64(22), state[2].Value.U)
	require.False(t, state[2].Deleted)
	require.ElementsMatch(t, []uint64{1, 2}, order)
}

func TestReplayMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.log")
	called := false
	err := Replay(path, func(datanode.Node, datanode.Method) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, called)
}

func TestReplayTruncatesAtFirstMalformedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(u32node(t, 1, 1, 1, false), datanode.MethodAppend))
	require.NoError(t, l.Append(u32node(t, 2, 2, 2, false), datanode.MethodAppend))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Truncate mid-way through the second record: a torn write.
	require.NoError(t, os.WriteFile(path, data[:len(data)-10], 0o644))

	var keys []uint64
	err = Replay(path, func(n datanode.Node, _ datanode.Method) error {
		keys = append(keys, n.Key.U)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, keys)
}

func TestReopenValidatesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, os.WriteFile(path, []byte{0xFF, 0x57, 0x41, 0x4C, 0x46}, 0o644))
	_, err = Open(path)
	require.Error(t, err)
}

func TestTruncateResetsToHeaderOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(u32node(t, 1, 1, 1, false), datanode.MethodAppend))
	require.NoError(t, l.Flush())
	require.Greater(t, l.Size(), int64(headerLen))

	require.NoError(t, l.Truncate())
	require.Equal(t, int64(headerLen), l.Size())
	require.NoError(t, l.Close())

	var visited int
	require.NoError(t, Replay(path, func(datanode.Node, datanode.Method) error {
		visited++
		return nil
	}))
	require.Equal(t, 0, visited)
}

func TestWALBufferSizeOption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l, err := Open(path, WithBufferSize(1))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(u32node(t, 1, 1, 1, false), datanode.MethodAppend))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), headerLen)
}
