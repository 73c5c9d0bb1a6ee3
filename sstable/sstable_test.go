package sstable

import (
	"os"
	"path/filepath"
	"testing"
	"time"

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

func TestOpenEmptyTableHeaderBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	tbl, err := Open(path, typetag.U32_(), typetag.U32_(), WithSize(1000), WithBlockSize(100))
	require.NoError(t, err)
	defer tbl.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 11)

	want := []byte{0x05, 0x53, 0x53, 0x54, 0x54, 0x01, 0x03, 0x0A, 0x0A, 0x21, 0x0A}
	require.Equal(t, want, data)
}

func TestWriteSingleRecordReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	tbl, err := Open(path, typetag.U32_(), typetag.U32_(), WithSize(1000), WithBlockSize(100))
	require.NoError(t, err)
	defer tbl.Close()

	n := u32node(t, 7, 42, 1_700_000_000_000, false)
	require.NoError(t, tbl.Write([]datanode.Node{n}))

	got, err := tbl.ReadKey(typetag.Value{U: 7})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, uint64(42), got.Value.U)

	miss, err := tbl.ReadKey(typetag.Value{U: 8})
	require.NoError(t, err)
	require.Nil(t, miss)
}

func TestWriteRejectsOverCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	tbl, err := Open(path, typetag.U32_(), typetag.U32_(), WithSize(1))
	require.NoError(t, err)
	defer tbl.Close()

	records := []datanode.Node{
		u32node(t, 1, 1, 1, false),
		u32node(t, 2, 2, 1, false),
	}
	err = tbl.Write(records)
	require.Error(t, err)
}

func TestAppendExtendsAndUpdatesMaxKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	tbl, err := Open(path, typetag.U32_(), typetag.U32_(), WithSize(1000), WithBlockSize(2))
	require.NoError(t, err)
	defer tbl.Close()

	require.NoError(t, tbl.Write([]datanode.Node{u32node(t, 1, 10, 1, false)}))
	require.NoError(t, tbl.Append([]datanode.Node{u32node(t, 2, 20, 2, false)}))

	maxKey, ok := tbl.MaxKey()
	require.True(t, ok)
	require.Equal(t, uint64(2), maxKey.U)

	got, err := tbl.ReadKey(typetag.Value{U: 2})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, uint64(20), got.Value.U)
}

func TestReadFirstNAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	tbl, err := Open(path, typetag.U32_(), typetag.U32_(), WithSize(1000), WithBlockSize(10))
	require.NoError(t, err)
	defer tbl.Close()

	records := []datanode.Node{
		u32node(t, 1, 1, 1, false),
		u32node(t, 2, 2, 1, false),
		u32node(t, 3, 3, 1, false),
	}
	require.NoError(t, tbl.Write(records))

	first2, err := tbl.ReadFirstN(2)
	require.NoError(t, err)
	require.Len(t, first2, 2)
	require.Equal(t, uint64(1), first2[0].Key.U)
	require.Equal(t, uint64(2), first2[1].Key.U)

	all, err := tbl.ReadAll()
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestMayHaveAndHas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	tbl, err := Open(path, typetag.U32_(), typetag.U32_(), WithSize(1000), WithBlockSize(10))
	require.NoError(t, err)
	defer tbl.Close()

	require.NoError(t, tbl.Write([]datanode.Node{u32node(t, 5, 50, 1, false)}))

	may, err := tbl.MayHave(typetag.Value{U: 5})
	require.NoError(t, err)
	require.True(t, may)

	has, err := tbl.Has(typetag.Value{U: 5})
	require.NoError(t, err)
	require.True(t, has)

	has, err = tbl.Has(typetag.Value{U: 999})
	require.NoError(t, err)
	require.False(t, has)
}

func TestTombstoneShadowing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	tbl, err := Open(path, typetag.U32_(), typetag.U32_(), WithSize(1000), WithBlockSize(10))
	require.NoError(t, err)
	defer tbl.Close()

	require.NoError(t, tbl.Write([]datanode.Node{u32node(t, 5, 0, 2, true)}))

	got, err := tbl.ReadKey(typetag.Value{U: 5})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Deleted)
}

func TestPing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	tbl, err := Open(path, typetag.U32_(), typetag.U32_(), WithSize(1000))
	require.NoError(t, err)
	defer tbl.Close()

	require.Equal(t, -1, int(tbl.Ping()))

	require.NoError(t, tbl.Write([]datanode.Node{u32node(t, 1, 1, 1, false)}))
	require.GreaterOrEqual(t, tbl.Ping(), time.Duration(0))
}

func TestUnlinkRemovesAllThreeFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	tbl, err := Open(path, typetag.U32_(), typetag.U32_(), WithSize(1000))
	require.NoError(t, err)
	require.NoError(t, tbl.Write([]datanode.Node{u32node(t, 1, 1, 1, false)}))

	require.NoError(t, tbl.Unlink())

	for _, ext := range []string{"", ".idx", ".bloom"} {
		_, err := os.Stat(path + ext)
		require.True(t, os.IsNotExist(err))
	}
}

func TestReopenRebuildsIndexAndBloomFromSidecars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	tbl, err := Open(path, typetag.U32_(), typetag.U32_(), WithSize(1000), WithBlockSize(10))
	require.NoError(t, err)
	require.NoError(t, tbl.Write([]datanode.Node{
		u32node(t, 1, 10, 1, false),
		u32node(t, 2, 20, 1, false),
	}))
	require.NoError(t, tbl.Close())

	reopened, err := Open(path, typetag.U32_(), typetag.U32_(), WithSize(1000), WithBlockSize(10))
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.ReadKey(typetag.Value{U: 2})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, uint64(20), got.Value.U)
}

func TestReopenRejectsTypeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	tbl, err := Open(path, typetag.U32_(), typetag.U32_(), WithSize(1000))
	require.NoError(t, err)
	require.NoError(t, tbl.Write([]datanode.Node{u32node(t, 1, 1, 1, false)}))
	require.NoError(t, tbl.Close())

	_, err = Open(path, typetag.U64_(), typetag.U32_(), WithSize(1000))
	require.Error(t, err)
}
