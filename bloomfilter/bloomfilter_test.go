package bloomfilter

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flarekv/flarekv/typetag"
)

func TestSizingVector(t *testing.T) {
	m, k := Size(100, 0.01)
	require.EqualValues(t, 958, m)
	require.EqualValues(t, 7, k)
}

func TestNeverFalseNegativeStrKeys(t *testing.T) {
	f := New(100, 0.01, typetag.StrN(8))
	keys := [][]byte{
		[]byte("alpha"), []byte("beta"), []byte("gamma"),
		[]byte("delta"), []byte("epsilon"),
	}
	for _, k := range keys {
		f.Add(k)
	}
	for _, k := range keys {
		require.True(t, f.Lookup(k), "lookup(%s) must be true after add", k)
	}
	require.False(t, f.Lookup([]byte("not-present-at-all")))
}

func TestNeverFalseNegativeU64Keys(t *testing.T) {
	f := New(50, 0.01, typetag.U64_())
	for i := uint64(0); i < 50; i++ {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, i*7919)
		f.Add(buf)
	}
	for i := uint64(0); i < 50; i++ {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, i*7919)
		require.True(t, f.Lookup(buf))
	}
}

func TestNeverFalseNegativeU32Keys(t *testing.T) {
	f := New(50, 0.01, typetag.U32_())
	for i := uint32(0); i < 50; i++ {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, i*101)
		f.Add(buf)
	}
	for i := uint32(0); i < 50; i++ {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, i*101)
		require.True(t, f.Lookup(buf))
	}
}

func TestLoadBitsTolerantOfMissizedBuffer(t *testing.T) {
	f := New(10, 0.01, typetag.U32_())
	require.NotPanics(t, func() { f.LoadBits([]byte{0xFF}) })
}

func TestClear(t *testing.T) {
	f := New(10, 0.01, typetag.StrN(4))
	f.Add([]byte("abcd"))
	f.Clear()
	require.False(t, f.Lookup([]byte("abcd")))
}

func TestCustomHash(t *testing.T) {
	calls := 0
	h := func(key []byte, i uint, m uint) uint {
		calls++
		return uint(len(key)+int(i)) % m
	}
	f := NewWithHash(10, 0.01, h)
	f.Add([]byte("hello"))
	require.True(t, f.Lookup([]byte("hello")))
	require.Greater(t, calls, 0)
}
