// Package bitarray implements the packed bitset the bloom filter is built
// on. It is a thin domain wrapper over bits-and-blooms/bitset that persists
// verbatim as raw bytes.
package bitarray

import "github.com/bits-and-blooms/bitset"

// BitArray is a fixed-size packed bit set.
type BitArray struct {
	bits *bitset.BitSet
	n    uint
}

// New allocates a BitArray of n bits, all clear.
func New(n uint) *BitArray {
	return &BitArray{bits: bitset.New(n), n: n}
}

// Len returns the number of bits the array was sized for.
func (a *BitArray) Len() uint { return a.n }

// Set sets bit i. Setting a bit beyond Len grows the underlying storage;
// callers should stay within [0, Len) to keep the persisted size stable.
func (a *BitArray) Set(i uint) {
	a.bits.Set(i)
	if i >= a.n {
		a.n = i + 1
	}
}

// Test reports whether bit i is set. Bits beyond Len read as clear.
func (a *BitArray) Test(i uint) bool {
	if i >= a.n {
		return false
	}
	return a.bits.Test(i)
}

// Clear resets every bit to zero without changing Len.
func (a *BitArray) Clear() {
	a.bits.ClearAll()
}

// Bytes returns the packed byte representation for persistence.
func (a *BitArray) Bytes() []byte {
	buf, err := a.bits.MarshalBinary()
	if err != nil {
		// bitset.MarshalBinary only fails on write errors to an io.Writer,
		// never on the in-memory encode path bitset.BitSet implements.
		panic(err)
	}
	return buf
}

// FromBytes reconstructs a BitArray sized for n bits from a persisted byte
// buffer. A mis-sized buffer loaded from disk is tolerated: the file
// length is taken as authoritative rather than rejected.
func FromBytes(buf []byte, n uint) *BitArray {
	bs := &bitset.BitSet{}
	if len(buf) > 0 {
		if err := bs.UnmarshalBinary(buf); err != nil {
			// Corrupt or foreign bytes: start from an empty set of the
			// requested size rather than failing the table open.
			bs = bitset.New(n)
		} else {
			n = bs.Len()
		}
	} else {
		bs = bitset.New(n)
	}
	return &BitArray{bits: bs, n: n}
}
