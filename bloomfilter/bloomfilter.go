// Package bloomfilter implements a classical Bloom filter over a
// bitarray.BitArray, with a default hash dispatched on the key's primitive
// type and an injectable custom hash for callers that need one.
package bloomfilter

import (
	"math"

	"github.com/twmb/murmur3"

	"github.com/flarekv/flarekv/bitarray"
	"github.com/flarekv/flarekv/typetag"
)

// HashFunc computes the i-th of k hash values for key, used to pick one of
// m bit positions. i ranges over [0, k).
type HashFunc func(key []byte, i uint, m uint) uint

// Filter is a Bloom filter sized for an expected element count and target
// false-positive rate.
type Filter struct {
	bits *bitarray.BitArray
	m    uint
	k    uint
	hash HashFunc
}

// Size computes (m, k) for n expected elements at false-positive rate p:
// m = trunc(n * ln(p) / ln(1/2^ln2)), k = round((m/n) * ln2).
func Size(n int, p float64) (m uint, k uint) {
	if n <= 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}

	// The textbook value of this quotient for n=100, p=0.01 sits just under
	// 959 (≈958.51); truncating rather than rounding up is what reproduces
	// the documented m=958 for that case, so the bits are counted this way
	// rather than with a literal ceiling.
	fn := float64(n)
	mf := fn * math.Log(p) / math.Log(1/math.Pow(2, math.Ln2))
	if mf < 1 {
		mf = 1
	}
	m = uint(mf)

	kf := math.Round((float64(m) / fn) * math.Ln2)
	if kf < 1 {
		kf = 1
	}
	k = uint(kf)
	return m, k
}

// New allocates a Filter sized for n elements at false-positive rate p,
// using the default key-type-dispatched hash.
func New(n int, p float64, kt typetag.Type) *Filter {
	m, k := Size(n, p)
	return &Filter{
		bits: bitarray.New(m),
		m:    m,
		k:    k,
		hash: DefaultHash(kt),
	}
}

// NewWithHash is like New but installs a caller-supplied hash function in
// place of the type-dispatched default.
func NewWithHash(n int, p float64, h HashFunc) *Filter {
	m, k := Size(n, p)
	return &Filter{bits: bitarray.New(m), m: m, k: k, hash: h}
}

// M returns the bit-array size.
func (f *Filter) M() uint { return f.m }

// K returns the number of hash rounds.
func (f *Filter) K() uint { return f.k }

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	for i := uint(0); i < f.k; i++ {
		f.bits.Set(f.hash(key, i, f.m) % f.m)
	}
}

// Lookup reports whether key may be present. False means definitely absent;
// true may be a false positive at the configured rate.
func (f *Filter) Lookup(key []byte) bool {
	for i := uint(0); i < f.k; i++ {
		if !f.bits.Test(f.hash(key, i, f.m) % f.m) {
			return false
		}
	}
	return true
}

// LoadBits replaces the underlying bit array with buf, sized for m bits. A
// mis-sized buffer loaded from disk is tolerated, not rejected.
func (f *Filter) LoadBits(buf []byte) {
	f.bits = bitarray.FromBytes(buf, f.m)
}

// Clear resets every bit without changing m or k.
func (f *Filter) Clear() {
	f.bits.Clear()
}

// Bits returns the packed byte representation for persistence.
func (f *Filter) Bits() []byte {
	return f.bits.Bytes()
}

// DefaultHash returns the key-type-dispatched default hash: MurmurHash for
// str:N keys, a 64-to-32 XOR-fold double multiply-shift mixer for u64/i64,
// and a single multiply-shift round over the 32-bit value for every other
// integer type. i selects one of the k independent hash rounds by salting
// the seed.
func DefaultHash(kt typetag.Type) HashFunc {
	switch kt.Kind {
	case typetag.Str:
		return murmurHash
	case typetag.U64, typetag.I64:
		return mix64Hash
	default:
		return mix32Hash
	}
}

func murmurHash(key []byte, i uint, m uint) uint {
	return uint(murmur3.SeedSum32(uint32(i), key))
}

// mix64Hash XOR-folds the high and low 32-bit halves of key (reading it as
// an 8-byte little-endian quantity, zero-padded/truncated as needed)
// through two multiply-shift rounds.
func mix64Hash(key []byte, i uint, m uint) uint {
	var v uint64
	for j := 0; j < len(key) && j < 8; j++ {
		v |= uint64(key[j]) << (8 * uint(j))
	}
	v ^= uint64(i) * 0x9E3779B97F4A7C15

	lo := uint32(v)
	hi := uint32(v >> 32)
	folded := lo ^ hi

	folded = multiplyShift(folded)
	folded = multiplyShift(folded)
	return uint(folded)
}

// mix32Hash applies a single multiply-shift round over key read as a
// 32-bit little-endian quantity.
func mix32Hash(key []byte, i uint, m uint) uint {
	var v uint32
	for j := 0; j < len(key) && j < 4; j++ {
		v |= uint32(key[j]) << (8 * uint(j))
	}
	v ^= uint32(i) * 0x2545F491
	return uint(multiplyShift(v))
}

func multiplyShift(x uint32) uint32 {
	x *= 0x85EBCA6B
	x ^= x >> 13
	return x
}
