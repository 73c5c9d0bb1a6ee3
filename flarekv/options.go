package flarekv

import (
	"github.com/flarekv/flarekv/bloomfilter"
	"github.com/flarekv/flarekv/sstable"
)

// Options carries every engine-construction setting: the declared table
// capacity, block granularity, on-disk version, compression/encoding
// flags, bloom tuning, and the two buffer thresholds (memtable, WAL
// appender). Construction follows a functional-options pattern.
type Options struct {
	size              int
	blockSize         int
	version           int
	compression       byte
	encoding          byte
	customHash        bloomfilter.HashFunc
	bloomErrorRate    float64
	memtableThreshold int
	walBufferSize     int
	cacheCapacity     int
}

// Option mutates an Options in place.
type Option func(*Options)

// DefaultOptions returns the engine's baseline configuration: 1000-record
// tables, 100-record blocks, version 1, no compression/encoding tag, a 1%
// bloom false-positive target, a 1000-record memtable flush threshold, and
// the appender's default WAL buffer size.
func DefaultOptions() Options {
	return Options{
		size:              1000,
		blockSize:         100,
		version:           1,
		bloomErrorRate:    0.01,
		memtableThreshold: 1000,
		walBufferSize:     4096,
	}
}

// WithSize sets the maximum number of records a single SSTable may hold. A
// flush is not split across segments: a batch larger than this is rejected
// by sstable.Table.Write with a CapacityError.
func WithSize(n int) Option { return func(o *Options) { o.size = n } }

// WithBlockSize sets the sparse index/block-cache granularity.
func WithBlockSize(n int) Option { return func(o *Options) { o.blockSize = n } }

// WithVersion pins the on-disk format version every SSTable the engine
// opens or creates must match. Open rejects any value outside the
// supported set; version 1 is the only member today.
func WithVersion(v int) Option { return func(o *Options) { o.version = v } }

// WithCompression sets the declared compression flag every SSTable the
// engine opens or creates must match. No compression codec is
// implemented, so Open rejects any nonzero value; see DESIGN.md.
func WithCompression(c byte) Option { return func(o *Options) { o.compression = c } }

// WithEncoding sets the declared value-encoding flag every SSTable the
// engine opens or creates must match. Open rejects any nonzero value; see
// DESIGN.md.
func WithEncoding(e byte) Option { return func(o *Options) { o.encoding = e } }

// WithCustomHash injects a bloom filter hash function in place of the
// key-type-dispatched default, propagated to every SSTable the engine opens
// or creates.
func WithCustomHash(h bloomfilter.HashFunc) Option { return func(o *Options) { o.customHash = h } }

// WithBloomErrorRate overrides the bloom filter's target false-positive
// rate.
func WithBloomErrorRate(p float64) Option { return func(o *Options) { o.bloomErrorRate = p } }

// WithMemtableThreshold sets the primary buffer's record count that
// triggers a flush handoff.
func WithMemtableThreshold(n int) Option { return func(o *Options) { o.memtableThreshold = n } }

// WithWALBufferSize sets the write-ahead log's buffered-appender flush
// threshold in bytes.
func WithWALBufferSize(n int) Option { return func(o *Options) { o.walBufferSize = n } }

// WithCacheCapacity bounds each SSTable's block cache; 0 means unbounded.
func WithCacheCapacity(n int) Option { return func(o *Options) { o.cacheCapacity = n } }

// sstableOptions projects the engine-wide settings that each SSTable needs
// at Open time, so every segment in the pipeline is shaped consistently.
func (o Options) sstableOptions() []sstable.Option {
	opts := []sstable.Option{
		sstable.WithSize(o.size),
		sstable.WithBlockSize(o.blockSize),
		sstable.WithBloomErrorRate(o.bloomErrorRate),
		sstable.WithCacheCapacity(o.cacheCapacity),
		sstable.WithVersion(o.version),
		sstable.WithCompression(o.compression),
		sstable.WithEncoding(o.encoding),
	}
	if o.customHash != nil {
		opts = append(opts, sstable.WithCustomHash(o.customHash))
	}
	return opts
}
