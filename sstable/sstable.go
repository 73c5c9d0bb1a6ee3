// Package sstable implements the immutable-after-flush table file: a
// header, a tightly-packed array of fixed-width records, and the three
// owned in-memory structures (sparse index, bloom filter, block cache)
// that make point reads fast.
package sstable

import (
	"fmt"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flarekv/flarekv/appender"
	"github.com/flarekv/flarekv/blockcache"
	"github.com/flarekv/flarekv/bloomfilter"
	"github.com/flarekv/flarekv/datanode"
	"github.com/flarekv/flarekv/internal/log"
	"github.com/flarekv/flarekv/kverrors"
	"github.com/flarekv/flarekv/sortedarray"
	"github.com/flarekv/flarekv/typetag"
)

const (
	headerLen    = 11 // bytes 0..10 inclusive
	fixedRecord  = 25 // start_delim+key_len+val_len+ts+deleted+end_delim, minus key/value widths
	fillerByte   = 0x0A
	metadataLen  = 3
	supportedVer = 1
	maxRecordW   = 255 // record-width byte ceiling: the header's width field is one byte wide
)

var magic = [4]byte{0x53, 0x53, 0x54, 0x54}

// Option configures a Table at Open time.
type Option func(*Table)

// WithSize sets the maximum number of records the table may hold.
func WithSize(n int) Option { return func(t *Table) { t.size = n } }

// WithBlockSize sets the number of records per logical block, used for
// both the sparse index granularity and the block-cache read size.
func WithBlockSize(n int) Option { return func(t *Table) { t.blockSize = n } }

// WithBloomErrorRate overrides the bloom filter's target false-positive
// rate (default 0.01).
func WithBloomErrorRate(p float64) Option { return func(t *Table) { t.bloomP = p } }

// WithCustomHash injects a bloom filter hash function in place of the
// key-type-dispatched default.
func WithCustomHash(h bloomfilter.HashFunc) Option { return func(t *Table) { t.customHash = h } }

// WithCacheCapacity bounds the block cache; 0 means unbounded.
func WithCacheCapacity(n int) Option { return func(t *Table) { t.cacheCapacity = n } }

// WithVersion pins the on-disk format version this table must be written
// as and must be read back as. Open rejects any value outside the
// supported set.
func WithVersion(v int) Option { return func(t *Table) { t.version = v } }

// WithCompression sets the declared compression flag. Open rejects any
// nonzero value: no compression codec is implemented, so only the
// identity flag (0) is accepted.
func WithCompression(c byte) Option { return func(t *Table) { t.compression = c } }

// WithEncoding sets the declared value-encoding flag. Open rejects any
// nonzero value: only the identity encoding (0) is accepted.
func WithEncoding(e byte) Option { return func(t *Table) { t.encoding = e } }

// Table is one SSTable file plus its sidecar index and bloom filter.
type Table struct {
	path      string
	idxPath   string
	bloomPath string

	file *appender.Appender

	keyType   typetag.Type
	valueType typetag.Type

	size          int
	blockSize     int
	bloomP        float64
	customHash    bloomfilter.HashFunc
	cacheCapacity int
	version       int
	compression   byte
	encoding      byte

	recordWidth int
	numRecords  int
	minKey      *typetag.Value
	maxKey      *typetag.Value

	index *sortedarray.SortedArray
	bloom *bloomfilter.Filter
	cache *blockcache.Cache
}

func defaults() Table {
	return Table{size: 1000, blockSize: 100, bloomP: 0.01, version: supportedVer}
}

// Open opens path, creating a fresh empty table if it does not exist. An
// existing file is validated against keyType/valueType and the declared
// record width; a fresh file gets the header written immediately.
func Open(path string, keyType, valueType typetag.Type, opts ...Option) (*Table, error) {
	t := defaults()
	t.path = path
	t.idxPath = path + ".idx"
	t.bloomPath = path + ".bloom"
	t.keyType = keyType
	t.valueType = valueType
	for _, opt := range opts {
		opt(&t)
	}

	if t.version != supportedVer {
		return nil, &kverrors.FormatError{Path: path, Detail: fmt.Sprintf("unsupported version %d (supported: %d)", t.version, supportedVer)}
	}
	if t.compression != 0 {
		return nil, &kverrors.FormatError{Path: path, Detail: fmt.Sprintf("unsupported compression flag %d (identity codec only)", t.compression)}
	}
	if t.encoding != 0 {
		return nil, &kverrors.FormatError{Path: path, Detail: fmt.Sprintf("unsupported encoding flag %d (identity codec only)", t.encoding)}
	}

	kw, err := typetag.Width(keyType)
	if err != nil {
		return nil, err
	}
	vw, err := typetag.Width(valueType)
	if err != nil {
		return nil, err
	}
	recordWidth := fixedRecord + kw + vw
	if recordWidth > maxRecordW {
		return nil, &kverrors.FormatError{Path: path, Detail: "record width exceeds the one-byte field's 255-byte ceiling"}
	}
	t.recordWidth = recordWidth

	f, err := appender.Open(path)
	if err != nil {
		return nil, &kverrors.IoError{Op: "open", Path: path, Err: err}
	}
	t.file = f

	if f.Size() == 0 {
		if err := t.writeHeader(); err != nil {
			return nil, err
		}
		t.index = sortedarray.New()
		t.bloom = t.newBloom()
		t.cache = blockcache.New(t.cacheCapacity)
		return &t, nil
	}

	if err := t.validateHeader(keyType, valueType); err != nil {
		log.L.Error().Err(err).Str("path", path).Msg("sstable open: header validation failed")
		return nil, err
	}

	fileSize := f.Size()
	dataBytes := fileSize - headerLen
	if dataBytes < 0 || dataBytes%int64(t.recordWidth) != 0 {
		err := &kverrors.InvariantError{Path: path, Detail: "data section size is not a multiple of record width"}
		log.L.Error().Err(err).Str("path", path).Int64("size", fileSize).Msg("sstable open: data section size invariant violated")
		return nil, err
	}
	t.numRecords = int(dataBytes / int64(t.recordWidth))

	if t.numRecords > 0 {
		first, err := t.readRecordAt(headerLen)
		if err != nil {
			return nil, err
		}
		last, err := t.readRecordAt(headerLen + int64(t.numRecords-1)*int64(t.recordWidth))
		if err != nil {
			return nil, err
		}
		minKey, maxKey := first.Key, last.Key
		t.minKey, t.maxKey = &minKey, &maxKey
	}

	t.cache = blockcache.New(t.cacheCapacity)

	var g errgroup.Group
	g.Go(func() error {
		idx, err := t.loadIndex()
		if err != nil {
			return err
		}
		t.index = idx
		return nil
	})
	g.Go(func() error {
		bloom, err := t.loadBloom()
		if err != nil {
			return err
		}
		t.bloom = bloom
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &t, nil
}

// newBloom sizes a filter from the table's declared capacity, not its
// current record count, so it stays identically shaped across Write,
// Append, and every later reopen regardless of how many records are
// present yet.
func (t *Table) newBloom() *bloomfilter.Filter {
	if t.customHash != nil {
		return bloomfilter.NewWithHash(t.size, t.bloomP, t.customHash)
	}
	return bloomfilter.New(t.size, t.bloomP, t.keyType)
}

func (t *Table) loadIndex() (*sortedarray.SortedArray, error) {
	data, err := os.ReadFile(t.idxPath)
	if err != nil {
		if os.IsNotExist(err) {
			return t.rebuildIndex()
		}
		return nil, &kverrors.IoError{Op: "read", Path: t.idxPath, Err: err}
	}
	if len(data) == 0 {
		return t.rebuildIndex()
	}
	return sortedarray.Deserialize(data)
}

func (t *Table) loadBloom() (*bloomfilter.Filter, error) {
	f := t.newBloom()
	data, err := os.ReadFile(t.bloomPath)
	if err != nil {
		if os.IsNotExist(err) {
			return t.rebuildBloom(f)
		}
		return nil, &kverrors.IoError{Op: "read", Path: t.bloomPath, Err: err}
	}
	if len(data) == 0 {
		return t.rebuildBloom(f)
	}
	f.LoadBits(data)
	return f, nil
}

func (t *Table) rebuildIndex() (*sortedarray.SortedArray, error) {
	idx := sortedarray.New()
	for i := 0; i < t.numRecords; i += t.blockSize {
		rec, err := t.readRecordAt(headerLen + int64(i)*int64(t.recordWidth))
		if err != nil {
			return nil, err
		}
		kb, err := typetag.Encode(rec.Key, t.keyType)
		if err != nil {
			return nil, err
		}
		idx.Set(kb, headerLen+int64(i)*int64(t.recordWidth))
	}
	return idx, nil
}

func (t *Table) rebuildBloom(f *bloomfilter.Filter) (*bloomfilter.Filter, error) {
	for i := 0; i < t.numRecords; i++ {
		rec, err := t.readRecordAt(headerLen + int64(i)*int64(t.recordWidth))
		if err != nil {
			return nil, err
		}
		kb, err := typetag.Encode(rec.Key, t.keyType)
		if err != nil {
			return nil, err
		}
		f.Add(kb)
	}
	return f, nil
}

func (t *Table) writeHeader() error {
	buf := make([]byte, 0, headerLen)
	buf = append(buf, headerLen-6) // header length field value is 5, not the full framed size
	buf = append(buf, magic[:]...)
	buf = append(buf, byte(t.version))
	buf = append(buf, metadataLen)
	buf = append(buf, typetag.Tag(t.valueType))
	buf = append(buf, typetag.Tag(t.keyType))
	buf = append(buf, byte(t.recordWidth))
	buf = append(buf, fillerByte)
	if err := t.file.Append(buf); err != nil {
		return &kverrors.IoError{Op: "write", Path: t.path, Err: err}
	}
	return t.file.Flush()
}

func (t *Table) validateHeader(keyType, valueType typetag.Type) error {
	buf := make([]byte, headerLen)
	n, err := t.file.ReadAt(buf, 0)
	if err != nil || n != headerLen {
		return &kverrors.FormatError{Path: t.path, Offset: 0, Detail: "header shorter than 11 bytes", Err: err}
	}

	if buf[0] != headerLen-6 {
		return &kverrors.FormatError{Path: t.path, Offset: 0, Detail: "bad header length byte"}
	}
	if [4]byte(buf[1:5]) != magic {
		return &kverrors.FormatError{Path: t.path, Offset: 1, Detail: "bad magic"}
	}
	if buf[5] != byte(t.version) {
		return &kverrors.FormatError{Path: t.path, Offset: 5, Detail: fmt.Sprintf("version mismatch: file has %d, opened with %d", buf[5], t.version)}
	}
	if buf[6] != metadataLen {
		return &kverrors.FormatError{Path: t.path, Offset: 6, Detail: "bad metadata length"}
	}
	if buf[7] != typetag.Tag(valueType) {
		return &kverrors.FormatError{Path: t.path, Offset: 7, Detail: "value-type tag mismatch"}
	}
	if buf[8] != typetag.Tag(keyType) {
		return &kverrors.FormatError{Path: t.path, Offset: 8, Detail: "key-type tag mismatch"}
	}
	if int(buf[9]) != t.recordWidth {
		return &kverrors.FormatError{Path: t.path, Offset: 9, Detail: "record width mismatch"}
	}
	return nil
}

func (t *Table) readRecordAt(offset int64) (datanode.Node, error) {
	buf := make([]byte, t.recordWidth)
	n, err := t.file.ReadAt(buf, offset)
	if err != nil || n != t.recordWidth {
		return datanode.Node{}, &kverrors.FormatError{Path: t.path, Offset: offset, Detail: "short record read", Err: err}
	}
	node, _, err := datanode.DecodeSSTableRecord(buf, t.keyType, t.valueType)
	if err != nil {
		return datanode.Node{}, err
	}
	node.Offset = offset
	return node, nil
}

// Write replaces the table's contents with records, which must already be
// in ascending key order. It rebuilds the index and bloom filter from
// scratch and clears the block cache.
func (t *Table) Write(records []datanode.Node) error {
	if len(records) > t.size {
		return &kverrors.CapacityError{Path: t.path, Declared: t.size, Attempted: len(records)}
	}

	if err := t.file.Close(); err != nil {
		return &kverrors.IoError{Op: "close", Path: t.path, Err: err}
	}
	if err := os.Truncate(t.path, 0); err != nil {
		return &kverrors.IoError{Op: "truncate", Path: t.path, Err: err}
	}
	f, err := appender.Open(t.path)
	if err != nil {
		return &kverrors.IoError{Op: "open", Path: t.path, Err: err}
	}
	t.file = f

	if err := t.writeHeader(); err != nil {
		return err
	}

	t.numRecords = 0
	t.minKey, t.maxKey = nil, nil
	t.index = sortedarray.New()
	t.bloom = t.newBloom()
	t.cache.Clear()

	for _, rec := range records {
		if err := t.appendRecord(rec, true); err != nil {
			return err
		}
	}
	return t.persistSidecars()
}

// Append extends the table with additional records in ascending key order,
// updating min/max keys and the index/bloom incrementally.
func (t *Table) Append(records []datanode.Node) error {
	if t.numRecords+len(records) > t.size {
		return &kverrors.CapacityError{Path: t.path, Declared: t.size, Attempted: t.numRecords + len(records)}
	}
	for _, rec := range records {
		if err := t.appendRecord(rec, false); err != nil {
			return err
		}
	}
	return t.persistSidecars()
}

func (t *Table) appendRecord(rec datanode.Node, isWrite bool) error {
	enc, err := datanode.EncodeSSTableRecord(rec)
	if err != nil {
		return err
	}
	offset := headerLen + int64(t.numRecords)*int64(t.recordWidth)
	if err := t.file.Append(enc); err != nil {
		return &kverrors.IoError{Op: "write", Path: t.path, Err: err}
	}

	kb, err := typetag.Encode(rec.Key, t.keyType)
	if err != nil {
		return err
	}
	if t.numRecords%t.blockSize == 0 {
		t.index.Set(kb, offset)
	}
	t.bloom.Add(kb)

	key := rec.Key
	if t.minKey == nil {
		t.minKey = &key
	}
	t.maxKey = &key
	t.numRecords++
	return nil
}

// persistSidecars flushes the data file, then writes the two sidecars
// concurrently: the index and bloom filter are independent byte slices by
// this point, and writing two unrelated files has no ordering requirement
// between them.
func (t *Table) persistSidecars() error {
	if err := t.file.Flush(); err != nil {
		return &kverrors.IoError{Op: "flush", Path: t.path, Err: err}
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := os.WriteFile(t.idxPath, t.index.Serialize(), 0o644); err != nil {
			return &kverrors.IoError{Op: "write", Path: t.idxPath, Err: err}
		}
		return nil
	})
	g.Go(func() error {
		if err := os.WriteFile(t.bloomPath, t.bloom.Bits(), 0o644); err != nil {
			return &kverrors.IoError{Op: "write", Path: t.bloomPath, Err: err}
		}
		return nil
	})
	return g.Wait()
}

// ReadKey looks up key: a bloom miss returns (nil, nil) immediately;
// otherwise the sparse index locates the containing block, which is read
// (from cache if present) and binary-searched.
func (t *Table) ReadKey(key typetag.Value) (*datanode.Node, error) {
	kb, err := typetag.Encode(key, t.keyType)
	if err != nil {
		return nil, err
	}
	if !t.bloom.Lookup(kb) {
		return nil, nil
	}

	// Index keys are compared decoded, in the key type's natural order: the
	// byte order of little-endian numeric encodings does not follow it.
	blockOffset := int64(headerLen)
	var blockKey *typetag.Value
	for i := 0; i < t.index.Len(); i++ {
		entry, _ := t.index.At(i)
		ek, err := typetag.Decode(entry.Key, t.keyType)
		if err != nil {
			return nil, err
		}
		if typetag.Compare(ek, key, t.keyType) <= 0 && (blockKey == nil || typetag.Compare(ek, *blockKey, t.keyType) > 0) {
			blockKey, blockOffset = &ek, entry.Offset
		}
	}

	block, err := t.readBlock(blockOffset)
	if err != nil {
		return nil, err
	}

	n := len(block) / t.recordWidth
	idx := sort.Search(n, func(i int) bool {
		rec, _, err := datanode.DecodeSSTableRecord(block[i*t.recordWidth:(i+1)*t.recordWidth], t.keyType, t.valueType)
		if err != nil {
			return true
		}
		return typetag.Compare(rec.Key, key, t.keyType) >= 0
	})
	if idx >= n {
		return nil, nil
	}

	rec, _, err := datanode.DecodeSSTableRecord(block[idx*t.recordWidth:(idx+1)*t.recordWidth], t.keyType, t.valueType)
	if err != nil {
		return nil, err
	}
	if typetag.Compare(rec.Key, key, t.keyType) != 0 {
		return nil, nil
	}
	rec.Offset = blockOffset + int64(idx)*int64(t.recordWidth)
	return &rec, nil
}

func (t *Table) readBlock(offset int64) ([]byte, error) {
	if buf, ok := t.cache.Get(offset); ok {
		return buf, nil
	}

	want := t.blockSize * t.recordWidth
	buf := make([]byte, want)
	n, err := t.file.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return nil, &kverrors.IoError{Op: "read", Path: t.path, Err: err}
	}
	if rem := n % t.recordWidth; rem != 0 {
		log.L.Warn().Str("path", t.path).Int64("offset", offset).Int("read", n).
			Int("record_width", t.recordWidth).Msg("sstable block read not record-aligned, dropping trailing partial record")
		n -= rem
	}
	buf = buf[:n]
	t.cache.Put(offset, buf)
	return buf, nil
}

// ReadFirstN reads the first min(count, numRecords) records in key order,
// without consulting the sparse index.
func (t *Table) ReadFirstN(count int) ([]datanode.Node, error) {
	if count > t.numRecords {
		count = t.numRecords
	}
	out := make([]datanode.Node, 0, count)
	for i := 0; i < count; i++ {
		rec, err := t.readRecordAt(headerLen + int64(i)*int64(t.recordWidth))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReadAll reads every record in the table in key order.
func (t *Table) ReadAll() ([]datanode.Node, error) {
	return t.ReadFirstN(t.numRecords)
}

// MayHave is a bloom-only membership probe.
func (t *Table) MayHave(key typetag.Value) (bool, error) {
	kb, err := typetag.Encode(key, t.keyType)
	if err != nil {
		return false, err
	}
	return t.bloom.Lookup(kb), nil
}

// Has reports presence: true if the sparse index holds the exact key,
// otherwise falls back to ReadKey and reports whether a (possibly
// tombstoned) record was found.
func (t *Table) Has(key typetag.Value) (bool, error) {
	kb, err := typetag.Encode(key, t.keyType)
	if err != nil {
		return false, err
	}
	if t.index.Has(kb) {
		return true, nil
	}
	rec, err := t.ReadKey(key)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Ping times a read of MinKey, returning -1 on failure.
func (t *Table) Ping() time.Duration {
	if t.minKey == nil {
		return -1
	}
	start := time.Now()
	if _, err := t.ReadKey(*t.minKey); err != nil {
		return -1
	}
	return time.Since(start)
}

// Unlink closes and deletes the table file and both sidecars.
func (t *Table) Unlink() error {
	if err := t.file.Close(); err != nil {
		return &kverrors.IoError{Op: "close", Path: t.path, Err: err}
	}
	for _, p := range []string{t.path, t.idxPath, t.bloomPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return &kverrors.IoError{Op: "remove", Path: p, Err: err}
		}
	}
	return nil
}

// Close flushes and closes the underlying file without deleting anything.
func (t *Table) Close() error {
	if err := t.file.Close(); err != nil {
		return &kverrors.IoError{Op: "close", Path: t.path, Err: err}
	}
	return nil
}

// MinKey returns the smallest key in the table, if any.
func (t *Table) MinKey() (typetag.Value, bool) {
	if t.minKey == nil {
		return typetag.Value{}, false
	}
	return *t.minKey, true
}

// MaxKey returns the largest key in the table, if any.
func (t *Table) MaxKey() (typetag.Value, bool) {
	if t.maxKey == nil {
		return typetag.Value{}, false
	}
	return *t.maxKey, true
}

// Path returns the table's primary file path.
func (t *Table) Path() string { return t.path }

// NumRecords returns the number of records currently stored.
func (t *Table) NumRecords() int { return t.numRecords }
