// Package flarekv is the embeddable, single-node, log-structured-merge
// key-value storage engine: an append-only write-ahead log backs a
// double-buffered memtable, which flushes into immutable, bloom-filtered,
// sparse-indexed SSTable segments on disk. DB is the concrete type that
// owns the whole write/read pipeline.
package flarekv

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flarekv/flarekv/datanode"
	"github.com/flarekv/flarekv/internal/log"
	"github.com/flarekv/flarekv/kverrors"
	"github.com/flarekv/flarekv/memtable"
	"github.com/flarekv/flarekv/sstable"
	"github.com/flarekv/flarekv/typetag"
	"github.com/flarekv/flarekv/wal"
)

const (
	walFileName = "wal.log"
	sstableExt  = ".sst"
)

// segmentFileNamePattern recognizes a flushed table's filename:
// table-NNNNNNNN-<uuid>.sst. The sequence number orders segments by flush
// time (for newest-first scanning); the uuid suffix is what
// segmentmanager's segment-%d.log scheme lacks, namely collision-free names
// across independently-opened engine instances sharing a directory.
var segmentFileNamePattern = regexp.MustCompile(`^table-(\d{8})-[0-9a-fA-F-]{36}\.sst$`)

// DB is one open instance of the storage engine, rooted at a single
// directory holding one write-ahead log and zero or more SSTable segments.
//
// The write-ahead log and the memtable are each internally safe for
// concurrent use on their own. stateMu guards only what this type adds on
// top: the table list, the segment sequence counter, and the closed flag.
// It is never held across a call into db.wal or db.mt, since Insert can
// synchronously invoke handleNeedsFlush on the same goroutine stack, and
// that handler needs stateMu itself. flarekv's own internals are
// single-threaded per table; a caller driving one DB from multiple
// goroutines is expected to serialize with package rlock.
type DB struct {
	dir       string
	opts      Options
	keyType   typetag.Type
	valueType typetag.Type

	wal     *wal.Log
	walPath string
	mt      *memtable.Memtable

	stateMu sync.Mutex
	tables  []*sstable.Table // newest first
	nextSeq int
	closed  bool
}

// Open opens or creates a database rooted at dir, replaying any existing
// write-ahead log into the memtable and discovering existing SSTable
// segments newest-first.
func Open(dir string, keyType, valueType typetag.Type, opts ...Option) (*DB, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &kverrors.IoError{Op: "mkdir", Path: dir, Err: err}
	}

	db := &DB{
		dir:       dir,
		opts:      o,
		keyType:   keyType,
		valueType: valueType,
	}

	// Events stay empty until replay finishes: NeedsFlush's handler
	// truncates the very WAL file Replay is still reading, which would
	// corrupt an in-progress scan if it fired mid-replay.
	db.mt = memtable.New(keyType, o.memtableThreshold, memtable.Events{})

	if err := db.openTables(); err != nil {
		return nil, err
	}

	db.walPath = filepath.Join(dir, walFileName)
	w, err := wal.Open(db.walPath, wal.WithBufferSize(o.walBufferSize))
	if err != nil {
		return nil, err
	}
	db.wal = w

	if err := wal.Replay(db.walPath, func(n datanode.Node, method datanode.Method) error {
		db.mt.Insert(n)
		return nil
	}); err != nil {
		return nil, err
	}

	db.mt.SetEvents(memtable.Events{
		NeedsFlush:   db.handleNeedsFlush,
		BufferOpened: db.handleBufferOpened,
	})

	// Replay may have crossed the flush threshold without ever triggering
	// NeedsFlush (events were empty); catch that case up explicitly now
	// that the WAL file is no longer being read from.
	if db.mt.Stats().Locked {
		db.handleNeedsFlush()
	}

	return db, nil
}

func (db *DB) openTables() error {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return &kverrors.IoError{Op: "readdir", Path: db.dir, Err: err}
	}

	type seg struct {
		seq  int
		name string
	}
	var segs []seg
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentFileNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		seq, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		segs = append(segs, seg{seq, e.Name()})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].seq > segs[j].seq })

	for _, s := range segs {
		tbl, err := sstable.Open(filepath.Join(db.dir, s.name), db.keyType, db.valueType, db.opts.sstableOptions()...)
		if err != nil {
			return err
		}
		db.tables = append(db.tables, tbl)
		if s.seq >= db.nextSeq {
			db.nextSeq = s.seq + 1
		}
	}
	return nil
}

// Put inserts or overwrites key with value. The write-ahead log is appended
// before the memtable mutation, so replay after a crash can reconstruct it:
// the WAL append is the durability commit point.
func (db *DB) Put(key, value typetag.Value) error {
	if db.isClosed() {
		return kverrors.ErrClosed
	}

	n, err := datanode.New(key, value, db.keyType, db.valueType, nowMillis(), false)
	if err != nil {
		return err
	}
	if err := db.wal.Append(n, datanode.MethodAppend); err != nil {
		return err
	}
	db.mt.Insert(n)
	return nil
}

// Delete writes a tombstone for key. The key is not removed in place; a
// later-timestamped tombstone shadows any earlier value until compaction
// (external to this engine, see package compaction) drops it.
func (db *DB) Delete(key typetag.Value) error {
	if db.isClosed() {
		return kverrors.ErrClosed
	}

	n, err := datanode.New(key, typetag.Value{}, db.keyType, db.valueType, nowMillis(), true)
	if err != nil {
		return err
	}
	if err := db.wal.Append(n, datanode.MethodDelete); err != nil {
		return err
	}
	db.mt.Insert(n)
	return nil
}

// Get looks up key: the memtable (primary, then wait) is consulted first,
// then each SSTable newest-first. A deleted key is never removed in place;
// a tombstone record found anywhere along that order reports absence to
// the caller without Get needing to know that the record still exists
// underneath.
func (db *DB) Get(key typetag.Value) (typetag.Value, bool, error) {
	if db.isClosed() {
		return typetag.Value{}, false, kverrors.ErrClosed
	}

	if n, ok := db.mt.Get(key); ok {
		return n.Value, !n.Deleted, nil
	}

	for _, t := range db.snapshotTables() {
		rec, err := t.ReadKey(key)
		if err != nil {
			return typetag.Value{}, false, err
		}
		if rec != nil {
			return rec.Value, !rec.Deleted, nil
		}
	}
	return typetag.Value{}, false, nil
}

func (db *DB) isClosed() bool {
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	return db.closed
}

// snapshotTables returns the current table slice. handleNeedsFlush always
// prepends via a fresh allocation rather than mutating in place, so a
// caller that read this snapshot outside the lock never observes a
// half-updated slice.
func (db *DB) snapshotTables() []*sstable.Table {
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	return db.tables
}

// handleNeedsFlush is the memtable's NeedsFlush subscriber: it immediately
// drains the locked primary buffer into a brand-new SSTable segment. It
// runs on the calling goroutine's stack, outside the memtable's own lock
// (see memtable.Memtable.Insert), so it may safely call back into the
// memtable via Flush.
func (db *DB) handleNeedsFlush() {
	records := db.mt.Flush()
	if len(records) == 0 {
		return
	}

	db.stateMu.Lock()
	path := filepath.Join(db.dir, db.nextSegmentNameLocked())
	db.stateMu.Unlock()

	tbl, err := sstable.Open(path, db.keyType, db.valueType, db.opts.sstableOptions()...)
	if err != nil {
		log.L.Error().Err(err).Str("path", path).Msg("flush: open new segment failed")
		return
	}
	if err := tbl.Write(records); err != nil {
		log.L.Error().Err(err).Str("path", path).Msg("flush: write new segment failed")
		return
	}

	db.stateMu.Lock()
	db.tables = append([]*sstable.Table{tbl}, db.tables...)
	db.stateMu.Unlock()

	if err := db.wal.Truncate(); err != nil {
		log.L.Error().Err(err).Msg("flush: wal truncate failed after successful segment write")
	}
}

// handleBufferOpened is the memtable's BufferOpened subscriber. There is
// nothing for the pipeline itself to do here today; it exists as a
// dedicated hook so a future metrics/compaction trigger has somewhere to
// attach without touching the memtable package again.
func (db *DB) handleBufferOpened() {}

// nextSegmentNameLocked mints the next segment filename and advances the
// sequence counter. Callers must hold stateMu.
func (db *DB) nextSegmentNameLocked() string {
	name := "table-" + zeroPad(db.nextSeq) + "-" + uuid.NewString() + sstableExt
	db.nextSeq++
	return name
}

func zeroPad(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 8 {
		s = "0" + s
	}
	return s
}

// Close flushes and closes the write-ahead log and every open SSTable
// segment without deleting anything. Close does not flush a still-below-
// threshold memtable buffer to disk; a fresh Open replays the WAL to
// recover it.
func (db *DB) Close() error {
	db.stateMu.Lock()
	if db.closed {
		db.stateMu.Unlock()
		return nil
	}
	db.closed = true
	tables := db.tables
	db.stateMu.Unlock()

	var firstErr error
	if err := db.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, t := range tables {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// nowMillis is the timestamp source for Put/Delete; ordering between two
// writes to the same key relies on wall-clock time advancing between calls.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
