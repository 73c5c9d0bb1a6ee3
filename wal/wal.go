// Package wal implements the write-ahead log: an append-only stream of
// framed operation records, written before the memtable mutation it
// describes so that a crash can be recovered by replay. The WAL append is
// the durability commit point for a write.
package wal

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/flarekv/flarekv/appender"
	"github.com/flarekv/flarekv/datanode"
	"github.com/flarekv/flarekv/internal/log"
	"github.com/flarekv/flarekv/kverrors"
)

const (
	headerLen     = 5 // header length byte (1) + magic (4)
	headerLenByte = 1
	recordPrefix  = 4 + 1 + 1 + 4 + 4 // start_delim + key_type + value_type + key_len + value_len

	// maxRecordBytes bounds a single key or value length read from a record
	// header, so a torn or corrupted length field can't drive a runaway
	// allocation during replay.
	maxRecordBytes = 16 << 20
)

var magic = [4]byte{0x57, 0x41, 0x4C, 0x46}

// Option configures a Log at Open time.
type Option func(*Log)

// WithBufferSize sets the underlying buffered appender's flush threshold
// (the engine's wal_buffer_size configuration option).
func WithBufferSize(n int) Option {
	return func(l *Log) { l.appenderOpts = append(l.appenderOpts, appender.WithBufferSize(n)) }
}

// Log is one WAL file: a fixed 5-byte header followed by framed records.
type Log struct {
	mu           sync.Mutex
	path         string
	file         *appender.Appender
	appenderOpts []appender.Option
}

// Open opens path, writing a fresh header if the file is new, or validating
// the existing header otherwise.
func Open(path string, opts ...Option) (*Log, error) {
	l := &Log{path: path}
	for _, opt := range opts {
		opt(l)
	}

	f, err := appender.Open(path, l.appenderOpts...)
	if err != nil {
		return nil, &kverrors.IoError{Op: "open", Path: path, Err: err}
	}
	l.file = f

	if f.Size() == 0 {
		if err := l.writeHeader(); err != nil {
			return nil, err
		}
		return l, nil
	}

	buf := make([]byte, headerLen)
	n, err := f.ReadAt(buf, 0)
	if err != nil || n != headerLen {
		return nil, &kverrors.FormatError{Path: path, Offset: 0, Detail: "wal header shorter than 5 bytes", Err: err}
	}
	if err := validateHeaderBytes(buf, path); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) writeHeader() error {
	buf := make([]byte, 0, headerLen)
	buf = append(buf, headerLenByte)
	buf = append(buf, magic[:]...)
	if err := l.file.Append(buf); err != nil {
		return &kverrors.IoError{Op: "write", Path: l.path, Err: err}
	}
	return l.file.Flush()
}

func validateHeaderBytes(buf []byte, path string) error {
	if buf[0] != headerLenByte {
		return &kverrors.FormatError{Path: path, Offset: 0, Detail: "bad wal header length byte"}
	}
	if [4]byte(buf[1:5]) != magic {
		return &kverrors.FormatError{Path: path, Offset: 1, Detail: "bad wal magic"}
	}
	return nil
}

// Append writes node as one framed WAL record: start_delim · key_type ·
// value_type · key_len · value_len · key · value · timestamp · method ·
// end_delim.
func (l *Log) Append(n datanode.Node, method datanode.Method) error {
	enc, err := datanode.EncodeWALRecord(n, method)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Append(enc); err != nil {
		return &kverrors.IoError{Op: "write", Path: l.path, Err: err}
	}
	return nil
}

// Flush forces any buffered records to disk.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Flush(); err != nil {
		return &kverrors.IoError{Op: "flush", Path: l.path, Err: err}
	}
	return nil
}

// Truncate discards the log's contents down to a fresh header, for use
// after a successful flush has persisted everything the log recorded.
// Policy over when to call it is owned by the outer engine.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Close(); err != nil {
		return &kverrors.IoError{Op: "close", Path: l.path, Err: err}
	}
	if err := os.Truncate(l.path, 0); err != nil {
		return &kverrors.IoError{Op: "truncate", Path: l.path, Err: err}
	}
	f, err := appender.Open(l.path, l.appenderOpts...)
	if err != nil {
		return &kverrors.IoError{Op: "open", Path: l.path, Err: err}
	}
	l.file = f
	return l.writeHeader()
}

// Close flushes and closes the underlying file without deleting it.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Close(); err != nil {
		return &kverrors.IoError{Op: "close", Path: l.path, Err: err}
	}
	return nil
}

// Size returns the current file size in bytes, including the header.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Size()
}

// Path returns the log's file path.
func (l *Log) Path() string { return l.path }

// Visitor is invoked once per successfully decoded record, in file order,
// during Replay.
type Visitor func(n datanode.Node, method datanode.Method) error

// Replay scans path from the beginning and calls visit once per valid
// record. A record that fails to decode (bad delimiter, unknown type tag,
// or a truncated tail from a torn write) ends the replay at that point
// rather than returning an error, and logs a warning first since an
// operator needs to know recovery stopped short of the file's end; a
// missing file replays as empty without logging anything. Header
// corruption is reported as an error, since the header is written once at
// creation and never torn by an in-progress append.
func Replay(path string, visit Visitor) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &kverrors.IoError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	head := make([]byte, headerLen)
	if _, err := io.ReadFull(f, head); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		return &kverrors.IoError{Op: "read", Path: path, Err: err}
	}
	if err := validateHeaderBytes(head, path); err != nil {
		return err
	}

	offset := int64(headerLen)
	for {
		n, method, consumed, err := readRecord(f)
		if err != nil {
			if err != io.EOF {
				log.L.Warn().Str("path", path).Int64("offset", offset).Err(err).
					Msg("wal replay stopped at a malformed record")
			}
			return nil // first malformed record truncates replay
		}
		offset += int64(consumed)
		if err := visit(n, method); err != nil {
			return err
		}
	}
}

// readRecord decodes one framed record from r, reading exactly the prefix
// first to learn key_len/value_len before sizing the remaining read. A
// clean end of log is reported as io.EOF; any other error means a record
// was begun but never completed.
func readRecord(r io.Reader) (datanode.Node, datanode.Method, int, error) {
	head := make([]byte, recordPrefix)
	if _, err := io.ReadFull(r, head); err != nil {
		return datanode.Node{}, 0, 0, err
	}

	keyLen := binary.LittleEndian.Uint32(head[6:10])
	valLen := binary.LittleEndian.Uint32(head[10:14])
	if keyLen > maxRecordBytes || valLen > maxRecordBytes {
		return datanode.Node{}, 0, 0, &kverrors.FormatError{Detail: "wal record length exceeds sanity bound"}
	}

	tail := make([]byte, int(keyLen)+int(valLen)+8+1+4)
	if _, err := io.ReadFull(r, tail); err != nil {
		if err == io.EOF {
			// The prefix committed to a record that the tail never
			// completed, so this is a torn write, not a clean boundary.
			err = io.ErrUnexpectedEOF
		}
		return datanode.Node{}, 0, 0, err
	}

	buf := append(head, tail...)
	n, method, _, err := datanode.DecodeWALRecord(buf)
	return n, method, len(buf), err
}
