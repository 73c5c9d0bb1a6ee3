// Package appender implements the buffered, append-only writer shared by
// the WAL and the SSTable writer: callers submit whole records, which
// accumulate in a staging buffer and are flushed to disk once the buffer
// reaches a byte threshold or the appender is closed.
package appender

import (
	"fmt"
	"io"
	"os"
	"sync"
)

const defaultBufferSize = 4 * 1024

// Appender is a buffered append-only file writer. Safe for concurrent use.
type Appender struct {
	mu         sync.Mutex
	file       *os.File
	staging    []byte
	bufferSize int
	size       int64 // bytes committed to disk, tracked explicitly
}

// Option configures an Appender at construction time.
type Option func(*Appender)

// WithBufferSize overrides the default staging-buffer flush threshold.
func WithBufferSize(n int) Option {
	return func(a *Appender) { a.bufferSize = n }
}

// Open opens path for read/write, creating it if absent, and seeks to its
// end so Append extends rather than overwrites existing content.
func Open(path string, opts ...Option) (*Appender, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("appender: open %s: %w", path, err)
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("appender: seek %s: %w", path, err)
	}

	a := &Appender{file: f, bufferSize: defaultBufferSize, size: size}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Append submits a whole record for writing. It accumulates in the staging
// buffer and is flushed to disk once the buffer reaches the configured
// threshold; callers never see a record split across a flush boundary.
func (a *Appender) Append(record []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.staging = append(a.staging, record...)
	if len(a.staging) >= a.bufferSize {
		return a.flushLocked()
	}
	return nil
}

// Flush forces any staged bytes to disk.
func (a *Appender) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

func (a *Appender) flushLocked() error {
	if len(a.staging) == 0 {
		return nil
	}
	n, err := a.file.Write(a.staging)
	a.size += int64(n)
	if err != nil {
		return fmt.Errorf("appender: write: %w", err)
	}
	a.staging = a.staging[:0]
	return nil
}

// Size returns the current file size, including bytes still staged.
func (a *Appender) Size() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size + int64(len(a.staging))
}

// Close flushes remaining staged bytes and closes the underlying file.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.flushLocked(); err != nil {
		a.file.Close()
		return err
	}
	return a.file.Close()
}

// ReadAt reads from the underlying file, including bytes not yet flushed
// from the staging buffer.
func (a *Appender) ReadAt(buf []byte, off int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.flushLocked(); err != nil {
		return 0, err
	}
	return a.file.ReadAt(buf, off)
}

// File exposes the underlying *os.File for callers (like SSTable.Open) that
// need direct read access after ensuring staged bytes are flushed.
func (a *Appender) File() *os.File {
	return a.file
}
