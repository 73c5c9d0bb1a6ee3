// Package memtable implements the double-buffered, flush-aware ordered
// write buffer: inserts land in a skip list keyed by the engine's typed
// key, with a lock-on-threshold handoff to a second buffer so writers
// never block on an in-progress flush.
package memtable

import (
	"iter"
	"sync"

	"github.com/flarekv/flarekv/datanode"
	"github.com/flarekv/flarekv/typetag"
)

// Events are the memtable's two observer callbacks. There is exactly one
// subscriber in practice (the owning pipeline), so these are plain
// callback slots rather than a generic pub/sub mechanism.
type Events struct {
	// NeedsFlush fires once, synchronously, the instant primary reaches
	// threshold and the lock is set.
	NeedsFlush func()
	// BufferOpened fires after Flush completes the primary/wait swap,
	// signaling that writes to the new primary may resume freely.
	BufferOpened func()
}

// Memtable is the primary/wait double buffer.
type Memtable struct {
	mu        sync.Mutex
	keyType   typetag.Type
	threshold int
	primary   *skipList
	wait      *skipList
	locked    bool
	events    Events
}

// New constructs an empty Memtable. threshold is the primary buffer size
// that triggers NeedsFlush.
func New(keyType typetag.Type, threshold int, events Events) *Memtable {
	return &Memtable{
		keyType:   keyType,
		threshold: threshold,
		primary:   newSkipList(keyType),
		wait:      newSkipList(keyType),
		events:    events,
	}
}

// SetEvents replaces the subscriber callbacks. Used by a caller that needs
// to insert records (e.g. write-ahead log replay) before its flush handler
// is safe to call, such as a handler that truncates the very file being
// replayed from.
func (m *Memtable) SetEvents(events Events) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = events
}

// Insert writes n to primary, or to wait if a flush is in progress. Crossing
// threshold sets the lock and emits NeedsFlush before returning. The event
// fires after the internal lock is released, since its one real subscriber
// (the owning pipeline) reenters the memtable via Flush.
func (m *Memtable) Insert(n datanode.Node) {
	m.mu.Lock()
	target := m.primary
	if m.locked {
		target = m.wait
	}
	target.Put(&n)

	justLocked := false
	if !m.locked && target.Size() >= m.threshold {
		m.locked = true
		justLocked = true
	}
	m.mu.Unlock()

	if justLocked && m.events.NeedsFlush != nil {
		m.events.NeedsFlush()
	}
}

// Get consults primary first, then wait: a key present in both is read
// from primary.
func (m *Memtable) Get(key typetag.Value) (datanode.Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.primary.Get(key); ok {
		return *n, true
	}
	if n, ok := m.wait.Get(key); ok {
		return *n, true
	}
	return datanode.Node{}, false
}

// Has reports whether key is present in either buffer.
func (m *Memtable) Has(key typetag.Value) bool {
	_, ok := m.Get(key)
	return ok
}

// PeekAll returns every record currently held, in ascending key order, with
// a key present in both buffers resolved in favor of primary.
func (m *Memtable) PeekAll() []datanode.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return mergePreferPrimary(m.primary, m.wait, m.keyType)
}

// Flush swaps primary ← wait, installs a fresh empty wait, clears the lock,
// emits BufferOpened, and returns the outgoing buffer's records in
// ascending key order for the caller to write into a new SSTable. As with
// Insert's NeedsFlush, BufferOpened fires after the lock is released.
func (m *Memtable) Flush() []datanode.Node {
	m.mu.Lock()
	out := make([]datanode.Node, 0, m.primary.Size())
	for n := range m.primary.All() {
		out = append(out, *n)
	}

	m.primary = m.wait
	m.wait = newSkipList(m.keyType)
	m.locked = false
	m.mu.Unlock()

	if m.events.BufferOpened != nil {
		m.events.BufferOpened()
	}
	return out
}

// Clear empties both buffers and releases the lock, discarding any
// unflushed records. Only tests call it; the write path never does.
func (m *Memtable) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.primary = newSkipList(m.keyType)
	m.wait = newSkipList(m.keyType)
	m.locked = false
}

// Stats reports the current size of each buffer and whether a flush is in
// progress (the lock state).
type Stats struct {
	PrimarySize int
	WaitSize    int
	Locked      bool
}

func (m *Memtable) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{PrimarySize: m.primary.Size(), WaitSize: m.wait.Size(), Locked: m.locked}
}

// mergePreferPrimary walks both skip lists' ascending iterators in lockstep,
// the way a standard merge-sort merge does, breaking ties toward primary:
// a key present in both buffers is read from primary.
func mergePreferPrimary(primary, wait *skipList, keyType typetag.Type) []datanode.Node {
	out := make([]datanode.Node, 0, primary.Size()+wait.Size())

	primaryNext, stopPrimary := iter.Pull(primary.All())
	defer stopPrimary()
	waitNext, stopWait := iter.Pull(wait.All())
	defer stopWait()

	p, pOK := primaryNext()
	w, wOK := waitNext()
	for pOK || wOK {
		switch {
		case pOK && (!wOK || typetag.Compare(p.Key, w.Key, keyType) <= 0):
			out = append(out, *p)
			if wOK && typetag.Compare(p.Key, w.Key, keyType) == 0 {
				w, wOK = waitNext()
			}
			p, pOK = primaryNext()
		default:
			out = append(out, *w)
			w, wOK = waitNext()
		}
	}
	return out
}
