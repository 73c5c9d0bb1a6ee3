// Package sortedarray implements the append-ordered (key, offset)
// associative container used as an SSTable's in-memory sparse index. Entries
// are expected to arrive in monotonically non-decreasing key order; Set
// overwrites in place when the key already exists, appends otherwise.
package sortedarray

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Entry is one (key, offset) pair. Key is the raw encoded key bytes so the
// array can hold entries for any typetag.Type without depending on it.
type Entry struct {
	Key    []byte
	Offset int64
}

// SortedArray is an ordered slice of Entry, searchable in O(log n).
type SortedArray struct {
	entries []Entry
}

// New returns an empty SortedArray.
func New() *SortedArray {
	return &SortedArray{}
}

// Set appends (key, offset) or, if key already exists, overwrites its
// offset in place. The write path is expected to call Set in ascending key
// order, so the common case is an O(1) append; Set still tolerates an
// existing key anywhere in the array.
func (a *SortedArray) Set(key []byte, offset int64) {
	if n := len(a.entries); n > 0 && bytes.Equal(a.entries[n-1].Key, key) {
		a.entries[n-1].Offset = offset
		return
	}

	idx := sort.Search(len(a.entries), func(i int) bool {
		return bytes.Compare(a.entries[i].Key, key) >= 0
	})
	if idx < len(a.entries) && bytes.Equal(a.entries[idx].Key, key) {
		a.entries[idx].Offset = offset
		return
	}

	a.entries = append(a.entries, Entry{})
	copy(a.entries[idx+1:], a.entries[idx:])
	a.entries[idx] = Entry{Key: append([]byte(nil), key...), Offset: offset}
}

// Get returns the offset stored for key, if present.
func (a *SortedArray) Get(key []byte) (int64, bool) {
	idx := a.indexOf(key)
	if idx < 0 {
		return 0, false
	}
	return a.entries[idx].Offset, true
}

// Has reports whether key is present.
func (a *SortedArray) Has(key []byte) bool {
	return a.indexOf(key) >= 0
}

func (a *SortedArray) indexOf(key []byte) int {
	idx := sort.Search(len(a.entries), func(i int) bool {
		return bytes.Compare(a.entries[i].Key, key) >= 0
	})
	if idx < len(a.entries) && bytes.Equal(a.entries[idx].Key, key) {
		return idx
	}
	return -1
}

// At returns the entry at position index.
func (a *SortedArray) At(index int) (Entry, bool) {
	if index < 0 || index >= len(a.entries) {
		return Entry{}, false
	}
	return a.entries[index], true
}

// Len returns the number of entries.
func (a *SortedArray) Len() int { return len(a.entries) }

// LowerBound returns the smallest entry with key >= target.
func (a *SortedArray) LowerBound(target []byte) (Entry, bool) {
	idx := sort.Search(len(a.entries), func(i int) bool {
		return bytes.Compare(a.entries[i].Key, target) >= 0
	})
	if idx >= len(a.entries) {
		return Entry{}, false
	}
	return a.entries[idx], true
}

// UpperBound returns the smallest entry with key > target.
func (a *SortedArray) UpperBound(target []byte) (Entry, bool) {
	idx := sort.Search(len(a.entries), func(i int) bool {
		return bytes.Compare(a.entries[i].Key, target) > 0
	})
	if idx >= len(a.entries) {
		return Entry{}, false
	}
	return a.entries[idx], true
}

// GreatestLE returns the largest entry with key <= target. Keys compare
// bytewise on their raw bytes, which is not the natural order of every
// encoded key type.
func (a *SortedArray) GreatestLE(target []byte) (Entry, bool) {
	idx := sort.Search(len(a.entries), func(i int) bool {
		return bytes.Compare(a.entries[i].Key, target) > 0
	})
	if idx == 0 {
		return Entry{}, false
	}
	return a.entries[idx-1], true
}

// Clear empties the array.
func (a *SortedArray) Clear() {
	a.entries = nil
}

// Serialize renders the array as a human-readable "key,offset,key,offset"
// text format, the on-disk shape of an SSTable's .idx sidecar. Keys are
// hex-encoded so commas inside string keys cannot corrupt the format.
func (a *SortedArray) Serialize() []byte {
	var b strings.Builder
	for i, e := range a.entries {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(fmt.Sprintf("%x", e.Key))
		b.WriteByte(',')
		b.WriteString(strconv.FormatInt(e.Offset, 10))
	}
	return []byte(b.String())
}

// Deserialize parses the text format Serialize produces.
func Deserialize(data []byte) (*SortedArray, error) {
	a := New()
	s := strings.TrimSpace(string(data))
	if s == "" {
		return a, nil
	}

	fields := strings.Split(s, ",")
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("sortedarray: odd field count %d in serialized index", len(fields))
	}

	for i := 0; i < len(fields); i += 2 {
		var key []byte
		if _, err := fmt.Sscanf(fields[i], "%x", &key); err != nil {
			return nil, fmt.Errorf("sortedarray: bad key hex %q: %w", fields[i], err)
		}
		offset, err := strconv.ParseInt(fields[i+1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("sortedarray: bad offset %q: %w", fields[i+1], err)
		}
		a.entries = append(a.entries, Entry{Key: key, Offset: offset})
	}

	return a, nil
}
