// Package compaction declares the contract an external compaction
// scheduler needs against flarekv's SSTable surface. Scheduling policy
// across multiple tables is a decision for a collaborator outside the
// storage engine; this package names that contract without implementing
// any policy.
package compaction

import (
	"github.com/flarekv/flarekv/datanode"
	"github.com/flarekv/flarekv/typetag"
)

// Table is the subset of *sstable.Table's surface a compactor needs.
// sstable.Table satisfies this interface directly.
type Table interface {
	Path() string
	MinKey() (typetag.Value, bool)
	MaxKey() (typetag.Value, bool)
	NumRecords() int
	ReadAll() ([]datanode.Node, error)
	Unlink() error
}

// Scheduler selects tables to compact and merges their contents. No
// implementation lives here: size-tiered, leveled, or any other policy is
// an external collaborator's decision.
type Scheduler interface {
	// Candidates returns the tables, if any, that should be compacted
	// together next, given the full set of currently open tables.
	Candidates(tables []Table) []Table

	// Merge combines candidates' live records into one ascending sequence
	// with shadowed and tombstoned entries dropped, ready for the caller
	// to write into a replacement table.
	Merge(candidates []Table) ([]datanode.Node, error)
}
