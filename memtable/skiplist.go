package memtable

import (
	"iter"
	"math/rand"

	"github.com/flarekv/flarekv/datanode"
	"github.com/flarekv/flarekv/typetag"
)

const maxLevel = 32

type skipListNode struct {
	node    *datanode.Node
	forward []*skipListNode
}

func newSkipListNode(n *datanode.Node, levels int) *skipListNode {
	return &skipListNode{node: n, forward: make([]*skipListNode, levels+1)}
}

// skipList is a skip list keyed by a DataNode's typed key, ordered by
// typetag.Compare against a fixed keyType rather than Go's built-in
// ordering: memtable keys are dynamically typed at runtime, so the
// comparator has to be supplied at construction instead of inferred from a
// generic type parameter.
type skipList struct {
	head    *skipListNode
	levels  int
	size    int
	keyType typetag.Type
}

func newSkipList(keyType typetag.Type) *skipList {
	return &skipList{
		head:    newSkipListNode(nil, 0),
		levels:  -1,
		keyType: keyType,
	}
}

func (sl *skipList) less(a, b typetag.Value) bool {
	return typetag.Compare(a, b, sl.keyType) < 0
}

func (sl *skipList) equal(a, b typetag.Value) bool {
	return typetag.Compare(a, b, sl.keyType) == 0
}

func (sl *skipList) Get(key typetag.Value) (*datanode.Node, bool) {
	curr := sl.head
	for level := sl.levels; level >= 0; level-- {
		for curr.forward[level] != nil && sl.less(curr.forward[level].node.Key, key) {
			curr = curr.forward[level]
		}
		if curr.forward[level] != nil && sl.equal(curr.forward[level].node.Key, key) {
			return curr.forward[level].node, true
		}
	}
	return nil, false
}

func randomLevel() int {
	level := 0
	for rand.Int31()&1 == 0 && level < maxLevel {
		level++
	}
	return level
}

func (sl *skipList) adjustLevels(level int) {
	prev := sl.head.forward
	sl.head = newSkipListNode(nil, level)
	sl.levels = level
	copy(sl.head.forward, prev)
}

// Put inserts n, overwriting any existing record for the same key (the
// newer write simply replaces the node pointer, so timestamp/tombstone
// state always reflects the latest insert).
func (sl *skipList) Put(n *datanode.Node) {
	newLevel := randomLevel()
	if newLevel > sl.levels {
		sl.adjustLevels(newLevel)
	}

	updates := make([]*skipListNode, sl.levels+1)
	x := sl.head
	for level := sl.levels; level >= 0; level-- {
		for x.forward[level] != nil && sl.less(x.forward[level].node.Key, n.Key) {
			x = x.forward[level]
		}
		updates[level] = x
	}

	if x.forward[0] != nil && sl.equal(x.forward[0].node.Key, n.Key) {
		x.forward[0].node = n
		return
	}

	newNode := newSkipListNode(n, newLevel)
	for level := 0; level <= newLevel; level++ {
		newNode.forward[level] = updates[level].forward[level]
		updates[level].forward[level] = newNode
	}
	sl.size++
}

func (sl *skipList) Size() int { return sl.size }

// All yields every node in ascending key order.
func (sl *skipList) All() iter.Seq[*datanode.Node] {
	return func(yield func(*datanode.Node) bool) {
		curr := sl.head.forward[0]
		for curr != nil {
			if !yield(curr.node) {
				return
			}
			curr = curr.forward[0]
		}
	}
}
