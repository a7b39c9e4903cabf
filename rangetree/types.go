// Package rangetree indexes a document's items in their current
// document order and supports the two queries the merge core and
// branch checkout need: given a local version, where is it in the
// document (if visible at all); and given a document position, which
// item lives there. Items created by one contiguous local edit and not
// yet split by a concurrent insert or partial delete are kept merged
// into a single run, keeping the index small relative to edit count
// rather than character count.
package rangetree

import (
	"github.com/tidwall/btree"

	"github.com/crdtext/core/causalgraph"
)

// Span is a run of Len consecutive LVs, contiguous in document order,
// that share the same deletion state. OriginLeft/OriginRight are the
// origin pointers used at insertion time for the run's first item
// only; every subsequent item in the run implicitly originates from
// its predecessor within the run, mirroring the causal graph's own
// CGEntry convention.
type Span struct {
	LV          causalgraph.LV
	Len         int
	OriginLeft  causalgraph.LV // causalgraph.RootLV means "start of document"
	OriginRight causalgraph.LV // causalgraph.RootLV means "end of document"
	Deleted     int            // 0 = visible; >0 = deleted (possibly concurrently, multiple times)
}

// End is the exclusive end LV of the span.
func (s Span) End() causalgraph.LV { return s.LV + causalgraph.LV(s.Len) }

// node is one doubly-linked element of document order, indexed by its
// span's starting LV in the tree's secondary index, and additionally
// held in a splay tree (osParent/osLeft/osRight) ordered the same way
// as prev/next but augmented with subtree content/upstream sums so
// PositionOf/CursorAtPos/VisibleLen/TotalLen never have to walk the
// linked list.
type node struct {
	span       Span
	prev, next *node

	osParent, osLeft, osRight *node
	// subtreeVisible/subtreeTotal cover this node's own span plus both
	// of its splay-tree children; kept current by osRecompute after
	// every rotation or span mutation.
	subtreeVisible, subtreeTotal int
}

func lvLess(a, b *node) bool { return a.span.LV < b.span.LV }

// Tree is the document-order index of a branch's content. Not safe for
// concurrent use.
//
// Two independent structures share the same set of nodes: a doubly
// linked list (prev/next) gives O(1) structural adjacency for the
// merge core's origin-pointer walks, and a splay tree (osRoot,
// node.osLeft/osRight/osParent) gives O(log n) amortized position
// queries by keeping a running content/upstream sum per subtree — the
// augmented-B-tree role the spec's range tree describes, implemented
// as a self-adjusting binary tree rather than a literal B-tree since
// tidwall/btree's BTreeG (used below for the LV secondary index) has
// no hook for per-node augmented aggregates.
type Tree struct {
	head, tail *node
	index      *btree.BTreeG[*node]
	osRoot     *node
	spanCount  int
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{index: btree.NewBTreeG[*node](lvLess)}
}
