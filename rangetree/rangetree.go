package rangetree

import (
	"errors"
	"fmt"

	"github.com/crdtext/core/causalgraph"
)

// ErrNotFound is returned when an LV is not present in the tree.
var ErrNotFound = errors.New("rangetree: lv not present")

// Cursor names a position within a span: the node and the item offset
// inside it.
type Cursor struct {
	n   *node
	off int
}

// LV returns the local version the cursor currently points at.
func (c Cursor) LV() causalgraph.LV { return c.n.span.LV + causalgraph.LV(c.off) }

// Find locates lv within the tree via the LV secondary index.
func (t *Tree) Find(lv causalgraph.LV) (Cursor, bool) {
	var found *node
	t.index.Descend(&node{span: Span{LV: lv}}, func(n *node) bool {
		found = n
		return false
	})
	if found == nil {
		return Cursor{}, false
	}
	off := int(lv - found.span.LV)
	if off < 0 || off >= found.span.Len {
		return Cursor{}, false
	}
	return Cursor{n: found, off: off}, true
}

// OriginLeftOf returns the origin-left LV recorded for lv specifically
// (not merely its span's): RootLV if lv opens the document, or the
// predecessor item's LV otherwise.
func (t *Tree) OriginLeftOf(lv causalgraph.LV) (causalgraph.LV, error) {
	c, ok := t.Find(lv)
	if !ok {
		return causalgraph.RootLV, fmt.Errorf("%w: lv %d", ErrNotFound, lv)
	}
	if c.off > 0 {
		return lv - 1, nil
	}
	return c.n.span.OriginLeft, nil
}

// NextStructuralLV returns the LV immediately following lv in document
// order, regardless of visibility, and whether one exists.
func (t *Tree) NextStructuralLV(lv causalgraph.LV) (causalgraph.LV, bool) {
	c, ok := t.Find(lv)
	if !ok {
		return 0, false
	}
	if c.off+1 < c.n.span.Len {
		return lv + 1, true
	}
	if c.n.next == nil {
		return 0, false
	}
	return c.n.next.span.LV, true
}

// HeadLV returns the LV of the very first item in document order, if
// the tree is non-empty.
func (t *Tree) HeadLV() (causalgraph.LV, bool) {
	if t.head == nil {
		return 0, false
	}
	return t.head.span.LV, true
}

// splitAt splits n's span so that offset becomes the start of a new
// trailing node, returning (left, right). If offset is 0 or Len, no
// split happens and n (unchanged) is returned as the appropriate side.
func (t *Tree) splitAt(n *node, offset int) (*node, *node) {
	if offset <= 0 {
		return nil, n
	}
	if offset >= n.span.Len {
		return n, nil
	}
	right := &node{
		span: Span{
			LV:          n.span.LV + causalgraph.LV(offset),
			Len:         n.span.Len - offset,
			OriginLeft:  n.span.LV + causalgraph.LV(offset) - 1, // predecessor within the original run
			OriginRight: n.span.OriginRight,
			Deleted:     n.span.Deleted,
		},
		prev: n,
		next: n.next,
	}
	if n.next != nil {
		n.next.prev = right
	} else {
		t.tail = right
	}
	n.next = right
	n.span.Len = offset
	t.index.Set(right)
	t.osInsertAfter(n, right) // recomputes n's shrunk aggregate too
	t.spanCount++
	return n, right
}

// tryMerge folds b into a in place when b continues a's run (b starts
// at a's end LV and its first item originates from a's last item) with
// matching deletion state, and unlinks b. Returns true if merged.
func (t *Tree) tryMerge(a, b *node) bool {
	if a == nil || b == nil {
		return false
	}
	if a.span.End() != b.span.LV || b.span.OriginLeft != a.span.End()-1 {
		return false
	}
	if a.span.Deleted != b.span.Deleted {
		return false
	}
	a.span.Len += b.span.Len
	a.next = b.next
	if b.next != nil {
		b.next.prev = a
	} else {
		t.tail = a
	}
	t.index.Delete(b)
	t.osRemove(b)
	t.osTouch(a)
	t.spanCount--
	return true
}

// InsertAfter splices a brand-new span of length len (LVs [lv, lv+len))
// into the document immediately after the item at after (nil meaning "at the very
// start of the document"). originLeft/originRight describe the first
// item's origin pointers, per the merge core's conflict resolution.
func (t *Tree) InsertAfter(after *Cursor, lv causalgraph.LV, length int, originLeft, originRight causalgraph.LV) *node {
	newNode := &node{span: Span{LV: lv, Len: length, OriginLeft: originLeft, OriginRight: originRight}}

	var left, right *node
	if after == nil {
		left, right = nil, t.head
	} else if after.off == after.n.span.Len-1 {
		left, right = after.n, after.n.next
	} else {
		// Splitting mid-span: new content goes after the requested
		// offset, splitting the host span in two around it.
		l, r := t.splitAt(after.n, after.off+1)
		left, right = l, r
	}

	newNode.prev, newNode.next = left, right
	if left != nil {
		left.next = newNode
	} else {
		t.head = newNode
	}
	if right != nil {
		right.prev = newNode
	} else {
		t.tail = newNode
	}
	t.index.Set(newNode)
	t.osInsertAfter(left, newNode)
	t.spanCount++

	// Opportunistically fold the new span back into an adjacent one:
	// the common case of sequential typing should stay a single run
	// rather than one span per keystroke.
	result := newNode
	if result.prev != nil && t.tryMerge(result.prev, result) {
		result = result.prev
	}
	t.tryMerge(result, result.next)
	return result
}

// MarkDeleted marks count consecutive items starting at lv as deleted,
// splitting spans as needed. Calling this more than once on the same
// items (concurrent deletes) increments their deletion count rather
// than double-removing them from the document.
func (t *Tree) MarkDeleted(lv causalgraph.LV, count int) error {
	remaining := count
	cur := lv
	for remaining > 0 {
		c, ok := t.Find(cur)
		if !ok {
			return fmt.Errorf("%w: lv %d", ErrNotFound, cur)
		}
		n := c.n
		avail := n.span.Len - c.off
		take := avail
		if take > remaining {
			take = remaining
		}
		_, mid := t.splitAt(n, c.off)
		target, _ := t.splitAt(mid, take)
		target.span.Deleted++
		t.osTouch(target)
		t.tryMerge(target, target.next)
		if target.prev != nil {
			t.tryMerge(target.prev, target)
		}
		cur += causalgraph.LV(take)
		remaining -= take
	}
	return nil
}

// Unmark decrements the deletion count of count consecutive items
// starting at lv (undoing a retreated delete op during the merge
// walk).
func (t *Tree) Unmark(lv causalgraph.LV, count int) error {
	remaining := count
	cur := lv
	for remaining > 0 {
		c, ok := t.Find(cur)
		if !ok {
			return fmt.Errorf("%w: lv %d", ErrNotFound, cur)
		}
		n := c.n
		avail := n.span.Len - c.off
		take := avail
		if take > remaining {
			take = remaining
		}
		_, mid := t.splitAt(n, c.off)
		target, _ := t.splitAt(mid, take)
		if target.span.Deleted > 0 {
			target.span.Deleted--
		}
		t.osTouch(target)
		t.tryMerge(target, target.next)
		if target.prev != nil {
			t.tryMerge(target.prev, target)
		}
		cur += causalgraph.LV(take)
		remaining -= take
	}
	return nil
}

// PositionOf returns lv's current document position (counting only
// visible items), and whether it is currently visible at all. O(log
// n) amortized: it splays lv's node to the root of the augmented
// splay tree and reads the visible-length sum cached on its left
// subtree rather than walking the linked list.
func (t *Tree) PositionOf(lv causalgraph.LV) (pos int, visible bool, err error) {
	c, ok := t.Find(lv)
	if !ok {
		return 0, false, fmt.Errorf("%w: lv %d", ErrNotFound, lv)
	}
	t.osSplay(c.n)
	before := 0
	if c.n.osLeft != nil {
		before = c.n.osLeft.subtreeVisible
	}
	if c.n.span.Deleted > 0 {
		return before, false, nil
	}
	return before + c.off, true, nil
}

// CursorAtPos returns the cursor at document position pos (0-based,
// counting only visible items). A pos equal to the document's visible
// length is valid and denotes "end of document": the cursor then points
// at the last item in document order, which may be a deleted one. O(log n) amortized:
// it descends the augmented splay tree using cached subtree
// visible-length sums instead of walking the linked list.
func (t *Tree) CursorAtPos(pos int) (Cursor, bool) {
	if pos < 0 {
		return Cursor{}, false
	}
	accum := 0
	cur := t.osRoot
	for cur != nil {
		leftVis := 0
		if cur.osLeft != nil {
			leftVis = cur.osLeft.subtreeVisible
		}
		if pos < accum+leftVis {
			cur = cur.osLeft
			continue
		}
		ownVis := 0
		if cur.span.Deleted == 0 {
			ownVis = cur.span.Len
		}
		if pos < accum+leftVis+ownVis {
			off := pos - (accum + leftVis)
			t.osSplay(cur)
			return Cursor{n: cur, off: off}, true
		}
		accum += leftVis + ownVis
		cur = cur.osRight
	}
	if pos == accum {
		if t.tail == nil {
			return Cursor{}, false
		}
		t.osSplay(t.tail)
		return Cursor{n: t.tail, off: t.tail.span.Len - 1}, true
	}
	return Cursor{}, false
}

// VisibleLen returns the number of currently-visible items (the
// content metric). O(1): the root's cached subtree sum.
func (t *Tree) VisibleLen() int {
	if t.osRoot == nil {
		return 0
	}
	return t.osRoot.subtreeVisible
}

// TotalLen returns the number of items tracked, visible or deleted
// (the upstream metric). O(1): the root's cached subtree sum.
func (t *Tree) TotalLen() int {
	if t.osRoot == nil {
		return 0
	}
	return t.osRoot.subtreeTotal
}

// VisitFunc is called once per visible run in document order.
type VisitFunc func(lv causalgraph.LV, length int)

// VisitVisible walks every visible span in document order.
func (t *Tree) VisitVisible(fn VisitFunc) {
	for n := t.head; n != nil; n = n.next {
		if n.span.Deleted == 0 {
			fn(n.span.LV, n.span.Len)
		}
	}
}

// SpanCount reports the number of runs currently tracked; exposed for
// tests asserting the index stays compact under sequential edits.
func (t *Tree) SpanCount() int { return t.spanCount }
