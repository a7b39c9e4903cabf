package rangetree

// This file implements the augmented document-order index backing
// PositionOf/CursorAtPos/VisibleLen/TotalLen: a splay tree (Sleator
// and Tarjan's self-adjusting binary search tree) ordered the same as
// the node linked list, with each node additionally caching the
// visible/total length of its own subtree. Rotations are structured
// the same way as a textbook AVL's left/right rotation pair (compare
// rightRotate/leftRotate in the wider retrieval corpus's AVL tree),
// except rebalancing is driven by splaying the accessed node to the
// root rather than by tracked per-node heights, and every rotation
// refreshes the rotated nodes' cached subtree sums in place.

// osSelfAgg returns n's own span's contribution to the subtree sums,
// ignoring children.
func osSelfAgg(n *node) (visible, total int) {
	total = n.span.Len
	if n.span.Deleted == 0 {
		visible = n.span.Len
	}
	return
}

// osRecompute refreshes n's cached subtree sums from its own span and
// its children's already-current sums.
func (t *Tree) osRecompute(n *node) {
	vis, tot := osSelfAgg(n)
	if n.osLeft != nil {
		vis += n.osLeft.subtreeVisible
		tot += n.osLeft.subtreeTotal
	}
	if n.osRight != nil {
		vis += n.osRight.subtreeVisible
		tot += n.osRight.subtreeTotal
	}
	n.subtreeVisible = vis
	n.subtreeTotal = tot
}

// osRotateRight promotes x's left child above it.
func (t *Tree) osRotateRight(x *node) {
	y := x.osLeft
	x.osLeft = y.osRight
	if y.osRight != nil {
		y.osRight.osParent = x
	}
	y.osParent = x.osParent
	if x.osParent == nil {
		t.osRoot = y
	} else if x.osParent.osLeft == x {
		x.osParent.osLeft = y
	} else {
		x.osParent.osRight = y
	}
	y.osRight = x
	x.osParent = y
	t.osRecompute(x)
	t.osRecompute(y)
}

// osRotateLeft promotes x's right child above it.
func (t *Tree) osRotateLeft(x *node) {
	y := x.osRight
	x.osRight = y.osLeft
	if y.osLeft != nil {
		y.osLeft.osParent = x
	}
	y.osParent = x.osParent
	if x.osParent == nil {
		t.osRoot = y
	} else if x.osParent.osLeft == x {
		x.osParent.osLeft = y
	} else {
		x.osParent.osRight = y
	}
	y.osLeft = x
	x.osParent = y
	t.osRecompute(x)
	t.osRecompute(y)
}

// osSplay brings n to the root of its tree via zig/zig-zig/zig-zag
// steps, refreshing cached sums along the way. Safe to call on the
// current root (a no-op rotation-wise, but osTouch still wants the
// explicit osRecompute it does beforehand).
func (t *Tree) osSplay(n *node) {
	for n.osParent != nil {
		p := n.osParent
		g := p.osParent
		switch {
		case g == nil:
			if p.osLeft == n {
				t.osRotateRight(p)
			} else {
				t.osRotateLeft(p)
			}
		case g.osLeft == p && p.osLeft == n:
			t.osRotateRight(g)
			t.osRotateRight(p)
		case g.osRight == p && p.osRight == n:
			t.osRotateLeft(g)
			t.osRotateLeft(p)
		case g.osLeft == p && p.osRight == n:
			t.osRotateLeft(p)
			t.osRotateRight(g)
		default: // g.osRight == p && p.osLeft == n
			t.osRotateRight(p)
			t.osRotateLeft(g)
		}
	}
	t.osRoot = n
}

// osTouch refreshes n's own cached sums after its span changed in
// place (a Deleted toggle or a Len shrink from splitAt) and propagates
// the fix to every ancestor by splaying n to the root.
func (t *Tree) osTouch(n *node) {
	t.osRecompute(n)
	t.osSplay(n)
}

// osLeftmost returns the leftmost (document-first) node of the
// subtree rooted at n.
func osLeftmost(n *node) *node {
	for n.osLeft != nil {
		n = n.osLeft
	}
	return n
}

// osRightmost returns the rightmost (document-last) node of the
// subtree rooted at n.
func osRightmost(n *node) *node {
	for n.osRight != nil {
		n = n.osRight
	}
	return n
}

// osInsertAfter inserts n immediately after after in document order
// (after == nil means "at the very start"). Whatever previously
// followed after becomes n's successor, preserving order.
func (t *Tree) osInsertAfter(after, n *node) {
	n.osLeft, n.osRight, n.osParent = nil, nil, nil

	if after == nil {
		if t.osRoot == nil {
			t.osRoot = n
			t.osRecompute(n)
			return
		}
		head := osLeftmost(t.osRoot)
		t.osSplay(head)
		n.osRight = head
		head.osParent = n
		t.osRecompute(head)
		t.osRecompute(n)
		t.osRoot = n
		return
	}

	t.osSplay(after)
	n.osLeft = after
	after.osParent = n
	n.osRight = after.osRight
	if after.osRight != nil {
		after.osRight.osParent = n
	}
	after.osRight = nil
	t.osRecompute(after)
	t.osRecompute(n)
	t.osRoot = n
}

// osRemove detaches n from the augmented tree, splicing its left and
// right subtrees back together.
func (t *Tree) osRemove(n *node) {
	t.osSplay(n)
	l, r := n.osLeft, n.osRight
	n.osLeft, n.osRight, n.osParent = nil, nil, nil
	t.osRecompute(n)

	if l == nil {
		t.osRoot = r
		if r != nil {
			r.osParent = nil
		}
		return
	}
	l.osParent = nil
	m := osRightmost(l)
	t.osSplay(m)
	m.osRight = r
	if r != nil {
		r.osParent = m
	}
	t.osRecompute(m)
	t.osRoot = m
}
