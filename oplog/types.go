// Package oplog stores the append-only log of text operations a
// replica has performed or received, keyed by the same local version
// numbers the causal graph assigns. Each entry is a run-length-encoded
// row spanning one or more consecutive LVs produced by a single
// contiguous edit (e.g. pasting a multi-character string, or deleting
// a run of characters in one gesture).
package oplog

import (
	"github.com/crdtext/core/causalgraph"
	"github.com/crdtext/core/internal/rle"
)

// Kind distinguishes insertion from deletion rows.
type Kind uint8

const (
	KindInsert Kind = iota
	KindDelete
)

func (k Kind) String() string {
	if k == KindInsert {
		return "ins"
	}
	return "del"
}

// Op is one run-length-encoded row in the log: a contiguous batch of
// insertions or deletions made at (initially) consecutive positions by
// a single local edit. It consumes exactly Len LVs, [LV, LV+Len).
//
//   - Fwd (forward) inserts/deletes grow Pos upward as each character is
//     applied (typing left to right); the i'th delete of a Fwd run
//     targets Pos+i in the document as its earlier deletes left it.
//   - A backward (!Fwd) run keeps Pos fixed and each subsequent
//     character lands at the same position (deleting forward with the
//     Delete key, or an insert that always targets the run's start).
//   - Content holds the inserted text for KindInsert rows (one rune per
//     consumed LV, in application order); it is empty for KindDelete.
type Op struct {
	LV      causalgraph.LV
	Len     int
	Kind    Kind
	Pos     int
	Fwd     bool
	Content string
}

// Bounds implements rle.Run over the LV axis.
func (o Op) Bounds() (start, end int64) { return int64(o.LV), int64(o.LV) + int64(o.Len) }

// End is the exclusive end LV of this row.
func (o Op) End() causalgraph.LV { return o.LV + causalgraph.LV(o.Len) }

// PosAt returns the document position targeted by the i'th LV within
// this row (0 <= i < o.Len).
func (o Op) PosAt(i int) int {
	if o.Fwd {
		return o.Pos + i
	}
	return o.Pos
}

// RuneAt returns the rune inserted at the i'th LV within this row.
// Only meaningful for KindInsert rows.
func (o Op) RuneAt(i int) rune {
	r := []rune(o.Content)
	return r[i]
}

// OpLog is the append-only, run-length-encoded operation log for one
// replica, paired with the causal graph that gives its entries
// identity and ancestry.
type OpLog struct {
	cg  *causalgraph.CausalGraph
	ops []Op // sorted by LV, disjoint, union-covers [0, cg.NextLV())
}

var _ = rle.Run(Op{})
