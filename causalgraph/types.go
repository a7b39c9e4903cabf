// Package causalgraph implements the compact, run-length-encoded DAG of
// every operation a replica has observed. It maps between external
// (agent, seq) identities and dense local version indices (LV)
// assigned in topological order, and answers the ancestry, diff, and
// summarization queries the merge core and the wire codec need.
package causalgraph

import "fmt"

// Agent is a peer identifier. The empty string is never valid; "ROOT"
// is reserved for the virtual origin and may not be used as a real
// agent name.
type Agent string

// RootAgent is the reserved agent name denoting the virtual origin.
const RootAgent Agent = "ROOT"

// LV is a local version: a dense, non-negative integer assigned in
// topological order as operations are first observed by this replica.
// LVs are never shared across peers.
type LV int64

// RootLV is the sentinel parent/origin denoting "before anything".
const RootLV LV = -1

// RawVersion is the externally portable identity of an operation.
type RawVersion struct {
	Agent Agent
	Seq   int
}

func (r RawVersion) String() string { return fmt.Sprintf("%s:%d", r.Agent, r.Seq) }

// Frontier is a set of LVs such that no element is a transitive
// ancestor of another. Canonically stored sorted ascending; a nil/
// empty Frontier means "before anything".
type Frontier []LV

// Clone returns an independent copy of f.
func (f Frontier) Clone() Frontier {
	if len(f) == 0 {
		return nil
	}
	out := make(Frontier, len(f))
	copy(out, f)
	return out
}

// Contains reports whether v appears literally in the frontier (not
// whether v is an ancestor of it — see CausalGraph.VersionContainsTime
// for that).
func (f Frontier) Contains(v LV) bool {
	for _, x := range f {
		if x == v {
			return true
		}
	}
	return false
}

// CGEntry is a run of consecutive LVs created by one agent with one
// contiguous sequence-number range. Invariants:
//
//	(a) LVEnd > LVStart
//	(b) SeqStart + (LVEnd-LVStart) <= next seq for Agent
//	(c) every interior LV's implicit parent is its predecessor
//	(d) every explicit Parent is < LVStart
//	(e) entries for the same agent never overlap in Seq
type CGEntry struct {
	LVStart, LVEnd LV
	Agent          Agent
	SeqStart       int
	Parents        Frontier // parents of the first LV in this entry only
}

// Bounds implements rle.Run.
func (e CGEntry) Bounds() (start, end int64) { return int64(e.LVStart), int64(e.LVEnd) }

// Len is the number of LVs this entry spans.
func (e CGEntry) Len() int { return int(e.LVEnd - e.LVStart) }

// SeqEnd is the exclusive end of this entry's sequence range.
func (e CGEntry) SeqEnd() int { return e.SeqStart + e.Len() }

// ClientEntry is a run in an agent's own (seq -> LV) mapping.
type ClientEntry struct {
	Seq, SeqEnd int
	LV          LV
}

// Bounds implements rle.Run over the seq axis.
func (c ClientEntry) Bounds() (start, end int64) { return int64(c.Seq), int64(c.SeqEnd) }

// LVRange is a half-open range of local versions.
type LVRange struct {
	Start, End LV
}

// Len is the number of LVs in the range.
func (r LVRange) Len() int { return int(r.End - r.Start) }

// VersionSummary is a compact version vector: per agent, the sorted,
// non-overlapping seq ranges known to a replica.
type VersionSummary map[Agent][][2]int

// CausalGraph holds the entire causal graph structure for one
// replica. Not safe for concurrent mutation; callers serialize writes
// externally (see package textcrdt).
type CausalGraph struct {
	entries []CGEntry // sorted by LVStart, disjoint, union-covers [0, nextLV)
	clients map[Agent][]ClientEntry
	heads   Frontier
	nextLV  LV
}
