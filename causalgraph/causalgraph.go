package causalgraph

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"

	"github.com/crdtext/core/internal/rle"
)

// Sentinel errors surfaced to callers. None of these mutate graph
// state before returning, so a caller can always retry after fixing
// the input.
var (
	ErrUnknownID          = errors.New("causalgraph: unknown (agent, seq)")
	ErrInvalidParents     = errors.New("causalgraph: invalid parents")
	ErrCycleDetected      = errors.New("causalgraph: parent >= child")
	ErrInvariantViolation = errors.New("causalgraph: internal invariant violation")
)

// New creates an empty causal graph.
func New() *CausalGraph {
	return &CausalGraph{clients: make(map[Agent][]ClientEntry)}
}

// NextLV returns the next LV that will be assigned.
func (cg *CausalGraph) NextLV() LV { return cg.nextLV }

// Heads returns the current frontier (LVs with no successors). The
// returned slice must not be mutated by the caller.
func (cg *CausalGraph) Heads() Frontier { return cg.heads }

// Entries returns the underlying run list; read-only.
func (cg *CausalGraph) Entries() []CGEntry { return cg.entries }

// NextSeqForAgent returns the next sequence number expected from
// agent (0 if the agent has never been observed).
func (cg *CausalGraph) NextSeqForAgent(agent Agent) int {
	runs := cg.clients[agent]
	if len(runs) == 0 {
		return 0
	}
	return runs[len(runs)-1].SeqEnd
}

func (cg *CausalGraph) findEntry(v LV) (*CGEntry, int64, bool) {
	if v < 0 || v >= cg.nextLV {
		return nil, 0, false
	}
	i, off, ok := rle.Search(cg.entries, int64(v))
	if !ok {
		return nil, 0, false
	}
	return &cg.entries[i], off, true
}

func (cg *CausalGraph) findClientEntry(agent Agent, seq int) (*ClientEntry, int64, bool) {
	runs := cg.clients[agent]
	if len(runs) == 0 {
		return nil, 0, false
	}
	i, off, ok := rle.Search(runs, int64(seq))
	if !ok {
		return nil, 0, false
	}
	return &runs[i], off, true
}

// RawToLV resolves (agent, seq) to its LV. RootAgent always resolves
// to RootLV.
func (cg *CausalGraph) RawToLV(agent Agent, seq int) (LV, error) {
	if agent == RootAgent {
		return RootLV, nil
	}
	e, off, ok := cg.findClientEntry(agent, seq)
	if !ok {
		return 0, fmt.Errorf("%w: %s:%d", ErrUnknownID, agent, seq)
	}
	return e.LV + LV(off), nil
}

// LVToRaw resolves an LV back to its (agent, seq). RootLV resolves to
// (RootAgent, 0).
func (cg *CausalGraph) LVToRaw(v LV) (RawVersion, error) {
	if v == RootLV {
		return RawVersion{Agent: RootAgent}, nil
	}
	e, off, ok := cg.findEntry(v)
	if !ok {
		return RawVersion{}, fmt.Errorf("%w: lv %d", ErrUnknownID, v)
	}
	return RawVersion{Agent: e.Agent, Seq: e.SeqStart + int(off)}, nil
}

// LVToRawList converts a slice of LVs to RawVersions, in order.
func (cg *CausalGraph) LVToRawList(lvs Frontier) ([]RawVersion, error) {
	if len(lvs) == 0 {
		return nil, nil
	}
	out := make([]RawVersion, len(lvs))
	for i, v := range lvs {
		rv, err := cg.LVToRaw(v)
		if err != nil {
			return nil, err
		}
		out[i] = rv
	}
	return out, nil
}

// ParentsOf returns the parents of v: the entry's explicit Parents if
// v is the first LV of its run, or its implicit predecessor otherwise.
func (cg *CausalGraph) ParentsOf(v LV) (Frontier, error) {
	return cg.parentsOf(v)
}

// parentsOf returns the parents of v: the entry's explicit Parents if
// v is the first LV of its run, or its implicit predecessor otherwise.
func (cg *CausalGraph) parentsOf(v LV) (Frontier, error) {
	if v == RootLV {
		return nil, nil
	}
	e, off, ok := cg.findEntry(v)
	if !ok {
		return nil, fmt.Errorf("%w: lv %d", ErrUnknownID, v)
	}
	if off == 0 {
		return e.Parents, nil
	}
	return Frontier{v - 1}, nil
}

func sortDedup(lvs []LV) Frontier {
	if len(lvs) <= 1 {
		return lvs
	}
	sort.Slice(lvs, func(i, j int) bool { return lvs[i] < lvs[j] })
	j := 1
	for i := 1; i < len(lvs); i++ {
		if lvs[i] != lvs[i-1] {
			lvs[j] = lvs[i]
			j++
		}
	}
	return lvs[:j]
}

// resolveParents converts raw parents (nil meaning "current heads") to
// sorted, deduplicated LVs, checking that every parent precedes the
// version about to be assigned.
func (cg *CausalGraph) resolveParents(rawParents []RawVersion, startLV LV) (Frontier, error) {
	var parents []LV
	if rawParents == nil {
		parents = append(parents, []LV(cg.heads)...)
	} else {
		for _, rp := range rawParents {
			lv, err := cg.RawToLV(rp.Agent, rp.Seq)
			if err != nil {
				return nil, fmt.Errorf("%w: parent %s not found", ErrInvalidParents, rp)
			}
			parents = append(parents, lv)
		}
	}
	parents = sortDedup(parents)
	for _, p := range parents {
		if p >= startLV {
			return nil, fmt.Errorf("%w: parent lv %d >= child lv %d", ErrCycleDetected, p, startLV)
		}
	}
	return parents, nil
}

// AddLocal assigns a fresh, consecutive LV range of length count to a
// purely local batch of operations authored by agent, with parents
// defaulting to the current frontier when rawParents is nil. Returns
// the first LV assigned.
func (cg *CausalGraph) AddLocal(agent Agent, count int, rawParents []RawVersion) (LV, error) {
	if agent == RootAgent {
		return 0, fmt.Errorf("%w: agent may not be ROOT", ErrInvalidParents)
	}
	seq := cg.NextSeqForAgent(agent)
	return cg.addRawAt(RawVersion{Agent: agent, Seq: seq}, count, rawParents)
}

// AddRaw adds a new run of count versions identified by id to the
// graph, e.g. while ingesting a remote patch. If the whole range is
// already known, it's a benign duplicate: AddRaw returns RootLV and no
// error. If only a suffix is new, only that suffix is inserted,
// chained from the already-known prefix.
func (cg *CausalGraph) AddRaw(id RawVersion, count int, rawParents []RawVersion) (LV, error) {
	if count <= 0 {
		return 0, fmt.Errorf("%w: non-positive length", ErrInvalidParents)
	}
	known := cg.NextSeqForAgent(id.Agent)
	switch {
	case id.Seq+count <= known:
		return RootLV, nil // fully covered already
	case id.Seq < known:
		skip := known - id.Seq
		return cg.addRawAt(RawVersion{Agent: id.Agent, Seq: known}, count-skip,
			[]RawVersion{{Agent: id.Agent, Seq: known - 1}})
	case id.Seq > known:
		return 0, fmt.Errorf("%w: gap in agent %s sequence: have up to %d, got %d", ErrInvalidParents, id.Agent, known, id.Seq)
	default:
		return cg.addRawAt(id, count, rawParents)
	}
}

func (cg *CausalGraph) addRawAt(id RawVersion, count int, rawParents []RawVersion) (LV, error) {
	startLV := cg.nextLV
	endLV := startLV + LV(count)

	parents, err := cg.resolveParents(rawParents, startLV)
	if err != nil {
		return 0, err
	}

	// Fold into the previous entry when agent, seq and LV are all
	// contiguous and the parent chain is the trivial predecessor link;
	// otherwise start a new run.
	if n := len(cg.entries); n > 0 {
		prev := &cg.entries[n-1]
		if prev.Agent == id.Agent && prev.LVEnd == startLV && prev.SeqEnd() == id.Seq &&
			len(parents) == 1 && parents[0] == startLV-1 {
			prev.LVEnd = endLV
			cg.appendClientRun(id.Agent, id.Seq, count, startLV, true)
			cg.nextLV = endLV
			cg.advanceHeads(parents, startLV, endLV)
			return startLV, nil
		}
	}

	cg.entries = append(cg.entries, CGEntry{LVStart: startLV, LVEnd: endLV, Agent: id.Agent, SeqStart: id.Seq, Parents: parents})
	cg.appendClientRun(id.Agent, id.Seq, count, startLV, false)
	cg.nextLV = endLV
	cg.advanceHeads(parents, startLV, endLV)
	return startLV, nil
}

func (cg *CausalGraph) appendClientRun(agent Agent, seq, count int, lv LV, foldPrev bool) {
	runs := cg.clients[agent]
	if foldPrev && len(runs) > 0 {
		runs[len(runs)-1].SeqEnd += count
		return
	}
	cg.clients[agent] = append(runs, ClientEntry{Seq: seq, SeqEnd: seq + count, LV: lv})
}

func (cg *CausalGraph) advanceHeads(parents Frontier, startLV, endLV LV) {
	next := make(Frontier, 0, len(cg.heads)+1)
	for _, h := range cg.heads {
		if !parents.Contains(h) {
			next = append(next, h)
		}
	}
	// Interior LVs of the run are implicit parents of their successor,
	// so only the run's last LV becomes a head.
	next = append(next, endLV-1)
	cg.heads = sortDedup(next)
}

// --- Ancestry ---------------------------------------------------------

// VersionContainsTime reports whether target equals some element of
// frontier, or is a transitive ancestor of one.
func (cg *CausalGraph) VersionContainsTime(frontier Frontier, target LV) (bool, error) {
	if target == RootLV {
		return true, nil
	}
	if frontier.Contains(target) {
		return true, nil
	}
	if target < 0 || target >= cg.nextLV {
		return false, fmt.Errorf("%w: lv %d", ErrUnknownID, target)
	}
	visited := make(map[LV]bool)
	queue := append([]LV(nil), frontier...)
	for len(queue) > 0 {
		v := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if v == RootLV || visited[v] {
			continue
		}
		visited[v] = true
		if v < target {
			// parents are always numerically less than their child, so
			// target can never be an ancestor of something smaller.
			continue
		}
		if v == target {
			return true, nil
		}
		parents, err := cg.parentsOf(v)
		if err != nil {
			return false, err
		}
		for _, p := range parents {
			if p == target {
				return true, nil
			}
			if !visited[p] {
				queue = append(queue, p)
			}
		}
	}
	return false, nil
}

// heapTag marks which side(s) of a diff a pending LV belongs to.
type heapTag uint8

const (
	tagA heapTag = 1 << iota
	tagB
)

type heapItem struct {
	lv  LV
	tag heapTag
}

// maxLVHeap is a max-heap of pending LVs: the diff walk always expands
// the largest pending LV first, so runs are consumed in descending LV
// order and later reversed into ascending ranges.
type maxLVHeap []heapItem

func (h maxLVHeap) Len() int            { return len(h) }
func (h maxLVHeap) Less(i, j int) bool  { return h[i].lv > h[j].lv }
func (h maxLVHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxLVHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *maxLVHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Diff computes the LVs reachable from a but not b, and vice versa, as
// sorted ascending LV ranges. Items are tagged A, B, or A|B (shared) as
// the walk climbs parents; it stops once every item left on the heap
// is already shared, since shared ancestors can't contribute further
// distinct output.
func (cg *CausalGraph) Diff(a, b Frontier) (aOnly, bOnly []LVRange, err error) {
	h := &maxLVHeap{}
	heap.Init(h)
	seen := make(map[LV]heapTag)
	numShared := 0
	push := func(v LV, tag heapTag) {
		if v == RootLV {
			return
		}
		if existing, ok := seen[v]; ok {
			merged := existing | tag
			if merged != existing {
				wasShared := existing == (tagA | tagB)
				seen[v] = merged
				if !wasShared && merged == (tagA|tagB) {
					numShared++
				}
			}
			return
		}
		seen[v] = tag
		heap.Push(h, heapItem{lv: v, tag: tag})
	}
	for _, v := range a {
		push(v, tagA)
	}
	for _, v := range b {
		push(v, tagB)
	}

	var aDesc, bDesc []LV
	for h.Len() > 0 {
		if numShared > 0 && numShared == h.Len() {
			break
		}
		item := heap.Pop(h).(heapItem)
		tag := seen[item.lv]
		switch tag {
		case tagA:
			aDesc = append(aDesc, item.lv)
		case tagB:
			bDesc = append(bDesc, item.lv)
		default:
			numShared--
		}
		parents, perr := cg.parentsOf(item.lv)
		if perr != nil {
			return nil, nil, perr
		}
		for _, p := range parents {
			push(p, tag)
		}
	}
	return descToRanges(aDesc), descToRanges(bDesc), nil
}

func descToRanges(desc []LV) []LVRange {
	if len(desc) == 0 {
		return nil
	}
	var ranges []LVRange
	end := desc[0] + 1
	prev := desc[0]
	for _, v := range desc[1:] {
		if v == prev-1 {
			prev = v
			continue
		}
		ranges = append(ranges, LVRange{Start: prev, End: end})
		end = v + 1
		prev = v
	}
	ranges = append(ranges, LVRange{Start: prev, End: end})
	for i, j := 0, len(ranges)-1; i < j; i, j = i+1, j-1 {
		ranges[i], ranges[j] = ranges[j], ranges[i]
	}
	return ranges
}

// Summarize returns a compact version vector covering every LV
// reachable from frontier, inclusive.
func (cg *CausalGraph) Summarize(frontier Frontier) (VersionSummary, error) {
	summary := make(VersionSummary)
	visited := make(map[LV]bool)
	queue := append([]LV(nil), frontier...)
	agentSeqs := make(map[Agent][]int)
	for len(queue) > 0 {
		v := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if v == RootLV || visited[v] {
			continue
		}
		visited[v] = true
		raw, err := cg.LVToRaw(v)
		if err != nil {
			return nil, err
		}
		agentSeqs[raw.Agent] = append(agentSeqs[raw.Agent], raw.Seq)
		parents, err := cg.parentsOf(v)
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			if !visited[p] {
				queue = append(queue, p)
			}
		}
	}
	for agent, seqs := range agentSeqs {
		sort.Ints(seqs)
		var ranges [][2]int
		for _, s := range seqs {
			if len(ranges) > 0 && ranges[len(ranges)-1][1] == s {
				ranges[len(ranges)-1][1] = s + 1
				continue
			}
			ranges = append(ranges, [2]int{s, s + 1})
		}
		summary[agent] = ranges
	}
	return summary, nil
}

func summaryContains(s VersionSummary, rv RawVersion) bool {
	for _, r := range s[rv.Agent] {
		if rv.Seq >= r[0] && rv.Seq < r[1] {
			return true
		}
	}
	return false
}

// DiffSummary returns the LV ranges reachable from frontier but not
// covered by summary, merged into minimal ascending ranges. Used to
// decide which LVs in a remote patch are actually new to this replica.
func (cg *CausalGraph) DiffSummary(frontier Frontier, summary VersionSummary) ([]LVRange, error) {
	var missing []LVRange
	visited := make(map[LV]bool)
	queue := append([]LV(nil), frontier...)
	for len(queue) > 0 {
		v := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if v == RootLV || visited[v] {
			continue
		}
		visited[v] = true
		raw, err := cg.LVToRaw(v)
		if err != nil {
			return nil, err
		}
		if !summaryContains(summary, raw) {
			missing = append(missing, LVRange{Start: v, End: v + 1})
		}
		parents, err := cg.parentsOf(v)
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			if !visited[p] {
				queue = append(queue, p)
			}
		}
	}
	return mergeRanges(missing), nil
}

func mergeRanges(ranges []LVRange) []LVRange {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	out := []LVRange{ranges[0]}
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Relation describes the ancestry relationship between two LVs.
type Relation int

const (
	RelationEqual Relation = iota
	RelationAncestor
	RelationDescendant
	RelationConcurrent
)

// CompareVersions reports the ancestry relation between a and b.
func (cg *CausalGraph) CompareVersions(a, b LV) (Relation, error) {
	if a == b {
		return RelationEqual, nil
	}
	aAncestor, err := cg.VersionContainsTime(Frontier{b}, a)
	if err != nil {
		return 0, err
	}
	if aAncestor {
		return RelationAncestor, nil
	}
	bAncestor, err := cg.VersionContainsTime(Frontier{a}, b)
	if err != nil {
		return 0, err
	}
	if bAncestor {
		return RelationDescendant, nil
	}
	return RelationConcurrent, nil
}

// CompareRaw gives the total order used to tie-break concurrent
// operations for display and for the merge core's concurrent-insert
// resolution: lexicographic by agent, then numeric by seq.
func CompareRaw(a, b RawVersion) int {
	if a.Agent != b.Agent {
		if a.Agent < b.Agent {
			return -1
		}
		return 1
	}
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	default:
		return 0
	}
}

// CompareRawLV applies CompareRaw to two LVs, resolving each via
// LVToRaw. RootLV sorts before everything else.
func (cg *CausalGraph) CompareRawLV(a, b LV) (int, error) {
	if a == b {
		return 0, nil
	}
	if a == RootLV {
		return -1, nil
	}
	if b == RootLV {
		return 1, nil
	}
	ra, err := cg.LVToRaw(a)
	if err != nil {
		return 0, err
	}
	rb, err := cg.LVToRaw(b)
	if err != nil {
		return 0, err
	}
	return CompareRaw(ra, rb), nil
}

// FindDominators filters versions down to the subset not dominated
// (transitively preceded) by another version in the set — i.e. the
// frontier of the set's combined history.
func (cg *CausalGraph) FindDominators(versions Frontier) (Frontier, error) {
	uniq := sortDedup(append(Frontier(nil), versions...))
	if len(uniq) <= 1 {
		return uniq, nil
	}
	dominated := make(map[LV]bool)
	for _, v := range uniq {
		for _, w := range uniq {
			if v == w || dominated[v] {
				continue
			}
			isAncestor, err := cg.VersionContainsTime(Frontier{w}, v)
			if err != nil {
				return nil, err
			}
			if isAncestor {
				dominated[v] = true
			}
		}
	}
	var out Frontier
	for _, v := range uniq {
		if !dominated[v] {
			out = append(out, v)
		}
	}
	return out, nil
}

// FindConflicting computes the versions in a and b not shared by their
// common ancestry, invoking visit for each emitted range tagged "A" or
// "B", and returns their greatest common frontier: the dominators of
// every LV reachable from both a and b.
func (cg *CausalGraph) FindConflicting(a, b Frontier, visit func(r LVRange, tag string)) (Frontier, error) {
	aOnly, bOnly, err := cg.Diff(a, b)
	if err != nil {
		return nil, err
	}
	if visit != nil {
		for _, r := range aOnly {
			visit(r, "A")
		}
		for _, r := range bOnly {
			visit(r, "B")
		}
	}
	var common Frontier
	for v := LV(0); v < cg.nextLV; v++ {
		inA, errA := cg.VersionContainsTime(a, v)
		inB, errB := cg.VersionContainsTime(b, v)
		if err := errors.Join(errA, errB); err != nil {
			return nil, err
		}
		if inA && inB {
			common = append(common, v)
		}
	}
	return cg.FindDominators(common)
}
