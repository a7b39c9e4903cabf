package oplog

import (
	"errors"
	"fmt"

	"github.com/crdtext/core/causalgraph"
	"github.com/crdtext/core/internal/rle"
)

var (
	// ErrOutOfRange is returned when an LV outside the log is queried.
	ErrOutOfRange = errors.New("oplog: lv out of range")
	// ErrDocumentTooLarge is returned by PushInsert/PushDelete for a run
	// longer than maxRunLen runes.
	ErrDocumentTooLarge = errors.New("oplog: run exceeds maximum length")
)

// maxRunLen bounds the length of a single locally pushed run.
const maxRunLen = 1 << 20

// New creates an empty operation log backed by a fresh causal graph.
func New() *OpLog {
	return &OpLog{cg: causalgraph.New()}
}

// CG returns the underlying causal graph.
func (l *OpLog) CG() *causalgraph.CausalGraph { return l.cg }

// Len returns the number of LVs recorded.
func (l *OpLog) Len() int { return int(l.cg.NextLV()) }

func (l *OpLog) findRow(lv causalgraph.LV) (*Op, int, bool) {
	i, off, ok := rle.Search(l.ops, int64(lv))
	if !ok {
		return nil, 0, false
	}
	return &l.ops[i], int(off), true
}

// At returns the row containing lv and the offset of lv within it.
func (l *OpLog) At(lv causalgraph.LV) (Op, int, error) {
	row, off, ok := l.findRow(lv)
	if !ok {
		return Op{}, 0, fmt.Errorf("%w: lv %d", ErrOutOfRange, lv)
	}
	return *row, off, nil
}

// push appends a new run to the log, folding it into the previous row
// when kind/direction/position line up and the run's first LV has the
// previous LV as its only parent, mirroring the causal graph's own
// run-folding in addRawAt.
func (l *OpLog) push(kind Kind, pos int, fwd bool, content string, length int) {
	startLV := l.cg.NextLV() - causalgraph.LV(length)
	if n := len(l.ops); n > 0 {
		prev := &l.ops[n-1]
		parents, err := l.cg.ParentsOf(startLV)
		chained := err == nil && len(parents) == 1 && parents[0] == startLV-1
		if chained && prev.Kind == kind && prev.End() == startLV && foldablePosition(*prev, pos, fwd) {
			prev.Len += length
			prev.Content += content
			return
		}
	}
	l.ops = append(l.ops, Op{LV: startLV, Len: length, Kind: kind, Pos: pos, Fwd: fwd, Content: content})
}

// foldablePosition reports whether a new run starting at pos (with
// direction fwd) is a direct continuation of prev.
func foldablePosition(prev Op, pos int, fwd bool) bool {
	if prev.Fwd != fwd {
		return false
	}
	if fwd {
		return pos == prev.Pos+prev.Len
	}
	return pos == prev.Pos
}

// PushInsert records a local insertion of content at pos (document
// position, not LV), authored by agent, with parents defaulting to the
// causal graph's current heads when rawParents is nil. Returns the
// first LV assigned.
func (l *OpLog) PushInsert(agent causalgraph.Agent, pos int, content string, rawParents []causalgraph.RawVersion) (causalgraph.LV, error) {
	runes := []rune(content)
	if len(runes) == 0 {
		return causalgraph.RootLV, nil
	}
	if len(runes) > maxRunLen {
		return 0, fmt.Errorf("%w: %d runes", ErrDocumentTooLarge, len(runes))
	}
	lv, err := l.cg.AddLocal(agent, len(runes), rawParents)
	if err != nil {
		return 0, err
	}
	l.push(KindInsert, pos, true, content, len(runes))
	return lv, nil
}

// PushDelete records a local deletion of length runes starting at pos,
// authored by agent. fwd controls whether each successive delete in the
// run targets one position higher than the last (fwd) or stays at pos
// (!fwd); removing length contiguous runes from pos, as the Delete key
// does, holds pos fixed.
func (l *OpLog) PushDelete(agent causalgraph.Agent, pos, length int, fwd bool, rawParents []causalgraph.RawVersion) (causalgraph.LV, error) {
	if length <= 0 {
		return causalgraph.RootLV, nil
	}
	if length > maxRunLen {
		return 0, fmt.Errorf("%w: %d", ErrDocumentTooLarge, length)
	}
	lv, err := l.cg.AddLocal(agent, length, rawParents)
	if err != nil {
		return 0, err
	}
	l.push(KindDelete, pos, fwd, "", length)
	return lv, nil
}

// PushRemote integrates a run already identified by id (e.g. received
// over the wire), returning the first newly-assigned LV, or
// causalgraph.RootLV if the whole run was already known.
func (l *OpLog) PushRemote(id causalgraph.RawVersion, kind Kind, pos int, fwd bool, content string, length int, rawParents []causalgraph.RawVersion) (causalgraph.LV, error) {
	before := l.cg.NextLV()
	lv, err := l.cg.AddRaw(id, length, rawParents)
	if err != nil {
		return 0, err
	}
	if lv == causalgraph.RootLV {
		return causalgraph.RootLV, nil // fully duplicate
	}
	added := int(l.cg.NextLV() - before)
	skip := length - added
	runes := []rune(content)
	newContent := content
	if kind == KindInsert && skip > 0 {
		newContent = string(runes[skip:])
	}
	newPos := pos
	if fwd {
		newPos = pos + skip
	}
	l.push(kind, newPos, fwd, newContent, added)
	return lv, nil
}

// Rows returns the underlying run list; read-only.
func (l *OpLog) Rows() []Op { return l.ops }

// HistoryEntry is one human-readable row of GetHistory's summary.
type HistoryEntry struct {
	Agent    causalgraph.Agent
	SeqStart int
	SeqEnd   int
	Parents  causalgraph.Frontier
	Kind     Kind
	Pos      int
	Len      int
}

// GetHistory returns a per-run, human-readable summary of the causal
// graph paired with each run's edit metadata — useful for debugging
// and for displaying a replica's edit timeline.
func (l *OpLog) GetHistory() ([]HistoryEntry, error) {
	entries := l.cg.Entries()
	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		row, _, ok := l.findRow(e.LVStart)
		if !ok {
			return nil, fmt.Errorf("%w: lv %d", ErrOutOfRange, e.LVStart)
		}
		out = append(out, HistoryEntry{
			Agent:    e.Agent,
			SeqStart: e.SeqStart,
			SeqEnd:   e.SeqEnd(),
			Parents:  e.Parents,
			Kind:     row.Kind,
			Pos:      row.Pos,
			Len:      e.Len(),
		})
	}
	return out, nil
}
