package merge

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/crdtext/core/causalgraph"
	"github.com/crdtext/core/oplog"
)

// ErrDeleteTargetMissing indicates an internal inconsistency: a delete
// op's previously-recorded target could not be found when replaying.
var ErrDeleteTargetMissing = errors.New("merge: delete op has no recorded target")

// ensureBuilt structurally integrates every run up to (but not
// including) upTo that hasn't been integrated yet. Integration is
// permanent: once a run's items are placed in document order they are
// never moved again, only toggled visible/invisible as the walker's
// version changes.
func (w *Walker) ensureBuilt(upTo causalgraph.LV) error {
	for w.builtUpTo < upTo {
		row, off, err := w.log.At(w.builtUpTo)
		if err != nil {
			return err
		}
		if off != 0 {
			return fmt.Errorf("merge: builtUpTo %d lands mid-run", w.builtUpTo)
		}
		parents, err := w.log.CG().ParentsOf(row.LV)
		if err != nil {
			return err
		}
		if err := w.advanceRetreatTo(parents); err != nil {
			return err
		}
		for i := 0; i < row.Len; i++ {
			lv := row.LV + causalgraph.LV(i)
			pos := row.PosAt(i)
			switch row.Kind {
			case oplog.KindInsert:
				if err := w.integrateInsert(lv, pos); err != nil {
					return err
				}
			case oplog.KindDelete:
				if err := w.integrateDelete(lv, pos); err != nil {
					return err
				}
			}
			w.version = causalgraph.Frontier{lv}
		}
		w.builtUpTo = row.End()
	}
	w.logger.Debug("merge: structural build complete", zap.Int64("built_up_to", int64(w.builtUpTo)))
	return nil
}

// nextStructural returns the LV immediately after from in document
// order, treating causalgraph.RootLV as "before the document start".
func (w *Walker) nextStructural(from causalgraph.LV) (causalgraph.LV, bool) {
	if from == causalgraph.RootLV {
		return w.tree.HeadLV()
	}
	return w.tree.NextStructuralLV(from)
}

// integrateInsert places a single new item (local version lv) into
// the shared document structure, resolving its final position against
// any existing siblings anchored at the same origin-left by the
// causal graph's raw (agent, seq) tie-break; items anchored inside a
// sibling that is skipped are skipped along with it. Concurrent inserts
// at the same position always converge on the same relative order
// regardless of which replica integrates them first.
func (w *Walker) integrateInsert(lv causalgraph.LV, pos int) error {
	originLeft := causalgraph.RootLV
	if pos > 0 {
		c, ok := w.tree.CursorAtPos(pos - 1)
		if ok {
			originLeft = c.LV()
		}
	}
	originRight := causalgraph.RootLV
	if pos < w.tree.VisibleLen() {
		c, ok := w.tree.CursorAtPos(pos)
		if ok {
			originRight = c.LV()
		}
	}

	cursorLV := originLeft
	passed := make(map[causalgraph.LV]bool)
	for {
		next, ok := w.nextStructural(cursorLV)
		if !ok || next == originRight {
			break
		}
		nextOriginLeft, err := w.tree.OriginLeftOf(next)
		if err != nil {
			return err
		}
		if nextOriginLeft != originLeft {
			if !passed[nextOriginLeft] {
				break // next is anchored before originLeft: stop before it
			}
			// next descends from an item already skipped: skip it too.
			passed[next] = true
			cursorLV = next
			continue
		}
		cmp, err := w.log.CG().CompareRawLV(next, lv)
		if err != nil {
			return err
		}
		if cmp > 0 {
			w.logger.Debug("merge: concurrent insert tie-break",
				zap.Int64("new_lv", int64(lv)), zap.Int64("yields_to_lv", int64(next)))
			break // next's identity sorts after the new item: stop before it
		}
		passed[next] = true
		cursorLV = next
	}

	if cursorLV == causalgraph.RootLV {
		w.tree.InsertAfter(nil, lv, 1, originLeft, originRight)
		return nil
	}
	c, ok := w.tree.Find(cursorLV)
	if !ok {
		return fmt.Errorf("merge: lost structural position for lv %d", cursorLV)
	}
	w.tree.InsertAfter(&c, lv, 1, originLeft, originRight)
	return nil
}

// integrateDelete resolves the item currently visible at pos and
// records it as lv's target, so later retreat/advance can toggle
// exactly that item rather than whatever happens to occupy pos later.
func (w *Walker) integrateDelete(lv causalgraph.LV, pos int) error {
	c, ok := w.tree.CursorAtPos(pos)
	if !ok || pos >= w.tree.VisibleLen() {
		return fmt.Errorf("merge: delete at pos %d has no visible target (lv %d)", pos, lv)
	}
	target := c.LV()
	if err := w.tree.MarkDeleted(target, 1); err != nil {
		return err
	}
	w.delTargets[lv] = target
	return nil
}

// applyOp toggles a previously-integrated item visible as the walker
// advances forward over it.
func (w *Walker) applyOp(lv causalgraph.LV) error {
	row, _, err := w.log.At(lv)
	if err != nil {
		return err
	}
	switch row.Kind {
	case oplog.KindInsert:
		return w.tree.Unmark(lv, 1)
	case oplog.KindDelete:
		target, ok := w.delTargets[lv]
		if !ok {
			return fmt.Errorf("%w: lv %d", ErrDeleteTargetMissing, lv)
		}
		return w.tree.MarkDeleted(target, 1)
	}
	return nil
}

// retreatOp undoes applyOp, toggling a previously-integrated item
// invisible again as the walker retreats past it.
func (w *Walker) retreatOp(lv causalgraph.LV) error {
	row, _, err := w.log.At(lv)
	if err != nil {
		return err
	}
	switch row.Kind {
	case oplog.KindInsert:
		return w.tree.MarkDeleted(lv, 1)
	case oplog.KindDelete:
		target, ok := w.delTargets[lv]
		if !ok {
			return fmt.Errorf("%w: lv %d", ErrDeleteTargetMissing, lv)
		}
		return w.tree.Unmark(target, 1)
	}
	return nil
}

// advanceRetreatTo moves the walker's visible version from its
// current frontier to target, applying newly-reachable items and
// retreating items no longer reachable. Both sides of the diff are
// ranges of previously-integrated LVs; retreat runs in descending
// order (undo most recent first), apply in ascending order.
func (w *Walker) advanceRetreatTo(target causalgraph.Frontier) error {
	aOnly, bOnly, err := w.log.CG().Diff(target, w.version)
	if err != nil {
		return err
	}
	for i := len(bOnly) - 1; i >= 0; i-- {
		r := bOnly[i]
		for lv := r.End - 1; lv >= r.Start; lv-- {
			if err := w.retreatOp(lv); err != nil {
				return err
			}
		}
	}
	for _, r := range aOnly {
		for lv := r.Start; lv < r.End; lv++ {
			if err := w.applyOp(lv); err != nil {
				return err
			}
		}
	}
	w.version = target.Clone()
	return nil
}

// Checkout builds the full document structure (if not already built)
// and returns the text visible at target.
func (w *Walker) Checkout(target causalgraph.Frontier) (string, error) {
	if err := w.ensureBuilt(w.log.CG().NextLV()); err != nil {
		return "", err
	}
	if err := w.advanceRetreatTo(target); err != nil {
		return "", err
	}
	var sb strings.Builder
	var visitErr error
	w.tree.VisitVisible(func(lv causalgraph.LV, length int) {
		if visitErr != nil {
			return
		}
		for i := 0; i < length; i++ {
			row, off, err := w.log.At(lv + causalgraph.LV(i))
			if err != nil {
				visitErr = err
				return
			}
			sb.WriteRune(row.RuneAt(off))
		}
	})
	if visitErr != nil {
		return "", visitErr
	}
	return sb.String(), nil
}

// PositionAt builds the document structure if needed and reports
// whether lv is visible at target, and if so, its document position —
// answering "given a CRDT identity and a version, where does it
// appear?" For a delete op's LV, the position and visibility reported
// are those of the item it deleted.
func (w *Walker) PositionAt(target causalgraph.Frontier, lv causalgraph.LV) (pos int, visible bool, err error) {
	if err := w.ensureBuilt(w.log.CG().NextLV()); err != nil {
		return 0, false, err
	}
	if err := w.advanceRetreatTo(target); err != nil {
		return 0, false, err
	}
	if item, ok := w.delTargets[lv]; ok {
		lv = item
	}
	return w.tree.PositionOf(lv)
}

// IdentityAt builds the document structure if needed and returns the
// LV at document position pos under target — answering "given a local
// position, what is its stable CRDT identity?"
func (w *Walker) IdentityAt(target causalgraph.Frontier, pos int) (causalgraph.LV, error) {
	if err := w.ensureBuilt(w.log.CG().NextLV()); err != nil {
		return 0, err
	}
	if err := w.advanceRetreatTo(target); err != nil {
		return 0, err
	}
	c, ok := w.tree.CursorAtPos(pos)
	if !ok {
		return 0, fmt.Errorf("merge: position %d out of range", pos)
	}
	return c.LV(), nil
}
