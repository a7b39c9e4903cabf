// Package branch materializes one checked-out version of an OpLog's
// document as plain text, tracked incrementally as the log grows. A
// Branch owns its own merge walker (see package merge), created over
// the log it is first checked out against, plus its own frontier; the
// Branch keeps no OpLog field of its own, so any number of Branches can
// share one log.
package branch

import (
	"github.com/crdtext/core/causalgraph"
	"github.com/crdtext/core/merge"
	"github.com/crdtext/core/oplog"
)

// Branch is a materialized document state at one frontier.
type Branch struct {
	walker  *merge.Walker
	version causalgraph.Frontier
	content string
}

// New returns an empty branch, not yet attached to any log.
func New() *Branch {
	return &Branch{}
}

// All builds a branch holding the full current content of log (i.e.
// checked out at its causal graph's heads).
func All(log *oplog.OpLog) (*Branch, error) {
	b := &Branch{walker: merge.New(log)}
	if err := b.Checkout(log, log.CG().Heads()); err != nil {
		return nil, err
	}
	return b, nil
}

// Frontier returns the branch's current version.
func (b *Branch) Frontier() causalgraph.Frontier { return b.version.Clone() }

// Get returns the branch's current text content.
func (b *Branch) Get() string { return b.content }

// Checkout moves the branch to an absolute version reachable from log,
// discarding whatever content it previously held: the resulting
// version is exactly version, not a join with whatever the branch held
// before.
func (b *Branch) Checkout(log *oplog.OpLog, version causalgraph.Frontier) error {
	if b.walker == nil {
		b.walker = merge.New(log)
	}
	text, err := b.walker.Checkout(version)
	if err != nil {
		return err
	}
	b.content = text
	b.version = b.walker.Version()
	return nil
}

// MergeTo advances the branch to the join of its previous version and
// version, both of which must be reachable from log's causal graph.
// Unlike Checkout, a concurrent (non-dominating) version does not
// replace the branch's prior content: the join keeps both forks'
// edits visible, matching OpLog.merge's incremental semantics in the
// library surface.
func (b *Branch) MergeTo(log *oplog.OpLog, version causalgraph.Frontier) error {
	combined := append(b.version.Clone(), version...)
	joined, err := log.CG().FindDominators(combined)
	if err != nil {
		return err
	}
	return b.Checkout(log, joined)
}

// MergeAll advances the branch to log's current heads.
func (b *Branch) MergeAll(log *oplog.OpLog) error {
	return b.MergeTo(log, log.CG().Heads())
}
