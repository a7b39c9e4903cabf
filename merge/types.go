// Package merge implements the conflict-resolution core: given an
// operation log and a target version, it builds (incrementally, once
// per run) the permanent document-order structure backing the range
// tree, then replays visibility toggles to reconstruct any reachable
// version's content. Concurrent inserts anchored at the same position
// are ordered deterministically by their causal-graph identity, in the
// spirit of Yjs/YATA conflict resolution.
package merge

import (
	"go.uber.org/zap"

	"github.com/crdtext/core/causalgraph"
	"github.com/crdtext/core/oplog"
	"github.com/crdtext/core/rangetree"
)

// Walker incrementally integrates an OpLog's runs into a shared
// document-order structure and can check out any version reachable
// from the log's causal graph.
type Walker struct {
	log  *oplog.OpLog
	tree *rangetree.Tree

	// builtUpTo is the first LV not yet structurally integrated.
	builtUpTo causalgraph.LV

	// version is the frontier whose content is currently visible in tree.
	version causalgraph.Frontier

	// delTargets maps a delete op's LV to the LV it deleted, one entry
	// per consumed LV of a (possibly multi-character) delete run.
	delTargets map[causalgraph.LV]causalgraph.LV

	logger *zap.Logger
}

// New creates a walker over log. The walker keeps its own range tree;
// it does not mutate log.
func New(log *oplog.OpLog) *Walker {
	return &Walker{
		log:        log,
		tree:       rangetree.New(),
		delTargets: make(map[causalgraph.LV]causalgraph.LV),
		logger:     zap.NewNop(),
	}
}

// WithLogger attaches logger (nil resets to a no-op logger) and
// returns w for chaining at construction time.
func (w *Walker) WithLogger(logger *zap.Logger) *Walker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w.logger = logger
	return w
}

// Version returns the walker's current visible frontier.
func (w *Walker) Version() causalgraph.Frontier { return w.version.Clone() }
