// Package textcrdt is the public library surface over the lower-level
// causalgraph/oplog/rangetree/merge/codec/branch packages: one OpLog
// per replica, any number of Branches checked out against it.
package textcrdt

import (
	"errors"

	"github.com/crdtext/core/causalgraph"
	"github.com/crdtext/core/codec"
	"github.com/crdtext/core/oplog"
)

// Re-exported so most callers never need to import a subpackage
// directly.
type (
	Agent      = causalgraph.Agent
	LV         = causalgraph.LV
	RawVersion = causalgraph.RawVersion
	Version    = causalgraph.Frontier
)

// RootLV is the sentinel LV denoting "before anything" / "no new op".
const RootLV = causalgraph.RootLV

var (
	// ErrUnknownID is returned when a queried (agent, seq) is not in the
	// causal graph.
	ErrUnknownID = causalgraph.ErrUnknownID
	// ErrInvalidParents is returned when a parent LV is >= its child, or
	// a raw parent names an unknown id.
	ErrInvalidParents = causalgraph.ErrInvalidParents
	// ErrVersionNotReached is returned by GetPatchSince when the
	// requested version is not dominated by the log's current
	// frontier — the caller knows about operations this log does not.
	ErrVersionNotReached = errors.New("textcrdt: version not reached by this log")
	// ErrDuplicateOperation would mark an ingested (agent, seq) range
	// that collides with a locally-known range under different
	// content; the causal graph's own dedup is structural only (by
	// range, not content), so this is reserved for a future content
	// comparison pass — see DESIGN.md.
	ErrDuplicateOperation = errors.New("textcrdt: duplicate operation with conflicting content")
	// ErrCorruptFile covers all wire-format decode failures.
	ErrCorruptFile = codec.ErrCorruptFile
	// ErrDocumentTooLarge is returned when a single local insert or
	// delete run exceeds the op log's per-run length limit.
	ErrDocumentTooLarge = oplog.ErrDocumentTooLarge
	// ErrInvariantViolation signals an internal bug; never expected in
	// normal operation.
	ErrInvariantViolation = causalgraph.ErrInvariantViolation
)

// XFEntry is one row of GetXF/GetXFSince: the live document position
// (and visibility) of a single recorded op, transformed against the
// log's current frontier.
type XFEntry struct {
	LV      LV
	Pos     int
	Visible bool
}
