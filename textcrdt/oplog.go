package textcrdt

import (
	"fmt"
	"unicode/utf16"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crdtext/core/branch"
	"github.com/crdtext/core/causalgraph"
	"github.com/crdtext/core/codec"
	"github.com/crdtext/core/merge"
	"github.com/crdtext/core/oplog"
)

// OpLog is one replica's handle onto a collaborative document: the
// causal graph, the run-length-encoded edit history, and the agent
// identity new local edits are attributed to.
type OpLog struct {
	log    *oplog.OpLog
	agent  Agent
	logger *zap.Logger
}

// New creates an empty OpLog authored as agent. An empty agent name is
// replaced by a fresh UUID, mirroring how a new site/replica picks its
// own identity. logger may be nil (defaults to a no-op logger).
func New(agent string, logger *zap.Logger) *OpLog {
	if agent == "" {
		agent = uuid.NewString()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpLog{log: oplog.New(), agent: Agent(agent), logger: logger}
}

// SetAgent changes the identity subsequent local Ins/Del calls are
// attributed to.
func (o *OpLog) SetAgent(agent string) { o.agent = Agent(agent) }

// Ins records a local insertion of text at pos, parented on parents
// when given, otherwise on the log's current frontier.
func (o *OpLog) Ins(pos int, text string, parents ...RawVersion) (LV, error) {
	return o.log.PushInsert(o.agent, pos, text, parentsOrNil(parents))
}

// Del records a local forward deletion of length runes starting at
// pos, parented on parents when given, otherwise on the log's current
// frontier.
func (o *OpLog) Del(pos, length int, parents ...RawVersion) (LV, error) {
	return o.log.PushDelete(o.agent, pos, length, false, parentsOrNil(parents))
}

func parentsOrNil(parents []RawVersion) []RawVersion {
	if len(parents) == 0 {
		return nil
	}
	return parents
}

// GetLocalVersion returns the log's current frontier, expressed as
// local LVs (only meaningful to this replica).
func (o *OpLog) GetLocalVersion() Version { return o.log.CG().Heads().Clone() }

// GetRemoteVersion returns the log's current frontier translated to
// the portable (agent, seq) form.
func (o *OpLog) GetRemoteVersion() ([]RawVersion, error) {
	return o.log.CG().LVToRawList(o.log.CG().Heads())
}

// LocalToRemoteVersion translates a set of local LVs to their portable
// (agent, seq) identities.
func (o *OpLog) LocalToRemoteVersion(lvs Version) ([]RawVersion, error) {
	return o.log.CG().LVToRawList(lvs)
}

// GetPatchSince encodes every operation reachable from the log's
// current frontier but not from version, in the wire format, suitable
// for sending to a peer already caught up to version. version must be
// dominated by the log's current frontier (it may not name operations
// this log has never seen).
func (o *OpLog) GetPatchSince(version Version) ([]byte, error) {
	for _, v := range version {
		if v >= o.log.CG().NextLV() {
			return nil, fmt.Errorf("%w: lv %d unknown to this log", ErrVersionNotReached, v)
		}
	}
	aOnly, bOnly, err := o.log.CG().Diff(version, o.log.CG().Heads())
	if err != nil {
		return nil, err
	}
	if len(aOnly) > 0 {
		return nil, fmt.Errorf("%w: version names %d lv(s) unknown to this log", ErrVersionNotReached, aOnly[0].Len())
	}
	ranges := make([]causalgraph.LVRange, len(bOnly))
	copy(ranges, bOnly)
	return codec.EncodeRange(o.log, ranges, o.logger)
}

// AddFromBytes integrates a patch produced by GetPatchSince/ToBytes
// into this log, exactly like ingesting a remote peer's changes.
// Returns the first newly-added LV, or causalgraph.RootLV if every run
// in data was already known (a benign, idempotent no-op).
func (o *OpLog) AddFromBytes(data []byte) (LV, error) {
	return codec.DecodeInto(o.log, data, o.logger)
}

// ToBytes serializes the log's entire causal graph and operation
// history to the chunked wire format.
func (o *OpLog) ToBytes() ([]byte, error) {
	return codec.Encode(o.log, o.logger)
}

// FromBytes decodes a wire-format file into a fresh OpLog authored (for
// subsequent local edits) as agent.
func FromBytes(data []byte, agent string, logger *zap.Logger) (*OpLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log, err := codec.Decode(data, logger)
	if err != nil {
		return nil, err
	}
	if agent == "" {
		agent = uuid.NewString()
	}
	return &OpLog{log: log, agent: Agent(agent), logger: logger}, nil
}

// GetOps returns the underlying run-length-encoded rows; read-only.
func (o *OpLog) GetOps() []oplog.Op { return o.log.Rows() }

// GetHistory returns a per-run, human-readable summary of the causal
// graph paired with each run's edit metadata.
func (o *OpLog) GetHistory() ([]oplog.HistoryEntry, error) { return o.log.GetHistory() }

// GetXF returns the live document position (and visibility) of every
// recorded op at the log's current frontier.
func (o *OpLog) GetXF() ([]XFEntry, error) {
	return o.xfRange(0, o.log.CG().NextLV())
}

// GetXFSince returns the live document position of every op reachable
// from the current frontier but not from version.
func (o *OpLog) GetXFSince(version Version) ([]XFEntry, error) {
	_, bOnly, err := o.log.CG().Diff(version, o.log.CG().Heads())
	if err != nil {
		return nil, err
	}
	w := merge.New(o.log)
	heads := o.log.CG().Heads()
	var out []XFEntry
	for _, r := range bOnly {
		for lv := r.Start; lv < r.End; lv++ {
			pos, visible, err := w.PositionAt(heads, lv)
			if err != nil {
				return nil, err
			}
			out = append(out, XFEntry{LV: lv, Pos: pos, Visible: visible})
		}
	}
	return out, nil
}

func (o *OpLog) xfRange(start, end causalgraph.LV) ([]XFEntry, error) {
	w := merge.New(o.log)
	heads := o.log.CG().Heads()
	out := make([]XFEntry, 0, int(end-start))
	for lv := start; lv < end; lv++ {
		pos, visible, err := w.PositionAt(heads, lv)
		if err != nil {
			return nil, err
		}
		out = append(out, XFEntry{LV: lv, Pos: pos, Visible: visible})
	}
	return out, nil
}

// Clone returns an independent copy of the log's full history,
// authored under a fresh UUID agent identity (a new site joining with
// a seeded history).
func (o *OpLog) Clone() (*OpLog, error) {
	data, err := codec.Encode(o.log, o.logger)
	if err != nil {
		return nil, err
	}
	cloned, err := codec.Decode(data, o.logger)
	if err != nil {
		return nil, err
	}
	return &OpLog{log: cloned, agent: Agent(uuid.NewString()), logger: o.logger}, nil
}

// MergeVersions returns the dominating frontier (join) of a and b —
// the smallest set of LVs whose combined ancestry covers both.
func (o *OpLog) MergeVersions(a, b Version) (Version, error) {
	combined := append(append(Version{}, a...), b...)
	return o.log.CG().FindDominators(combined)
}

// currentText checks out the log's full content at its current
// frontier, used by the Unicode/UTF-16 position converters below.
func (o *OpLog) currentText() (string, error) {
	b, err := branch.All(o.log)
	if err != nil {
		return "", err
	}
	return b.Get(), nil
}

// CharsToWchars converts a position expressed in Unicode scalar counts
// (this log's canonical unit) to the equivalent UTF-16 code-unit count
// within the log's current content, for host environments (e.g.
// JavaScript, Windows APIs) whose strings are UTF-16.
func (o *OpLog) CharsToWchars(pos int) (int, error) {
	text, err := o.currentText()
	if err != nil {
		return 0, err
	}
	return CharsToWchars(text, pos), nil
}

// WcharsToChars converts a UTF-16 code-unit position within the log's
// current content back to a Unicode scalar count.
func (o *OpLog) WcharsToChars(wpos int) (int, error) {
	text, err := o.currentText()
	if err != nil {
		return 0, err
	}
	return WcharsToChars(text, wpos), nil
}

// CharsToWchars converts a Unicode scalar position within s to the
// equivalent UTF-16 code-unit position. pos is clamped to len([]rune(s)).
func CharsToWchars(s string, pos int) int {
	runes := []rune(s)
	if pos > len(runes) {
		pos = len(runes)
	}
	if pos < 0 {
		pos = 0
	}
	return len(utf16.Encode(runes[:pos]))
}

// WcharsToChars converts a UTF-16 code-unit position within s to the
// equivalent Unicode scalar position. wpos is clamped to the encoded
// length of s.
func WcharsToChars(s string, wpos int) int {
	units := utf16.Encode([]rune(s))
	if wpos > len(units) {
		wpos = len(units)
	}
	if wpos < 0 {
		wpos = 0
	}
	return len(utf16.Decode(units[:wpos]))
}
