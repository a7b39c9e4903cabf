package branch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crdtext/core/causalgraph"
	"github.com/crdtext/core/codec"
	"github.com/crdtext/core/oplog"
)

func TestAll_ReflectsFullDocument(t *testing.T) {
	log := oplog.New()
	_, err := log.PushInsert("a", 0, "hi there", nil)
	require.NoError(t, err)
	_, err = log.PushDelete("a", 1, 1, false, nil)
	require.NoError(t, err)

	b, err := All(log)
	require.NoError(t, err)
	assert.Equal(t, "h there", b.Get())
	assert.Equal(t, log.CG().Heads(), b.Frontier())
}

func TestMergeTo_EarlierVersion(t *testing.T) {
	log := oplog.New()
	v1, err := log.PushInsert("a", 0, "hi", nil)
	require.NoError(t, err)
	_, err = log.PushInsert("a", 2, " there", nil)
	require.NoError(t, err)

	b := New()
	require.NoError(t, b.MergeTo(log, causalgraph.Frontier{v1 + 1}))
	assert.Equal(t, "hi", b.Get())

	require.NoError(t, b.MergeAll(log))
	assert.Equal(t, "hi there", b.Get())
}

// TestSnapshotEquivalence exercises spec scenario (e): a branch built
// directly from the log must match one rebuilt from the log's own
// encoded bytes.
func TestSnapshotEquivalence(t *testing.T) {
	log := oplog.New()
	_, err := log.PushInsert("a", 0, "ac", nil)
	require.NoError(t, err)
	baseParents := []causalgraph.RawVersion{{Agent: "a", Seq: 1}}
	_, err = log.PushInsert("a", 1, "b", baseParents)
	require.NoError(t, err)
	_, err = log.PushInsert("c", 2, "d", baseParents)
	require.NoError(t, err)

	b1, err := All(log)
	require.NoError(t, err)

	data, err := codec.Encode(log, nil)
	require.NoError(t, err)
	decodedLog, err := codec.Decode(data, nil)
	require.NoError(t, err)

	b2, err := All(decodedLog)
	require.NoError(t, err)

	assert.Equal(t, b1.Get(), b2.Get())
	assert.ElementsMatch(t, b1.Frontier(), decodedLog.CG().Heads())
}

// TestMergeTo_ConcurrentFrontiersJoin exercises spec §4.6's incremental
// merge: given two forks where neither version dominates the other,
// the branch's resulting frontier must contain both, not silently
// drop whichever one MergeTo wasn't last called with.
func TestMergeTo_ConcurrentFrontiersJoin(t *testing.T) {
	log := oplog.New()
	_, err := log.PushInsert("seph", 0, "aaa", nil)
	require.NoError(t, err)
	baseParents := []causalgraph.RawVersion{{Agent: "seph", Seq: 2}}
	aLV, err := log.PushInsert("a", 3, "A", baseParents)
	require.NoError(t, err)
	bLV, err := log.PushInsert("b", 3, "B", baseParents)
	require.NoError(t, err)

	b := New()
	require.NoError(t, b.MergeTo(log, causalgraph.Frontier{aLV}))
	assert.Equal(t, "aaaA", b.Get())

	require.NoError(t, b.MergeTo(log, causalgraph.Frontier{bLV}))
	assert.ElementsMatch(t, causalgraph.Frontier{aLV, bLV}, b.Frontier())
	assert.Equal(t, "aaaAB", b.Get())
}

func TestDoubleDelete_Idempotent(t *testing.T) {
	log := oplog.New()
	_, err := log.PushInsert("seph", 0, "aaa", nil)
	require.NoError(t, err)
	base := []causalgraph.RawVersion{{Agent: "seph", Seq: 2}}
	_, err = log.PushDelete("a", 0, 2, false, base)
	require.NoError(t, err)
	_, err = log.PushDelete("b", 1, 2, false, base)
	require.NoError(t, err)

	b, err := All(log)
	require.NoError(t, err)
	assert.Equal(t, "", b.Get())
}
