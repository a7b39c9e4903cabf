package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crdtext/core/causalgraph"
	"github.com/crdtext/core/merge"
	"github.com/crdtext/core/oplog"
)

func checkoutAll(t *testing.T, log *oplog.OpLog) string {
	t.Helper()
	w := merge.New(log)
	text, err := w.Checkout(log.CG().Heads())
	require.NoError(t, err)
	return text
}

func TestEncodeDecode_RoundTrip_SingleAgent(t *testing.T) {
	log := oplog.New()
	_, err := log.PushInsert("a", 0, "hi there", nil)
	require.NoError(t, err)
	_, err = log.PushDelete("a", 1, 2, false, nil)
	require.NoError(t, err)

	data, err := Encode(log, nil)
	require.NoError(t, err)
	assert.Equal(t, Magic[:], data[:8])

	decoded, err := Decode(data, nil)
	require.NoError(t, err)

	assert.Equal(t, checkoutAll(t, log), checkoutAll(t, decoded))
	assert.Equal(t, log.CG().NextLV(), decoded.CG().NextLV())
}

func TestEncodeDecode_RoundTrip_ConcurrentBranches(t *testing.T) {
	log := oplog.New()
	_, err := log.PushInsert("a", 0, "ac", nil)
	require.NoError(t, err)
	baseParents := []causalgraph.RawVersion{{Agent: "a", Seq: 1}}
	_, err = log.PushInsert("a", 1, "b", baseParents)
	require.NoError(t, err)
	_, err = log.PushInsert("c", 2, "d", baseParents)
	require.NoError(t, err)

	data, err := Encode(log, nil)
	require.NoError(t, err)
	decoded, err := Decode(data, nil)
	require.NoError(t, err)

	assert.Equal(t, checkoutAll(t, log), checkoutAll(t, decoded))

	summary, err := log.CG().Summarize(log.CG().Heads())
	require.NoError(t, err)
	decSummary, err := decoded.CG().Summarize(decoded.CG().Heads())
	require.NoError(t, err)
	assert.Equal(t, summary, decSummary)
}

func TestEncodeDecode_RunLengthInsertCollapses(t *testing.T) {
	log := oplog.New()
	for i := 0; i < 1000; i++ {
		_, err := log.PushInsert("a", i, "x", nil)
		require.NoError(t, err)
	}
	require.Len(t, log.Rows(), 1, "sequential typing folds to one row")
	require.Len(t, log.CG().Entries(), 1, "sequential typing folds to one CG entry")

	data, err := Encode(log, nil)
	require.NoError(t, err)
	decoded, err := Decode(data, nil)
	require.NoError(t, err)

	assert.Equal(t, checkoutAll(t, log), checkoutAll(t, decoded))
	assert.Len(t, decoded.Rows(), 1)
}

func TestDecode_RejectsBadMagic(t *testing.T) {
	_, err := Decode([]byte("not a valid file at all"), nil)
	require.Error(t, err)
}

func TestDecode_RejectsCorruptCRC(t *testing.T) {
	log := oplog.New()
	_, err := log.PushInsert("a", 0, "hello", nil)
	require.NoError(t, err)

	data, err := Encode(log, nil)
	require.NoError(t, err)
	corrupt := append([]byte(nil), data...)
	corrupt[len(corrupt)-1] ^= 0xFF

	_, err = Decode(corrupt, nil)
	assert.ErrorIs(t, err, ErrCorruptFile)
}

func TestEncodeDecode_LargeContentCompresses(t *testing.T) {
	log := oplog.New()
	big := make([]byte, 0, 4096)
	for i := 0; i < 4096; i++ {
		big = append(big, 'x')
	}
	_, err := log.PushInsert("a", 0, string(big), nil)
	require.NoError(t, err)

	data, err := Encode(log, nil)
	require.NoError(t, err)
	assert.Less(t, len(data), 4096, "repetitive content should compress smaller than the source")

	decoded, err := Decode(data, nil)
	require.NoError(t, err)
	assert.Equal(t, checkoutAll(t, log), checkoutAll(t, decoded))
}

func TestEncodeRange_FiltersToRequestedLVs(t *testing.T) {
	log := oplog.New()
	// Both inserts are root-parented (independent), so the second can
	// be decoded as a standalone patch with no dependency on the first.
	_, err := log.PushInsert("a", 0, "hi", []causalgraph.RawVersion{})
	require.NoError(t, err)
	v2, err := log.PushInsert("b", 0, " there", []causalgraph.RawVersion{})
	require.NoError(t, err)

	data, err := EncodeRange(log, []causalgraph.LVRange{{Start: v2, End: log.CG().NextLV()}}, nil)
	require.NoError(t, err)

	decoded, err := Decode(data, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, decoded.Len(), "only the second insert's 6 runes were in range")
	assert.Equal(t, " there", checkoutAll(t, decoded))
}

// TestDecodeInto_MergesIntoExistingLog exercises the AddFromBytes path:
// decoding into a peer's own log should integrate only the remote's
// new runs and report the first newly-added LV.
func TestDecodeInto_MergesIntoExistingLog(t *testing.T) {
	remote := oplog.New()
	_, err := remote.PushInsert("a", 0, "hi there", nil)
	require.NoError(t, err)
	data, err := Encode(remote, nil)
	require.NoError(t, err)

	local := oplog.New()
	_, err = local.PushInsert("b", 0, "yo", nil)
	require.NoError(t, err)
	beforeLV := local.CG().NextLV()

	firstNew, err := DecodeInto(local, data, nil)
	require.NoError(t, err)
	assert.Equal(t, beforeLV, firstNew)
	assert.Equal(t, int(beforeLV)+8, local.Len())

	// Re-applying the same patch is a pure duplicate: nothing new added.
	again, err := DecodeInto(local, data, nil)
	require.NoError(t, err)
	assert.Equal(t, causalgraph.RootLV, again)
}
