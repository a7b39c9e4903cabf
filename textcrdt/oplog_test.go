package textcrdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSequentialEdit_Roundtrip exercises spec scenario (b): a local
// insert then a local delete, and a patch produced by GetPatchSince
// that decodes back to the same two ops.
func TestSequentialEdit_Roundtrip(t *testing.T) {
	log := New("a", nil)
	initial := log.GetLocalVersion()

	_, err := log.Ins(0, "hi there")
	require.NoError(t, err)
	_, err = log.Del(1, 1)
	require.NoError(t, err)

	b, err := All(log)
	require.NoError(t, err)
	assert.Equal(t, "h there", b.Get())

	patch, err := log.GetPatchSince(initial)
	require.NoError(t, err)

	peer := New("b", nil)
	_, err = peer.AddFromBytes(patch)
	require.NoError(t, err)
	pb, err := All(peer)
	require.NoError(t, err)
	assert.Equal(t, "h there", pb.Get())
}

// TestConcurrentInserts_TieBreak exercises spec scenario (a): two
// peers insert at the same position with no causal link between them;
// after merge, both converge on "AAABBB" because "a" < "b".
func TestConcurrentInserts_TieBreak(t *testing.T) {
	a := New("a", nil)
	_, err := a.Ins(0, "AAA")
	require.NoError(t, err)

	b := New("b", nil)
	_, err = b.Ins(0, "BBB")
	require.NoError(t, err)

	aPatch, err := a.ToBytes()
	require.NoError(t, err)
	_, err = b.AddFromBytes(aPatch)
	require.NoError(t, err)

	bPatch, err := b.ToBytes()
	require.NoError(t, err)
	_, err = a.AddFromBytes(bPatch)
	require.NoError(t, err)

	ba, err := All(a)
	require.NoError(t, err)
	bb, err := All(b)
	require.NoError(t, err)
	assert.Equal(t, "AAABBB", ba.Get())
	assert.Equal(t, "AAABBB", bb.Get())
}

func TestAddFromBytes_IdempotentIngest(t *testing.T) {
	src := New("a", nil)
	_, err := src.Ins(0, "hello")
	require.NoError(t, err)
	patch, err := src.ToBytes()
	require.NoError(t, err)

	dst := New("b", nil)
	first, err := dst.AddFromBytes(patch)
	require.NoError(t, err)
	assert.NotEqual(t, RootLV, first)

	second, err := dst.AddFromBytes(patch)
	require.NoError(t, err)
	assert.Equal(t, RootLV, second, "re-ingesting the same patch is a no-op")
}

func TestMergeVersions_ReturnsDominatingFrontier(t *testing.T) {
	log := New("seph", nil)
	v1, err := log.Ins(0, "aaa")
	require.NoError(t, err)
	joined, err := log.MergeVersions(Version{v1}, Version{v1})
	require.NoError(t, err)
	assert.Equal(t, Version{v1}, joined)
}

func TestCharsToWchars_SurrogatePair(t *testing.T) {
	log := New("a", nil)
	// U+1F600 (grinning face) is one Unicode scalar but two UTF-16 code
	// units; "hi" + emoji is 3 scalars, 4 UTF-16 units.
	_, err := log.Ins(0, "hi\U0001F600")
	require.NoError(t, err)

	wpos, err := log.CharsToWchars(3)
	require.NoError(t, err)
	assert.Equal(t, 4, wpos)

	cpos, err := log.WcharsToChars(4)
	require.NoError(t, err)
	assert.Equal(t, 3, cpos)
}

func TestClone_GetsIndependentAgent(t *testing.T) {
	log := New("a", nil)
	_, err := log.Ins(0, "hi")
	require.NoError(t, err)

	clone, err := log.Clone()
	require.NoError(t, err)
	assert.NotEqual(t, log.agent, clone.agent)

	b1, err := All(log)
	require.NoError(t, err)
	b2, err := All(clone)
	require.NoError(t, err)
	assert.Equal(t, b1.Get(), b2.Get())
}

func TestGetXF_ReportsLivePositions(t *testing.T) {
	log := New("a", nil)
	v1, err := log.Ins(0, "abc")
	require.NoError(t, err)
	_, err = log.Del(1, 1)
	require.NoError(t, err)

	xf, err := log.GetXF()
	require.NoError(t, err)
	require.Len(t, xf, 4) // 3 inserted chars + 1 delete
	assert.Equal(t, v1, xf[0].LV)
	assert.True(t, xf[0].Visible)
	assert.False(t, xf[1].Visible, "the deleted 'b' is no longer visible")
}
