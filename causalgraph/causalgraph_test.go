package causalgraph

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	cg := New()
	require.NotNil(t, cg)
	assert.Empty(t, cg.Heads())
	assert.Empty(t, cg.Entries())
	assert.Equal(t, LV(0), cg.NextLV())
}

func TestAddLocal_SingleAgent(t *testing.T) {
	cg := New()

	lv, err := cg.AddLocal("a", 3, nil)
	require.NoError(t, err)
	assert.Equal(t, LV(0), lv)
	assert.Equal(t, LV(3), cg.NextLV())
	assert.Equal(t, Frontier{2}, cg.Heads())

	raw, err := cg.LVToRaw(1)
	require.NoError(t, err)
	assert.Equal(t, RawVersion{Agent: "a", Seq: 1}, raw)

	back, err := cg.RawToLV("a", 2)
	require.NoError(t, err)
	assert.Equal(t, LV(2), back)
}

func TestAddLocal_FoldsContiguousRuns(t *testing.T) {
	cg := New()
	_, err := cg.AddLocal("a", 2, nil)
	require.NoError(t, err)
	_, err = cg.AddLocal("a", 3, nil)
	require.NoError(t, err)

	if diff := cmp.Diff([]CGEntry{{LVStart: 0, LVEnd: 5, Agent: "a", SeqStart: 0}}, cg.Entries()); diff != "" {
		t.Errorf("entries should fold into a single run (-want +got):\n%s", diff)
	}
}

func TestAddLocal_ConcurrentAgentsDoNotFold(t *testing.T) {
	cg := New()
	_, err := cg.AddLocal("a", 1, nil)
	require.NoError(t, err)
	_, err = cg.AddLocal("b", 1, []RawVersion{})
	require.NoError(t, err)

	assert.Len(t, cg.Entries(), 2)
	assert.ElementsMatch(t, Frontier{0, 1}, cg.Heads())
}

func TestAddLocal_RejectsRootAgent(t *testing.T) {
	cg := New()
	_, err := cg.AddLocal(RootAgent, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidParents)
}

func TestAddRaw_DuplicateIsBenign(t *testing.T) {
	cg := New()
	lv1, err := cg.AddRaw(RawVersion{Agent: "a", Seq: 0}, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, LV(0), lv1)

	lv2, err := cg.AddRaw(RawVersion{Agent: "a", Seq: 0}, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, RootLV, lv2)
	assert.Equal(t, LV(3), cg.NextLV(), "duplicate add must not assign new LVs")
}

func TestAddRaw_PartialOverlapKeepsOnlyNewSuffix(t *testing.T) {
	cg := New()
	_, err := cg.AddRaw(RawVersion{Agent: "a", Seq: 0}, 2, nil)
	require.NoError(t, err)

	lv, err := cg.AddRaw(RawVersion{Agent: "a", Seq: 1}, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, LV(2), lv, "only seq 2..4 are new")
	assert.Equal(t, LV(4), cg.NextLV())
}

func TestAddRaw_RejectsGap(t *testing.T) {
	cg := New()
	_, err := cg.AddRaw(RawVersion{Agent: "a", Seq: 5}, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidParents)
}

func TestResolveParents_RejectsUnknownParent(t *testing.T) {
	cg := New()
	lv, err := cg.AddLocal("a", 1, nil)
	require.NoError(t, err)

	_, err = cg.AddRaw(RawVersion{Agent: "b", Seq: 0}, 1, []RawVersion{{Agent: "a", Seq: int(lv) + 10}})
	assert.ErrorIs(t, err, ErrInvalidParents)
}

// buildDiamond constructs:
//
//	a0 -> a1 -\
//	            -> m0 (merge)
//	a0 -> c0 --/
//
// via two concurrent branches off a0, merged by m0.
func buildDiamond(t *testing.T) (cg *CausalGraph, a0, a1, c0, merge LV) {
	t.Helper()
	cg = New()
	var err error
	a0, err = cg.AddLocal("a", 1, nil)
	require.NoError(t, err)
	a1, err = cg.AddLocal("a", 1, []RawVersion{{Agent: "a", Seq: 0}})
	require.NoError(t, err)
	c0, err = cg.AddRaw(RawVersion{Agent: "c", Seq: 0}, 1, []RawVersion{{Agent: "a", Seq: 0}})
	require.NoError(t, err)
	mergeRaw := RawVersion{Agent: "m", Seq: 0}
	merge, err = cg.AddRaw(mergeRaw, 1, []RawVersion{{Agent: "a", Seq: 1}, {Agent: "c", Seq: 0}})
	require.NoError(t, err)
	return cg, a0, a1, c0, merge
}

func TestVersionContainsTime(t *testing.T) {
	cg, a0, a1, c0, merge := buildDiamond(t)

	ok, err := cg.VersionContainsTime(Frontier{merge}, a0)
	require.NoError(t, err)
	assert.True(t, ok, "a0 is an ancestor of the merge")

	ok, err = cg.VersionContainsTime(Frontier{a1}, c0)
	require.NoError(t, err)
	assert.False(t, ok, "a1 and c0 are concurrent")

	ok, err = cg.VersionContainsTime(Frontier{merge}, RootLV)
	require.NoError(t, err)
	assert.True(t, ok, "root is always contained")
}

func TestCompareVersions(t *testing.T) {
	cg, a0, a1, c0, _ := buildDiamond(t)

	rel, err := cg.CompareVersions(a0, a1)
	require.NoError(t, err)
	assert.Equal(t, RelationAncestor, rel)

	rel, err = cg.CompareVersions(a1, a0)
	require.NoError(t, err)
	assert.Equal(t, RelationDescendant, rel)

	rel, err = cg.CompareVersions(a1, c0)
	require.NoError(t, err)
	assert.Equal(t, RelationConcurrent, rel)

	rel, err = cg.CompareVersions(a0, a0)
	require.NoError(t, err)
	assert.Equal(t, RelationEqual, rel)
}

func TestDiff(t *testing.T) {
	cg, _, a1, c0, _ := buildDiamond(t)

	aOnly, bOnly, err := cg.Diff(Frontier{a1}, Frontier{c0})
	require.NoError(t, err)

	assert.Equal(t, []LVRange{{Start: a1, End: a1 + 1}}, aOnly)
	assert.Equal(t, []LVRange{{Start: c0, End: c0 + 1}}, bOnly)
}

func TestDiff_IdenticalFrontiersAreEmpty(t *testing.T) {
	cg, _, a1, _, _ := buildDiamond(t)

	aOnly, bOnly, err := cg.Diff(Frontier{a1}, Frontier{a1})
	require.NoError(t, err)
	assert.Empty(t, aOnly)
	assert.Empty(t, bOnly)
}

func TestFindDominators(t *testing.T) {
	cg, a0, a1, c0, merge := buildDiamond(t)

	dom, err := cg.FindDominators(Frontier{a0, a1, c0, merge})
	require.NoError(t, err)
	assert.Equal(t, Frontier{merge}, dom, "merge dominates everything else")
}

func TestFindConflicting(t *testing.T) {
	cg, a0, a1, c0, _ := buildDiamond(t)

	var aTags, bTags []LVRange
	common, err := cg.FindConflicting(Frontier{a1}, Frontier{c0}, func(r LVRange, tag string) {
		switch tag {
		case "A":
			aTags = append(aTags, r)
		case "B":
			bTags = append(bTags, r)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []LVRange{{Start: a1, End: a1 + 1}}, aTags)
	assert.Equal(t, []LVRange{{Start: c0, End: c0 + 1}}, bTags)
	assert.ElementsMatch(t, Frontier{a0}, common)
}

func TestSummarize(t *testing.T) {
	cg, _, a1, c0, _ := buildDiamond(t)

	summary, err := cg.Summarize(Frontier{a1, c0})
	require.NoError(t, err)

	want := VersionSummary{
		"a": [][2]int{{0, 2}},
		"c": [][2]int{{0, 1}},
	}
	if diff := cmp.Diff(want, summary, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestCompareRaw(t *testing.T) {
	assert.Equal(t, -1, CompareRaw(RawVersion{Agent: "a", Seq: 5}, RawVersion{Agent: "b", Seq: 0}))
	assert.Equal(t, 1, CompareRaw(RawVersion{Agent: "b", Seq: 0}, RawVersion{Agent: "a", Seq: 5}))
	assert.Equal(t, -1, CompareRaw(RawVersion{Agent: "a", Seq: 0}, RawVersion{Agent: "a", Seq: 1}))
	assert.Equal(t, 0, CompareRaw(RawVersion{Agent: "a", Seq: 1}, RawVersion{Agent: "a", Seq: 1}))
}

func TestLVToRaw_UnknownVersion(t *testing.T) {
	cg := New()
	_, err := cg.LVToRaw(42)
	assert.ErrorIs(t, err, ErrUnknownID)
}

func TestRawToLV_RootAgent(t *testing.T) {
	cg := New()
	lv, err := cg.RawToLV(RootAgent, 0)
	require.NoError(t, err)
	assert.Equal(t, RootLV, lv)
}
