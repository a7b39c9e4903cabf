package rangetree

import (
	"testing"

	"github.com/crdtext/core/causalgraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAfter_AppendsAtEnd(t *testing.T) {
	tr := New()
	tr.InsertAfter(nil, 0, 5, causalgraph.RootLV, causalgraph.RootLV)

	assert.Equal(t, 5, tr.VisibleLen())
	assert.Equal(t, 1, tr.SpanCount())

	pos, visible, err := tr.PositionOf(2)
	require.NoError(t, err)
	assert.True(t, visible)
	assert.Equal(t, 2, pos)
}

func TestInsertAfter_SplitsMidSpan(t *testing.T) {
	tr := New()
	tr.InsertAfter(nil, 0, 10, causalgraph.RootLV, causalgraph.RootLV)

	c, ok := tr.Find(4)
	require.True(t, ok)
	tr.InsertAfter(&c, 100, 1, 4, 5)

	assert.Equal(t, 11, tr.VisibleLen())
	assert.Equal(t, 3, tr.SpanCount(), "original span splits into two around the new item")

	cur, ok := tr.CursorAtPos(5)
	require.True(t, ok)
	assert.Equal(t, causalgraph.LV(100), cur.LV())
}

func TestMarkDeleted_RemovesFromContentMetric(t *testing.T) {
	tr := New()
	tr.InsertAfter(nil, 0, 5, causalgraph.RootLV, causalgraph.RootLV)

	err := tr.MarkDeleted(1, 2)
	require.NoError(t, err)

	assert.Equal(t, 3, tr.VisibleLen())
	assert.Equal(t, 5, tr.TotalLen())

	_, visible, err := tr.PositionOf(1)
	require.NoError(t, err)
	assert.False(t, visible)
}

func TestMarkDeleted_ThenUnmark_RestoresVisibility(t *testing.T) {
	tr := New()
	tr.InsertAfter(nil, 0, 5, causalgraph.RootLV, causalgraph.RootLV)

	require.NoError(t, tr.MarkDeleted(0, 5))
	assert.Equal(t, 0, tr.VisibleLen())

	require.NoError(t, tr.Unmark(0, 5))
	assert.Equal(t, 5, tr.VisibleLen())
}

func TestCursorAtPos_EndOfDocument(t *testing.T) {
	tr := New()
	tr.InsertAfter(nil, 0, 3, causalgraph.RootLV, causalgraph.RootLV)

	cur, ok := tr.CursorAtPos(3)
	require.True(t, ok)
	assert.Equal(t, causalgraph.LV(2), cur.LV())
}

func TestVisitVisible_SkipsDeletedRuns(t *testing.T) {
	tr := New()
	tr.InsertAfter(nil, 0, 5, causalgraph.RootLV, causalgraph.RootLV)
	require.NoError(t, tr.MarkDeleted(2, 1))

	var lvs []causalgraph.LV
	tr.VisitVisible(func(lv causalgraph.LV, length int) {
		for i := 0; i < length; i++ {
			lvs = append(lvs, lv+causalgraph.LV(i))
		}
	})
	assert.Equal(t, []causalgraph.LV{0, 1, 3, 4}, lvs)
}
