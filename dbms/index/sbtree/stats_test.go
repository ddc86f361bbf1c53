package sbtree

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportDOT(t *testing.T) {
	tr := newIntTree(t, newManager(t), Options{})
	for i := int64(0); i < 60; i++ {
		_, err := tr.Put(i, valueOf(i, 300))
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, tr.ExportDOT(&buf))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "digraph SBTree {"))
	assert.Contains(t, out, "(INTERNAL)")
	assert.Contains(t, out, "(LEAF)")
	assert.Contains(t, out, "block 1,")
	assert.Contains(t, out, "style=dashed")
	assert.True(t, strings.HasSuffix(out, "}\n"))
}

func TestStats(t *testing.T) {
	tr := newIntTree(t, newManager(t), Options{})
	st, err := tr.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Height: 1, LeafPages: 1, FilePages: 1, PinnedPages: 1}, st)

	for i := int64(0); i < 300; i++ {
		_, err := tr.Put(i, valueOf(i, 300))
		require.NoError(t, err)
	}
	st, err = tr.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 300, st.Entries)
	assert.Equal(t, 2, st.Height)
	assert.Equal(t, 1, st.InternalPages)
	assert.Greater(t, st.LeafPages, 16)
	assert.Greater(t, st.Blocks, 1)
	assert.Greater(t, st.FillFactor, 0.3)
	assert.LessOrEqual(t, st.FillFactor, 1.0)
}
