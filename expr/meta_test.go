package expr

import (
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestMergeDoubletCalls(t *testing.T) {
	meta, err := NewCellMeta([]string{"a", "b", "c"})
	assert.NoError(t, err)

	assert.NoError(t, meta.MergeDoubletCalls(map[string]DoubletCall{"a": Singlet, "b": Doublet}))
	call, ok := meta.DoubletCallOf("b")
	expect.True(t, ok)
	expect.EQ(t, call, Doublet)
	call, _ = meta.DoubletCallOf("c")
	expect.EQ(t, call, CallUnset)

	err = meta.MergeDoubletCalls(map[string]DoubletCall{"zzz": Singlet})
	expect.HasSubstr(t, err.Error(), "unknown cell")
	err = meta.MergeDoubletCalls(map[string]DoubletCall{"a": Doublet})
	expect.HasSubstr(t, err.Error(), "already has doublet call")
	err = meta.MergeDoubletCalls(map[string]DoubletCall{"c": DoubletCall("maybe")})
	expect.HasSubstr(t, err.Error(), "invalid doublet call")
}

func TestPartitions(t *testing.T) {
	meta, err := NewCellMeta([]string{"a", "b", "c"})
	assert.NoError(t, err)

	assert.NoError(t, meta.SetClusters(Resolution(0.8), map[string]int{"a": 0, "b": 1, "c": 0}))
	assert.NoError(t, meta.SetClusterRows(Resolution(0.4), []int{0, 0, 0}))

	p, ok := meta.ClustersAt(Resolution(0.8))
	expect.True(t, ok)
	expect.EQ(t, p, []int{0, 1, 0})
	_, ok = meta.ClustersAt(Resolution(1.2))
	expect.False(t, ok)
	expect.EQ(t, meta.Resolutions(), []Resolution{0.4, 0.8})

	err = meta.SetClusters(Resolution(1.0), map[string]int{"a": 0})
	expect.HasSubstr(t, err.Error(), "covers 1 cells")
	err = meta.SetClusterRows(Resolution(1.0), []int{0})
	expect.HasSubstr(t, err.Error(), "1 labels")
}

func TestTypeLabels(t *testing.T) {
	meta, err := NewCellMeta([]string{"a", "b", "c"})
	assert.NoError(t, err)
	assert.NoError(t, meta.SetClusterRows(Resolution(0.8), []int{0, 1, 0}))

	err = meta.SetTypeLabels(Resolution(0.8), map[int]string{0: "T cell"})
	expect.HasSubstr(t, err.Error(), "has no label")
	err = meta.SetTypeLabels(Resolution(0.1), map[int]string{0: "T cell"})
	expect.HasSubstr(t, err.Error(), "no partition")

	assert.NoError(t, meta.SetTypeLabels(Resolution(0.8), map[int]string{0: "T cell", 1: "B cell"}))
	expect.EQ(t, meta.Labels(), []string{"T cell", "B cell", "T cell"})

	meta.RelabelTypes(map[string]string{"B cell": "plasma"})
	expect.EQ(t, meta.Labels(), []string{"T cell", "plasma", "T cell"})
}

func TestSubsetKeepsColumns(t *testing.T) {
	meta, err := NewCellMeta([]string{"a", "b", "c", "d"})
	assert.NoError(t, err)
	copy(meta.Sample, []string{"s1", "s1", "s2", "s2"})
	copy(meta.NumUMI, []float64{10, 20, 30, 40})
	assert.NoError(t, meta.SetClusterRows(Resolution(0.8), []int{0, 1, 1, 0}))
	assert.NoError(t, meta.MergeDoubletCalls(map[string]DoubletCall{"a": Singlet, "b": Doublet, "c": Singlet, "d": Singlet}))
	assert.NoError(t, meta.SetPseudotime(map[string]float64{"c": 1.5}))

	sub, err := meta.Subset([]int{2, 0})
	assert.NoError(t, err)
	expect.EQ(t, sub.Cells(), []string{"c", "a"})
	expect.EQ(t, sub.Sample, []string{"s2", "s1"})
	expect.EQ(t, sub.NumUMI, []float64{30, 10})
	expect.EQ(t, sub.DoubletCalls(), []DoubletCall{Singlet, Singlet})
	expect.EQ(t, sub.Pseudotime(), []float64{1.5, 0})
	p, ok := sub.ClustersAt(Resolution(0.8))
	expect.True(t, ok)
	expect.EQ(t, p, []int{1, 0})

	_, err = meta.Subset([]int{99})
	expect.HasSubstr(t, err.Error(), "out of range")
}

func TestFeatureMeta(t *testing.T) {
	f, err := NewFeatureMeta([]string{"G0", "G1", "G2", "G3"})
	assert.NoError(t, err)
	f.Selected[1] = true
	f.Rank[1] = 2
	f.Selected[3] = true
	f.Rank[3] = 1
	expect.EQ(t, f.SelectedIndices(), []int{3, 1})

	i, ok := f.Row("G2")
	expect.True(t, ok)
	expect.EQ(t, i, 2)
}
