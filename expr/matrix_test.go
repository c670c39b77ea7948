package expr

import (
	"math"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func testMatrix(t *testing.T) *Matrix {
	m, err := New(
		[]string{"G0", "G1", "G2"},
		[]string{"AAA", "CCC", "GGG", "TTT"},
		[]Entry{
			{Gene: 0, Cell: 0, Value: 3},
			{Gene: 2, Cell: 0, Value: 1},
			{Gene: 1, Cell: 1, Value: 5},
			{Gene: 0, Cell: 3, Value: 2},
			{Gene: 1, Cell: 3, Value: 4},
			{Gene: 2, Cell: 3, Value: 6},
		})
	assert.NoError(t, err)
	return m
}

func TestNewAndAt(t *testing.T) {
	m := testMatrix(t)
	expect.EQ(t, m.NGenes(), 3)
	expect.EQ(t, m.NCells(), 4)
	expect.EQ(t, m.NNZ(), 6)
	expect.EQ(t, m.At(0, 0), 3.0)
	expect.EQ(t, m.At(2, 0), 1.0)
	expect.EQ(t, m.At(1, 0), 0.0)
	expect.EQ(t, m.At(1, 2), 0.0) // empty column
	expect.EQ(t, m.At(2, 3), 6.0)
}

func TestNewSumsDuplicateEntries(t *testing.T) {
	m, err := New([]string{"G0"}, []string{"c0"}, []Entry{
		{Gene: 0, Cell: 0, Value: 2},
		{Gene: 0, Cell: 0, Value: 3},
	})
	assert.NoError(t, err)
	expect.EQ(t, m.NNZ(), 1)
	expect.EQ(t, m.At(0, 0), 5.0)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New([]string{"G0", "G0"}, []string{"c0"}, nil)
	expect.HasSubstr(t, err.Error(), "duplicate gene identifier")
	_, err = New([]string{"G0"}, []string{"c0", "c0"}, nil)
	expect.HasSubstr(t, err.Error(), "duplicate cell identifier")
	_, err = New([]string{"G0"}, []string{""}, nil)
	expect.HasSubstr(t, err.Error(), "empty cell identifier")
	_, err = New([]string{"G0"}, []string{"c0"}, []Entry{{Gene: 1, Cell: 0, Value: 1}})
	expect.HasSubstr(t, err.Error(), "out of range")
	_, err = New([]string{"G0"}, []string{"c0"}, []Entry{{Gene: 0, Cell: 0, Value: -1}})
	expect.HasSubstr(t, err.Error(), "negative value")
}

func TestColumnAccessors(t *testing.T) {
	m := testMatrix(t)
	expect.EQ(t, m.ColSums(), []float64{4, 5, 0, 12})
	expect.EQ(t, m.ColNonzeros(), []int{2, 1, 0, 3})
	expect.EQ(t, m.GeneCellCounts(), []int{2, 2, 2})

	var genes []int
	var vals []float64
	m.Col(3, func(g int, v float64) {
		genes = append(genes, g)
		vals = append(vals, v)
	})
	expect.EQ(t, genes, []int{0, 1, 2})
	expect.EQ(t, vals, []float64{2, 4, 6})
}

func TestGeneMoments(t *testing.T) {
	m := testMatrix(t)
	mean, variance := m.GeneMoments()
	// G0 over cells: 3, 0, 0, 2.
	expect.EQ(t, mean[0], 1.25)
	want := (math.Pow(3-1.25, 2) + 2*math.Pow(0-1.25, 2) + math.Pow(2-1.25, 2)) / 4
	if math.Abs(variance[0]-want) > 1e-12 {
		t.Errorf("variance[0] = %v, want %v", variance[0], want)
	}
}

func TestTransformValues(t *testing.T) {
	m := testMatrix(t)
	n := m.TransformValues(func(gene, cell int, v float64) float64 { return v * 10 })
	expect.EQ(t, n.At(0, 0), 30.0)
	// The receiver is untouched.
	expect.EQ(t, m.At(0, 0), 3.0)
}

func TestSubsetCells(t *testing.T) {
	m := testMatrix(t)
	n, err := m.SubsetCells([]int{3, 0})
	assert.NoError(t, err)
	expect.EQ(t, n.Cells(), []string{"TTT", "AAA"})
	expect.EQ(t, n.At(1, 0), 4.0)
	expect.EQ(t, n.At(0, 1), 3.0)

	_, err = m.SubsetCells([]int{0, 0})
	expect.HasSubstr(t, err.Error(), "duplicate cell index")
	_, err = m.SubsetCells([]int{9})
	expect.HasSubstr(t, err.Error(), "out of range")
}

func TestSubsetGenes(t *testing.T) {
	m := testMatrix(t)
	n, err := m.SubsetGenes([]int{2, 0})
	assert.NoError(t, err)
	expect.EQ(t, n.Genes(), []string{"G2", "G0"})
	expect.EQ(t, n.At(0, 0), 1.0) // G2 in AAA
	expect.EQ(t, n.At(1, 0), 3.0) // G0 in AAA
	i, ok := n.GeneIndex("G2")
	expect.True(t, ok)
	expect.EQ(t, i, 0)
}

func TestDense(t *testing.T) {
	m := testMatrix(t)
	d := m.Dense()
	r, c := d.Dims()
	expect.EQ(t, r, 4)
	expect.EQ(t, c, 3)
	expect.EQ(t, d.At(0, 0), 3.0)
	expect.EQ(t, d.At(3, 2), 6.0)
	expect.EQ(t, d.At(2, 1), 0.0)
}

func TestMergeColumns(t *testing.T) {
	a, err := New([]string{"G0", "G1"}, []string{"AAA"}, []Entry{{Gene: 0, Cell: 0, Value: 1}})
	assert.NoError(t, err)
	b, err := New([]string{"G1", "G2"}, []string{"AAA", "CCC"}, []Entry{
		{Gene: 0, Cell: 0, Value: 2},
		{Gene: 1, Cell: 1, Value: 3},
	})
	assert.NoError(t, err)

	m, origin, err := MergeColumns([]Sample{{ID: "s1", Counts: a}, {ID: "s2", Counts: b}})
	assert.NoError(t, err)
	expect.EQ(t, m.Genes(), []string{"G0", "G1", "G2"})
	expect.EQ(t, m.Cells(), []string{"s1_AAA", "s2_AAA", "s2_CCC"})
	expect.EQ(t, origin, []string{"s1", "s2", "s2"})
	expect.EQ(t, m.At(0, 0), 1.0) // G0 from s1
	expect.EQ(t, m.At(1, 1), 2.0) // G1 from s2
	expect.EQ(t, m.At(2, 2), 3.0) // G2 from s2

	_, _, err = MergeColumns(nil)
	expect.HasSubstr(t, err.Error(), "no samples")
}
