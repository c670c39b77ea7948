package expr

import (
	"bytes"
	"encoding/gob"
)

// The gob codec structs mirror the unexported fields so checkpointed
// snapshots survive field renames in the in-memory types.

type matrixGob struct {
	Genes, Cells []string
	ColPtr       []int
	RowIdx       []int
	Data         []float64
}

// MarshalBinary implements encoding.BinaryMarshaler for checkpointing.
func (m *Matrix) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(matrixGob{
		Genes: m.genes, Cells: m.cells,
		ColPtr: m.colPtr, RowIdx: m.rowIdx, Data: m.data,
	})
	return buf.Bytes(), err
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *Matrix) UnmarshalBinary(data []byte) error {
	var g matrixGob
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return err
	}
	m.genes, m.cells = g.Genes, g.Cells
	m.colPtr, m.rowIdx, m.data = g.ColPtr, g.RowIdx, g.Data
	m.geneIndex = mustIndexIDs(g.Genes)
	m.cellIndex = mustIndexIDs(g.Cells)
	return nil
}

type cellMetaGob struct {
	Cells      []string
	Sample     []string
	NumUMI     []float64
	NumGene    []int
	MitoFrac   []float64
	Complexity []float64
	Doublet    []DoubletCall
	Partitions map[Resolution][]int
	Labels     []string
	Pseudotime []float64
}

// MarshalBinary implements encoding.BinaryMarshaler for checkpointing.
func (t *CellMeta) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(cellMetaGob{
		Cells: t.cells, Sample: t.Sample, NumUMI: t.NumUMI,
		NumGene: t.NumGene, MitoFrac: t.MitoFrac, Complexity: t.Complexity,
		Doublet: t.doublet, Partitions: t.partitions, Labels: t.labels,
		Pseudotime: t.pseudotime,
	})
	return buf.Bytes(), err
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (t *CellMeta) UnmarshalBinary(data []byte) error {
	var g cellMetaGob
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return err
	}
	t.cells = g.Cells
	t.index = mustIndexIDs(g.Cells)
	t.Sample, t.NumUMI, t.NumGene = g.Sample, g.NumUMI, g.NumGene
	t.MitoFrac, t.Complexity = g.MitoFrac, g.Complexity
	t.doublet, t.labels, t.pseudotime = g.Doublet, g.Labels, g.Pseudotime
	t.partitions = g.Partitions
	if t.partitions == nil {
		t.partitions = map[Resolution][]int{}
	}
	return nil
}

type featureMetaGob struct {
	Genes    []string
	Rank     []int
	Selected []bool
	StdVar   []float64
}

// MarshalBinary implements encoding.BinaryMarshaler for checkpointing.
func (f *FeatureMeta) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(featureMetaGob{
		Genes: f.genes, Rank: f.Rank, Selected: f.Selected, StdVar: f.StdVar,
	})
	return buf.Bytes(), err
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (f *FeatureMeta) UnmarshalBinary(data []byte) error {
	var g featureMetaGob
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return err
	}
	f.genes, f.Rank, f.Selected, f.StdVar = g.Genes, g.Rank, g.Selected, g.StdVar
	f.index = mustIndexIDs(g.Genes)
	return nil
}
