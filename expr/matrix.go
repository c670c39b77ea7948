// Package expr defines the in-memory representation of single-cell
// expression data: a sparse genes × cells matrix with stable string
// identifiers, plus the per-cell and per-gene metadata tables that travel
// with it through the pipeline.
//
// Matrices are immutable once built. Every pipeline stage derives a new
// Matrix (subset, transform, merge) rather than mutating its input, so a
// snapshot taken at any stage stays valid.
package expr

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/mat"
)

// Entry is one nonzero value of a sparse matrix under construction.
// Gene and Cell are indices into the identifier slices passed to New.
type Entry struct {
	Gene, Cell int
	Value      float64
}

// Matrix is a genes × cells expression matrix in compressed sparse column
// form. Columns are cells. Values are raw counts (non-negative integers
// stored as float64) or normalized expression, depending on the stage that
// produced the matrix.
type Matrix struct {
	genes     []string
	cells     []string
	geneIndex map[string]int
	cellIndex map[string]int

	colPtr []int // len(cells)+1
	rowIdx []int // gene index per nonzero, within a column sorted ascending
	data   []float64
}

// New builds a Matrix from identifier lists and unordered sparse entries.
// Gene and cell identifiers must each be unique; entries must be in range
// and non-negative. Duplicate (gene, cell) entries are summed.
func New(genes, cells []string, entries []Entry) (*Matrix, error) {
	geneIndex, err := indexIDs("gene", genes)
	if err != nil {
		return nil, err
	}
	cellIndex, err := indexIDs("cell", cells)
	if err != nil {
		return nil, err
	}
	counts := make([]int, len(cells))
	for _, e := range entries {
		if e.Gene < 0 || e.Gene >= len(genes) || e.Cell < 0 || e.Cell >= len(cells) {
			return nil, errors.E(fmt.Sprintf("matrix entry (%d,%d) out of range %dx%d", e.Gene, e.Cell, len(genes), len(cells)))
		}
		if e.Value < 0 {
			return nil, errors.E(fmt.Sprintf("negative value %v at (%d,%d)", e.Value, e.Gene, e.Cell))
		}
		counts[e.Cell]++
	}
	m := &Matrix{
		genes:     genes,
		cells:     cells,
		geneIndex: geneIndex,
		cellIndex: cellIndex,
		colPtr:    make([]int, len(cells)+1),
	}
	for j, n := range counts {
		m.colPtr[j+1] = m.colPtr[j] + n
	}
	nnz := m.colPtr[len(cells)]
	m.rowIdx = make([]int, nnz)
	m.data = make([]float64, nnz)
	next := make([]int, len(cells))
	copy(next, m.colPtr[:len(cells)])
	for _, e := range entries {
		p := next[e.Cell]
		m.rowIdx[p] = e.Gene
		m.data[p] = e.Value
		next[e.Cell]++
	}
	m.sortAndDedupColumns()
	return m, nil
}

func indexIDs(kind string, ids []string) (map[string]int, error) {
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		if id == "" {
			return nil, errors.E(fmt.Sprintf("empty %s identifier at %d", kind, i))
		}
		if prev, ok := index[id]; ok {
			return nil, errors.E(fmt.Sprintf("duplicate %s identifier %q (positions %d and %d)", kind, id, prev, i))
		}
		index[id] = i
	}
	return index, nil
}

// sortAndDedupColumns sorts each column by gene index and merges duplicate
// entries by summation.
func (m *Matrix) sortAndDedupColumns() {
	outPtr := make([]int, len(m.cells)+1)
	w := 0
	for j := 0; j < len(m.cells); j++ {
		start, end := m.colPtr[j], m.colPtr[j+1]
		col := colSorter{rows: m.rowIdx[start:end], vals: m.data[start:end]}
		sort.Sort(col)
		outPtr[j] = w
		for p := start; p < end; p++ {
			if w > outPtr[j] && m.rowIdx[w-1] == m.rowIdx[p] {
				m.data[w-1] += m.data[p]
				continue
			}
			m.rowIdx[w] = m.rowIdx[p]
			m.data[w] = m.data[p]
			w++
		}
	}
	outPtr[len(m.cells)] = w
	m.colPtr = outPtr
	m.rowIdx = m.rowIdx[:w]
	m.data = m.data[:w]
}

type colSorter struct {
	rows []int
	vals []float64
}

func (c colSorter) Len() int           { return len(c.rows) }
func (c colSorter) Less(i, j int) bool { return c.rows[i] < c.rows[j] }
func (c colSorter) Swap(i, j int) {
	c.rows[i], c.rows[j] = c.rows[j], c.rows[i]
	c.vals[i], c.vals[j] = c.vals[j], c.vals[i]
}

// NGenes returns the number of gene rows.
func (m *Matrix) NGenes() int { return len(m.genes) }

// NCells returns the number of cell columns.
func (m *Matrix) NCells() int { return len(m.cells) }

// NNZ returns the number of stored nonzero values.
func (m *Matrix) NNZ() int { return len(m.data) }

// Genes returns the gene identifiers. The returned slice must not be
// modified.
func (m *Matrix) Genes() []string { return m.genes }

// Cells returns the cell identifiers. The returned slice must not be
// modified.
func (m *Matrix) Cells() []string { return m.cells }

// GeneIndex returns the row index of the given gene identifier.
func (m *Matrix) GeneIndex(id string) (int, bool) {
	i, ok := m.geneIndex[id]
	return i, ok
}

// CellIndex returns the column index of the given cell identifier.
func (m *Matrix) CellIndex(id string) (int, bool) {
	j, ok := m.cellIndex[id]
	return j, ok
}

// At returns the value at gene row i, cell column j.
func (m *Matrix) At(i, j int) float64 {
	start, end := m.colPtr[j], m.colPtr[j+1]
	rows := m.rowIdx[start:end]
	k := sort.SearchInts(rows, i)
	if k < len(rows) && rows[k] == i {
		return m.data[start+k]
	}
	return 0
}

// Col calls fn for each stored nonzero of cell column j, in ascending gene
// order.
func (m *Matrix) Col(j int, fn func(gene int, v float64)) {
	for p := m.colPtr[j]; p < m.colPtr[j+1]; p++ {
		fn(m.rowIdx[p], m.data[p])
	}
}

// ColSums returns the per-cell sum of values (total transcripts for a raw
// count matrix).
func (m *Matrix) ColSums() []float64 {
	sums := make([]float64, len(m.cells))
	for j := range m.cells {
		for p := m.colPtr[j]; p < m.colPtr[j+1]; p++ {
			sums[j] += m.data[p]
		}
	}
	return sums
}

// ColNonzeros returns the per-cell count of nonzero genes (detected genes).
func (m *Matrix) ColNonzeros() []int {
	n := make([]int, len(m.cells))
	for j := range m.cells {
		n[j] = m.colPtr[j+1] - m.colPtr[j]
	}
	return n
}

// GeneCellCounts returns, per gene, the number of cells in which the gene
// is detected (nonzero).
func (m *Matrix) GeneCellCounts() []int {
	n := make([]int, len(m.genes))
	for p := range m.rowIdx {
		n[m.rowIdx[p]]++
	}
	return n
}

// GeneMoments returns the per-gene mean and (population) variance across
// all cells, computed from the sparse data without densifying.
func (m *Matrix) GeneMoments() (mean, variance []float64) {
	nCells := float64(len(m.cells))
	mean = make([]float64, len(m.genes))
	variance = make([]float64, len(m.genes))
	for p, g := range m.rowIdx {
		mean[g] += m.data[p]
	}
	for g := range mean {
		mean[g] /= nCells
	}
	// Σ(x-μ)² = Σx² - 2μΣx + nμ²; zeros contribute μ² each.
	for p, g := range m.rowIdx {
		d := m.data[p] - mean[g]
		variance[g] += d*d - mean[g]*mean[g]
	}
	for g := range variance {
		variance[g] += nCells * mean[g] * mean[g]
		variance[g] /= nCells
	}
	return mean, variance
}

// CloneWithData returns a matrix with the same identifiers and sparsity
// structure but new values. len(data) must equal NNZ.
func (m *Matrix) CloneWithData(data []float64) *Matrix {
	if len(data) != len(m.data) {
		panic(fmt.Sprintf("CloneWithData: %d values for %d nonzeros", len(data), len(m.data)))
	}
	n := *m
	n.data = data
	return &n
}

// TransformValues returns a derived matrix with fn applied to every stored
// value. fn receives the gene row, cell column and stored value.
func (m *Matrix) TransformValues(fn func(gene, cell int, v float64) float64) *Matrix {
	data := make([]float64, len(m.data))
	for j := range m.cells {
		for p := m.colPtr[j]; p < m.colPtr[j+1]; p++ {
			data[p] = fn(m.rowIdx[p], j, m.data[p])
		}
	}
	return m.CloneWithData(data)
}

// SubsetCells returns a derived matrix restricted to the cell columns in
// keep, in the given order. Indices must be valid and distinct.
func (m *Matrix) SubsetCells(keep []int) (*Matrix, error) {
	seen := make(map[int]bool, len(keep))
	cells := make([]string, 0, len(keep))
	nnz := 0
	for _, j := range keep {
		if j < 0 || j >= len(m.cells) {
			return nil, errors.E(fmt.Sprintf("cell index %d out of range", j))
		}
		if seen[j] {
			return nil, errors.E(fmt.Sprintf("duplicate cell index %d", j))
		}
		seen[j] = true
		cells = append(cells, m.cells[j])
		nnz += m.colPtr[j+1] - m.colPtr[j]
	}
	n := &Matrix{
		genes:  m.genes,
		cells:  cells,
		colPtr: make([]int, len(cells)+1),
		rowIdx: make([]int, 0, nnz),
		data:   make([]float64, 0, nnz),
	}
	n.geneIndex = m.geneIndex
	n.cellIndex = mustIndexIDs(cells)
	for outJ, j := range keep {
		n.rowIdx = append(n.rowIdx, m.rowIdx[m.colPtr[j]:m.colPtr[j+1]]...)
		n.data = append(n.data, m.data[m.colPtr[j]:m.colPtr[j+1]]...)
		n.colPtr[outJ+1] = len(n.data)
	}
	return n, nil
}

// SubsetGenes returns a derived matrix restricted to the gene rows in keep,
// in the given order.
func (m *Matrix) SubsetGenes(keep []int) (*Matrix, error) {
	rowMap := make([]int, len(m.genes))
	for i := range rowMap {
		rowMap[i] = -1
	}
	genes := make([]string, 0, len(keep))
	for outI, i := range keep {
		if i < 0 || i >= len(m.genes) {
			return nil, errors.E(fmt.Sprintf("gene index %d out of range", i))
		}
		if rowMap[i] >= 0 {
			return nil, errors.E(fmt.Sprintf("duplicate gene index %d", i))
		}
		rowMap[i] = outI
		genes = append(genes, m.genes[i])
	}
	n := &Matrix{
		genes:     genes,
		cells:     m.cells,
		geneIndex: mustIndexIDs(genes),
		cellIndex: m.cellIndex,
		colPtr:    make([]int, len(m.cells)+1),
	}
	for j := range m.cells {
		for p := m.colPtr[j]; p < m.colPtr[j+1]; p++ {
			if out := rowMap[m.rowIdx[p]]; out >= 0 {
				n.rowIdx = append(n.rowIdx, out)
				n.data = append(n.data, m.data[p])
			}
		}
		n.colPtr[j+1] = len(n.data)
	}
	// Row order within a column follows the keep order, which may not be
	// sorted.
	n.sortAndDedupColumns()
	return n, nil
}

func mustIndexIDs(ids []string) map[string]int {
	index, err := indexIDs("id", ids)
	if err != nil {
		panic(err)
	}
	return index
}

// Dense returns the matrix as a dense cells × genes gonum matrix (rows are
// observations), the orientation expected by stat.PC and the scaling code.
func (m *Matrix) Dense() *mat.Dense {
	d := mat.NewDense(len(m.cells), len(m.genes), nil)
	for j := range m.cells {
		for p := m.colPtr[j]; p < m.colPtr[j+1]; p++ {
			d.Set(j, m.rowIdx[p], m.data[p])
		}
	}
	return d
}

// Sample pairs a sample identifier with its count matrix.
type Sample struct {
	ID     string
	Counts *Matrix
}

// MergeColumns merges per-sample matrices into one matrix over the union of
// their genes. Cell identifiers are prefixed with "<sampleID>_" so they stay
// unique, and the returned slice gives the sample of origin per merged
// column.
func MergeColumns(samples []Sample) (*Matrix, []string, error) {
	if len(samples) == 0 {
		return nil, nil, errors.E("no samples to merge")
	}
	var genes []string
	geneIndex := map[string]int{}
	for _, s := range samples {
		for _, g := range s.Counts.Genes() {
			if _, ok := geneIndex[g]; !ok {
				geneIndex[g] = len(genes)
				genes = append(genes, g)
			}
		}
	}
	var cells, origin []string
	var entries []Entry
	for _, s := range samples {
		for j, c := range s.Counts.Cells() {
			merged := s.ID + "_" + c
			col := len(cells)
			cells = append(cells, merged)
			origin = append(origin, s.ID)
			s.Counts.Col(j, func(gene int, v float64) {
				entries = append(entries, Entry{
					Gene: geneIndex[s.Counts.Genes()[gene]], Cell: col, Value: v,
				})
			})
		}
	}
	m, err := New(genes, cells, entries)
	if err != nil {
		return nil, nil, err
	}
	return m, origin, nil
}
