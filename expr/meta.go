package expr

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
)

// Resolution is a clustering granularity parameter. Partitions at several
// resolutions coexist in CellMeta under typed keys; nothing in the pipeline
// dispatches on stringified column names.
type Resolution float64

// DoubletCall classifies a cell as a real single cell or a technical
// multi-cell capture.
type DoubletCall string

const (
	// CallUnset marks a cell whose sample has not been through doublet
	// detection (or whose sample failed).
	CallUnset DoubletCall = ""
	// Singlet marks a correctly captured single cell.
	Singlet DoubletCall = "singlet"
	// Doublet marks an artifactual multi-cell capture.
	Doublet DoubletCall = "doublet"
)

// CellMeta is the per-cell metadata table. Its row set always equals the
// cell set of the matrix it was derived with; derived tables are produced
// by Subset, never by in-place row removal.
type CellMeta struct {
	cells []string
	index map[string]int

	Sample     []string
	NumUMI     []float64
	NumGene    []int
	MitoFrac   []float64
	Complexity []float64

	doublet    []DoubletCall
	partitions map[Resolution][]int
	labels     []string
	pseudotime []float64
}

// NewCellMeta returns a metadata table over the given cell identifiers.
func NewCellMeta(cells []string) (*CellMeta, error) {
	index, err := indexIDs("cell", cells)
	if err != nil {
		return nil, err
	}
	n := len(cells)
	return &CellMeta{
		cells:      cells,
		index:      index,
		Sample:     make([]string, n),
		NumUMI:     make([]float64, n),
		NumGene:    make([]int, n),
		MitoFrac:   make([]float64, n),
		Complexity: make([]float64, n),
		doublet:    make([]DoubletCall, n),
		partitions: map[Resolution][]int{},
		labels:     make([]string, n),
		pseudotime: make([]float64, n),
	}, nil
}

// Len returns the number of cells.
func (t *CellMeta) Len() int { return len(t.cells) }

// Cells returns the cell identifiers. The returned slice must not be
// modified.
func (t *CellMeta) Cells() []string { return t.cells }

// Row returns the row index of a cell identifier.
func (t *CellMeta) Row(cell string) (int, bool) {
	i, ok := t.index[cell]
	return i, ok
}

// MergeDoubletCalls merges per-sample doublet calls into the table by exact
// cell identifier. Unknown identifiers and re-assignment of an already
// called cell are errors; filtering upstream may have dropped cells, so a
// call for a dropped cell is also an error rather than a silent skip.
func (t *CellMeta) MergeDoubletCalls(calls map[string]DoubletCall) error {
	for cell, call := range calls {
		i, ok := t.index[cell]
		if !ok {
			return errors.E(fmt.Sprintf("doublet call for unknown cell %q", cell))
		}
		if t.doublet[i] != CallUnset {
			return errors.E(fmt.Sprintf("cell %q already has doublet call %q", cell, t.doublet[i]))
		}
		if call != Singlet && call != Doublet {
			return errors.E(fmt.Sprintf("invalid doublet call %q for cell %q", call, cell))
		}
		t.doublet[i] = call
	}
	return nil
}

// DoubletCallOf returns the call for one cell.
func (t *CellMeta) DoubletCallOf(cell string) (DoubletCall, bool) {
	i, ok := t.index[cell]
	if !ok {
		return CallUnset, false
	}
	return t.doublet[i], true
}

// DoubletCalls returns the per-row calls. The returned slice must not be
// modified.
func (t *CellMeta) DoubletCalls() []DoubletCall { return t.doublet }

// SetClusters stores a community partition under its resolution key. The
// assignment must cover exactly the table's cell set.
func (t *CellMeta) SetClusters(res Resolution, assign map[string]int) error {
	if len(assign) != len(t.cells) {
		return errors.E(fmt.Sprintf("partition at resolution %v covers %d cells, table has %d", res, len(assign), len(t.cells)))
	}
	labels := make([]int, len(t.cells))
	for cell, c := range assign {
		i, ok := t.index[cell]
		if !ok {
			return errors.E(fmt.Sprintf("partition assigns unknown cell %q", cell))
		}
		labels[i] = c
	}
	t.partitions[res] = labels
	return nil
}

// SetClusterRows stores a partition given per-row labels aligned with
// Cells().
func (t *CellMeta) SetClusterRows(res Resolution, labels []int) error {
	if len(labels) != len(t.cells) {
		return errors.E(fmt.Sprintf("partition has %d labels, table has %d cells", len(labels), len(t.cells)))
	}
	t.partitions[res] = append([]int(nil), labels...)
	return nil
}

// ClustersAt returns the partition stored at a resolution.
func (t *CellMeta) ClustersAt(res Resolution) ([]int, bool) {
	p, ok := t.partitions[res]
	return p, ok
}

// Resolutions lists the stored resolutions in ascending order.
func (t *CellMeta) Resolutions() []Resolution {
	rs := make([]Resolution, 0, len(t.partitions))
	for r := range t.partitions {
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i] < rs[j] })
	return rs
}

// SetTypeLabels assigns an annotation label per cluster of the partition at
// res. Every cluster present in the partition must be covered.
func (t *CellMeta) SetTypeLabels(res Resolution, byCluster map[int]string) error {
	p, ok := t.partitions[res]
	if !ok {
		return errors.E(fmt.Sprintf("no partition at resolution %v", res))
	}
	for i, c := range p {
		label, ok := byCluster[c]
		if !ok {
			return errors.E(fmt.Sprintf("cluster %d (cell %q) has no label", c, t.cells[i]))
		}
		t.labels[i] = label
	}
	return nil
}

// Labels returns the per-row annotation labels. The returned slice must not
// be modified.
func (t *CellMeta) Labels() []string { return t.labels }

// RelabelTypes rewrites annotation labels through renames (old → new).
func (t *CellMeta) RelabelTypes(renames map[string]string) {
	for i, l := range t.labels {
		if n, ok := renames[l]; ok {
			t.labels[i] = n
		}
	}
}

// SetPseudotime stores per-cell pseudotime values keyed by cell identifier.
func (t *CellMeta) SetPseudotime(values map[string]float64) error {
	for cell, v := range values {
		i, ok := t.index[cell]
		if !ok {
			return errors.E(fmt.Sprintf("pseudotime for unknown cell %q", cell))
		}
		t.pseudotime[i] = v
	}
	return nil
}

// Pseudotime returns the per-row pseudotime values.
func (t *CellMeta) Pseudotime() []float64 { return t.pseudotime }

// Subset returns a derived table restricted to the rows in keep, in order,
// preserving all columns and stored partitions.
func (t *CellMeta) Subset(keep []int) (*CellMeta, error) {
	cells := make([]string, len(keep))
	for out, i := range keep {
		if i < 0 || i >= len(t.cells) {
			return nil, errors.E(fmt.Sprintf("row %d out of range", i))
		}
		cells[out] = t.cells[i]
	}
	n, err := NewCellMeta(cells)
	if err != nil {
		return nil, err
	}
	for out, i := range keep {
		n.Sample[out] = t.Sample[i]
		n.NumUMI[out] = t.NumUMI[i]
		n.NumGene[out] = t.NumGene[i]
		n.MitoFrac[out] = t.MitoFrac[i]
		n.Complexity[out] = t.Complexity[i]
		n.doublet[out] = t.doublet[i]
		n.labels[out] = t.labels[i]
		n.pseudotime[out] = t.pseudotime[i]
	}
	for res, p := range t.partitions {
		sub := make([]int, len(keep))
		for out, i := range keep {
			sub[out] = p[i]
		}
		n.partitions[res] = sub
	}
	return n, nil
}

// FeatureMeta records per-gene variability attributes.
type FeatureMeta struct {
	genes    []string
	index    map[string]int
	Rank     []int // 1-based variability rank; 0 = unranked
	Selected []bool
	StdVar   []float64 // standardized variance used for ranking
}

// NewFeatureMeta returns a feature table over the given gene identifiers.
func NewFeatureMeta(genes []string) (*FeatureMeta, error) {
	index, err := indexIDs("gene", genes)
	if err != nil {
		return nil, err
	}
	n := len(genes)
	return &FeatureMeta{
		genes:    genes,
		index:    index,
		Rank:     make([]int, n),
		Selected: make([]bool, n),
		StdVar:   make([]float64, n),
	}, nil
}

// Genes returns the gene identifiers.
func (f *FeatureMeta) Genes() []string { return f.genes }

// Row returns the row index of a gene identifier.
func (f *FeatureMeta) Row(gene string) (int, bool) {
	i, ok := f.index[gene]
	return i, ok
}

// SelectedIndices returns the row indices of selected genes in rank order.
func (f *FeatureMeta) SelectedIndices() []int {
	type ranked struct{ row, rank int }
	var rs []ranked
	for i, sel := range f.Selected {
		if sel {
			rs = append(rs, ranked{i, f.Rank[i]})
		}
	}
	sort.Slice(rs, func(a, b int) bool { return rs[a].rank < rs[b].rank })
	rows := make([]int, len(rs))
	for i, r := range rs {
		rows[i] = r.row
	}
	return rows
}
