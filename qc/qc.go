// Package qc computes per-cell quality metrics on a raw count matrix and
// filters out low-quality cells and rarely detected genes.
package qc

import (
	"fmt"
	"math"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/canidatlas/sc/expr"
)

// Opts holds the filtering thresholds.
type Opts struct {
	// MitoPrefix identifies mitochondrial genes by identifier prefix
	// (case-insensitive).
	MitoPrefix string
	// MinUMI and MaxUMI bound the per-cell transcript count. MaxUMI <= 0
	// disables the upper bound.
	MinUMI float64
	MaxUMI float64
	// MinGene is the minimum number of detected genes per cell.
	MinGene int
	// MaxMitoFrac is the maximum mitochondrial transcript fraction.
	MaxMitoFrac float64
	// MinComplexity is the minimum log10(genes)/log10(UMIs) score.
	MinComplexity float64
	// MinCellsPerGene drops genes detected in fewer cells.
	MinCellsPerGene int
}

// DefaultOpts are thresholds appropriate for droplet scRNA-seq.
var DefaultOpts = Opts{
	MitoPrefix:      "MT-",
	MinUMI:          500,
	MaxUMI:          0,
	MinGene:         250,
	MaxMitoFrac:     0.2,
	MinComplexity:   0.8,
	MinCellsPerGene: 10,
}

// Stats summarizes one filtering pass.
type Stats struct {
	CellsIn, CellsKept int
	GenesIn, GenesKept int
	DroppedLowUMI      int
	DroppedHighUMI     int
	DroppedLowGene     int
	DroppedMito        int
	DroppedComplexity  int
}

// ComputeMetrics fills the QC columns of meta from the raw counts. The
// matrix and table must cover the same cells in the same order.
func ComputeMetrics(m *expr.Matrix, meta *expr.CellMeta, opts Opts) error {
	if m.NCells() != meta.Len() {
		return errors.E(fmt.Sprintf("matrix has %d cells, metadata %d", m.NCells(), meta.Len()))
	}
	prefix := strings.ToUpper(opts.MitoPrefix)
	mito := make([]bool, m.NGenes())
	for i, g := range m.Genes() {
		mito[i] = strings.HasPrefix(strings.ToUpper(g), prefix)
	}
	nGene := m.ColNonzeros()
	for j := 0; j < m.NCells(); j++ {
		var total, mitoSum float64
		m.Col(j, func(gene int, v float64) {
			total += v
			if mito[gene] {
				mitoSum += v
			}
		})
		meta.NumUMI[j] = total
		meta.NumGene[j] = nGene[j]
		if total > 0 {
			meta.MitoFrac[j] = mitoSum / total
		}
		if total > 1 && nGene[j] > 0 {
			meta.Complexity[j] = math.Log10(float64(nGene[j])) / math.Log10(total)
		}
	}
	return nil
}

// Filter drops low-quality cells and rare genes, returning derived copies
// of the matrix and table. Metrics must have been computed on meta first.
func Filter(m *expr.Matrix, meta *expr.CellMeta, opts Opts) (*expr.Matrix, *expr.CellMeta, Stats, error) {
	stats := Stats{CellsIn: m.NCells(), GenesIn: m.NGenes()}
	var keepCells []int
	for j := 0; j < m.NCells(); j++ {
		switch {
		case meta.NumUMI[j] < opts.MinUMI:
			stats.DroppedLowUMI++
		case opts.MaxUMI > 0 && meta.NumUMI[j] > opts.MaxUMI:
			stats.DroppedHighUMI++
		case meta.NumGene[j] < opts.MinGene:
			stats.DroppedLowGene++
		case meta.MitoFrac[j] > opts.MaxMitoFrac:
			stats.DroppedMito++
		case meta.Complexity[j] < opts.MinComplexity:
			stats.DroppedComplexity++
		default:
			keepCells = append(keepCells, j)
		}
	}
	if len(keepCells) == 0 {
		return nil, nil, stats, errors.E("no cells pass QC thresholds")
	}
	fm, err := m.SubsetCells(keepCells)
	if err != nil {
		return nil, nil, stats, err
	}
	fmeta, err := meta.Subset(keepCells)
	if err != nil {
		return nil, nil, stats, err
	}
	var keepGenes []int
	for i, n := range fm.GeneCellCounts() {
		if n >= opts.MinCellsPerGene {
			keepGenes = append(keepGenes, i)
		}
	}
	if len(keepGenes) == 0 {
		return nil, nil, stats, errors.E("no genes pass detection threshold")
	}
	fm, err = fm.SubsetGenes(keepGenes)
	if err != nil {
		return nil, nil, stats, err
	}
	stats.CellsKept = fm.NCells()
	stats.GenesKept = fm.NGenes()
	log.Printf("qc: kept %d/%d cells, %d/%d genes (lowUMI=%d highUMI=%d lowGene=%d mito=%d complexity=%d)",
		stats.CellsKept, stats.CellsIn, stats.GenesKept, stats.GenesIn,
		stats.DroppedLowUMI, stats.DroppedHighUMI, stats.DroppedLowGene,
		stats.DroppedMito, stats.DroppedComplexity)
	return fm, fmeta, stats, nil
}
