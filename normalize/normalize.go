// Package normalize implements log-scale normalization, variance-based
// feature selection and per-gene scaling of expression matrices.
package normalize

import (
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/canidatlas/sc/expr"
)

// DefaultScaleFactor is the library-size scale factor applied before the
// log transform.
const DefaultScaleFactor = 1e4

// LogNormalize derives log1p(count / cellTotal * scaleFactor) from raw
// counts. Sparsity is preserved: zero counts stay zero.
func LogNormalize(m *expr.Matrix, scaleFactor float64) (*expr.Matrix, error) {
	if scaleFactor <= 0 {
		return nil, errors.E("scale factor must be positive")
	}
	totals := m.ColSums()
	for j, t := range totals {
		if t == 0 {
			return nil, errors.E("cell", m.Cells()[j], "has zero total count")
		}
	}
	return m.TransformValues(func(gene, cell int, v float64) float64 {
		return math.Log1p(v / totals[cell] * scaleFactor)
	}), nil
}

// nStdVarBins is the number of log-mean bins used to estimate the expected
// variance trend.
const nStdVarBins = 20

// stdVarClip caps each cell's standardized deviate, so a single extreme
// cell cannot dominate a gene's variance estimate.
func stdVarClip(nCells int) float64 { return math.Sqrt(float64(nCells)) }

// SelectVariableFeatures ranks genes of a raw count matrix by standardized
// variance (variance of clipped z-scores against a mean-binned expected
// deviation) and marks the top nTop as selected. Returns a new FeatureMeta.
func SelectVariableFeatures(raw *expr.Matrix, nTop int) (*expr.FeatureMeta, error) {
	fm, err := expr.NewFeatureMeta(raw.Genes())
	if err != nil {
		return nil, err
	}
	nGenes := raw.NGenes()
	if nTop <= 0 || nTop > nGenes {
		nTop = nGenes
	}
	mean, variance := raw.GeneMoments()

	// Expected standard deviation per gene: median raw variance of the
	// gene's log10-mean bin. A binned median stands in for the loess trend;
	// on count data the two agree closely and the median needs no tuning.
	expectedSD := binnedExpectedSD(mean, variance)

	nCells := raw.NCells()
	clip := stdVarClip(nCells)
	sumZ := make([]float64, nGenes)
	sumZ2 := make([]float64, nGenes)
	nnz := make([]int, nGenes)
	for j := 0; j < nCells; j++ {
		raw.Col(j, func(gene int, v float64) {
			if expectedSD[gene] == 0 {
				return
			}
			z := (v - mean[gene]) / expectedSD[gene]
			if z > clip {
				z = clip
			} else if z < -clip {
				z = -clip
			}
			sumZ[gene] += z
			sumZ2[gene] += z * z
			nnz[gene]++
		})
	}
	for g := 0; g < nGenes; g++ {
		if expectedSD[g] == 0 {
			continue
		}
		// Zero counts standardize to -mean/sd (never beyond the clip for
		// count data at these depths).
		z0 := -mean[g] / expectedSD[g]
		if z0 < -clip {
			z0 = -clip
		}
		nz := float64(nCells - nnz[g])
		s := sumZ[g] + nz*z0
		s2 := sumZ2[g] + nz*z0*z0
		n := float64(nCells)
		fm.StdVar[g] = (s2 - s*s/n) / (n - 1)
	}

	order := make([]int, nGenes)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ga, gb := order[a], order[b]
		if fm.StdVar[ga] != fm.StdVar[gb] {
			return fm.StdVar[ga] > fm.StdVar[gb]
		}
		return raw.Genes()[ga] < raw.Genes()[gb]
	})
	for rank, g := range order {
		fm.Rank[g] = rank + 1
		fm.Selected[g] = rank < nTop
	}
	return fm, nil
}

func binnedExpectedSD(mean, variance []float64) []float64 {
	type gv struct {
		gene   int
		logMu  float64
		rawVar float64
	}
	var expressed []gv
	for g, mu := range mean {
		if mu > 0 && variance[g] > 0 {
			expressed = append(expressed, gv{g, math.Log10(mu), variance[g]})
		}
	}
	sd := make([]float64, len(mean))
	if len(expressed) == 0 {
		return sd
	}
	lo, hi := expressed[0].logMu, expressed[0].logMu
	for _, e := range expressed {
		lo = math.Min(lo, e.logMu)
		hi = math.Max(hi, e.logMu)
	}
	width := (hi - lo) / nStdVarBins
	if width == 0 {
		width = 1
	}
	binOf := func(logMu float64) int {
		b := int((logMu - lo) / width)
		if b >= nStdVarBins {
			b = nStdVarBins - 1
		}
		return b
	}
	bins := make([][]float64, nStdVarBins)
	for _, e := range expressed {
		b := binOf(e.logMu)
		bins[b] = append(bins[b], e.rawVar)
	}
	med := make([]float64, nStdVarBins)
	for b, vs := range bins {
		if len(vs) == 0 {
			continue
		}
		sort.Float64s(vs)
		med[b] = vs[len(vs)/2]
	}
	// Empty bins inherit the nearest populated bin's median.
	for b := range med {
		if med[b] != 0 {
			continue
		}
		for d := 1; d < nStdVarBins; d++ {
			if b-d >= 0 && med[b-d] != 0 {
				med[b] = med[b-d]
				break
			}
			if b+d < nStdVarBins && med[b+d] != 0 {
				med[b] = med[b+d]
				break
			}
		}
	}
	for _, e := range expressed {
		sd[e.gene] = math.Sqrt(med[binOf(e.logMu)])
	}
	return sd
}

// DefaultMaxScaled clips scaled expression, matching common practice for
// PCA on scRNA-seq data.
const DefaultMaxScaled = 10

// Scale returns a dense cells × genes matrix of the given gene rows of m
// (log-normalized values), each gene centered to zero mean and unit
// variance, clipped to ±maxScaled. Genes with zero variance scale to zero.
func Scale(m *expr.Matrix, geneRows []int, maxScaled float64) (*mat.Dense, error) {
	if maxScaled <= 0 {
		maxScaled = DefaultMaxScaled
	}
	nCells := m.NCells()
	if nCells < 2 {
		return nil, errors.E("scaling needs at least two cells")
	}
	sub, err := m.SubsetGenes(geneRows)
	if err != nil {
		return nil, err
	}
	mean, variance := sub.GeneMoments()
	clipped := func(v float64) float64 {
		if v > maxScaled {
			return maxScaled
		}
		if v < -maxScaled {
			return -maxScaled
		}
		return v
	}
	sd := make([]float64, sub.NGenes())
	zero := make([]float64, sub.NGenes()) // scaled value of a zero count
	for g := range sd {
		sd[g] = math.Sqrt(variance[g] * float64(nCells) / float64(nCells-1))
		if sd[g] > 0 {
			zero[g] = clipped(-mean[g] / sd[g])
		}
	}
	x := mat.NewDense(nCells, sub.NGenes(), nil)
	for j := 0; j < nCells; j++ {
		row := x.RawRowView(j)
		copy(row, zero)
		sub.Col(j, func(g int, v float64) {
			if sd[g] > 0 {
				row[g] = clipped((v - mean[g]) / sd[g])
			}
		})
	}
	return x, nil
}
