// Package reduce implements linear dimensionality reduction: PCA with
// automatic selection of the number of informative components, projection
// of new observations onto an existing basis, and a CCA-style alignment of
// per-sample embeddings into one integrated space.
package reduce

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// PCA holds a fitted principal-component basis and the embedding of the
// fitting data.
type PCA struct {
	// Scores is the cells × components embedding.
	Scores *mat.Dense
	// Loadings is the genes × components basis.
	Loadings *mat.Dense
	// Means is the per-gene column mean of the fitting data.
	Means []float64
	// Explained is the per-component explained-variance fraction, summing
	// to 1 over all computed components.
	Explained []float64
}

// Fit computes up to maxComponents principal components of x (rows are
// cells, columns are genes; typically already centered and scaled).
func Fit(x *mat.Dense, maxComponents int) (*PCA, error) {
	n, d := x.Dims()
	if n < 2 {
		return nil, errors.E("PCA needs at least two cells")
	}
	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return nil, errors.E("principal component decomposition failed")
	}
	vars := pc.VarsTo(nil)
	k := len(vars)
	if maxComponents > 0 && maxComponents < k {
		k = maxComponents
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	loadings := mat.NewDense(d, k, nil)
	loadings.Copy(vecs.Slice(0, d, 0, k))

	means := make([]float64, d)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		mat.Col(col, j, x)
		means[j] = floats.Sum(col) / float64(n)
	}

	total := floats.Sum(vars)
	explained := make([]float64, k)
	if total > 0 {
		for i := 0; i < k; i++ {
			explained[i] = vars[i] / total
		}
	}
	p := &PCA{
		Loadings:  loadings,
		Means:     means,
		Explained: explained,
	}
	p.Scores = p.Project(x)
	return p, nil
}

// Project embeds new observations (same gene columns as the fitting data)
// into the fitted component space.
func (p *PCA) Project(x *mat.Dense) *mat.Dense {
	n, d := x.Dims()
	centered := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		row := centered.RawRowView(i)
		copy(row, x.RawRowView(i))
		floats.Sub(row, p.Means)
	}
	_, k := p.Loadings.Dims()
	scores := mat.NewDense(n, k, nil)
	scores.Mul(centered, p.Loadings)
	return scores
}

// ScoresUpTo returns the first k columns of the fitted embedding.
func (p *PCA) ScoresUpTo(k int) *mat.Dense {
	n, kAll := p.Scores.Dims()
	if k > kAll {
		k = kAll
	}
	out := mat.NewDense(n, k, nil)
	out.Copy(p.Scores.Slice(0, n, 0, k))
	return out
}

const (
	// cumVarThreshold and pctVarThreshold define the cumulative-variance
	// heuristic: the first component past 90% cumulative variance whose own
	// contribution is already below 5%.
	cumVarThreshold = 90.0
	pctVarThreshold = 5.0
	// diffThreshold defines the consecutive-difference heuristic, in
	// percentage points.
	diffThreshold = 0.1

	// DefaultFallbackPCs is used when a heuristic finds no qualifying
	// component.
	DefaultFallbackPCs = 10
)

// CumulativeKnee returns the 1-based count of components at the first index
// where cumulative explained variance exceeds 90% and the component's own
// share has dropped below 5%. ok is false when no component qualifies.
// explained is a fraction-per-component curve (sums to <= 1).
func CumulativeKnee(explained []float64) (n int, ok bool) {
	cum := 0.0
	for i, e := range explained {
		pct := e * 100
		cum += pct
		if cum > cumVarThreshold && pct < pctVarThreshold {
			return i + 1, true
		}
	}
	return 0, false
}

// DiffKnee scans the explained-variance curve backward from the last
// component and returns, as a 1-based count, one past the first index where
// consecutive values differ by more than 0.1 percentage point. ok is false
// when no pair of consecutive components differs by that much.
func DiffKnee(explained []float64) (n int, ok bool) {
	for i := len(explained) - 2; i >= 0; i-- {
		if (explained[i]-explained[i+1])*100 > diffThreshold {
			return i + 2, true
		}
	}
	return 0, false
}

// SelectPCs picks the number of informative components as the more
// conservative of the two knee heuristics. A heuristic that finds no
// qualifying component falls back to fallback (DefaultFallbackPCs if <= 0)
// with a logged warning; the selection itself is deterministic for a given
// curve.
func SelectPCs(explained []float64, fallback int) int {
	if fallback <= 0 {
		fallback = DefaultFallbackPCs
	}
	a, okA := CumulativeKnee(explained)
	if !okA {
		log.Error.Printf("reduce: cumulative-variance heuristic found no qualifying component, falling back to %d PCs", fallback)
		a = fallback
	}
	b, okB := DiffKnee(explained)
	if !okB {
		log.Error.Printf("reduce: consecutive-difference heuristic found no qualifying component, falling back to %d PCs", fallback)
		b = fallback
	}
	n := a
	if b < n {
		n = b
	}
	if n > len(explained) {
		n = len(explained)
	}
	if n < 1 {
		n = 1
	}
	return n
}

func validateCurve(explained []float64) error {
	if len(explained) == 0 {
		return errors.E("empty explained-variance curve")
	}
	for i, e := range explained {
		if e < 0 {
			return errors.E(fmt.Sprintf("negative explained variance %v at component %d", e, i))
		}
	}
	return nil
}

// SelectPCsChecked is SelectPCs with input validation, for callers feeding
// externally supplied curves.
func SelectPCsChecked(explained []float64, fallback int) (int, error) {
	if err := validateCurve(explained); err != nil {
		return 0, err
	}
	return SelectPCs(explained, fallback), nil
}
