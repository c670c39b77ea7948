package reduce

import (
	"math"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/mat"
)

// CCA computes a canonical-correlation embedding of two samples measured
// over the same gene columns (rows are cells, scaled expression). The
// shared structure is the SVD of the cross-product x yᵀ; the left and
// right singular vectors embed the cells of x and y respectively. Rows of
// both embeddings are L2-normalized, as the canonical vectors are only
// defined up to scale.
func CCA(x, y *mat.Dense, k int) (cvX, cvY *mat.Dense, err error) {
	_, dx := x.Dims()
	_, dy := y.Dims()
	if dx != dy {
		return nil, nil, errors.E("CCA inputs must share gene columns")
	}
	var cross mat.Dense
	cross.Mul(x, y.T())
	var svd mat.SVD
	if ok := svd.Factorize(&cross, mat.SVDThin); !ok {
		return nil, nil, errors.E("SVD of cross-product failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	ru, cu := u.Dims()
	rv, cv := v.Dims()
	if k > cu {
		k = cu
	}
	if k > cv {
		k = cv
	}
	cvX = mat.NewDense(ru, k, nil)
	cvX.Copy(u.Slice(0, ru, 0, k))
	cvY = mat.NewDense(rv, k, nil)
	cvY.Copy(v.Slice(0, rv, 0, k))
	l2NormalizeRows(cvX)
	l2NormalizeRows(cvY)
	return cvX, cvY, nil
}

func l2NormalizeRows(m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		var ss float64
		for _, v := range row {
			ss += v * v
		}
		if ss == 0 {
			continue
		}
		norm := math.Sqrt(ss)
		for j := 0; j < c; j++ {
			row[j] /= norm
		}
	}
}

// Integrate aligns per-sample scaled matrices (shared gene columns, rows
// are cells) into one embedding. The sample with the most cells serves as
// reference: its PCA basis embeds every sample, then each non-reference
// sample is shifted and rescaled per component to match the reference's
// location and dispersion, removing per-sample batch displacement while
// preserving within-sample structure. Rows of the result follow the input
// order.
//
// Doublet detection must run on per-sample data before this step; the
// alignment here would corrupt its neighbor-distance heuristic.
func Integrate(samples []*mat.Dense, k int) (*mat.Dense, error) {
	if len(samples) == 0 {
		return nil, errors.E("no samples to integrate")
	}
	ref := 0
	for i, s := range samples {
		if r, _ := s.Dims(); i > 0 {
			if rr, _ := samples[ref].Dims(); r > rr {
				ref = i
			}
		}
	}
	basis, err := Fit(samples[ref], k)
	if err != nil {
		return nil, err
	}
	embeddings := make([]*mat.Dense, len(samples))
	for i, s := range samples {
		embeddings[i] = basis.Project(s)
	}
	_, kk := embeddings[ref].Dims()
	refMean, refSD := columnMoments(embeddings[ref])
	total := 0
	for _, e := range embeddings {
		r, _ := e.Dims()
		total += r
	}
	out := mat.NewDense(total, kk, nil)
	row := 0
	for i, e := range embeddings {
		r, _ := e.Dims()
		if i != ref {
			mean, sd := columnMoments(e)
			for c := 0; c < kk; c++ {
				scale := 1.0
				if sd[c] > 0 && refSD[c] > 0 {
					scale = refSD[c] / sd[c]
				}
				for ri := 0; ri < r; ri++ {
					e.Set(ri, c, (e.At(ri, c)-mean[c])*scale+refMean[c])
				}
			}
		}
		out.Slice(row, row+r, 0, kk).(*mat.Dense).Copy(e)
		row += r
	}
	return out, nil
}

func columnMoments(m *mat.Dense) (mean, sd []float64) {
	r, c := m.Dims()
	mean = make([]float64, c)
	sd = make([]float64, c)
	for j := 0; j < c; j++ {
		var s float64
		for i := 0; i < r; i++ {
			s += m.At(i, j)
		}
		mean[j] = s / float64(r)
		var ss float64
		for i := 0; i < r; i++ {
			d := m.At(i, j) - mean[j]
			ss += d * d
		}
		if r > 1 {
			sd[j] = math.Sqrt(ss / float64(r-1))
		}
	}
	return mean, sd
}
