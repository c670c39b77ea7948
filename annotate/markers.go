// Package annotate assigns biological meaning to clusters: per-cluster
// differential-expression markers, correlation-based label transfer from a
// labeled reference, and explicit manual relabeling.
package annotate

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"

	"github.com/canidatlas/sc/expr"
)

// Marker is one gene's one-vs-rest differential expression result for a
// cluster.
type Marker struct {
	Cluster int
	Gene    string
	// Log2FC is the log2 ratio of mean expression in the cluster versus the
	// rest (computed on expm1 of log-normalized values).
	Log2FC float64
	// PctIn and PctOut are the detection fractions inside and outside the
	// cluster.
	PctIn, PctOut float64
	PValue        float64
	AdjPValue     float64
}

// MarkerOpts filters which genes are tested.
type MarkerOpts struct {
	// MinPct is the minimum detection fraction in either population.
	MinPct float64
	// MinLog2FC is the minimum absolute log2 fold-change to test.
	MinLog2FC float64
	// OnlyPositive keeps markers overexpressed in the cluster.
	OnlyPositive bool
}

// DefaultMarkerOpts mirrors conventional marker-detection thresholds.
var DefaultMarkerOpts = MarkerOpts{
	MinPct:       0.1,
	MinLog2FC:    0.25,
	OnlyPositive: true,
}

// FindMarkers tests every gene of the log-normalized matrix for
// differential expression in each cluster versus all other cells, using the
// Wilcoxon rank-sum test with tie correction and Benjamini-Hochberg
// adjustment per cluster. labels must align with the matrix cells.
func FindMarkers(lognorm *expr.Matrix, labels []int, opts MarkerOpts) ([]Marker, error) {
	if len(labels) != lognorm.NCells() {
		return nil, errors.E(fmt.Sprintf("%d labels for %d cells", len(labels), lognorm.NCells()))
	}
	clusters := map[int][]int{}
	for j, l := range labels {
		clusters[l] = append(clusters[l], j)
	}
	ids := make([]int, 0, len(clusters))
	for c := range clusters {
		ids = append(ids, c)
	}
	sort.Ints(ids)

	nCells := lognorm.NCells()
	var out []Marker
	for _, c := range ids {
		in := clusters[c]
		if len(in) < 3 || nCells-len(in) < 3 {
			continue
		}
		inSet := make([]bool, nCells)
		for _, j := range in {
			inSet[j] = true
		}
		var cm []Marker
		for g := 0; g < lognorm.NGenes(); g++ {
			m, ok := testGene(lognorm, g, c, inSet, len(in), opts)
			if ok {
				cm = append(cm, m)
			}
		}
		adjustBH(cm)
		out = append(out, cm...)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Cluster != out[b].Cluster {
			return out[a].Cluster < out[b].Cluster
		}
		if out[a].AdjPValue != out[b].AdjPValue {
			return out[a].AdjPValue < out[b].AdjPValue
		}
		return out[a].Gene < out[b].Gene
	})
	return out, nil
}

func testGene(lognorm *expr.Matrix, g, c int, inSet []bool, nIn int, opts MarkerOpts) (Marker, bool) {
	nCells := lognorm.NCells()
	nOut := nCells - nIn
	x := make([]float64, 0, nIn)
	y := make([]float64, 0, nOut)
	// Gather per-cell values of gene g. Sparse iteration over the row would
	// need a CSR mirror; At per cell is fine at marker-test scale.
	var sumIn, sumOut float64
	var detIn, detOut int
	for j := 0; j < nCells; j++ {
		v := lognorm.At(g, j)
		if inSet[j] {
			x = append(x, v)
			sumIn += math.Expm1(v)
			if v > 0 {
				detIn++
			}
		} else {
			y = append(y, v)
			sumOut += math.Expm1(v)
			if v > 0 {
				detOut++
			}
		}
	}
	pctIn := float64(detIn) / float64(nIn)
	pctOut := float64(detOut) / float64(nOut)
	if pctIn < opts.MinPct && pctOut < opts.MinPct {
		return Marker{}, false
	}
	const pseudo = 1e-9
	log2FC := math.Log2((sumIn/float64(nIn) + pseudo) / (sumOut/float64(nOut) + pseudo))
	if math.Abs(log2FC) < opts.MinLog2FC {
		return Marker{}, false
	}
	if opts.OnlyPositive && log2FC <= 0 {
		return Marker{}, false
	}
	p := wilcoxonRankSum(x, y)
	return Marker{
		Cluster: c,
		Gene:    lognorm.Genes()[g],
		Log2FC:  log2FC,
		PctIn:   pctIn,
		PctOut:  pctOut,
		PValue:  p,
	}, true
}

// wilcoxonRankSum is the two-sided Mann-Whitney U test under the normal
// approximation with tie correction, adequate at scRNA-seq group sizes.
func wilcoxonRankSum(x, y []float64) float64 {
	n1, n2 := float64(len(x)), float64(len(y))
	type obs struct {
		v     float64
		fromX bool
	}
	all := make([]obs, 0, len(x)+len(y))
	for _, v := range x {
		all = append(all, obs{v, true})
	}
	for _, v := range y {
		all = append(all, obs{v, false})
	}
	sort.Slice(all, func(a, b int) bool { return all[a].v < all[b].v })

	var rankSumX float64
	var tieTerm float64
	n := len(all)
	for i := 0; i < n; {
		j := i
		for j < n && all[j].v == all[i].v {
			j++
		}
		// Average rank for the tie group [i, j), 1-based ranks.
		avgRank := float64(i+j+1) / 2
		t := float64(j - i)
		if t > 1 {
			tieTerm += t*t*t - t
		}
		for k := i; k < j; k++ {
			if all[k].fromX {
				rankSumX += avgRank
			}
		}
		i = j
	}
	u := rankSumX - n1*(n1+1)/2
	mean := n1 * n2 / 2
	nn := n1 + n2
	variance := n1 * n2 / 12 * (nn + 1 - tieTerm/(nn*(nn-1)))
	if variance <= 0 {
		return 1
	}
	// Continuity correction.
	z := (math.Abs(u-mean) - 0.5) / math.Sqrt(variance)
	if z < 0 {
		z = 0
	}
	return 2 * normalUpperTail(z)
}

func normalUpperTail(z float64) float64 {
	p := 0.5 * math.Erfc(z/math.Sqrt2)
	if p > 1 {
		p = 1
	}
	return p
}

// adjustBH applies the Benjamini-Hochberg step-up procedure in place.
func adjustBH(ms []Marker) {
	n := len(ms)
	if n == 0 {
		return
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return ms[order[a]].PValue < ms[order[b]].PValue })
	prev := 1.0
	for rank := n - 1; rank >= 0; rank-- {
		i := order[rank]
		q := ms[i].PValue * float64(n) / float64(rank+1)
		if q > prev {
			q = prev
		}
		prev = q
		ms[i].AdjPValue = q
	}
}

// TopMarkers returns the best n markers per cluster by adjusted p-value.
func TopMarkers(ms []Marker, n int) []Marker {
	perCluster := map[int]int{}
	var out []Marker
	for _, m := range ms {
		if perCluster[m.Cluster] < n {
			out = append(out, m)
			perCluster[m.Cluster]++
		}
	}
	return out
}
