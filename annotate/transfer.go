package annotate

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/canidatlas/sc/expr"
)

// Reference is a labeled expression reference: one mean profile per cell
// type over its own gene list.
type Reference struct {
	Labels   []string
	Genes    []string
	Profiles [][]float64 // Profiles[i][g]: expression of Genes[g] in Labels[i]
}

// LabelCall is the best reference match for one cluster.
type LabelCall struct {
	Cluster int
	Label   string
	// Score is the Spearman correlation against the winning profile.
	Score float64
	// Runner is the second-best label, useful when Score and RunnerScore
	// are close enough to need manual review.
	Runner      string
	RunnerScore float64
}

// TransferLabels correlates each cluster's mean log-normalized profile with
// every reference profile over the shared genes and reports the best match
// per cluster. The reference is consumed as data, not recomputed: it plays
// the role of an external annotation service.
func TransferLabels(lognorm *expr.Matrix, labels []int, ref *Reference) ([]LabelCall, error) {
	if len(ref.Labels) != len(ref.Profiles) {
		return nil, errors.E("reference labels and profiles differ in length")
	}
	if len(labels) != lognorm.NCells() {
		return nil, errors.E(fmt.Sprintf("%d labels for %d cells", len(labels), lognorm.NCells()))
	}
	// Shared gene space, in reference order.
	var sharedRef []int
	var sharedQuery []int
	for gi, g := range ref.Genes {
		if qi, ok := lognorm.GeneIndex(g); ok {
			sharedRef = append(sharedRef, gi)
			sharedQuery = append(sharedQuery, qi)
		}
	}
	if len(sharedRef) < 10 {
		return nil, errors.E(fmt.Sprintf("only %d genes shared with reference", len(sharedRef)))
	}

	means, clusterIDs := clusterMeans(lognorm, labels, sharedQuery)
	calls := make([]LabelCall, 0, len(clusterIDs))
	for ci, c := range clusterIDs {
		type scored struct {
			label string
			rho   float64
		}
		best := make([]scored, 0, len(ref.Labels))
		for li, label := range ref.Labels {
			profile := make([]float64, len(sharedRef))
			for k, gi := range sharedRef {
				profile[k] = ref.Profiles[li][gi]
			}
			rho := spearman(means[ci], profile)
			best = append(best, scored{label, rho})
		}
		sort.Slice(best, func(a, b int) bool {
			if best[a].rho != best[b].rho {
				return best[a].rho > best[b].rho
			}
			return best[a].label < best[b].label
		})
		call := LabelCall{Cluster: c, Label: best[0].label, Score: best[0].rho}
		if len(best) > 1 {
			call.Runner = best[1].label
			call.RunnerScore = best[1].rho
		}
		calls = append(calls, call)
	}
	return calls, nil
}

// clusterMeans returns per-cluster mean expression over the given gene
// rows, with cluster IDs in ascending order.
func clusterMeans(lognorm *expr.Matrix, labels []int, geneRows []int) ([][]float64, []int) {
	sizes := map[int]int{}
	for _, l := range labels {
		sizes[l]++
	}
	ids := make([]int, 0, len(sizes))
	for c := range sizes {
		ids = append(ids, c)
	}
	sort.Ints(ids)
	pos := make(map[int]int, len(ids))
	for i, c := range ids {
		pos[c] = i
	}
	rowOf := make(map[int]int, len(geneRows))
	for k, g := range geneRows {
		rowOf[g] = k
	}
	means := make([][]float64, len(ids))
	for i := range means {
		means[i] = make([]float64, len(geneRows))
	}
	for j := 0; j < lognorm.NCells(); j++ {
		ci := pos[labels[j]]
		lognorm.Col(j, func(gene int, v float64) {
			if k, ok := rowOf[gene]; ok {
				means[ci][k] += v
			}
		})
	}
	for i, c := range ids {
		for k := range means[i] {
			means[i][k] /= float64(sizes[c])
		}
	}
	return means, ids
}

// spearman is the rank correlation of two equal-length vectors.
func spearman(a, b []float64) float64 {
	ra := ranks(a)
	rb := ranks(b)
	return stat.Correlation(ra, rb, nil)
}

func ranks(x []float64) []float64 {
	order := make([]int, len(x))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return x[order[a]] < x[order[b]] })
	r := make([]float64, len(x))
	for i := 0; i < len(order); {
		j := i
		for j < len(order) && x[order[j]] == x[order[i]] {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			r[order[k]] = avg
		}
		i = j
	}
	return r
}
