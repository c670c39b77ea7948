// Package geneset scores gene-set activity per cell and tests gene sets
// for enrichment in per-cluster marker lists.
package geneset

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/combin"

	"github.com/canidatlas/sc/annotate"
	"github.com/canidatlas/sc/expr"
)

// Set is a named gene set.
type Set struct {
	Name  string
	Genes []string
}

// LoadGMT reads gene sets in GMT format: one set per line, tab-separated
// name, description, then gene identifiers.
func LoadGMT(ctx context.Context, path string) ([]Set, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.Close(ctx) // nolint: errcheck
	var r io.Reader = in.Reader(ctx)
	if u := compress.NewReaderPath(r, path); u != nil {
		r = u
	}
	rd := bufio.NewScanner(r)
	rd.Buffer(make([]byte, 64<<10), 4<<20)
	var sets []Set
	for rd.Scan() {
		line := strings.TrimRight(rd.Text(), "\r\n")
		if line == "" {
			continue
		}
		f := strings.Split(line, "\t")
		if len(f) < 3 {
			return nil, errors.E(fmt.Sprintf("%s: GMT line needs name, description and genes: %q", path, line))
		}
		sets = append(sets, Set{Name: f[0], Genes: f[2:]})
	}
	if err := rd.Err(); err != nil {
		return nil, errors.E(err, path)
	}
	if len(sets) == 0 {
		return nil, errors.E(fmt.Sprintf("%s: no gene sets", path))
	}
	return sets, nil
}

// ScoreOpts tunes module scoring.
type ScoreOpts struct {
	// NBins is the number of average-expression bins control genes are
	// drawn from.
	NBins int
	// NControl is the number of control genes sampled per set gene.
	NControl int
	Seed     uint64
}

// DefaultScoreOpts matches conventional module-scoring parameters.
var DefaultScoreOpts = ScoreOpts{NBins: 24, NControl: 100}

// ModuleScore returns, per cell, the mean log-normalized expression of the
// set minus the mean of expression-bin-matched control genes. Genes absent
// from the matrix are skipped; an entirely absent set is an error.
func ModuleScore(lognorm *expr.Matrix, set Set, opts ScoreOpts) (map[string]float64, error) {
	if opts.NBins <= 0 {
		opts.NBins = DefaultScoreOpts.NBins
	}
	if opts.NControl <= 0 {
		opts.NControl = DefaultScoreOpts.NControl
	}
	var setRows []int
	for _, g := range set.Genes {
		if i, ok := lognorm.GeneIndex(g); ok {
			setRows = append(setRows, i)
		}
	}
	if len(setRows) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("gene set %q shares no genes with the matrix", set.Name))
	}

	mean, _ := lognorm.GeneMoments()
	bins := expressionBins(mean, opts.NBins)
	rng := rand.New(rand.NewSource(opts.Seed))
	ctrl := map[int]bool{}
	inSet := map[int]bool{}
	for _, g := range setRows {
		inSet[g] = true
	}
	for _, g := range setRows {
		pool := bins.members(bins.of[g])
		for c := 0; c < opts.NControl && c < len(pool); c++ {
			pick := pool[rng.Intn(len(pool))]
			if !inSet[pick] {
				ctrl[pick] = true
			}
		}
	}
	if len(ctrl) == 0 {
		return nil, errors.E(fmt.Sprintf("gene set %q: no control genes available", set.Name))
	}
	ctrlRows := make([]int, 0, len(ctrl))
	for g := range ctrl {
		ctrlRows = append(ctrlRows, g)
	}
	sort.Ints(ctrlRows)

	setSum := make([]float64, lognorm.NCells())
	ctrlSum := make([]float64, lognorm.NCells())
	isSet := make([]bool, lognorm.NGenes())
	isCtrl := make([]bool, lognorm.NGenes())
	for _, g := range setRows {
		isSet[g] = true
	}
	for _, g := range ctrlRows {
		isCtrl[g] = true
	}
	for j := 0; j < lognorm.NCells(); j++ {
		lognorm.Col(j, func(gene int, v float64) {
			if isSet[gene] {
				setSum[j] += v
			}
			if isCtrl[gene] {
				ctrlSum[j] += v
			}
		})
	}
	out := make(map[string]float64, lognorm.NCells())
	for j, cell := range lognorm.Cells() {
		out[cell] = setSum[j]/float64(len(setRows)) - ctrlSum[j]/float64(len(ctrlRows))
	}
	return out, nil
}

type binning struct {
	of    []int
	byBin [][]int
}

func (b *binning) members(bin int) []int { return b.byBin[bin] }

func expressionBins(mean []float64, nBins int) *binning {
	order := make([]int, len(mean))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		if mean[order[a]] != mean[order[b]] {
			return mean[order[a]] < mean[order[b]]
		}
		return order[a] < order[b]
	})
	b := &binning{of: make([]int, len(mean)), byBin: make([][]int, nBins)}
	per := (len(mean) + nBins - 1) / nBins
	for pos, g := range order {
		bin := pos / per
		if bin >= nBins {
			bin = nBins - 1
		}
		b.of[g] = bin
		b.byBin[bin] = append(b.byBin[bin], g)
	}
	return b
}

// Enrichment is one gene set's overrepresentation result in one cluster's
// markers.
type Enrichment struct {
	Cluster   int
	Set       string
	Overlap   int
	SetSize   int
	Markers   int
	PValue    float64
	AdjPValue float64
}

// Enrich tests each gene set for overrepresentation among each cluster's
// markers with the hypergeometric upper tail over a universe of
// universeSize genes (typically the matrix gene count), BH-adjusted across
// sets within a cluster.
func Enrich(markers []annotate.Marker, sets []Set, universeSize int) ([]Enrichment, error) {
	if universeSize <= 0 {
		return nil, errors.E("universe size must be positive")
	}
	byCluster := map[int]map[string]bool{}
	for _, m := range markers {
		if byCluster[m.Cluster] == nil {
			byCluster[m.Cluster] = map[string]bool{}
		}
		byCluster[m.Cluster][m.Gene] = true
	}
	clusters := make([]int, 0, len(byCluster))
	for c := range byCluster {
		clusters = append(clusters, c)
	}
	sort.Ints(clusters)

	var out []Enrichment
	for _, c := range clusters {
		marks := byCluster[c]
		row := make([]Enrichment, 0, len(sets))
		for _, s := range sets {
			overlap := 0
			for _, g := range s.Genes {
				if marks[g] {
					overlap++
				}
			}
			p := hypergeomUpperTail(universeSize, len(s.Genes), len(marks), overlap)
			row = append(row, Enrichment{
				Cluster: c,
				Set:     s.Name,
				Overlap: overlap,
				SetSize: len(s.Genes),
				Markers: len(marks),
				PValue:  p,
			})
		}
		adjustBH(row)
		out = append(out, row...)
	}
	return out, nil
}

// hypergeomUpperTail is P(X >= k) for X ~ Hypergeom(N population, K
// successes, n draws), computed in log space.
func hypergeomUpperTail(N, K, n, k int) float64 {
	if k <= 0 {
		return 1
	}
	hi := K
	if n < hi {
		hi = n
	}
	if k > hi {
		return 0
	}
	logDenom := combin.LogGeneralizedBinomial(float64(N), float64(n))
	var p float64
	for x := k; x <= hi; x++ {
		if n-x > N-K {
			continue
		}
		lp := combin.LogGeneralizedBinomial(float64(K), float64(x)) +
			combin.LogGeneralizedBinomial(float64(N-K), float64(n-x)) -
			logDenom
		p += math.Exp(lp)
	}
	if p > 1 {
		p = 1
	}
	return p
}

func adjustBH(es []Enrichment) {
	n := len(es)
	if n == 0 {
		return
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return es[order[a]].PValue < es[order[b]].PValue })
	prev := 1.0
	for rank := n - 1; rank >= 0; rank-- {
		i := order[rank]
		q := es[i].PValue * float64(n) / float64(rank+1)
		if q > prev {
			q = prev
		}
		prev = q
		es[i].AdjPValue = q
	}
}
