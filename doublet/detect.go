// Package doublet classifies the cells of one sample as singlets or
// doublets (multi-cell captures) without ground truth, by mixing synthetic
// doublets into the sample and scoring each real cell by the proportion of
// synthetic profiles among its nearest neighbors in PCA space.
//
// Detection runs strictly per sample, on a not-yet-integrated matrix:
// cross-sample batch variation would corrupt the neighbor-distance
// heuristic.
package doublet

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/canidatlas/sc/cluster"
	"github.com/canidatlas/sc/expr"
	"github.com/canidatlas/sc/neighbors"
	"github.com/canidatlas/sc/normalize"
	"github.com/canidatlas/sc/reduce"
)

// Opts parameterizes detection for one sample.
type Opts struct {
	// Rate is the expected multiplet fraction. Zero means look it up in
	// Table from the sample's cell count.
	Rate float64
	// Table is the rate lookup used when Rate is zero.
	Table RateTable

	ScaleFactor    float64
	NVariableGenes int
	// MaxPCs bounds the PCA computation; the informative count within it is
	// selected automatically.
	MaxPCs int
	// FallbackPCs is used when a PC-count heuristic finds no qualifying
	// component.
	FallbackPCs int
	// GraphK is the neighborhood size of the provisional SNN graph.
	GraphK int
	// ProvisionalResolution drives the throwaway community partition used
	// only for the homotypic-proportion estimate. It is deliberately
	// independent of the resolutions tuned later in the main pipeline.
	ProvisionalResolution expr.Resolution

	// PNs and PKs define the sweep grid: PNs are synthetic-doublet
	// fractions of the merged set, PKs are neighborhood-size fractions.
	PNs []float64
	PKs []float64
	// FinalPN is the synthetic fraction used for the classifying pass at
	// the optimal pK.
	FinalPN float64

	// Seed makes the synthetic-doublet generation reproducible. Zero means
	// derive a seed from the clock, which is flagged in the log as a
	// reproducibility risk.
	Seed uint64
	// Parallelism bounds concurrent sweep cells (and samples in
	// DetectBatch); 0 means GOMAXPROCS.
	Parallelism int
}

// DefaultOpts mirrors the conventional sweep grid.
var DefaultOpts = Opts{
	Table:                 DefaultRateTable,
	ScaleFactor:           normalize.DefaultScaleFactor,
	NVariableGenes:        2000,
	MaxPCs:                50,
	FallbackPCs:           reduce.DefaultFallbackPCs,
	GraphK:                20,
	ProvisionalResolution: 0.1,
	PNs:                   []float64{0.05, 0.1, 0.15, 0.2, 0.25, 0.3},
	PKs: []float64{
		0.0005, 0.001, 0.005, 0.01, 0.02, 0.03, 0.04, 0.05,
		0.06, 0.07, 0.08, 0.09, 0.1, 0.15, 0.2, 0.25, 0.3,
	},
	FinalPN: 0.25,
}

// SweepCell is the bimodality statistic of one (pN, pK) grid cell.
type SweepCell struct {
	PN, PK     float64
	Bimodality float64
}

// Result is the per-sample outcome.
type Result struct {
	SampleID string
	// Calls maps each original cell identifier to its classification; it
	// merges into any superset metadata table by exact key.
	Calls map[string]expr.DoubletCall
	// PANN is the proportion of artificial nearest neighbors per cell at
	// the optimal pK, the ranking statistic behind Calls.
	PANN map[string]float64

	NPCs             int
	Rate             float64
	HomotypicProp    float64
	ExpectedDoublets int
	OptimalPK        float64
	Sweep            []SweepCell
}

// ExpectedDoublets is the detectable-doublet count: the expected multiplet
// count reduced by the homotypic proportion. Both roundings are part of the
// contract; collapsing them into one changes the result.
func ExpectedDoublets(rate float64, nCells int, homotypic float64) int {
	gross := math.Round(rate * float64(nCells))
	return int(math.Round(gross * (1 - homotypic)))
}

// HomotypicProportion is the probability that a random doublet joins two
// cells of the same provisional community: the sum of squared community
// proportions. Such doublets are indistinguishable from singlets and are
// excluded from the detectable count.
func HomotypicProportion(proportions []float64) float64 {
	var h float64
	for _, p := range proportions {
		h += p * p
	}
	return h
}

// Classify labels the nDoublets cells with the highest pANN as doublets and
// the rest singlets. Ties are broken by cell identifier so a fixed seed
// yields a fixed call set.
func Classify(cells []string, pANN []float64, nDoublets int) map[string]expr.DoubletCall {
	order := make([]int, len(cells))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		if pANN[ia] != pANN[ib] {
			return pANN[ia] > pANN[ib]
		}
		return cells[ia] < cells[ib]
	})
	calls := make(map[string]expr.DoubletCall, len(cells))
	for rank, i := range order {
		if rank < nDoublets {
			calls[cells[i]] = expr.Doublet
		} else {
			calls[cells[i]] = expr.Singlet
		}
	}
	return calls
}

// Detect runs the full heuristic for one sample's raw count matrix.
func Detect(sampleID string, counts *expr.Matrix, opts Opts) (*Result, error) {
	nCells := counts.NCells()
	if nCells < 3 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: %d cells is too few for doublet detection", sampleID, nCells))
	}
	if len(opts.PNs) == 0 || len(opts.PKs) == 0 {
		return nil, errors.E(errors.Invalid, "empty sweep grid")
	}
	rate := opts.Rate
	if rate == 0 {
		table := opts.Table
		if table == nil {
			table = DefaultRateTable
		}
		var err error
		if rate, err = table.Lookup(nCells); err != nil {
			return nil, err
		}
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
		log.Error.Printf("doublet: %s: no random seed configured; run is not reproducible (using %d)", sampleID, seed)
	}

	// Per-sample preprocessing: the sample is normalized, reduced and
	// provisionally clustered on its own, never on integrated data.
	prep, err := preprocess(counts, opts)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("%s: preprocessing", sampleID))
	}
	part, err := provisionalClusters(prep.embedding, opts, seed)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("%s: provisional clustering", sampleID))
	}
	homotypic := HomotypicProportion(part.Proportions())
	nExpected := ExpectedDoublets(rate, nCells, homotypic)

	sweep, optimalPK, err := sweepGrid(counts, prep, opts, seed)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("%s: parameter sweep", sampleID))
	}

	pANN, err := annProportions(counts, prep, opts.FinalPN, optimalPK, opts, seed)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("%s: final pANN", sampleID))
	}
	calls := Classify(counts.Cells(), pANN, nExpected)

	pANNByCell := make(map[string]float64, nCells)
	for i, c := range counts.Cells() {
		pANNByCell[c] = pANN[i]
	}
	log.Printf("doublet: %s: %d cells, rate=%.4f homotypic=%.4f expected=%d pK=%.4g nPCs=%d",
		sampleID, nCells, rate, homotypic, nExpected, optimalPK, prep.nPCs)
	return &Result{
		SampleID:         sampleID,
		Calls:            calls,
		PANN:             pANNByCell,
		NPCs:             prep.nPCs,
		Rate:             rate,
		HomotypicProp:    homotypic,
		ExpectedDoublets: nExpected,
		OptimalPK:        optimalPK,
		Sweep:            sweep,
	}, nil
}

// prepState carries the per-sample preprocessing products reused by the
// sweep.
type prepState struct {
	hvgRows   []int
	nPCs      int
	embedding *mat.Dense
}

func preprocess(counts *expr.Matrix, opts Opts) (*prepState, error) {
	lognorm, err := normalize.LogNormalize(counts, opts.ScaleFactor)
	if err != nil {
		return nil, err
	}
	fm, err := normalize.SelectVariableFeatures(counts, opts.NVariableGenes)
	if err != nil {
		return nil, err
	}
	hvgRows := fm.SelectedIndices()
	scaled, err := normalize.Scale(lognorm, hvgRows, normalize.DefaultMaxScaled)
	if err != nil {
		return nil, err
	}
	p, err := reduce.Fit(scaled, opts.MaxPCs)
	if err != nil {
		return nil, err
	}
	nPCs := reduce.SelectPCs(p.Explained, opts.FallbackPCs)
	return &prepState{
		hvgRows:   hvgRows,
		nPCs:      nPCs,
		embedding: p.ScoresUpTo(nPCs),
	}, nil
}

func provisionalClusters(embedding *mat.Dense, opts Opts, seed uint64) (*cluster.Partition, error) {
	n, _ := embedding.Dims()
	k := opts.GraphK
	if k >= n {
		k = n - 1
	}
	knn, err := neighbors.KNN(embedding, k)
	if err != nil {
		return nil, err
	}
	snn := neighbors.SNN(knn, 0)
	return cluster.Louvain(snn, opts.ProvisionalResolution, seed)
}

// synthesize builds a merged matrix of the real cells plus nSynth
// artificial doublets, each the average of two distinct random cells' raw
// transcript profiles.
func synthesize(counts *expr.Matrix, nSynth int, rng *rand.Rand) (*expr.Matrix, error) {
	nReal := counts.NCells()
	genes := counts.Genes()
	cells := make([]string, 0, nReal+nSynth)
	cells = append(cells, counts.Cells()...)
	var entries []expr.Entry
	for j := 0; j < nReal; j++ {
		counts.Col(j, func(gene int, v float64) {
			entries = append(entries, expr.Entry{Gene: gene, Cell: j, Value: v})
		})
	}
	for s := 0; s < nSynth; s++ {
		a := rng.Intn(nReal)
		b := rng.Intn(nReal)
		for b == a {
			b = rng.Intn(nReal)
		}
		col := nReal + s
		cells = append(cells, fmt.Sprintf("synthetic-%d", s))
		counts.Col(a, func(gene int, v float64) {
			entries = append(entries, expr.Entry{Gene: gene, Cell: col, Value: v / 2})
		})
		counts.Col(b, func(gene int, v float64) {
			entries = append(entries, expr.Entry{Gene: gene, Cell: col, Value: v / 2})
		})
	}
	return expr.New(genes, cells, entries)
}

// embedMerged preprocesses the merged real+synthetic matrix the same way as
// the sample itself (normalize, scale over the sample's variable genes,
// PCA) and returns its embedding at the sample's selected PC count.
func embedMerged(merged *expr.Matrix, prep *prepState, opts Opts) (*mat.Dense, error) {
	lognorm, err := normalize.LogNormalize(merged, opts.ScaleFactor)
	if err != nil {
		return nil, err
	}
	scaled, err := normalize.Scale(lognorm, prep.hvgRows, normalize.DefaultMaxScaled)
	if err != nil {
		return nil, err
	}
	p, err := reduce.Fit(scaled, prep.nPCs)
	if err != nil {
		return nil, err
	}
	return p.ScoresUpTo(prep.nPCs), nil
}

// pANNAt computes, for each real cell, the fraction of synthetic profiles
// among its k nearest neighbors in the merged embedding.
func pANNAt(embedding *mat.Dense, nReal, k int) ([]float64, error) {
	knn, err := neighbors.KNN(embedding, k)
	if err != nil {
		return nil, err
	}
	out := make([]float64, nReal)
	for i := 0; i < nReal; i++ {
		synth := 0
		for _, j := range knn[i] {
			if j >= nReal {
				synth++
			}
		}
		out[i] = float64(synth) / float64(len(knn[i]))
	}
	return out, nil
}

func nSynthFor(nReal int, pN float64) int {
	// pN is the synthetic fraction of the merged set.
	return int(math.Round(pN / (1 - pN) * float64(nReal)))
}

func kFor(pK float64, nMerged int) int {
	k := int(math.Round(pK * float64(nMerged)))
	if k < 1 {
		k = 1
	}
	if k >= nMerged {
		k = nMerged - 1
	}
	return k
}

// bimodality is Sarle's bimodality coefficient of a sample.
func bimodality(x []float64) float64 {
	n := float64(len(x))
	if n < 4 {
		return 0
	}
	skew := stat.Skew(x, nil)
	exKurt := stat.ExKurtosis(x, nil)
	denom := exKurt + 3*(n-1)*(n-1)/((n-2)*(n-3))
	if denom == 0 {
		return 0
	}
	return (skew*skew + 1) / denom
}

// annProportions runs one synthesis pass at (pN, pK) and returns the per-
// real-cell pANN vector.
func annProportions(counts *expr.Matrix, prep *prepState, pN, pK float64, opts Opts, seed uint64) ([]float64, error) {
	nReal := counts.NCells()
	nSynth := nSynthFor(nReal, pN)
	if nSynth < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("pN=%v yields no synthetic doublets for %d cells", pN, nReal))
	}
	rng := rand.New(rand.NewSource(seed ^ math.Float64bits(pN)))
	merged, err := synthesize(counts, nSynth, rng)
	if err != nil {
		return nil, err
	}
	embedding, err := embedMerged(merged, prep, opts)
	if err != nil {
		return nil, err
	}
	return pANNAt(embedding, nReal, kFor(pK, nReal+nSynth))
}
