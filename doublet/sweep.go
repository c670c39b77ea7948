package doublet

import (
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/canidatlas/sc/expr"
	"github.com/canidatlas/sc/neighbors"
)

// sweepGrid evaluates the bimodality of the pANN distribution over the
// (pN, pK) grid and picks the pK maximizing the mean statistic across pN
// values. Grid rows (one per pN) are independent and run in parallel; each
// row synthesizes its own doublet set from a seed derived from the row, so
// the outcome does not depend on scheduling.
func sweepGrid(counts *expr.Matrix, prep *prepState, opts Opts, seed uint64) ([]SweepCell, float64, error) {
	nReal := counts.NCells()
	rows := make([][]SweepCell, len(opts.PNs))
	err := eachLimited(len(opts.PNs), opts.Parallelism, func(pnIdx int) error {
		pN := opts.PNs[pnIdx]
		nSynth := nSynthFor(nReal, pN)
		if nSynth < 1 {
			return errors.E(errors.Invalid, "pN too small for sample size")
		}
		rng := rand.New(rand.NewSource(seed ^ math.Float64bits(pN)))
		merged, err := synthesize(counts, nSynth, rng)
		if err != nil {
			return err
		}
		embedding, err := embedMerged(merged, prep, opts)
		if err != nil {
			return err
		}
		cells, err := sweepRow(embedding, nReal, pN, opts.PKs)
		if err != nil {
			return err
		}
		rows[pnIdx] = cells
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	var all []SweepCell
	meanBC := make(map[float64]float64, len(opts.PKs))
	for _, row := range rows {
		for _, c := range row {
			all = append(all, c)
			meanBC[c.PK] += c.Bimodality / float64(len(opts.PNs))
		}
	}
	pks := append([]float64(nil), opts.PKs...)
	sort.Float64s(pks)
	best := pks[0]
	for _, pk := range pks[1:] {
		if meanBC[pk] > meanBC[best] {
			best = pk
		}
	}
	return all, best, nil
}

// sweepRow scores every pK against one merged embedding. Neighbor lists are
// computed once at the largest k; smaller neighborhoods are prefixes, since
// the lists are sorted by ascending distance.
func sweepRow(embedding *mat.Dense, nReal int, pN float64, pKs []float64) ([]SweepCell, error) {
	nMerged, _ := embedding.Dims()
	kMax := 1
	for _, pk := range pKs {
		if k := kFor(pk, nMerged); k > kMax {
			kMax = k
		}
	}
	knn, err := neighbors.KNN(embedding, kMax)
	if err != nil {
		return nil, err
	}
	cells := make([]SweepCell, 0, len(pKs))
	pANN := make([]float64, nReal)
	for _, pk := range pKs {
		k := kFor(pk, nMerged)
		for i := 0; i < nReal; i++ {
			nbrs := knn[i]
			if len(nbrs) > k {
				nbrs = nbrs[:k]
			}
			synth := 0
			for _, j := range nbrs {
				if j >= nReal {
					synth++
				}
			}
			pANN[i] = float64(synth) / float64(len(nbrs))
		}
		cells = append(cells, SweepCell{PN: pN, PK: pk, Bimodality: bimodality(pANN)})
	}
	return cells, nil
}
