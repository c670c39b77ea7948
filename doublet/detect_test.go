package doublet

import (
	"fmt"
	"math"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"golang.org/x/exp/rand"

	"github.com/canidatlas/sc/expr"
)

func TestExpectedDoublets(t *testing.T) {
	// 3000 cells at the 0.023 rate: round(69) synthesized, reduced by a 10%
	// homotypic proportion: round(69 * 0.9) = 62.
	expect.EQ(t, ExpectedDoublets(0.023, 3000, 0.1), 62)
	expect.EQ(t, ExpectedDoublets(0.004, 500, 0), 2)
	expect.EQ(t, ExpectedDoublets(0.1, 10, 1), 0)

	// The two roundings are sequential, not collapsed: round(round(0.023 *
	// 2990) * (1 - 0.33)) rounds 68.77 to 69 first.
	gross := math.Round(0.023 * 2990)
	expect.EQ(t, ExpectedDoublets(0.023, 2990, 0.33), int(math.Round(gross*0.67)))
}

func TestHomotypicProportion(t *testing.T) {
	expect.EQ(t, HomotypicProportion([]float64{1}), 1.0)
	expect.EQ(t, HomotypicProportion([]float64{0.5, 0.5}), 0.5)
	got := HomotypicProportion([]float64{0.7, 0.2, 0.1})
	if math.Abs(got-0.54) > 1e-12 {
		t.Errorf("got %v, want 0.54", got)
	}
}

func TestClassify(t *testing.T) {
	cells := []string{"a", "b", "c", "d"}
	pANN := []float64{0.1, 0.9, 0.5, 0.9}
	calls := Classify(cells, pANN, 2)
	expect.EQ(t, calls["b"], expr.Doublet)
	expect.EQ(t, calls["d"], expr.Doublet)
	expect.EQ(t, calls["a"], expr.Singlet)
	expect.EQ(t, calls["c"], expr.Singlet)
}

func TestClassifyTiebreak(t *testing.T) {
	// Equal pANN breaks by cell identifier, ascending.
	cells := []string{"z", "a", "m"}
	pANN := []float64{0.5, 0.5, 0.5}
	calls := Classify(cells, pANN, 1)
	expect.EQ(t, calls["a"], expr.Doublet)
	expect.EQ(t, calls["m"], expr.Singlet)
	expect.EQ(t, calls["z"], expr.Singlet)
}

func TestNSynthFor(t *testing.T) {
	// pN is the fraction of the merged set: 0.25 of (n + s) means s = n/3.
	expect.EQ(t, nSynthFor(300, 0.25), 100)
	expect.EQ(t, nSynthFor(100, 0.5), 100)
}

func TestKFor(t *testing.T) {
	expect.EQ(t, kFor(0.01, 1000), 10)
	expect.EQ(t, kFor(0.0001, 1000), 1)  // floor of 1
	expect.EQ(t, kFor(0.999, 10), 9)     // never the full set
}

func TestBimodality(t *testing.T) {
	// Two tight modes score far higher than a flat sample.
	bimodal := make([]float64, 0, 40)
	uniform := make([]float64, 0, 40)
	for i := 0; i < 20; i++ {
		bimodal = append(bimodal, 0+float64(i)*1e-3, 1+float64(i)*1e-3)
		uniform = append(uniform, float64(i)/20, float64(i)/20+0.025)
	}
	if b, u := bimodality(bimodal), bimodality(uniform); b <= u {
		t.Errorf("bimodal sample scored %v, uniform %v", b, u)
	}
	expect.EQ(t, bimodality([]float64{1, 2, 3}), 0.0) // too small
}

func TestSynthesize(t *testing.T) {
	counts, err := expr.New(
		[]string{"G0", "G1"},
		[]string{"a", "b"},
		[]expr.Entry{
			{Gene: 0, Cell: 0, Value: 4},
			{Gene: 1, Cell: 1, Value: 8},
		})
	assert.NoError(t, err)
	rng := rand.New(rand.NewSource(1))
	merged, err := synthesize(counts, 3, rng)
	assert.NoError(t, err)
	expect.EQ(t, merged.NCells(), 5)
	expect.EQ(t, merged.Cells()[2], "synthetic-0")
	// With only two cells every pair is (a, b): each synthetic profile is
	// the average of the two.
	for s := 2; s < 5; s++ {
		expect.EQ(t, merged.At(0, s), 2.0)
		expect.EQ(t, merged.At(1, s), 4.0)
	}
	// The input is untouched.
	expect.EQ(t, counts.NCells(), 2)
}

// detectFixture builds a sample big enough for the smallest rate bin, with
// two well-separated expression programs so preprocessing has structure to
// find.
func detectFixture(t *testing.T, nCells int) *expr.Matrix {
	t.Helper()
	nGenes := 30
	genes := make([]string, nGenes)
	for g := range genes {
		genes[g] = fmt.Sprintf("G%02d", g)
	}
	cells := make([]string, nCells)
	var entries []expr.Entry
	rng := rand.New(rand.NewSource(99))
	for j := 0; j < nCells; j++ {
		cells[j] = fmt.Sprintf("cell-%04d", j)
		// Two programs: even cells express the first half of the genes,
		// odd cells the second half, plus shared noise.
		lo, hi := 0, nGenes/2
		if j%2 == 1 {
			lo, hi = nGenes/2, nGenes
		}
		for g := lo; g < hi; g++ {
			entries = append(entries, expr.Entry{Gene: g, Cell: j, Value: float64(20 + rng.Intn(10))})
		}
		entries = append(entries, expr.Entry{Gene: j % nGenes, Cell: j, Value: float64(1 + rng.Intn(3))})
	}
	m, err := expr.New(genes, cells, entries)
	assert.NoError(t, err)
	return m
}

func smallDetectOpts() Opts {
	opts := DefaultOpts
	opts.NVariableGenes = 20
	opts.MaxPCs = 8
	opts.GraphK = 10
	opts.PNs = []float64{0.2, 0.25}
	opts.PKs = []float64{0.01, 0.05, 0.1}
	opts.FinalPN = 0.25
	opts.Seed = 7
	return opts
}

func TestDetect(t *testing.T) {
	counts := detectFixture(t, 500)
	opts := smallDetectOpts()
	r, err := Detect("s1", counts, opts)
	assert.NoError(t, err)

	expect.EQ(t, r.SampleID, "s1")
	expect.EQ(t, r.Rate, 0.004)
	expect.EQ(t, len(r.Calls), 500)
	expect.EQ(t, len(r.PANN), 500)
	expect.True(t, r.NPCs >= 1)
	expect.True(t, r.OptimalPK > 0)
	expect.EQ(t, len(r.Sweep), len(opts.PNs)*len(opts.PKs))

	nDoublets := 0
	for _, call := range r.Calls {
		if call == expr.Doublet {
			nDoublets++
		}
	}
	expect.EQ(t, nDoublets, r.ExpectedDoublets)
}

func TestDetectDeterministic(t *testing.T) {
	counts := detectFixture(t, 500)
	opts := smallDetectOpts()
	a, err := Detect("s1", counts, opts)
	assert.NoError(t, err)
	b, err := Detect("s1", counts, opts)
	assert.NoError(t, err)
	expect.EQ(t, a.Calls, b.Calls)
	expect.EQ(t, a.OptimalPK, b.OptimalPK)
}

func TestDetectErrors(t *testing.T) {
	counts := detectFixture(t, 200)
	opts := smallDetectOpts()
	// 200 cells sit below the smallest rate bin: a configuration error, not
	// a silent default.
	_, err := Detect("tiny", counts, opts)
	expect.HasSubstr(t, err.Error(), "no multiplet rate defined")

	// An explicit rate overrides the table.
	opts.Rate = 0.01
	_, err = Detect("tiny", counts, opts)
	assert.NoError(t, err)

	two, err2 := expr.New([]string{"G0"}, []string{"a", "b"},
		[]expr.Entry{{Gene: 0, Cell: 0, Value: 1}, {Gene: 0, Cell: 1, Value: 1}})
	assert.NoError(t, err2)
	_, err = Detect("two", two, opts)
	expect.HasSubstr(t, err.Error(), "too few")

	opts = smallDetectOpts()
	opts.Rate = 0.01
	opts.PNs = nil
	_, err = Detect("s1", counts, opts)
	expect.HasSubstr(t, err.Error(), "empty sweep grid")
}
