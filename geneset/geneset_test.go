package geneset

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"

	"github.com/canidatlas/sc/annotate"
	"github.com/canidatlas/sc/expr"
)

func TestLoadGMT(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	path := filepath.Join(tmpdir, "sets.gmt")
	body := "CYCLE\tcell cycle\tG1\tG2\tG3\n" +
		"\n" +
		"STRESS\thttp://example.org\tG2\tG9\n"
	assert.NoError(t, os.WriteFile(path, []byte(body), 0644))

	sets, err := LoadGMT(vcontext.Background(), path)
	assert.NoError(t, err)
	assert.EQ(t, len(sets), 2)
	expect.EQ(t, sets[0].Name, "CYCLE")
	expect.EQ(t, sets[0].Genes, []string{"G1", "G2", "G3"})
	expect.EQ(t, sets[1].Genes, []string{"G2", "G9"})
}

func TestLoadGMTErrors(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	path := filepath.Join(tmpdir, "bad.gmt")
	assert.NoError(t, os.WriteFile(path, []byte("ONLYNAME\tdesc\n"), 0644))
	_, err := LoadGMT(ctx, path)
	expect.HasSubstr(t, err.Error(), "needs name, description and genes")

	empty := filepath.Join(tmpdir, "empty.gmt")
	assert.NoError(t, os.WriteFile(empty, nil, 0644))
	_, err = LoadGMT(ctx, empty)
	expect.HasSubstr(t, err.Error(), "no gene sets")
}

func TestHypergeomUpperTail(t *testing.T) {
	// Drawing 2 from a population of 5 with 2 successes: P(X >= 1) =
	// 1 - C(3,2)/C(5,2) = 1 - 3/10 = 0.7, and P(X >= 2) = 1/10.
	if got := hypergeomUpperTail(5, 2, 2, 1); math.Abs(got-0.7) > 1e-12 {
		t.Errorf("P(X>=1) = %v, want 0.7", got)
	}
	if got := hypergeomUpperTail(5, 2, 2, 2); math.Abs(got-0.1) > 1e-12 {
		t.Errorf("P(X>=2) = %v, want 0.1", got)
	}
	expect.EQ(t, hypergeomUpperTail(5, 2, 2, 0), 1.0)
	expect.EQ(t, hypergeomUpperTail(5, 2, 2, 3), 0.0)
}

func TestEnrich(t *testing.T) {
	markers := []annotate.Marker{
		{Cluster: 0, Gene: "G1"},
		{Cluster: 0, Gene: "G2"},
		{Cluster: 1, Gene: "G9"},
	}
	sets := []Set{
		{Name: "HIT", Genes: []string{"G1", "G2", "G3"}},
		{Name: "MISS", Genes: []string{"G7", "G8"}},
	}
	es, err := Enrich(markers, sets, 100)
	assert.NoError(t, err)
	assert.EQ(t, len(es), 4)

	// Cluster 0 x HIT: both markers overlap.
	expect.EQ(t, es[0].Cluster, 0)
	expect.EQ(t, es[0].Set, "HIT")
	expect.EQ(t, es[0].Overlap, 2)
	expect.EQ(t, es[0].Markers, 2)
	expect.True(t, es[0].PValue < 0.01)
	expect.EQ(t, es[1].Overlap, 0)
	expect.EQ(t, es[1].PValue, 1.0)
	// BH never lowers a p-value.
	for _, e := range es {
		expect.True(t, e.AdjPValue >= e.PValue)
	}

	_, err = Enrich(markers, sets, 0)
	expect.HasSubstr(t, err.Error(), "universe size")
}

// moduleFixture: the scored set is strongly expressed in the first half of
// the cells, background genes uniformly everywhere.
func moduleFixture(t *testing.T) *expr.Matrix {
	t.Helper()
	nGenes, nCells := 30, 10
	genes := make([]string, nGenes)
	for g := range genes {
		genes[g] = fmt.Sprintf("G%02d", g)
	}
	cells := make([]string, nCells)
	var entries []expr.Entry
	for j := 0; j < nCells; j++ {
		cells[j] = fmt.Sprintf("c%d", j)
		for g := 0; g < nGenes; g++ {
			v := 1.0
			if g < 3 && j < 5 {
				v = 5
			}
			entries = append(entries, expr.Entry{Gene: g, Cell: j, Value: v})
		}
	}
	m, err := expr.New(genes, cells, entries)
	assert.NoError(t, err)
	return m
}

func TestModuleScore(t *testing.T) {
	m := moduleFixture(t)
	set := Set{Name: "PROGRAM", Genes: []string{"G00", "G01", "G02"}}
	opts := DefaultScoreOpts
	// Wide bins keep plenty of background genes in the set genes' bins.
	opts.NBins = 2
	opts.Seed = 3
	scores, err := ModuleScore(m, set, opts)
	assert.NoError(t, err)
	assert.EQ(t, len(scores), 10)

	// Expressing cells score clearly above the background cells.
	for j := 0; j < 5; j++ {
		hi := scores[fmt.Sprintf("c%d", j)]
		lo := scores[fmt.Sprintf("c%d", j+5)]
		if hi <= lo {
			t.Errorf("cell %d: expressing score %v <= background %v", j, hi, lo)
		}
	}
}

func TestModuleScoreDeterministic(t *testing.T) {
	m := moduleFixture(t)
	set := Set{Name: "PROGRAM", Genes: []string{"G00", "G01"}}
	opts := DefaultScoreOpts
	opts.NBins = 2
	opts.Seed = 5
	a, err := ModuleScore(m, set, opts)
	assert.NoError(t, err)
	b, err := ModuleScore(m, set, opts)
	assert.NoError(t, err)
	expect.EQ(t, a, b)
}

func TestModuleScoreAbsentSet(t *testing.T) {
	m := moduleFixture(t)
	_, err := ModuleScore(m, Set{Name: "NONE", Genes: []string{"ZZZ"}}, DefaultScoreOpts)
	expect.HasSubstr(t, err.Error(), "shares no genes")
}
