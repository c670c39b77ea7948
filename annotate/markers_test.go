package annotate

import (
	"fmt"
	"math"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"

	"github.com/canidatlas/sc/expr"
)

// markerFixture builds a log-normalized matrix of two groups of ten cells:
// MARK is expressed only in the first group, BASE everywhere.
func markerFixture(t *testing.T) (*expr.Matrix, []int) {
	t.Helper()
	genes := []string{"MARK", "BASE"}
	nCells := 20
	cells := make([]string, nCells)
	labels := make([]int, nCells)
	var entries []expr.Entry
	for j := 0; j < nCells; j++ {
		cells[j] = fmt.Sprintf("c%02d", j)
		// Small per-cell jitter keeps the rank test away from an all-tie
		// degenerate case.
		jitter := float64(j%5) * 0.01
		if j < 10 {
			labels[j] = 0
			entries = append(entries, expr.Entry{Gene: 0, Cell: j, Value: 2 + jitter})
		} else {
			labels[j] = 1
		}
		entries = append(entries, expr.Entry{Gene: 1, Cell: j, Value: 1 + jitter})
	}
	m, err := expr.New(genes, cells, entries)
	assert.NoError(t, err)
	return m, labels
}

func TestFindMarkers(t *testing.T) {
	m, labels := markerFixture(t)
	ms, err := FindMarkers(m, labels, DefaultMarkerOpts)
	assert.NoError(t, err)

	var mark *Marker
	for i := range ms {
		if ms[i].Cluster == 0 && ms[i].Gene == "MARK" {
			mark = &ms[i]
		}
		// OnlyPositive: no negative fold-changes reported.
		expect.True(t, ms[i].Log2FC > 0)
	}
	if mark == nil {
		t.Fatal("MARK not reported for cluster 0")
	}
	expect.EQ(t, mark.PctIn, 1.0)
	expect.EQ(t, mark.PctOut, 0.0)
	if mark.PValue > 1e-3 {
		t.Errorf("MARK p-value %v, want near zero", mark.PValue)
	}
	if mark.AdjPValue < mark.PValue {
		t.Errorf("adjusted p %v below raw p %v", mark.AdjPValue, mark.PValue)
	}

	// BASE is flat between the groups: never a marker.
	for _, x := range ms {
		if x.Gene == "BASE" {
			t.Errorf("flat gene reported as marker: %+v", x)
		}
	}
}

func TestFindMarkersLabelMismatch(t *testing.T) {
	m, _ := markerFixture(t)
	_, err := FindMarkers(m, []int{0}, DefaultMarkerOpts)
	expect.HasSubstr(t, err.Error(), "labels for")
}

func TestFindMarkersSkipsTinyClusters(t *testing.T) {
	m, labels := markerFixture(t)
	// Isolate two cells in their own cluster: too small to test.
	labels[0], labels[1] = 7, 7
	ms, err := FindMarkers(m, labels, DefaultMarkerOpts)
	assert.NoError(t, err)
	for _, x := range ms {
		if x.Cluster == 7 {
			t.Errorf("cluster of size 2 was tested: %+v", x)
		}
	}
}

func TestWilcoxonRankSum(t *testing.T) {
	// Identical groups: no evidence against the null.
	same := []float64{1, 2, 3, 4, 5}
	p := wilcoxonRankSum(same, same)
	expect.EQ(t, p, 1.0)

	// Completely separated groups of decent size: strong evidence.
	lo := make([]float64, 20)
	hi := make([]float64, 20)
	for i := range lo {
		lo[i] = float64(i)
		hi[i] = float64(i) + 100
	}
	p = wilcoxonRankSum(lo, hi)
	if p > 1e-6 {
		t.Errorf("separated groups p = %v", p)
	}
	// Two-sided: direction does not matter.
	if p2 := wilcoxonRankSum(hi, lo); math.Abs(p-p2) > 1e-12 {
		t.Errorf("asymmetric p: %v vs %v", p, p2)
	}
}

func TestTopMarkers(t *testing.T) {
	ms := []Marker{
		{Cluster: 0, Gene: "A"},
		{Cluster: 0, Gene: "B"},
		{Cluster: 0, Gene: "C"},
		{Cluster: 1, Gene: "D"},
	}
	top := TopMarkers(ms, 2)
	expect.EQ(t, len(top), 3)
	expect.EQ(t, top[0].Gene, "A")
	expect.EQ(t, top[2].Gene, "D")
}
