package embed

import (
	"math"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"gonum.org/v1/gonum/mat"

	"github.com/canidatlas/sc/neighbors"
)

func testGraph() (*neighbors.Graph, *mat.Dense) {
	// Two tight pairs, far apart in the initialization.
	g := &neighbors.Graph{
		N: 4,
		Edges: []neighbors.Edge{
			{U: 0, V: 1, W: 1},
			{U: 2, V: 3, W: 1},
		},
	}
	init := mat.NewDense(4, 3, []float64{
		-5, 0, 9,
		-4, 1, 9,
		5, 0, 9,
		4, -1, 9,
	})
	return g, init
}

func TestLayout(t *testing.T) {
	g, init := testGraph()
	opts := DefaultOpts
	opts.Iterations = 50
	opts.Seed = 7
	pos, err := Layout(g, init, opts)
	assert.NoError(t, err)

	r, c := pos.Dims()
	expect.EQ(t, r, 4)
	expect.EQ(t, c, 2)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := pos.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("coordinate (%d,%d) = %v", i, j, v)
			}
		}
	}

	// Connected pairs end up closer than unconnected ones.
	d := func(a, b int) float64 {
		return math.Hypot(pos.At(a, 0)-pos.At(b, 0), pos.At(a, 1)-pos.At(b, 1))
	}
	if d(0, 1) >= d(0, 2) {
		t.Errorf("edge pair (0,1) at %v, non-edge (0,2) at %v", d(0, 1), d(0, 2))
	}
}

func TestLayoutDeterministic(t *testing.T) {
	g, init := testGraph()
	opts := DefaultOpts
	opts.Iterations = 20
	opts.Seed = 11
	a, err := Layout(g, init, opts)
	assert.NoError(t, err)
	b, err := Layout(g, init, opts)
	assert.NoError(t, err)
	expect.EQ(t, a.RawMatrix().Data, b.RawMatrix().Data)
}

func TestLayoutErrors(t *testing.T) {
	_, err := Layout(&neighbors.Graph{}, mat.NewDense(1, 2, nil), DefaultOpts)
	expect.HasSubstr(t, err.Error(), "empty graph")

	g := &neighbors.Graph{N: 3}
	_, err = Layout(g, mat.NewDense(2, 2, nil), DefaultOpts)
	expect.HasSubstr(t, err.Error(), "init must be")
	_, err = Layout(g, mat.NewDense(3, 1, nil), DefaultOpts)
	expect.HasSubstr(t, err.Error(), "init must be")
}
