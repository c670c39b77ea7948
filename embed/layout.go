// Package embed computes a 2-D visualization embedding of cells: a
// force-directed layout of the shared-nearest-neighbor graph, initialized
// from the first two principal components so the global arrangement is
// stable across runs.
package embed

import (
	"math"

	"github.com/grailbio/base/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/canidatlas/sc/neighbors"
)

// Opts tunes the layout refinement.
type Opts struct {
	Iterations int
	// LearningRate is the initial step size; it decays linearly to zero.
	LearningRate float64
	// NegativeSamples is the number of repulsion samples per attraction
	// update.
	NegativeSamples int
	// MinDist is the distance below which attraction stops, keeping tight
	// communities from collapsing to points.
	MinDist float64
	Seed    uint64
}

// DefaultOpts works for graphs in the 1e3-1e5 node range.
var DefaultOpts = Opts{
	Iterations:      200,
	LearningRate:    1.0,
	NegativeSamples: 5,
	MinDist:         0.1,
}

// Layout returns an n × 2 embedding of g. init supplies the starting
// coordinates (typically the first two PCA components, rescaled); it must
// have n rows and at least 2 columns.
func Layout(g *neighbors.Graph, init *mat.Dense, opts Opts) (*mat.Dense, error) {
	n := g.N
	if n == 0 {
		return nil, errors.E("empty graph")
	}
	r, c := init.Dims()
	if r != n || c < 2 {
		return nil, errors.E("init must be nCells x >=2")
	}
	if opts.Iterations <= 0 {
		opts.Iterations = DefaultOpts.Iterations
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = DefaultOpts.LearningRate
	}
	if opts.NegativeSamples <= 0 {
		opts.NegativeSamples = DefaultOpts.NegativeSamples
	}
	if opts.MinDist <= 0 {
		opts.MinDist = DefaultOpts.MinDist
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	pos := mat.NewDense(n, 2, nil)
	scaleInit(pos, init)

	minDist2 := opts.MinDist * opts.MinDist
	for it := 0; it < opts.Iterations; it++ {
		alpha := opts.LearningRate * (1 - float64(it)/float64(opts.Iterations))
		for _, e := range g.Edges {
			u, v := e.U, e.V
			pu, pv := pos.RawRowView(u), pos.RawRowView(v)
			d2 := dist2(pu, pv)
			if d2 > minDist2 {
				// Attraction along the edge, stronger for heavier SNN
				// weights and larger separations.
				grad := clampGrad(2 * e.W * d2 / (1 + d2))
				step(pu, pv, grad*alpha)
			}
			for s := 0; s < opts.NegativeSamples; s++ {
				w := rng.Intn(n)
				if w == u {
					continue
				}
				pw := pos.RawRowView(w)
				d2 := dist2(pu, pw)
				grad := clampGrad(-2 / ((0.001 + d2) * (1 + d2)))
				step(pu, pw, grad*alpha)
			}
		}
	}
	return pos, nil
}

// scaleInit copies the first two init columns, rescaled to a ±10 box.
func scaleInit(pos, init *mat.Dense) {
	n, _ := pos.Dims()
	maxAbs := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < 2; j++ {
			if a := math.Abs(init.At(i, j)); a > maxAbs {
				maxAbs = a
			}
		}
	}
	if maxAbs == 0 {
		maxAbs = 1
	}
	for i := 0; i < n; i++ {
		for j := 0; j < 2; j++ {
			pos.Set(i, j, init.At(i, j)/maxAbs*10)
		}
	}
}

func dist2(a, b []float64) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	return dx*dx + dy*dy
}

// step moves a toward (positive grad) or away from (negative grad) b.
func step(a, b []float64, g float64) {
	a[0] -= g * (a[0] - b[0])
	a[1] -= g * (a[1] - b[1])
}

func clampGrad(g float64) float64 {
	if g > 4 {
		return 4
	}
	if g < -4 {
		return -4
	}
	return g
}
