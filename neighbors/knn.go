// Package neighbors builds exact k-nearest-neighbor lists over a PCA
// embedding (kd-tree backed) and derives the shared-nearest-neighbor graph
// used for community detection and layout.
package neighbors

import (
	"sort"

	"github.com/biogo/store/kdtree"
	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/mat"
)

// cellPoint is a kd-tree point carrying its row index in the embedding.
type cellPoint struct {
	kdtree.Point
	idx int
}

func (p cellPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(cellPoint)
	return p.Point[d] - q.Point[d]
}
func (p cellPoint) Dims() int { return len(p.Point) }
func (p cellPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(cellPoint)
	return p.Point.Distance(q.Point)
}

type cellPoints []cellPoint

func (p cellPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p cellPoints) Len() int                              { return len(p) }
func (p cellPoints) Pivot(d kdtree.Dim) int                { return plane{d, p}.Pivot() }
func (p cellPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

type plane struct {
	kdtree.Dim
	cellPoints
}

func (p plane) Less(i, j int) bool {
	return p.cellPoints[i].Point[p.Dim] < p.cellPoints[j].Point[p.Dim]
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.cellPoints = p.cellPoints[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.cellPoints[i], p.cellPoints[j] = p.cellPoints[j], p.cellPoints[i]
}

// KNN returns, for every row of emb, the indices of its k nearest other
// rows in ascending distance order (ties broken by row index).
func KNN(emb *mat.Dense, k int) ([][]int, error) {
	n, d := emb.Dims()
	if k < 1 || k >= n {
		return nil, errors.E("k must be in [1, nCells)")
	}
	points := make(cellPoints, n)
	for i := 0; i < n; i++ {
		pt := make(kdtree.Point, d)
		copy(pt, emb.RawRowView(i))
		points[i] = cellPoint{Point: pt, idx: i}
	}
	tree := kdtree.New(points, false)
	out := make([][]int, n)
	for i := 0; i < n; i++ {
		// k+1: the query point itself is its own nearest neighbor.
		keeper := kdtree.NewNKeeper(k + 1)
		tree.NearestSet(keeper, points[i])
		type nd struct {
			idx  int
			dist float64
		}
		var found []nd
		for _, cd := range keeper.Heap {
			p, ok := cd.Comparable.(cellPoint)
			if !ok || p.idx == i {
				continue
			}
			found = append(found, nd{p.idx, cd.Dist})
		}
		sort.Slice(found, func(a, b int) bool {
			if found[a].dist != found[b].dist {
				return found[a].dist < found[b].dist
			}
			return found[a].idx < found[b].idx
		})
		if len(found) > k {
			found = found[:k]
		}
		nbrs := make([]int, len(found))
		for j, f := range found {
			nbrs[j] = f.idx
		}
		out[i] = nbrs
	}
	return out, nil
}

// Edge is one undirected weighted edge of a cell graph.
type Edge struct {
	U, V int
	W    float64
}

// Graph is an undirected weighted graph over cells, stored as an edge list
// with U < V.
type Graph struct {
	N     int
	Edges []Edge
}

// DefaultSNNPrune is the Jaccard weight below which SNN edges are dropped,
// the conventional 1/15.
const DefaultSNNPrune = 1.0 / 15.0

// SNN converts k-nearest-neighbor lists into a shared-nearest-neighbor
// graph: cells are connected with the Jaccard overlap of their
// neighborhoods (each including the cell itself), pruned below prune.
func SNN(knn [][]int, prune float64) *Graph {
	if prune <= 0 {
		prune = DefaultSNNPrune
	}
	n := len(knn)
	sets := make([]map[int]bool, n)
	for i, nbrs := range knn {
		s := make(map[int]bool, len(nbrs)+1)
		s[i] = true
		for _, j := range nbrs {
			s[j] = true
		}
		sets[i] = s
	}
	g := &Graph{N: n}
	seen := make(map[[2]int]bool)
	for i, nbrs := range knn {
		for _, j := range nbrs {
			u, v := i, j
			if u > v {
				u, v = v, u
			}
			key := [2]int{u, v}
			if u == v || seen[key] {
				continue
			}
			seen[key] = true
			shared := 0
			for x := range sets[u] {
				if sets[v][x] {
					shared++
				}
			}
			union := len(sets[u]) + len(sets[v]) - shared
			w := float64(shared) / float64(union)
			if w >= prune {
				g.Edges = append(g.Edges, Edge{U: u, V: v, W: w})
			}
		}
	}
	sort.Slice(g.Edges, func(a, b int) bool {
		if g.Edges[a].U != g.Edges[b].U {
			return g.Edges[a].U < g.Edges[b].U
		}
		return g.Edges[a].V < g.Edges[b].V
	})
	return g
}

// Adjacency returns per-node neighbor lists with weights, for layout code.
func (g *Graph) Adjacency() [][]Edge {
	adj := make([][]Edge, g.N)
	for _, e := range g.Edges {
		adj[e.U] = append(adj[e.U], e)
		adj[e.V] = append(adj[e.V], Edge{U: e.V, V: e.U, W: e.W})
	}
	return adj
}
