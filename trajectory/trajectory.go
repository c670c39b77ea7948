// Package trajectory orders cells along an inferred developmental path: a
// minimum spanning tree over cluster centroids in PCA space, rooted at a
// caller-chosen cluster, with per-cell pseudotime interpolated along the
// tree edges.
package trajectory

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/katalvlaran/lvlath/core"
	"github.com/katalvlaran/lvlath/dijkstra"
	"github.com/katalvlaran/lvlath/prim_kruskal"
	"gonum.org/v1/gonum/mat"
)

// weightScale converts float centroid distances to the integer edge weights
// the graph library uses. A micro-unit keeps quantization error well below
// biological signal.
const weightScale = 1e6

// Edge is one MST edge between cluster centroids.
type Edge struct {
	From, To int
	Length   float64
}

// Trajectory is the inferred ordering.
type Trajectory struct {
	Root int
	// Edges is the centroid MST.
	Edges []Edge
	// ClusterTime is each cluster's pseudotime: its centroid's distance
	// from the root centroid along the tree.
	ClusterTime map[int]float64
	// CellTime is the per-cell pseudotime, keyed by cell identifier.
	CellTime map[string]float64
}

func clusterVertex(c int) string { return fmt.Sprintf("c%d", c) }

// Infer builds the trajectory from a PC embedding and a cluster partition.
// cells, labels and the embedding rows must align.
func Infer(cells []string, embedding *mat.Dense, labels []int, rootCluster int) (*Trajectory, error) {
	n, dims := embedding.Dims()
	if len(cells) != n || len(labels) != n {
		return nil, errors.E("cells, labels and embedding must align")
	}
	centroids, ids := centroidsOf(embedding, labels)
	if _, ok := centroids[rootCluster]; !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("root cluster %d not present in partition", rootCluster))
	}
	if len(ids) == 1 {
		// Single cluster: pseudotime is the distance from the centroid.
		t := &Trajectory{Root: rootCluster, ClusterTime: map[int]float64{rootCluster: 0}, CellTime: map[string]float64{}}
		c := centroids[rootCluster]
		for i, cell := range cells {
			t.CellTime[cell] = distance(embedding.RawRowView(i), c)
		}
		return t, nil
	}

	g := core.NewGraph(core.WithWeighted())
	for _, c := range ids {
		if err := g.AddVertex(clusterVertex(c)); err != nil {
			return nil, errors.E(err, "add centroid vertex")
		}
	}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			d := distance(centroids[ids[i]], centroids[ids[j]])
			w := int64(math.Round(d * weightScale))
			if w < 1 {
				w = 1
			}
			if _, err := g.AddEdge(clusterVertex(ids[i]), clusterVertex(ids[j]), w); err != nil {
				return nil, errors.E(err, "add centroid edge")
			}
		}
	}
	mstEdges, _, err := prim_kruskal.Kruskal(g)
	if err != nil {
		return nil, errors.E(err, "centroid MST")
	}
	tree := core.NewGraph(core.WithWeighted())
	for _, c := range ids {
		if err := tree.AddVertex(clusterVertex(c)); err != nil {
			return nil, errors.E(err, "build MST graph")
		}
	}
	var edges []Edge
	for _, e := range mstEdges {
		if _, err := tree.AddEdge(e.From, e.To, e.Weight); err != nil {
			return nil, errors.E(err, "build MST graph")
		}
		edges = append(edges, Edge{
			From:   clusterID(e.From),
			To:     clusterID(e.To),
			Length: float64(e.Weight) / weightScale,
		})
	}
	dist, prev, err := dijkstra.Dijkstra(tree,
		dijkstra.Source(clusterVertex(rootCluster)), dijkstra.WithReturnPath())
	if err != nil {
		return nil, errors.E(err, "pseudotime distances")
	}

	clusterTime := make(map[int]float64, len(ids))
	parent := make(map[int]int, len(ids))
	for _, c := range ids {
		d, ok := dist[clusterVertex(c)]
		if !ok || d == math.MaxInt64 {
			return nil, errors.E(fmt.Sprintf("cluster %d unreachable from root %d", c, rootCluster))
		}
		clusterTime[c] = float64(d) / weightScale
		if p := prev[clusterVertex(c)]; p != "" {
			parent[c] = clusterID(p)
		}
	}

	t := &Trajectory{
		Root:        rootCluster,
		Edges:       edges,
		ClusterTime: clusterTime,
		CellTime:    make(map[string]float64, n),
	}
	directions := cellDirections(centroids, parent, rootCluster, edges, dims)
	for i, cell := range cells {
		c := labels[i]
		u := directions[c]
		base := clusterTime[c]
		if u == nil {
			t.CellTime[cell] = base
			continue
		}
		// Signed displacement of the cell along the tree direction through
		// its cluster.
		var proj float64
		row := embedding.RawRowView(i)
		for d := 0; d < dims; d++ {
			proj += (row[d] - centroids[c][d]) * u[d]
		}
		pt := base + proj
		if pt < 0 {
			pt = 0
		}
		t.CellTime[cell] = pt
	}
	return t, nil
}

// cellDirections returns, per cluster, the unit vector along which cells
// are ordered: away from the parent centroid, or for the root, toward the
// mean of its children.
func cellDirections(centroids map[int][]float64, parent map[int]int, root int, edges []Edge, dims int) map[int][]float64 {
	dir := map[int][]float64{}
	for c, ctr := range centroids {
		if c == root {
			continue
		}
		p, ok := parent[c]
		if !ok {
			continue
		}
		u := make([]float64, dims)
		for d := 0; d < dims; d++ {
			u[d] = ctr[d] - centroids[p][d]
		}
		dir[c] = normalize(u)
	}
	// Root: average direction toward adjacent clusters.
	u := make([]float64, dims)
	count := 0
	for _, e := range edges {
		var other int
		switch root {
		case e.From:
			other = e.To
		case e.To:
			other = e.From
		default:
			continue
		}
		for d := 0; d < dims; d++ {
			u[d] += centroids[other][d] - centroids[root][d]
		}
		count++
	}
	if count > 0 {
		dir[root] = normalize(u)
	}
	return dir
}

func normalize(u []float64) []float64 {
	var ss float64
	for _, v := range u {
		ss += v * v
	}
	if ss == 0 {
		return nil
	}
	norm := math.Sqrt(ss)
	for i := range u {
		u[i] /= norm
	}
	return u
}

func centroidsOf(embedding *mat.Dense, labels []int) (map[int][]float64, []int) {
	_, dims := embedding.Dims()
	sums := map[int][]float64{}
	counts := map[int]int{}
	for i, c := range labels {
		if sums[c] == nil {
			sums[c] = make([]float64, dims)
		}
		row := embedding.RawRowView(i)
		for d := 0; d < dims; d++ {
			sums[c][d] += row[d]
		}
		counts[c]++
	}
	ids := make([]int, 0, len(sums))
	for c, s := range sums {
		for d := range s {
			s[d] /= float64(counts[c])
		}
		ids = append(ids, c)
	}
	sort.Ints(ids)
	return sums, ids
}

func distance(a, b []float64) float64 {
	var ss float64
	for d := range a {
		diff := a[d] - b[d]
		ss += diff * diff
	}
	return math.Sqrt(ss)
}

func clusterID(vertex string) int {
	var c int
	fmt.Sscanf(vertex, "c%d", &c) // nolint: errcheck
	return c
}
