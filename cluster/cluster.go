// Package cluster runs community detection on the shared-nearest-neighbor
// graph and assesses the agreement of partitions across resolutions.
package cluster

import (
	"sort"

	"github.com/grailbio/base/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/canidatlas/sc/expr"
	"github.com/canidatlas/sc/neighbors"
)

// Partition is a community assignment of graph nodes at one resolution.
// Community labels are consecutive integers from 0, ordered by decreasing
// community size (ties by smallest member index), so partitions are
// reproducible across runs with the same seed.
type Partition struct {
	Resolution expr.Resolution
	Labels     []int
	Sizes      []int
}

// NCommunities returns the number of communities.
func (p *Partition) NCommunities() int { return len(p.Sizes) }

// Proportions returns per-community size fractions.
func (p *Partition) Proportions() []float64 {
	out := make([]float64, len(p.Sizes))
	n := float64(len(p.Labels))
	for i, s := range p.Sizes {
		out[i] = float64(s) / n
	}
	return out
}

// Louvain runs modularity optimization on g at the given resolution with a
// seeded random source.
func Louvain(g *neighbors.Graph, res expr.Resolution, seed uint64) (*Partition, error) {
	if g.N == 0 {
		return nil, errors.E("empty graph")
	}
	wg := simple.NewWeightedUndirectedGraph(0, 0)
	for i := 0; i < g.N; i++ {
		wg.AddNode(simple.Node(i))
	}
	for _, e := range g.Edges {
		wg.SetWeightedEdge(wg.NewWeightedEdge(simple.Node(e.U), simple.Node(e.V), e.W))
	}
	reduced := community.Modularize(wg, float64(res), rand.NewSource(seed))
	labels := make([]int, g.N)
	for i := range labels {
		labels[i] = -1
	}
	for c, nodes := range reduced.Communities() {
		for _, n := range nodes {
			labels[int(n.ID())] = c
		}
	}
	for i, l := range labels {
		if l < 0 {
			return nil, errors.E("node", i, "missing from community structure")
		}
	}
	return newPartition(res, labels), nil
}

// newPartition canonicalizes raw labels into the deterministic order
// described on Partition.
func newPartition(res expr.Resolution, raw []int) *Partition {
	type comm struct {
		id, size, minIdx int
	}
	byID := map[int]*comm{}
	for i, l := range raw {
		c, ok := byID[l]
		if !ok {
			c = &comm{id: l, minIdx: i}
			byID[l] = c
		}
		c.size++
	}
	comms := make([]*comm, 0, len(byID))
	for _, c := range byID {
		comms = append(comms, c)
	}
	sort.Slice(comms, func(a, b int) bool {
		if comms[a].size != comms[b].size {
			return comms[a].size > comms[b].size
		}
		return comms[a].minIdx < comms[b].minIdx
	})
	remap := make(map[int]int, len(comms))
	sizes := make([]int, len(comms))
	for newID, c := range comms {
		remap[c.id] = newID
		sizes[newID] = c.size
	}
	labels := make([]int, len(raw))
	for i, l := range raw {
		labels[i] = remap[l]
	}
	return &Partition{Resolution: res, Labels: labels, Sizes: sizes}
}

// Sweep runs Louvain at each resolution, reusing the same seed so that
// partitions differ only by the resolution parameter.
func Sweep(g *neighbors.Graph, resolutions []expr.Resolution, seed uint64) ([]*Partition, error) {
	out := make([]*Partition, len(resolutions))
	for i, res := range resolutions {
		p, err := Louvain(g, res, seed)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// AdjustedRandIndex measures agreement between two partitions of the same
// nodes; 1 is identity, 0 is chance-level agreement.
func AdjustedRandIndex(a, b []int) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.E("partitions cover different node counts")
	}
	n := len(a)
	if n == 0 {
		return 0, errors.E("empty partitions")
	}
	cont := map[[2]int]int{}
	aSizes := map[int]int{}
	bSizes := map[int]int{}
	for i := 0; i < n; i++ {
		cont[[2]int{a[i], b[i]}]++
		aSizes[a[i]]++
		bSizes[b[i]]++
	}
	choose2 := func(m int) float64 { return float64(m) * float64(m-1) / 2 }
	var sumCont, sumA, sumB float64
	for _, m := range cont {
		sumCont += choose2(m)
	}
	for _, m := range aSizes {
		sumA += choose2(m)
	}
	for _, m := range bSizes {
		sumB += choose2(m)
	}
	total := choose2(n)
	expected := sumA * sumB / total
	maxIdx := (sumA + sumB) / 2
	if maxIdx == expected {
		// Degenerate: both partitions are single-community (or all
		// singletons); agreement is exact by construction.
		return 1, nil
	}
	return (sumCont - expected) / (maxIdx - expected), nil
}

// Stability returns the pairwise adjusted Rand index matrix of a resolution
// sweep, used to pick a resolution in a regime where the partition is
// stable.
func Stability(partitions []*Partition) ([][]float64, error) {
	m := make([][]float64, len(partitions))
	for i := range partitions {
		m[i] = make([]float64, len(partitions))
		m[i][i] = 1
	}
	for i := 0; i < len(partitions); i++ {
		for j := i + 1; j < len(partitions); j++ {
			ari, err := AdjustedRandIndex(partitions[i].Labels, partitions[j].Labels)
			if err != nil {
				return nil, err
			}
			m[i][j], m[j][i] = ari, ari
		}
	}
	return m, nil
}
