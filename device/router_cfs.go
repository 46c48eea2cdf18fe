package device

import (
	"container/heap"
	"math/rand"

	"github.com/xkrt/xkrt/coherency"
)

// LinkGraph is the weighted device-to-device link graph CFSRouter routes
// over: Weight(a, b) is higher for links that have carried more traffic,
// so Dijkstra naturally prefers unused links (spec.md §4.9 "Dijkstra over
// a weighted device graph that prefers unused links").
type LinkGraph struct {
	devices []GlobalID
	usage   map[[2]GlobalID]float64
}

// NewLinkGraph creates a graph over the given devices with every link
// starting at zero usage.
func NewLinkGraph(devices []GlobalID) *LinkGraph {
	return &LinkGraph{devices: devices, usage: make(map[[2]GlobalID]float64)}
}

// RecordTransfer bumps the usage weight of the a<->b link, called after
// each fetch actually routes through it.
func (g *LinkGraph) RecordTransfer(a, b GlobalID) {
	g.usage[key(a, b)]++
}

func key(a, b GlobalID) [2]GlobalID {
	if a > b {
		a, b = b, a
	}
	return [2]GlobalID{a, b}
}

func (g *LinkGraph) weight(a, b GlobalID) float64 { return 1 + g.usage[key(a, b)] }

// CFSRouter ranks candidate sources for each dst by shortest weighted
// path (Dijkstra), recomputing the ranking lazily from the link graph's
// current usage so already-busy links are deprioritized over time.
type CFSRouter struct {
	graph *LinkGraph
	rng   *rand.Rand
}

// NewCFSRouter creates a CFSRouter over graph.
func NewCFSRouter(graph *LinkGraph) *CFSRouter {
	return &CFSRouter{graph: graph, rng: rand.New(rand.NewSource(1))}
}

type pqItem struct {
	device GlobalID
	dist   float64
}
type priorityQueue []pqItem

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return pq[i].dist < pq[j].dist }
func (pq priorityQueue) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)         { *pq = append(*pq, x.(pqItem)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// rankedSources returns every device reachable from dst, ordered
// nearest-first by Dijkstra shortest path over the link graph (a
// complete graph: every pair of devices has a direct, possibly
// high-weight, link).
func (g *LinkGraph) rankedSources(dst GlobalID) []GlobalID {
	dist := make(map[GlobalID]float64, len(g.devices))
	for _, d := range g.devices {
		dist[d] = -1
	}
	dist[dst] = 0
	pq := &priorityQueue{{device: dst, dist: 0}}
	visited := make(map[GlobalID]bool)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(pqItem)
		if visited[cur.device] {
			continue
		}
		visited[cur.device] = true
		for _, other := range g.devices {
			if other == cur.device {
				continue
			}
			alt := cur.dist + g.weight(cur.device, other)
			if d, ok := dist[other]; !ok || d < 0 || alt < d {
				dist[other] = alt
				heap.Push(pq, pqItem{device: other, dist: alt})
			}
		}
	}

	ranked := make([]GlobalID, 0, len(g.devices))
	for _, d := range g.devices {
		if d != dst {
			ranked = append(ranked, d)
		}
	}
	// simple insertion sort by dist; device counts are small.
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && dist[ranked[j]] < dist[ranked[j-1]]; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	return ranked
}

// Route implements Router.
func (r *CFSRouter) Route(dst GlobalID, valid coherency.DeviceSet) GlobalID {
	if valid.Has(dst) {
		return dst
	}
	for _, candidate := range r.graph.rankedSources(dst) {
		if valid.Has(candidate) {
			r.graph.RecordTransfer(dst, candidate)
			return candidate
		}
	}
	bits := setBits(valid)
	if len(bits) == 0 {
		return dst
	}
	chosen := bits[r.rng.Intn(len(bits))]
	r.graph.RecordTransfer(dst, chosen)
	return chosen
}

var _ Router = (*CFSRouter)(nil)
