// Package coherency implements the per-base-region coherency controller
// of spec.md §4.7: a KHP-tree-indexed partition of a region into leaves,
// each holding the bitmask of devices currently holding a valid replica,
// plus the who-owns / fetch-planning / writer-update / invalidate
// operations and the coherency-fetch merge policy.
package coherency

import (
	"sync"

	"github.com/xkrt/xkrt/khptree"
)

// DeviceSet is a bitmask of device global ids. Device 0 is the host,
// drivers start at 1, so a 64-bit mask covers up to 63 accelerators plus
// the host, which this runtime's single-process scope never exceeds.
type DeviceSet uint64

func (s DeviceSet) Has(device uint32) bool { return s&(1<<device) != 0 }
func (s DeviceSet) Add(device uint32) DeviceSet { return s | (1 << device) }
func (s DeviceSet) Union(o DeviceSet) DeviceSet { return s | o }
func (s DeviceSet) Intersect(o DeviceSet) DeviceSet { return s & o }
func (s DeviceSet) Empty() bool { return s == 0 }

// Any returns one set bit of s, or ok=false if s is empty. Selection is
// arbitrary (lowest id), callers needing randomness (the Random router)
// pick among the bits themselves.
func (s DeviceSet) Any() (device uint32, ok bool) {
	if s == 0 {
		return 0, false
	}
	for i := uint32(0); i < 64; i++ {
		if s.Has(i) {
			return i, true
		}
	}
	return 0, false
}

// TransferKind classifies a coherency fetch by the memory spaces it moves
// between, used to pick the device queue kind spec.md §4.8 names.
type TransferKind int

const (
	H2D TransferKind = iota
	D2H
	D2D
)

// Controller tracks valid replicas over one base-region's leaves.
type Controller struct {
	mu        sync.Mutex
	tree      *khptree.Tree[DeviceSet]
	mergeFetches bool
}

// New creates a Controller over a region of the given dimensionality (1
// for point/interval base regions, 2 for matrix-tile base regions),
// honoring the merge-adjacent-fetches configuration flag spec.md §4.7
// names.
func New(dims int, mergeFetches bool) *Controller {
	return &Controller{tree: khptree.New[DeviceSet](dims), mergeFetches: mergeFetches}
}

// WhoOwns intersects h with the tree and returns the bitmask that is the
// intersection of owner sets over every overlapping leaf — a replica is
// useful only if it holds the whole queried region (spec.md §4.7).
func (c *Controller) WhoOwns(h khptree.Rect) DeviceSet {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result DeviceSet
	first := true
	c.tree.Intersect(h, func(_ khptree.LeafID, _ khptree.Rect, owners DeviceSet) bool {
		if first {
			result = owners
			first = false
		} else {
			result = result.Intersect(owners)
		}
		return true
	})
	if first {
		return 0
	}
	return result
}

// FetchPlan is one planned sub-rectangle transfer: copy rect from src to
// dst. Merge combines adjacent plans sharing (src, dst) per spec.md §4.7
// "Merge policy".
type FetchPlan struct {
	Rect khptree.Rect
	Src  uint32
	Dst  uint32
	Kind TransferKind
}

// RouteFunc selects a source device for a fetch to dst given the current
// valid-replica set, the role spec.md §4.9 assigns to the router.
type RouteFunc func(dst uint32, valid DeviceSet) uint32

// PlanFetch computes the sub-rectangles of h not yet valid on dst and
// returns one FetchPlan per gap, routing each through route. A leaf valid
// on dst removes a gap only when it covers that gap whole; a gap that dst
// holds only in part is planned in full. It does not
// mutate controller state — callers apply the plan (allocate, emit
// commands) and then call CommitFetch once the transfer completes.
func (c *Controller) PlanFetch(h khptree.Rect, dst uint32) []FetchPlan {
	c.mu.Lock()
	defer c.mu.Unlock()

	gaps := []khptree.Rect{h}
	c.tree.Intersect(h, func(_ khptree.LeafID, rect khptree.Rect, owners DeviceSet) bool {
		if owners.Has(dst) {
			overlap := rect.Intersect(h)
			gaps = subtractRect(gaps, overlap)
		}
		return true
	})

	var plans []FetchPlan
	for _, gap := range gaps {
		if gapEmpty(gap) {
			continue
		}
		valid := c.whoOwnsLocked(gap)
		src := dst
		if !valid.Has(dst) && !valid.Empty() {
			src = route(valid)
		}
		kind := D2D
		if src == 0 {
			kind = H2D
		} else if dst == 0 {
			kind = D2H
		}
		plans = append(plans, FetchPlan{Rect: gap, Src: src, Dst: dst, Kind: kind})
	}
	if c.mergeFetches {
		plans = mergeAdjacent(plans)
	}
	return plans
}

// route is the source selection PlanFetch uses: the lowest-id device in
// valid (the host, id 0, included), or 0 when valid is empty. PlanFetch
// does not consult the Random/Affinity/CFS routers of package device.
func route(valid DeviceSet) uint32 {
	d, ok := valid.Any()
	if !ok {
		return 0
	}
	return d
}

func (c *Controller) whoOwnsLocked(h khptree.Rect) DeviceSet {
	var result DeviceSet
	first := true
	c.tree.Intersect(h, func(_ khptree.LeafID, _ khptree.Rect, owners DeviceSet) bool {
		if first {
			result = owners
			first = false
		} else {
			result = result.Intersect(owners)
		}
		return true
	})
	return result
}

// CommitFetch atomically adds dst to the owner set of every leaf
// overlapping rect, called once the transfer command completes (spec.md
// §4.7 step 5).
func (c *Controller) CommitFetch(rect khptree.Rect, dst uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addOwner(rect, dst)
}

// UpdateWriter applies the writer-completion owner-set update of spec.md
// §4.7: a sequential writer replaces the owner set of every intersecting
// leaf with {device}; a concurrent writer unions device in. Virtual
// accesses are not passed to UpdateWriter (the engine skips them), and no
// incoherent-allocated state is recorded for them.
func (c *Controller) UpdateWriter(rect khptree.Rect, device uint32, concurrent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if concurrent {
		c.addOwner(rect, device)
		return
	}
	solo := DeviceSet(0).Add(device)
	c.tree.Insert(rect, solo)
}

// addOwner unions device into the owner set of every leaf overlapping
// rect, inserting fresh leaves for any sub-range rect covers that has no
// leaf yet. The part of each existing leaf inside rect is re-inserted
// with its old set plus device, after the gaps, so a leaf that rect only
// partly overlaps keeps its old set outside rect.
func (c *Controller) addOwner(rect khptree.Rect, device uint32) {
	type existing struct {
		id   khptree.LeafID
		rect khptree.Rect
		set  DeviceSet
	}
	var hits []existing
	c.tree.Intersect(rect, func(id khptree.LeafID, r khptree.Rect, owners DeviceSet) bool {
		hits = append(hits, existing{id, r, owners.Add(device)})
		return true
	})

	gaps := []khptree.Rect{rect}
	for _, h := range hits {
		gaps = subtractRect(gaps, h.rect)
	}
	solo := DeviceSet(0).Add(device)
	for _, gap := range gaps {
		if !gapEmpty(gap) {
			c.tree.Insert(gap, solo)
		}
	}
	for _, h := range hits {
		c.tree.Insert(h.rect.Intersect(rect), h.set)
	}
}

// Invalidate clears all owner sets and drops all replicas (spec.md §4.7
// "global reset"); callers are responsible for separately returning
// device memory areas to their initial chunk-0 state.
func (c *Controller) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree.Reset()
}

func gapEmpty(r khptree.Rect) bool {
	for _, a := range r.Axes {
		if a.Hi <= a.Lo {
			return true
		}
	}
	return false
}

// subtractRect drops every rect in rects that covered includes whole and
// keeps every other rect unchanged, including one that covered overlaps
// only in part: a coarse stand-in for set subtraction.
func subtractRect(rects []khptree.Rect, covered khptree.Rect) []khptree.Rect {
	out := make([]khptree.Rect, 0, len(rects))
	for _, r := range rects {
		if !r.Intersects(covered) {
			out = append(out, r)
			continue
		}
		if covered.Includes(r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// mergeAdjacent combines same-(src,dst) plans whose rects are adjacent
// and agree on every axis but one, reducing launch overhead per spec.md
// §4.7's merge policy. O(n^2) in the plan count, which is small in
// practice (one base-region's fetch list per sync).
func mergeAdjacent(plans []FetchPlan) []FetchPlan {
	merged := make([]FetchPlan, 0, len(plans))
	used := make([]bool, len(plans))
	for i := range plans {
		if used[i] {
			continue
		}
		cur := plans[i]
		for j := i + 1; j < len(plans); j++ {
			if used[j] || plans[j].Src != cur.Src || plans[j].Dst != cur.Dst {
				continue
			}
			if combined, ok := tryMergeRects(cur.Rect, plans[j].Rect); ok {
				cur.Rect = combined
				used[j] = true
			}
		}
		merged = append(merged, cur)
	}
	return merged
}

// tryMergeRects merges two rects into one if they agree on every axis
// except a single one where they are contiguous.
func tryMergeRects(a, b khptree.Rect) (khptree.Rect, bool) {
	if len(a.Axes) != len(b.Axes) {
		return khptree.Rect{}, false
	}
	diffAxis := -1
	for i := range a.Axes {
		if a.Axes[i] == b.Axes[i] {
			continue
		}
		if diffAxis != -1 {
			return khptree.Rect{}, false
		}
		diffAxis = i
	}
	if diffAxis == -1 {
		return a, true
	}
	aa, ba := a.Axes[diffAxis], b.Axes[diffAxis]
	if aa.Hi == ba.Lo {
		out := a
		out.Axes = append([]khptree.Axis(nil), a.Axes...)
		out.Axes[diffAxis] = khptree.Axis{Lo: aa.Lo, Hi: ba.Hi}
		return out, true
	}
	if ba.Hi == aa.Lo {
		out := a
		out.Axes = append([]khptree.Axis(nil), a.Axes...)
		out.Axes[diffAxis] = khptree.Axis{Lo: ba.Lo, Hi: aa.Hi}
		return out, true
	}
	return khptree.Rect{}, false
}
