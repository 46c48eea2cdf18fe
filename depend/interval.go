package depend

import (
	"sync"

	"github.com/xkrt/xkrt/khptree"
	"github.com/xkrt/xkrt/region"
	"github.com/xkrt/xkrt/task"
)

// IntervalDomain is the dependency domain for region.Interval accesses: a
// 1-D KHP-tree of buckets, per spec.md §4.6 "Interval domain: a 1-D
// KHP-tree of (last_seq_write, last_seq_reads, nwrites_in_subtree) with
// intersection-guided traversal". The nwrites_in_subtree pruning
// optimization (skip subtrees with no writers for a pure-reader query) is
// not implemented — khptree.Tree keeps its leaves in a flat arena and
// Intersect scans all of them, so there is no subtree to prune;
// Intersect just visits every leaf overlapping the query rect, which is
// correct, only not sublinear.
type IntervalDomain struct {
	mu   sync.Mutex
	tree *khptree.Tree[*bucket]
}

// NewIntervalDomain creates an empty IntervalDomain.
func NewIntervalDomain() *IntervalDomain {
	return &IntervalDomain{tree: khptree.New[*bucket](1)}
}

func rectOf(iv region.Interval) khptree.Rect {
	return khptree.NewRect(khptree.Axis{Lo: iv.Low, Hi: iv.High})
}

// Link implements Domain.
func (d *IntervalDomain) Link(acc *task.Access, hooks *JoinHooks) {
	iv := acc.Region.(region.Interval)
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[*bucket]bool)
	d.tree.Intersect(rectOf(iv), func(_ khptree.LeafID, _ khptree.Rect, payload *bucket) bool {
		if payload != nil && !seen[payload] {
			seen[payload] = true
		}
		return true
	})
	for b := range seen {
		b.link(acc, hooks)
	}
}

// Put implements Domain.
func (d *IntervalDomain) Put(acc *task.Access) {
	iv := acc.Region.(region.Interval)
	d.mu.Lock()
	defer d.mu.Unlock()

	b := &bucket{}
	b.put(acc)
	d.tree.Insert(rectOf(iv), b)
}

var _ Domain = (*IntervalDomain)(nil)
