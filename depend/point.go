package depend

import (
	"sync"

	"github.com/xkrt/xkrt/region"
	"github.com/xkrt/xkrt/task"
)

// PointDomain is the dependency domain for region.Point accesses: a hash
// table from opaque key to bucket, per spec.md §4.6 "Point domain: a
// hash table from opaque key to bucket."
type PointDomain struct {
	mu      sync.Mutex
	buckets map[region.Point]*bucket
}

// NewPointDomain creates an empty PointDomain.
func NewPointDomain() *PointDomain {
	return &PointDomain{buckets: make(map[region.Point]*bucket)}
}

func (d *PointDomain) bucketFor(p region.Point) *bucket {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buckets[p]
	if !ok {
		b = &bucket{}
		d.buckets[p] = b
	}
	return b
}

// Link implements Domain.
func (d *PointDomain) Link(acc *task.Access, hooks *JoinHooks) {
	p := acc.Region.(region.Point)
	d.bucketFor(p).link(acc, hooks)
}

// Put implements Domain.
func (d *PointDomain) Put(acc *task.Access) {
	p := acc.Region.(region.Point)
	d.bucketFor(p).put(acc)
}

var _ Domain = (*PointDomain)(nil)
