package depend

import (
	"sync"

	"github.com/xkrt/xkrt/khptree"
	"github.com/xkrt/xkrt/region"
	"github.com/xkrt/xkrt/task"
)

// TileDomain is the dependency domain for region.Tile accesses: one 2-D
// KHP-tree per (ld, elem_size) pair, per spec.md §4.6 "Matrix-tile
// domain: identified by (ld, elem_size); one 2-D KHP-tree per pair.
// Tiles decompose as up to two hyperrects to handle wrap-around of a
// tile that straddles the ld boundary."
type TileDomain struct {
	mu    sync.Mutex
	trees map[region.BufferKey]*khptree.Tree[*bucket]
}

// NewTileDomain creates an empty TileDomain.
func NewTileDomain() *TileDomain {
	return &TileDomain{trees: make(map[region.BufferKey]*khptree.Tree[*bucket])}
}

func (d *TileDomain) treeFor(key region.BufferKey) *khptree.Tree[*bucket] {
	t, ok := d.trees[key]
	if !ok {
		t = khptree.New[*bucket](2)
		d.trees[key] = t
	}
	return t
}

func rectOfTile(t region.Tile) khptree.Rect {
	return khptree.NewRect(
		khptree.Axis{Lo: uint64(t.OriginRow), Hi: uint64(t.OriginRow + t.Rows)},
		khptree.Axis{Lo: uint64(t.OriginCol), Hi: uint64(t.OriginCol + t.Cols)},
	)
}

// Link implements Domain.
func (d *TileDomain) Link(acc *task.Access, hooks *JoinHooks) {
	tile := acc.Region.(region.Tile)
	d.mu.Lock()
	defer d.mu.Unlock()

	tr := d.treeFor(tile.Key())
	seen := make(map[*bucket]bool)
	for _, part := range tile.Decompose() {
		tr.Intersect(rectOfTile(part), func(_ khptree.LeafID, _ khptree.Rect, payload *bucket) bool {
			if payload != nil {
				seen[payload] = true
			}
			return true
		})
	}
	for b := range seen {
		b.link(acc, hooks)
	}
}

// Put implements Domain.
func (d *TileDomain) Put(acc *task.Access) {
	tile := acc.Region.(region.Tile)
	d.mu.Lock()
	defer d.mu.Unlock()

	tr := d.treeFor(tile.Key())
	b := &bucket{}
	b.put(acc)
	for _, part := range tile.Decompose() {
		tr.Insert(rectOfTile(part), b)
	}
}

var _ Domain = (*TileDomain)(nil)
