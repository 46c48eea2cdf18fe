// Package region implements the three region-algebra variants the runtime
// tracks accesses over: point, interval and matrix tile. Each variant
// supports constant-time intersection, inclusion, equality and volume.
package region

// Point is an opaque pointer-sized key. Only equality matters for points.
type Point uint64

// Equal reports whether two points name the same key.
func (p Point) Equal(o Point) bool { return p == o }

// Interval is a half-open [Low, High) range of unsigned machine addresses.
type Interval struct {
	Low, High uint64
}

// NewInterval builds a half-open interval, normalizing an inverted range to
// empty rather than panicking — callers decide whether that's an error.
func NewInterval(low, high uint64) Interval {
	if high < low {
		high = low
	}
	return Interval{Low: low, High: high}
}

// Len returns the number of addresses covered.
func (iv Interval) Len() uint64 {
	if iv.High <= iv.Low {
		return 0
	}
	return iv.High - iv.Low
}

// Empty reports whether the interval covers no addresses.
func (iv Interval) Empty() bool { return iv.High <= iv.Low }

// Intersects reports whether two intervals share any address.
func (iv Interval) Intersects(o Interval) bool {
	return iv.Low < o.High && o.Low < iv.High
}

// Intersect returns the overlapping sub-interval, which is Empty() if the
// two intervals do not overlap.
func (iv Interval) Intersect(o Interval) Interval {
	low := iv.Low
	if o.Low > low {
		low = o.Low
	}
	high := iv.High
	if o.High < high {
		high = o.High
	}
	return NewInterval(low, high)
}

// Includes reports whether iv fully covers o.
func (iv Interval) Includes(o Interval) bool {
	if o.Empty() {
		return true
	}
	return iv.Low <= o.Low && o.High <= iv.High
}

// Equal reports exact bound equality (two empty intervals are not
// considered equal unless their bounds match, matching pointer-key
// semantics elsewhere in the region algebra).
func (iv Interval) Equal(o Interval) bool { return iv.Low == o.Low && iv.High == o.High }

// StorageOrder is the element layout of a matrix tile's base buffer.
type StorageOrder uint8

const (
	RowMajor StorageOrder = iota
	ColMajor
)

// BufferKey identifies the base buffer a tile belongs to. Two tiles are in
// the same coherency domain iff (LD, ElemSize) match — different strides
// are different virtual arrays even if they alias the same memory.
type BufferKey struct {
	LD       int
	ElemSize int
}

// Tile is a 2-D rectangle (OriginRow, OriginCol, Rows, Cols) over a base
// buffer with leading dimension LD and element size ElemSize, in one of two
// storage orders.
type Tile struct {
	OriginRow, OriginCol int
	Rows, Cols           int
	LD                   int
	ElemSize             int
	Order                StorageOrder
}

// Key returns the base-buffer identity of the tile.
func (t Tile) Key() BufferKey { return BufferKey{LD: t.LD, ElemSize: t.ElemSize} }

// Volume returns the number of elements covered.
func (t Tile) Volume() int { return t.Rows * t.Cols }

// Intersects reports whether two same-buffer tiles overlap.
func (t Tile) Intersects(o Tile) bool {
	if t.Key() != o.Key() {
		return false
	}
	return t.OriginRow < o.OriginRow+o.Rows && o.OriginRow < t.OriginRow+t.Rows &&
		t.OriginCol < o.OriginCol+o.Cols && o.OriginCol < t.OriginCol+t.Cols
}

// Intersect returns the overlapping sub-tile. ok is false if the tiles
// belong to different buffers or do not overlap.
func (t Tile) Intersect(o Tile) (Tile, bool) {
	if !t.Intersects(o) {
		return Tile{}, false
	}
	row0 := max(t.OriginRow, o.OriginRow)
	col0 := max(t.OriginCol, o.OriginCol)
	row1 := min(t.OriginRow+t.Rows, o.OriginRow+o.Rows)
	col1 := min(t.OriginCol+t.Cols, o.OriginCol+o.Cols)
	return Tile{
		OriginRow: row0, OriginCol: col0,
		Rows: row1 - row0, Cols: col1 - col0,
		LD: t.LD, ElemSize: t.ElemSize, Order: t.Order,
	}, true
}

// Includes reports whether t fully covers o (same buffer required).
func (t Tile) Includes(o Tile) bool {
	if t.Key() != o.Key() {
		return false
	}
	return t.OriginRow <= o.OriginRow && o.OriginRow+o.Rows <= t.OriginRow+t.Rows &&
		t.OriginCol <= o.OriginCol && o.OriginCol+o.Cols <= t.OriginCol+t.Cols
}

// Equal reports whether two tiles describe the identical rectangle of the
// identical buffer.
func (t Tile) Equal(o Tile) bool {
	return t.Key() == o.Key() && t.OriginRow == o.OriginRow && t.OriginCol == o.OriginCol &&
		t.Rows == o.Rows && t.Cols == o.Cols
}

// WrapsLD reports whether the tile straddles the leading-dimension
// boundary, requiring decomposition into two rectangles to address
// correctly.
func (t Tile) WrapsLD() bool { return t.OriginCol+t.Cols > t.LD }

// Decompose splits a wrapped tile into up to two non-wrapping rectangles.
// A tile that does not wrap returns itself as the sole element.
func (t Tile) Decompose() []Tile {
	if !t.WrapsLD() {
		return []Tile{t}
	}
	head := t
	head.Cols = t.LD - t.OriginCol
	tail := t
	tail.OriginCol = 0
	tail.Cols = t.Cols - head.Cols
	return []Tile{head, tail}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
