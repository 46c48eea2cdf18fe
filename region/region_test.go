package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalIntersect(t *testing.T) {
	a := NewInterval(10, 20)
	b := NewInterval(15, 25)
	assert.True(t, a.Intersects(b))
	got := a.Intersect(b)
	assert.Equal(t, NewInterval(15, 20), got)

	c := NewInterval(20, 30)
	assert.False(t, a.Intersects(c))
	assert.True(t, a.Intersect(c).Empty())
}

func TestIntervalIncludes(t *testing.T) {
	outer := NewInterval(0, 100)
	inner := NewInterval(10, 20)
	assert.True(t, outer.Includes(inner))
	assert.False(t, inner.Includes(outer))
}

func TestTileIntersectSameBuffer(t *testing.T) {
	a := Tile{OriginRow: 0, OriginCol: 0, Rows: 8, Cols: 8, LD: 8, ElemSize: 1}
	b := Tile{OriginRow: 4, OriginCol: 4, Rows: 8, Cols: 8, LD: 8, ElemSize: 1}
	require.True(t, a.Intersects(b))
	x, ok := a.Intersect(b)
	require.True(t, ok)
	assert.Equal(t, 4, x.Rows)
	assert.Equal(t, 4, x.Cols)
}

func TestTileDifferentBufferNeverIntersects(t *testing.T) {
	a := Tile{OriginRow: 0, OriginCol: 0, Rows: 8, Cols: 8, LD: 8, ElemSize: 1}
	b := Tile{OriginRow: 0, OriginCol: 0, Rows: 8, Cols: 8, LD: 16, ElemSize: 1}
	assert.False(t, a.Intersects(b))
}

func TestTileDecomposeWrap(t *testing.T) {
	// An 8x8 tile starting at column 3 with ld=8 wraps the boundary.
	tile := Tile{OriginRow: 0, OriginCol: 3, Rows: 8, Cols: 8, LD: 8, ElemSize: 1}
	require.True(t, tile.WrapsLD())
	parts := tile.Decompose()
	require.Len(t, parts, 2)
	assert.Equal(t, 5, parts[0].Cols) // columns 3..7
	assert.Equal(t, 3, parts[1].Cols) // columns 0..2
	assert.Equal(t, 8, parts[0].Cols+parts[1].Cols)
}

func TestTileDecomposeNoWrap(t *testing.T) {
	tile := Tile{OriginRow: 0, OriginCol: 0, Rows: 4, Cols: 4, LD: 8, ElemSize: 1}
	parts := tile.Decompose()
	require.Len(t, parts, 1)
	assert.Equal(t, tile, parts[0])
}
