package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateFirstFitSplits(t *testing.T) {
	a := NewMemoryArea(0, 1024)
	addr1, err := a.Allocate(256)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), addr1)

	addr2, err := a.Allocate(256)
	require.NoError(t, err)
	assert.Equal(t, uint64(256), addr2)

	free, allocated := a.Stats()
	assert.Equal(t, uint64(512), free)
	assert.Equal(t, uint64(512), allocated)
}

func TestAllocateExhaustion(t *testing.T) {
	a := NewMemoryArea(0, 128)
	_, err := a.Allocate(128)
	require.NoError(t, err)
	_, err = a.Allocate(1)
	require.Error(t, err)
}

func TestDeallocateCoalescesAdjacentNeighbors(t *testing.T) {
	a := NewMemoryArea(0, 1024)
	addr1, _ := a.Allocate(256)
	addr2, _ := a.Allocate(256)
	addr3, _ := a.Allocate(256)

	require.NoError(t, a.Deallocate(addr1))
	require.NoError(t, a.Deallocate(addr3))
	require.NoError(t, a.Deallocate(addr2))

	chunks := a.chunksByAddr()
	require.Len(t, chunks, 1)
	assert.Equal(t, uint64(1024), chunks[0].size)
	assert.Equal(t, Free, chunks[0].state)
}

func TestResetReturnsToSingleChunk(t *testing.T) {
	a := NewMemoryArea(0, 512)
	a.Allocate(128)
	a.Reset()
	free, allocated := a.Stats()
	assert.Equal(t, uint64(512), free)
	assert.Equal(t, uint64(0), allocated)
}
