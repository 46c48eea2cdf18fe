package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBuildsFlatHierarchy(t *testing.T) {
	topo, err := Load()
	require.NoError(t, err)
	require.NotNil(t, topo.Root)
	assert.Greater(t, topo.NumCPUs, 0)
	assert.Equal(t, Machine, topo.Root.Kind)
	assert.Len(t, topo.Root.CPUs, topo.NumCPUs)
}

func TestSelectFindsHyperthreads(t *testing.T) {
	topo, err := Load()
	require.NoError(t, err)
	leaves := topo.Select(Hyperthread)
	assert.Len(t, leaves, topo.NumCPUs)
	for _, l := range leaves {
		assert.Len(t, l.CPUs, 1)
	}
}

func TestCPUSetCoversSelectedObjects(t *testing.T) {
	topo, err := Load()
	require.NoError(t, err)
	leaves := topo.Select(Hyperthread)
	set := CPUSet(leaves[:1])
	assert.Equal(t, 1, set.Count())
}
