package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Verbosity)
	assert.True(t, cfg.MergeTransfers)
	assert.Equal(t, 90, cfg.GPUMemPercent)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("XKRT_GPU_MEM_PERCENT", "50")
	t.Setenv("XKRT_NGPUS", "2")
	t.Setenv("XKRT_USE_P2P", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.GPUMemPercent)
	assert.Equal(t, 2, cfg.NGPUs)
	assert.False(t, cfg.UseP2P)
}

func TestLoadRejectsInvalidPercent(t *testing.T) {
	t.Setenv("XKRT_GPU_MEM_PERCENT", "150")
	_, err := Load()
	require.Error(t, err)
}
