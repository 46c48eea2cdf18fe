package xkrt

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkrt/xkrt/driver/host"
	"github.com/xkrt/xkrt/task"
)

// TestRuntimeParallelForCoversEveryIndexExactlyOnce exercises the real
// ParallelFor call site wired into the host team: every index of a flat
// range must be touched exactly once, by the team's own spinning
// threads rather than the calling goroutine.
func TestRuntimeParallelForCoversEveryIndexExactlyOnce(t *testing.T) {
	t.Setenv("XKRT_NTHREADS_PER_DEVICE", "4")

	rt := New(WithDriver(host.New(1 << 20)))
	require.NoError(t, rt.Init())
	defer rt.Deinit()

	const n = 997
	var hits [n]atomic.Int32
	ok := rt.ParallelFor(task.Host, n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			hits[i].Add(1)
		}
	})
	require.True(t, ok)

	for i := range hits {
		assert.Equal(t, int32(1), hits[i].Load(), "index %d", i)
	}
}

// TestRuntimeParallelForReportsMissingTeam exercises the false-return path
// for a target no registered driver services.
func TestRuntimeParallelForReportsMissingTeam(t *testing.T) {
	rt := New(WithDriver(host.New(1 << 20)))
	require.NoError(t, rt.Init())
	defer rt.Deinit()

	ok := rt.ParallelFor(task.CUDA, 10, func(lo, hi int) {})
	assert.False(t, ok)
}
