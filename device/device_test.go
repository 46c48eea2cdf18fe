package device

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkrt/xkrt/coherency"
)

func TestRandomRouterReturnsDstWhenValid(t *testing.T) {
	r := NewRandomRouter()
	valid := coherency.DeviceSet(0).Add(2)
	assert.Equal(t, GlobalID(2), r.Route(2, valid))
}

func TestRandomRouterPicksFromValid(t *testing.T) {
	r := NewRandomRouter()
	valid := coherency.DeviceSet(0).Add(3)
	got := r.Route(1, valid)
	assert.True(t, valid.Has(got))
}

func TestAffinityRouterPrefersRanked(t *testing.T) {
	r := NewAffinityRouter(map[GlobalID][]GlobalID{
		1: {2, 3},
	})
	valid := coherency.DeviceSet(0).Add(3).Add(4)
	assert.Equal(t, GlobalID(3), r.Route(1, valid))
}

func TestCFSRouterRespectsValidInvariant(t *testing.T) {
	graph := NewLinkGraph([]GlobalID{0, 1, 2, 3})
	r := NewCFSRouter(graph)
	valid := coherency.DeviceSet(0).Add(2)
	got := r.Route(1, valid)
	assert.True(t, valid.Has(got))
}

func TestCFSRouterDeprioritizesUsedLinks(t *testing.T) {
	graph := NewLinkGraph([]GlobalID{0, 1, 2})
	graph.RecordTransfer(1, 2)
	graph.RecordTransfer(1, 2)
	r := NewCFSRouter(graph)
	valid := coherency.DeviceSet(0).Add(0).Add(2)
	got := r.Route(1, valid)
	assert.Equal(t, GlobalID(0), got)
}

func TestDeviceQueueRegistration(t *testing.T) {
	d := NewDevice(1, 0)
	assert.Empty(t, d.Queues(0, 0))
	d.IncThreads()
	assert.Equal(t, int32(1), d.NThreads())
}
