package team

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBarrierReleasesAllParticipants(t *testing.T) {
	const n = 8
	b := NewBarrier(n)
	var wg sync.WaitGroup
	var arrived atomic.Int64
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			arrived.Add(1)
			b.Wait()
			// every goroutine must see all n arrivals once released.
			assert.Equal(t, int64(n), arrived.Load())
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("barrier did not release all participants")
	}
}

func TestBarrierReusableAcrossRounds(t *testing.T) {
	const n = 4
	b := NewBarrier(n)
	for round := 0; round < 3; round++ {
		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				b.Wait()
			}()
		}
		wg.Wait()
	}
}

func TestParallelForRingPartitionsAllIndices(t *testing.T) {
	const nthreads = 4
	r := NewParallelForRing(2, nthreads)
	const n = 17
	var mu sync.Mutex
	seen := make([]bool, n)
	r.Dispatch(n, func(lo, hi int) {
		mu.Lock()
		for i := lo; i < hi; i++ {
			seen[i] = true
		}
		mu.Unlock()
	})
	for i, ok := range seen {
		assert.True(t, ok, "index %d not covered", i)
	}
}

func TestParallelForRingSingleSlotSerializes(t *testing.T) {
	r := NewParallelForRing(1, 2)
	var total atomic.Int64
	r.Dispatch(10, func(lo, hi int) { total.Add(int64(hi - lo)) })
	assert.Equal(t, int64(10), total.Load())
}

func TestResolveCPUSetsExplicit(t *testing.T) {
	want := [][]int{{0}, {1}}
	got := ResolveCPUSets(Binding{Mode: Explicit, CPUSets: want}, nil, 2, nil)
	assert.Equal(t, want, got)
}
