package worker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkrt/xkrt/task"
)

func TestDequePushPopLIFO(t *testing.T) {
	d := NewDeque(4)
	t1 := task.NewInert(1, 0, 0)
	t2 := task.NewInert(2, 0, 0)
	assert.True(t, d.PushBottom(t1))
	assert.True(t, d.PushBottom(t2))

	got, ok := d.PopBottom()
	assert.True(t, ok)
	assert.Same(t, t2, got)

	got, ok = d.PopBottom()
	assert.True(t, ok)
	assert.Same(t, t1, got)

	_, ok = d.PopBottom()
	assert.False(t, ok)
}

func TestDequeFullRejectsPush(t *testing.T) {
	d := NewDeque(2)
	assert.True(t, d.PushBottom(task.NewInert(1, 0, 0)))
	assert.True(t, d.PushBottom(task.NewInert(2, 0, 0)))
	assert.False(t, d.PushBottom(task.NewInert(3, 0, 0)))
}

func TestDequeStealFIFO(t *testing.T) {
	d := NewDeque(8)
	t1 := task.NewInert(1, 0, 0)
	t2 := task.NewInert(2, 0, 0)
	d.PushBottom(t1)
	d.PushBottom(t2)

	got, ok := d.Steal()
	assert.True(t, ok)
	assert.Same(t, t1, got)
}

func TestDequeConcurrentStealsDisjoint(t *testing.T) {
	d := NewDeque(256)
	const n = 128
	for i := 0; i < n; i++ {
		d.PushBottom(task.NewInert(uint32(i), 0, 0))
	}

	var mu sync.Mutex
	stolen := make(map[*task.Task]bool)
	var wg sync.WaitGroup
	for th := 0; th < 8; th++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tk, ok := d.Steal()
				if !ok {
					return
				}
				mu.Lock()
				stolen[tk] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	remaining := 0
	for {
		if _, ok := d.PopBottom(); !ok {
			break
		}
		remaining++
	}
	assert.Equal(t, n, len(stolen)+remaining)
}
