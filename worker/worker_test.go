package worker

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkrt/xkrt/task"
)

func TestProgressOnceRunsOwnTask(t *testing.T) {
	w := NewWorker(0, 4)
	tk := task.NewInert(1, 0, 0)
	w.Deque.PushBottom(tk)

	var ran *task.Task
	ok := ProgressOnce(w, Hooks{
		Run: func(w *Worker, t *task.Task) { ran = t },
	})
	assert.True(t, ok)
	assert.Same(t, tk, ran)
	assert.Nil(t, w.Current())
}

func TestProgressOnceSteals(t *testing.T) {
	victim := NewWorker(1, 4)
	tk := task.NewInert(1, 0, 0)
	victim.Deque.PushBottom(tk)

	thief := NewWorker(0, 4)
	var ran *task.Task
	ok := ProgressOnce(thief, Hooks{
		Victims: func() []*Worker { return []*Worker{victim, thief} },
		Run:     func(w *Worker, t *task.Task) { ran = t },
	})
	assert.True(t, ok)
	assert.Same(t, tk, ran)
}

func TestProgressOnceFallsThroughToDeviceProgress(t *testing.T) {
	w := NewWorker(0, 4)
	called := false
	ok := ProgressOnce(w, Hooks{
		DeviceProgress: func() bool { called = true; return true },
	})
	assert.True(t, ok)
	assert.True(t, called)
}

func TestProgressOnceReturnsFalseWhenIdle(t *testing.T) {
	w := NewWorker(0, 4)
	barrierChecked := false
	ok := ProgressOnce(w, Hooks{
		BarrierCheck: func() bool { barrierChecked = true; return false },
	})
	assert.False(t, ok)
	assert.True(t, barrierChecked)
}

func TestRunStopsOnRequestStop(t *testing.T) {
	w := NewWorker(0, 4)
	var iterations atomic.Int64
	w.RequestStop()
	Run(w, Hooks{}, func() { iterations.Add(1) })
	assert.Equal(t, int64(0), iterations.Load())
}
