package worker

import (
	"math/rand"
	"sync/atomic"

	"github.com/xkrt/xkrt/task"
)

// Worker is one OS-thread-bound scheduling unit: its own ready-task
// deque and the thread-local "currently executing task" pointer the
// dependency domains and team code read to find the calling task
// without an explicit parameter everywhere (spec.md §4.4). Go has no
// portable thread-local storage; since the core pins exactly one
// goroutine per Worker via runtime.LockOSThread (the same discipline
// the teacher's ioLoop uses), a field read only by that goroutine is
// the equivalent of the source's TLS slot.
type Worker struct {
	ID     int
	Deque  *Deque
	Arena  *task.Arena
	Random *rand.Rand

	current atomic.Pointer[task.Task]

	stop atomic.Bool
}

// NewWorker creates a Worker with a deque of the given capacity, seeded
// independently for steal-victim selection.
func NewWorker(id int, dequeCapacity int) *Worker {
	return &Worker{
		ID:     id,
		Deque:  NewDeque(dequeCapacity),
		Arena:  task.NewArena(),
		Random: rand.New(rand.NewSource(int64(id)*2654435761 + 1)),
	}
}

// Current returns the task this worker is presently executing, or nil.
func (w *Worker) Current() *task.Task { return w.current.Load() }

// SetCurrent updates the thread-local current-task pointer. Called by the
// engine immediately before and after invoking a task body.
func (w *Worker) SetCurrent(t *task.Task) { w.current.Store(t) }

// RequestStop asks the progress loop to return after its current
// iteration. Safe to call from any goroutine.
func (w *Worker) RequestStop() { w.stop.Store(true) }

// Stopped reports whether RequestStop was called.
func (w *Worker) Stopped() bool { return w.stop.Load() }

// Hooks bundles the callbacks Run needs from the rest of the runtime so
// that worker has no import-time dependency on team/devqueue/engine,
// avoiding a cycle (they all depend on worker, not vice versa).
type Hooks struct {
	// Victims lists the other workers eligible for stealing from. It may
	// return a different slice over time (e.g. as a team's membership
	// changes) so Run re-reads it every iteration.
	Victims func() []*Worker
	// DeviceProgress advances any device queues this worker services and
	// reports whether it made progress. May be nil.
	DeviceProgress func() bool
	// BarrierCheck is polled when a worker has found no other work; it
	// reports whether the worker's team is at a barrier and the worker
	// should park instead of busy-spinning. May be nil.
	BarrierCheck func() bool
	// Run executes a ready task's body on this worker.
	Run func(w *Worker, t *task.Task)
}

// ProgressOnce performs a single iteration of the scheduling loop
// described in spec.md §4.4: try the owner's own deque, else attempt a
// steal from a random victim, else drive any served device queues
// forward, else fall through to the team barrier check. Returns true if
// any work was found or progress was made.
func ProgressOnce(w *Worker, h Hooks) bool {
	if t, ok := w.Deque.PopBottom(); ok {
		w.SetCurrent(t)
		h.Run(w, t)
		w.SetCurrent(nil)
		return true
	}

	if h.Victims != nil {
		victims := h.Victims()
		if len(victims) > 0 {
			start := w.Random.Intn(len(victims))
			for i := 0; i < len(victims); i++ {
				v := victims[(start+i)%len(victims)]
				if v == w {
					continue
				}
				if t, ok := v.Deque.Steal(); ok {
					w.SetCurrent(t)
					h.Run(w, t)
					w.SetCurrent(nil)
					return true
				}
			}
		}
	}

	if h.DeviceProgress != nil && h.DeviceProgress() {
		return true
	}

	if h.BarrierCheck != nil {
		h.BarrierCheck()
	}
	return false
}

// Run drives the scheduling loop until RequestStop is called. idle, if
// non-nil, is invoked whenever a full iteration finds no work — callers
// typically pass a short spin/yield/park escalation.
func Run(w *Worker, h Hooks, idle func()) {
	for !w.Stopped() {
		if !ProgressOnce(w, h) && idle != nil {
			idle()
		}
	}
}
