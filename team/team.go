// Package team implements the scheduling-group abstraction of spec.md
// §4.5: a routine run by nthreads workers bound to places according to a
// mode, a private sense-reversing barrier, and a bounded parallel-for
// dispatch ring. It is grounded on the teacher's ioLoop CPU-pinning
// discipline (internal/queue/runner.go) generalized from "one thread per
// device queue" to "N threads per team, bound per mode".
package team

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/xkrt/xkrt/topology"
	"github.com/xkrt/xkrt/worker"
)

// Mode is the placement strategy for a team's threads.
type Mode int

const (
	Compact Mode = iota
	Spread
	Explicit
)

// Place is the topology granularity a Compact/Spread binding targets.
type Place int

const (
	PlaceHyperthread Place = iota
	PlaceCore
	PlaceL1
	PlaceL2
	PlaceL3
	PlaceNUMA
	PlaceDevice
	PlaceSocket
	PlaceMachine
)

// Binding is a team's thread-placement policy.
type Binding struct {
	Mode Mode
	// Places is consulted for Compact/Spread.
	Places Place
	// CPUSets is consulted for Explicit: one CPU-set list per thread.
	CPUSets [][]int
}

// CompactDevice returns the "one thread bound per accelerator" binding
// spec.md §4.5 names as a required combination.
func CompactDevice() Binding { return Binding{Mode: Compact, Places: PlaceDevice} }

// SpreadMachine returns the "threads fan out across all cores" binding.
func SpreadMachine() Binding { return Binding{Mode: Spread, Places: PlaceMachine} }

// ResolveCPUSets expands a Binding into one CPU list per thread, given the
// discovered topology and the number of threads requested. For
// CompactDevice, deviceCPUSets supplies the per-device CPU list (device 0
// is the host); when it is nil (as the runtime passes it), CompactDevice
// binds compactly across the discovered hyperthreads instead.
func ResolveCPUSets(b Binding, topo *topology.Topology, nthreads int, deviceCPUSets [][]int) [][]int {
	switch b.Mode {
	case Explicit:
		return b.CPUSets
	case Compact:
		if b.Places == PlaceDevice && deviceCPUSets != nil {
			out := make([][]int, nthreads)
			for i := range out {
				out[i] = deviceCPUSets[i%len(deviceCPUSets)]
			}
			return out
		}
		leaves := topo.Select(topology.Hyperthread)
		out := make([][]int, nthreads)
		for i := range out {
			out[i] = leaves[i%len(leaves)].CPUs
		}
		return out
	case Spread:
		leaves := topo.Select(topology.Hyperthread)
		out := make([][]int, nthreads)
		for i := range out {
			// block-cyclic spread across all discovered CPUs.
			out[i] = leaves[(i*len(leaves))/nthreads].CPUs
		}
		return out
	default:
		return nil
	}
}

// Barrier is a sense-reversing barrier for a fixed party size: threads
// flip a shared sense bit instead of resetting a counter, so consecutive
// calls never race a straggler observing a stale generation (spec.md
// §4.5).
type Barrier struct {
	n       int64
	count   atomic.Int64
	sense   atomic.Bool
	mu      sync.Mutex
	cond    *sync.Cond
}

// NewBarrier creates a Barrier for n participants.
func NewBarrier(n int) *Barrier {
	b := &Barrier{n: int64(n)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks the calling goroutine until all n participants have called
// Wait, then returns. Safe to call repeatedly (each round reverses
// sense).
func (b *Barrier) Wait() {
	localSense := !b.sense.Load()
	if b.count.Add(1) == b.n {
		b.count.Store(0)
		b.mu.Lock()
		b.sense.Store(localSense)
		b.cond.Broadcast()
		b.mu.Unlock()
		return
	}
	b.mu.Lock()
	for b.sense.Load() != localSense {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// closure is one parallel-for dispatch slot. version is the publication
// flag the ring's spinning threads poll: a thread only runs fn once it
// observes a version it hasn't already processed for this slot.
type closure struct {
	fn      func(lo, hi int)
	n       int
	version atomic.Uint64
}

// ParallelForRing is the bounded dispatch ring spec.md §4.5 describes:
// the master pushes a closure into a slot, every team thread spins on
// that slot's version counter, runs the closure exactly once, and
// signals completion via an atomic pending counter. size=1 is valid and
// serializes dispatches. The ring lazily starts its nthreads spinning
// goroutines on the first Dispatch; they run for the lifetime of the
// ring.
type ParallelForRing struct {
	slots     []closure
	version   atomic.Uint64
	pending   atomic.Int64
	nthreads  int
	mu        sync.Mutex
	startOnce sync.Once
}

// NewParallelForRing creates a ring with the given number of slots,
// dispatching to nthreads team members each round.
func NewParallelForRing(size, nthreads int) *ParallelForRing {
	if size < 1 {
		size = 1
	}
	return &ParallelForRing{slots: make([]closure, size), nthreads: nthreads}
}

// Dispatch partitions [0, n) block-cyclically across the ring's thread
// count (extra trips assigned to the lowest-id threads, per spec.md
// §4.5), publishes fn into the next slot under a fresh version, and
// blocks the caller until every spinning team thread has picked it up
// and run its partition.
func (r *ParallelForRing) Dispatch(n int, fn func(lo, hi int)) {
	r.ensureStarted()

	r.mu.Lock()
	v := r.version.Add(1)
	slot := &r.slots[v%uint64(len(r.slots))]
	slot.fn = fn
	slot.n = n
	r.pending.Store(int64(r.nthreads))
	slot.version.Store(v)
	r.mu.Unlock()

	for r.pending.Load() != 0 {
		runtime.Gosched()
	}
}

// ensureStarted launches the ring's nthreads spinning goroutines the
// first time Dispatch is called. A bare ParallelForRing (as built by
// NewParallelForRing outside of a Team) owns these goroutines itself
// rather than requiring a caller to launch them via BindAndRun.
func (r *ParallelForRing) ensureStarted() {
	r.startOnce.Do(func() {
		for tid := 0; tid < r.nthreads; tid++ {
			go r.spin(tid)
		}
	})
}

// spin is the body of one team thread: it cycles the ring's slots
// forever, and the moment a slot's version differs from the last one
// this thread processed there, runs that thread's partition of it.
// Only one slot is ever "hot" at a time since Dispatch blocks until the
// previous round's pending count reaches zero before publishing the
// next, so cycling through all slots costs nothing but a few wasted
// comparisons per round.
func (r *ParallelForRing) spin(tid int) {
	lastSeen := make([]uint64, len(r.slots))
	idx := 0
	for {
		slot := &r.slots[idx]
		if v := slot.version.Load(); v != 0 && v != lastSeen[idx] {
			lastSeen[idx] = v
			r.runPartition(tid, slot.n, slot)
		} else {
			runtime.Gosched()
		}
		idx++
		if idx == len(r.slots) {
			idx = 0
		}
	}
}

// runPartition computes thread tid's block-cyclic slice of [0, n) and
// runs it, decrementing pending.
func (r *ParallelForRing) runPartition(tid, n int, slot *closure) {
	base := n / r.nthreads
	extra := n % r.nthreads
	lo := tid * base
	if tid < extra {
		lo += tid
	} else {
		lo += extra
	}
	hi := lo + base
	if tid < extra {
		hi++
	}
	if lo < hi {
		slot.fn(lo, hi)
	}
	r.pending.Add(-1)
}

// Team is a scheduling group of workers running a common routine under a
// shared binding, barrier, and parallel-for ring.
type Team struct {
	Routine  func(w *worker.Worker, arg any)
	Arg      any
	Workers  []*worker.Worker
	Binding  Binding
	Barrier  *Barrier
	ParFor   *ParallelForRing
}

// New creates a Team of nthreads workers with the requested binding,
// allocating deques of dequeCapacity per worker.
func New(routine func(w *worker.Worker, arg any), arg any, nthreads int, binding Binding, dequeCapacity int) *Team {
	workers := make([]*worker.Worker, nthreads)
	for i := range workers {
		workers[i] = worker.NewWorker(i, dequeCapacity)
	}
	return &Team{
		Routine: routine,
		Arg:     arg,
		Workers: workers,
		Binding: binding,
		Barrier: NewBarrier(nthreads),
		ParFor:  NewParallelForRing(4, nthreads),
	}
}

// ParallelFor dispatches fn across t's parallel-for ring, block-cyclically
// partitioning [0, n) over the team's threads and blocking until every
// partition has run. This is the entry point engine/runtime code should
// use for bulk-synchronous fan-out over a team, as distinct from
// task-engine Spawn (which creates independently schedulable, stealable
// tasks rather than a fixed-width synchronous dispatch).
func (t *Team) ParallelFor(n int, fn func(lo, hi int)) {
	t.ParFor.Dispatch(n, fn)
}

// BindAndRun pins the calling goroutine's OS thread per cpus (if
// non-empty) and invokes t.Routine for worker w. Intended to be launched
// one goroutine per worker via go BindAndRun(...).
func BindAndRun(t *Team, w *worker.Worker, cpus []int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if len(cpus) > 0 {
		_ = bindCurrentThread(cpus)
	}
	t.Routine(w, t.Arg)
}
