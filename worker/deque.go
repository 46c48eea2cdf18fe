// Package worker implements the per-thread ready-task deque and progress
// loop (spec.md §4.4): a bounded single-producer/pop-from-bottom,
// multi-consumer/steal-from-top deque, wait-free on the owner's hot path,
// plus the try-own/steal/device-progress/barrier-check scheduling loop
// every worker OS thread runs. It plays the role the teacher's
// internal/queue.Runner ioLoop plays for a single device queue, but
// generalized to the engine's pool of worker threads (spec.md §4.4, §5).
package worker

import (
	"sync/atomic"

	"github.com/xkrt/xkrt/task"
)

// Deque is a bounded Chase-Lev work-stealing deque of ready tasks. The
// owner pushes and pops from the bottom without synchronization against
// other owners' pushes; Steal takes a CAS on top and therefore is safe
// for any number of concurrent thieves (spec.md §4.4 "steal takes a
// per-deque spinlock" — implemented here as a CAS retry loop instead of
// an explicit lock, the standard lock-free rendition of the same bound).
type Deque struct {
	capMask int64
	items   []atomic.Pointer[task.Task]
	top     atomic.Int64
	bottom  atomic.Int64
}

// NewDeque creates a Deque able to hold up to capacity ready tasks.
// capacity is rounded up to the next power of two.
func NewDeque(capacity int) *Deque {
	n := int64(1)
	for n < int64(capacity) {
		n <<= 1
	}
	return &Deque{
		capMask: n - 1,
		items:   make([]atomic.Pointer[task.Task], n),
	}
}

// PushBottom adds t to the bottom of the deque. Only the owning worker
// may call this. Returns false if the deque is full.
func (d *Deque) PushBottom(t *task.Task) bool {
	b := d.bottom.Load()
	top := d.top.Load()
	if b-top >= int64(len(d.items)) {
		return false
	}
	d.items[b&d.capMask].Store(t)
	d.bottom.Store(b + 1)
	return true
}

// PopBottom removes and returns the task at the bottom. Only the owning
// worker may call this.
func (d *Deque) PopBottom() (*task.Task, bool) {
	b := d.bottom.Load() - 1
	d.bottom.Store(b)
	top := d.top.Load()
	if top > b {
		d.bottom.Store(top)
		return nil, false
	}
	t := d.items[b&d.capMask].Load()
	if top == b {
		if !d.top.CompareAndSwap(top, top+1) {
			d.bottom.Store(top + 1)
			return nil, false
		}
		d.bottom.Store(top + 1)
		return t, true
	}
	return t, true
}

// Steal removes and returns the task at the top, racing against other
// thieves and the owner's PopBottom. Any worker may call this.
func (d *Deque) Steal() (*task.Task, bool) {
	top := d.top.Load()
	bottom := d.bottom.Load()
	if top >= bottom {
		return nil, false
	}
	t := d.items[top&d.capMask].Load()
	if !d.top.CompareAndSwap(top, top+1) {
		return nil, false
	}
	return t, true
}

// Len reports an approximate size; only safe to treat as exact when
// called by the owner with no concurrent steals in flight.
func (d *Deque) Len() int64 {
	b := d.bottom.Load()
	t := d.top.Load()
	if b < t {
		return 0
	}
	return b - t
}
