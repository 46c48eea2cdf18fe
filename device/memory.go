// Package device implements the device-global-id space, per-device
// memory areas, and the source-selection router of spec.md §4.9. Memory
// areas replace the original's intrusive doubly-linked chunk list with
// an arena of chunks addressed by index (spec.md §9's generational-index
// recommendation), kept sorted by address per DESIGN.md's Open Question
// decision so coalescing adjacent free neighbors is an O(1) check
// instead of a scan.
package device

import (
	"sort"
	"sync"

	"github.com/xkrt/xkrt/xkrterr"
)

// ChunkState is a memory chunk's allocation state.
type ChunkState int

const (
	Free ChunkState = iota
	Allocated
)

// chunkID indexes MemoryArea's chunk arena.
type chunkID int32

const noChunk chunkID = -1

type chunk struct {
	addr       uint64
	size       uint64
	state      ChunkState
	useCounter uint32
	prev, next chunkID // address-ordered doubly linked list
	live       bool
}

// MemoryArea is one device's allocator over one memory kind's address
// space: a first-fit allocator over an address-ordered chunk list with
// adjacent-neighbor coalescing on free.
type MemoryArea struct {
	mu      sync.Mutex
	chunks  []chunk
	free    []chunkID
	head    chunkID
	base    uint64
	size    uint64
}

// NewMemoryArea creates a MemoryArea spanning [base, base+size) with a
// single initial free chunk covering the whole range (spec.md §4.7's
// "initial chunk-0 state").
func NewMemoryArea(base, size uint64) *MemoryArea {
	a := &MemoryArea{base: base, size: size}
	a.resetToSingleChunk()
	return a
}

func (a *MemoryArea) resetToSingleChunk() {
	a.chunks = []chunk{{addr: a.base, size: a.size, state: Free, prev: noChunk, next: noChunk, live: true}}
	a.free = nil
	a.head = 0
}

// Reset returns the area to its initial chunk-0 state, dropping every
// allocation: the state coherency.Invalidate leaves its callers to
// restore device memory areas to (spec.md §4.7).
func (a *MemoryArea) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetToSingleChunk()
}

// Allocate reserves size bytes via first-fit search over the
// address-ordered chunk list, splitting the chosen chunk if it is
// larger than needed. Returns the allocated address.
func (a *MemoryArea) Allocate(size uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id := a.head; id != noChunk; id = a.chunks[id].next {
		c := &a.chunks[id]
		if c.state != Free || c.size < size {
			continue
		}
		if c.size > size {
			a.splitChunk(id, size)
		}
		c = &a.chunks[id]
		c.state = Allocated
		c.useCounter = 1
		return c.addr, nil
	}
	return 0, xkrterr.New("device.Allocate", xkrterr.KindResourceExhausted, "no free chunk large enough")
}

// splitChunk carves a size-byte chunk off the front of the chunk at id,
// inserting the remainder as a new free chunk immediately after it.
func (a *MemoryArea) splitChunk(id chunkID, size uint64) {
	c := a.chunks[id]
	remainderID := chunkID(len(a.chunks))
	a.chunks = append(a.chunks, chunk{
		addr: c.addr + size, size: c.size - size, state: Free,
		prev: id, next: c.next, live: true,
	})
	if c.next != noChunk {
		a.chunks[c.next].prev = remainderID
	}
	a.chunks[id].size = size
	a.chunks[id].next = remainderID
}

// Deallocate frees the chunk starting at addr and coalesces it with any
// adjacent free neighbor (address-ordered prev/next make this an O(1)
// check, per DESIGN.md's Open Question decision on freelist ordering).
func (a *MemoryArea) Deallocate(addr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.find(addr)
	if id == noChunk {
		return xkrterr.New("device.Deallocate", xkrterr.KindFatal, "no chunk at address")
	}
	a.chunks[id].state = Free
	a.chunks[id].useCounter = 0
	a.coalesce(id)
	return nil
}

func (a *MemoryArea) find(addr uint64) chunkID {
	for id := a.head; id != noChunk; id = a.chunks[id].next {
		if a.chunks[id].live && a.chunks[id].addr == addr {
			return id
		}
	}
	return noChunk
}

func (a *MemoryArea) coalesce(id chunkID) {
	if next := a.chunks[id].next; next != noChunk && a.chunks[next].state == Free {
		a.mergeInto(id, next)
	}
	if prev := a.chunks[id].prev; prev != noChunk && a.chunks[prev].state == Free {
		a.mergeInto(prev, id)
	}
}

// mergeInto absorbs b into a (a directly precedes b in address order).
func (a *MemoryArea) mergeInto(into, absorbed chunkID) {
	a.chunks[into].size += a.chunks[absorbed].size
	a.chunks[into].next = a.chunks[absorbed].next
	if a.chunks[absorbed].next != noChunk {
		a.chunks[a.chunks[absorbed].next].prev = into
	}
	a.chunks[absorbed].live = false
}

// Stats reports the area's current free and allocated byte totals.
func (a *MemoryArea) Stats() (free, allocated uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := a.head; id != noChunk; id = a.chunks[id].next {
		c := a.chunks[id]
		if !c.live {
			continue
		}
		if c.state == Free {
			free += c.size
		} else {
			allocated += c.size
		}
	}
	return free, allocated
}

// chunksByAddr returns a snapshot of live chunks ordered by address,
// used only by tests to assert invariants without exposing internals.
func (a *MemoryArea) chunksByAddr() []chunk {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]chunk, 0, len(a.chunks))
	for _, c := range a.chunks {
		if c.live {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}
