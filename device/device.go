package device

import (
	"math/rand"
	"sync/atomic"

	"github.com/xkrt/xkrt/coherency"
	"github.com/xkrt/xkrt/devqueue"
)

// GlobalID is a device-global identifier; 0 is reserved for the host,
// drivers assign 1.. to their devices (spec.md §4.9).
type GlobalID = uint32

const HostID GlobalID = 0

// MemoryKind distinguishes the memory spaces a Device may expose (e.g.
// device-local vs. pinned-host-visible), each with its own MemoryArea.
type MemoryKind int

// Device is one device record: its global and driver-local ids, one
// memory area per memory kind, a queue matrix indexed
// [workerID][kind][queueIndex], and a live-thread counter.
type Device struct {
	GlobalID GlobalID
	DriverID uint32

	areas map[MemoryKind]*MemoryArea

	// queues is [workerID][kind] -> list of queues that worker drives for
	// that command kind, per spec.md §4.9's "array of queues indexed
	// [worker_id][kind][queue_index]".
	queues map[int]map[devqueue.Kind][]*devqueue.Queue

	nthreads atomic.Int32

	// Power is the optional energy-reporting capability recovered from
	// original_source's src/power.cc; nil on drivers that can't report it.
	Power PowerCounter
}

// PowerCounter is the driver capability backing a device's power-counter
// start/stop pair (spec.md §6's driver ABI, recovered feature from
// original_source/src/power.cc). A driver implements this structurally;
// device never imports driver, avoiding an import cycle.
type PowerCounter interface {
	StartPower() error
	StopPower() (joules float64, err error)
}

// NewDevice creates a Device with no memory areas or queues registered
// yet; callers (the driver) add them via AddMemoryArea/AddQueue.
func NewDevice(globalID GlobalID, driverID uint32) *Device {
	return &Device{
		GlobalID: globalID,
		DriverID: driverID,
		areas:    make(map[MemoryKind]*MemoryArea),
		queues:   make(map[int]map[devqueue.Kind][]*devqueue.Queue),
	}
}

// AddMemoryArea registers the area backing the given memory kind.
func (d *Device) AddMemoryArea(kind MemoryKind, area *MemoryArea) { d.areas[kind] = area }

// Area returns the memory area for kind, or nil if none is registered.
func (d *Device) Area(kind MemoryKind) *MemoryArea { return d.areas[kind] }

// AddQueue registers q as one of workerID's queues for kind.
func (d *Device) AddQueue(workerID int, kind devqueue.Kind, q *devqueue.Queue) {
	byKind, ok := d.queues[workerID]
	if !ok {
		byKind = make(map[devqueue.Kind][]*devqueue.Queue)
		d.queues[workerID] = byKind
	}
	d.queues[workerID] = byKind
	byKind[kind] = append(byKind[kind], q)
}

// AllQueues returns every queue registered on this device across every
// worker id and kind, the view a device-servicing worker's progress hook
// needs to drive all of its committed commands forward without knowing
// in advance which worker registered which queue.
func (d *Device) AllQueues() []*devqueue.Queue {
	var out []*devqueue.Queue
	for _, byKind := range d.queues {
		for _, qs := range byKind {
			out = append(out, qs...)
		}
	}
	return out
}

// Queues returns workerID's queues of the given kind.
func (d *Device) Queues(workerID int, kind devqueue.Kind) []*devqueue.Queue {
	byKind, ok := d.queues[workerID]
	if !ok {
		return nil
	}
	return byKind[kind]
}

// IncThreads / DecThreads track the device's live worker-thread count.
func (d *Device) IncThreads() int32 { return d.nthreads.Add(1) }
func (d *Device) DecThreads() int32 { return d.nthreads.Add(-1) }
func (d *Device) NThreads() int32   { return d.nthreads.Load() }

// SetPowerCounter installs the driver's power-reporting capability.
func (d *Device) SetPowerCounter(p PowerCounter) { d.Power = p }

// StartPower begins an energy-measurement window, a no-op if the device's
// driver doesn't implement PowerCounter.
func (d *Device) StartPower() error {
	if d.Power == nil {
		return nil
	}
	return d.Power.StartPower()
}

// StopPower ends the measurement window and reports joules consumed,
// returning 0 if the device's driver doesn't implement PowerCounter.
func (d *Device) StopPower() (float64, error) {
	if d.Power == nil {
		return 0, nil
	}
	return d.Power.StopPower()
}

// Router selects a source device for a fetch to dst out of the bitmask
// of valid sources, per spec.md §4.9: if dst already holds a valid
// replica, no copy is needed; otherwise consult a per-dst affinity table
// from best to worst rank, falling back to any valid source.
type Router interface {
	// Route must return a device in valid (or dst itself when
	// valid.Has(dst)); implementations must respect this invariant.
	Route(dst GlobalID, valid coherency.DeviceSet) GlobalID
}

// RandomRouter uniformly picks among the set bits of valid.
type RandomRouter struct {
	rng *rand.Rand
}

// NewRandomRouter creates a RandomRouter.
func NewRandomRouter() *RandomRouter {
	return &RandomRouter{rng: rand.New(rand.NewSource(1))}
}

// Route implements Router.
func (r *RandomRouter) Route(dst GlobalID, valid coherency.DeviceSet) GlobalID {
	if valid.Has(dst) {
		return dst
	}
	bits := setBits(valid)
	if len(bits) == 0 {
		return dst
	}
	return bits[r.rng.Intn(len(bits))]
}

// AffinityRouter consults a per-dst ranked affinity table (best rank
// first) before falling back to any valid bit, per spec.md §4.9's
// `affinity[dst][rank]` description. Its Ranking table is fixed at
// construction; CFSRouter (router_cfs.go) is a separate Router that does
// not use AffinityRouter.
type AffinityRouter struct {
	// Ranking[dst] lists source candidates from best to worst.
	Ranking map[GlobalID][]GlobalID
	rng     *rand.Rand
}

// NewAffinityRouter creates an AffinityRouter with the given per-dst
// ranking table.
func NewAffinityRouter(ranking map[GlobalID][]GlobalID) *AffinityRouter {
	return &AffinityRouter{Ranking: ranking, rng: rand.New(rand.NewSource(1))}
}

// Route implements Router.
func (r *AffinityRouter) Route(dst GlobalID, valid coherency.DeviceSet) GlobalID {
	if valid.Has(dst) {
		return dst
	}
	for _, candidate := range r.Ranking[dst] {
		if valid.Has(candidate) {
			return candidate
		}
	}
	bits := setBits(valid)
	if len(bits) == 0 {
		return dst
	}
	return bits[r.rng.Intn(len(bits))]
}

func setBits(s coherency.DeviceSet) []GlobalID {
	var out []GlobalID
	for i := GlobalID(0); i < 64; i++ {
		if s.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

var (
	_ Router = (*RandomRouter)(nil)
	_ Router = (*AffinityRouter)(nil)
)
