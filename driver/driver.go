// Package driver defines the thin capability interfaces the runtime
// façade drives each accelerator backend through, generalizing the
// teacher's internal/interfaces/backend.go capability pattern (Backend /
// DiscardBackend / Logger / Observer as separate, independently
// type-asserted interfaces) from "block device backend" to "compute
// driver": a Driver always supports the base lifecycle, and optional
// capabilities are
// discovered with a type assertion rather than forcing every driver to
// stub out methods it cannot implement. The optional capabilities are
// CommandLauncher, Poller, Memory, PowerCounter and FileIO; there is no
// peer-to-peer copy capability.
package driver

import (
	"github.com/xkrt/xkrt/device"
	"github.com/xkrt/xkrt/devqueue"
)

// Config carries the environment-derived settings a driver needs to
// bring its devices up (spec.md §6: XKRT_GPU_MEM_PERCENT,
// XKRT_NTHREADS_PER_DEVICE, XKRT_USE_P2P).
type Config struct {
	NThreadsPerDevice int
	MemPercent        int
	UseP2P            bool
}

// Driver is the lifecycle every backend implements: discover its
// devices, bring each one up, and tear everything down in reverse order
// (spec.md §4.11's init/deinit ordering).
type Driver interface {
	// Kind names the driver for logging and DeviceInfo.TargetHint, e.g.
	// "host", "cuda", "hip".
	Kind() string

	// Init brings the driver's runtime library up (e.g. cuInit); it is
	// called once, before any device is created.
	Init(cfg Config) error

	// NDevices reports how many devices this driver found.
	NDevices() int

	// DeviceInit constructs and returns the index-th device this driver
	// manages, wiring its memory areas and queues.
	DeviceInit(index int, globalID device.GlobalID) (*device.Device, error)

	// DeviceCommit finalizes a device right after DeviceInit (spec.md
	// §4.11 "device_commit"); the runtime calls it before registering the
	// device's queues and before creating the team that services it.
	DeviceCommit(d *device.Device) error

	// Deinit releases the driver's runtime library resources. Called
	// once all of the driver's devices have been torn down.
	Deinit() error
}

// CommandLauncher is the devqueue.Launcher-producing capability: a
// driver that can actually run commands (as opposed to a capability-gated
// stub) supplies one launcher per queue. The queue argument may be nil
// (the runtime builds the file-I/O launchers that way), and the host
// launcher does not use it: commands of a synchronously-completing queue
// are completed by devqueue itself right after the launcher returns, so
// no separate completion poller is needed for them.
type CommandLauncher interface {
	Launcher(q *devqueue.Queue, d *device.Device, kind devqueue.Kind) devqueue.Launcher
}

// Poller is the capability a driver implements when its command
// completions are discovered by polling an external facility (an
// io_uring completion queue, a stream's event queue) rather than
// completed inline during launch. runtime.Sync fans a goroutine out per
// Poller via errgroup so every driver's completions keep draining while
// the calling thread waits on the root task's cc (spec.md §4.11 "sync()
// ... progressing on behalf of workers").
type Poller interface {
	PollCompletions() (int, error)
}

// Memory is the capability a driver implements when a device's memory
// area is backed by host-addressable bytes the runtime can read or write
// directly, true of the host driver and false of a real discrete
// accelerator (which instead moves bytes through CommandLauncher's H2D/
// D2H/D2D kinds).
type Memory interface {
	Bytes(addr, size uint64) []byte
}

// PowerCounter mirrors device.PowerCounter; a driver implements it
// structurally to be installed via device.Device.SetPowerCounter.
type PowerCounter = device.PowerCounter

// FileIO is the capability driver/fileio exposes: async read/write
// against a file descriptor, completed through the device's FDRead/
// FDWrite queues. Drivers without file-I/O support simply don't
// implement this interface; callers discover it with a type assertion.
type FileIO interface {
	ReadAsync(q *devqueue.Queue, fd int, buf []byte, offset int64, cb devqueue.Callback) error
	WriteAsync(q *devqueue.Queue, fd int, buf []byte, offset int64, cb devqueue.Callback) error
}
