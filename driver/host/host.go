// Package host implements the always-present host driver: the CPU
// "device" every runtime configuration has regardless of which
// accelerator drivers are present. Unlike the stubbed driver/gpu
// backends, this one is real — it backs device.HostID with an actual
// byte slab and runs every command inline, since host commands need no
// asynchronous completion machinery, only the same devqueue.Queue shape
// the rest of the runtime already expects to drive.
package host

import (
	"sync"

	"github.com/xkrt/xkrt/device"
	"github.com/xkrt/xkrt/devqueue"
	"github.com/xkrt/xkrt/driver"
	"github.com/xkrt/xkrt/xkrterr"
)

// Driver is the host backend: one device, one memory area backed by a
// real Go byte slice (device.MemoryArea only tracks address-space
// bookkeeping; Driver supplies the bytes those addresses name).
type Driver struct {
	mu     sync.Mutex
	slab   []byte
	area   *device.MemoryArea
	dev    *device.Device
	cfg    driver.Config
}

// New creates a host Driver with a slab of the given byte size reserved
// up front (spec.md §6's XKRT_GPU_MEM_PERCENT has no host analogue; the
// host slab is sized directly by the caller, e.g. from available RAM).
func New(slabSize uint64) *Driver {
	return &Driver{slab: make([]byte, slabSize)}
}

// Kind implements driver.Driver.
func (d *Driver) Kind() string { return "host" }

// Init implements driver.Driver; the host driver has no runtime library
// to bring up, only configuration to remember.
func (d *Driver) Init(cfg driver.Config) error {
	d.cfg = cfg
	return nil
}

// NDevices implements driver.Driver: the host is always exactly one
// device.
func (d *Driver) NDevices() int { return 1 }

// DeviceInit implements driver.Driver, constructing device.HostID backed
// by the driver's byte slab.
func (d *Driver) DeviceInit(index int, globalID device.GlobalID) (*device.Device, error) {
	if index != 0 {
		return nil, xkrterr.New("host.DeviceInit", xkrterr.KindConfiguration, "host driver exposes exactly one device")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.area = device.NewMemoryArea(0, uint64(len(d.slab)))
	d.dev = device.NewDevice(globalID, 0)
	d.dev.AddMemoryArea(device.MemoryKind(0), d.area)
	return d.dev, nil
}

// DeviceCommit implements driver.Driver; the host device has nothing to
// finalize.
func (d *Driver) DeviceCommit(*device.Device) error { return nil }

// Deinit implements driver.Driver.
func (d *Driver) Deinit() error { return nil }

// Bytes returns the live slice of the slab backing [addr, addr+size),
// panicking on an out-of-range request the way a raw pointer dereference
// would — callers only ever pass addresses device.MemoryArea itself
// handed out.
func (d *Driver) Bytes(addr, size uint64) []byte {
	return d.slab[addr : addr+size]
}

// Launcher implements driver.CommandLauncher: every host command runs
// synchronously inline, since there is no asynchronous device to wait
// on. Queues built with devqueue.NewSynchronous complete the command
// themselves right after this returns, so host tasks compose uniformly
// with device tasks in engine.fetchInputs without a separate completion
// poller.
func (d *Driver) Launcher(q *devqueue.Queue, dev *device.Device, kind devqueue.Kind) devqueue.Launcher {
	return func(cmd *devqueue.Command) error {
		fn, _ := cmd.Payload.(func() error)
		var err error
		if fn != nil {
			err = fn()
		}
		cmd.Err = err
		return err
	}
}

var (
	_ driver.Driver          = (*Driver)(nil)
	_ driver.CommandLauncher = (*Driver)(nil)
	_ driver.Memory          = (*Driver)(nil)
)
