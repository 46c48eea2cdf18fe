// Package gpu implements capability-gated stub drivers for the
// accelerator targets spec.md §6 names (CUDA, HIP, Level Zero, OpenCL,
// SYCL): each reports zero devices and fails Init with a driver error
// rather than panicking or silently no-opping, so a runtime configured
// for a GPU target it wasn't built against gets a clear KindDriver error
// instead of undefined behavior. They exist so runtime.Init can iterate
// every target.Target uniformly (spec.md §4.11's fixed driver-init
// order) without special-casing "this one isn't real yet", the same
// capability-discovery shape as the teacher's internal/interfaces
// Backend/DiscardBackend split: callers type-assert for driver.FileIO,
// driver.PowerCounter, driver.CommandLauncher and simply get false/nil
// back rather than a method panicking.
package gpu

import (
	"github.com/xkrt/xkrt/device"
	"github.com/xkrt/xkrt/driver"
	"github.com/xkrt/xkrt/xkrterr"
)

// stub is the shared shape of every unbuilt accelerator target.
type stub struct {
	kind string
}

func (s *stub) Kind() string { return s.kind }

func (s *stub) Init(driver.Config) error {
	return xkrterr.New("gpu."+s.kind+".Init", xkrterr.KindDriver, s.kind+" support was not built into this binary")
}

func (s *stub) NDevices() int { return 0 }

func (s *stub) DeviceInit(index int, globalID device.GlobalID) (*device.Device, error) {
	return nil, xkrterr.New("gpu."+s.kind+".DeviceInit", xkrterr.KindDriver, s.kind+" has no devices in this build")
}

func (s *stub) DeviceCommit(*device.Device) error {
	return xkrterr.New("gpu."+s.kind+".DeviceCommit", xkrterr.KindDriver, s.kind+" has no devices in this build")
}

func (s *stub) Deinit() error { return nil }

// CUDADriver, HIPDriver, LevelZeroDriver, OpenCLDriver and SYCLDriver are
// the five capability-gated stubs. Each is its own named type (rather
// than one shared exported stub) so runtime.Init can log and report
// errors against the target the user actually asked for.
type (
	CUDADriver      struct{ stub }
	HIPDriver       struct{ stub }
	LevelZeroDriver struct{ stub }
	OpenCLDriver    struct{ stub }
	SYCLDriver      struct{ stub }
)

func NewCUDA() *CUDADriver           { return &CUDADriver{stub{kind: "cuda"}} }
func NewHIP() *HIPDriver             { return &HIPDriver{stub{kind: "hip"}} }
func NewLevelZero() *LevelZeroDriver { return &LevelZeroDriver{stub{kind: "level_zero"}} }
func NewOpenCL() *OpenCLDriver       { return &OpenCLDriver{stub{kind: "opencl"}} }
func NewSYCL() *SYCLDriver           { return &SYCLDriver{stub{kind: "sycl"}} }

var (
	_ driver.Driver = (*CUDADriver)(nil)
	_ driver.Driver = (*HIPDriver)(nil)
	_ driver.Driver = (*LevelZeroDriver)(nil)
	_ driver.Driver = (*OpenCLDriver)(nil)
	_ driver.Driver = (*SYCLDriver)(nil)
)
