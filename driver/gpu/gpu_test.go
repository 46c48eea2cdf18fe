package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkrt/xkrt/driver"
	"github.com/xkrt/xkrt/xkrterr"
)

func TestStubDriversReportZeroDevices(t *testing.T) {
	drivers := []driver.Driver{NewCUDA(), NewHIP(), NewLevelZero(), NewOpenCL(), NewSYCL()}
	for _, d := range drivers {
		assert.Equal(t, 0, d.NDevices())
	}
}

func TestStubInitFailsWithDriverKindError(t *testing.T) {
	d := NewCUDA()
	err := d.Init(driver.Config{})
	assert.True(t, xkrterr.Is(err, xkrterr.KindDriver))
	assert.Equal(t, "cuda", d.Kind())
}

func TestStubDeviceInitFailsRatherThanPanicking(t *testing.T) {
	for _, d := range []driver.Driver{NewHIP(), NewLevelZero(), NewOpenCL(), NewSYCL()} {
		_, err := d.DeviceInit(0, 1)
		assert.Error(t, err)
	}
}

func TestStubDeinitIsNoOp(t *testing.T) {
	assert.NoError(t, NewCUDA().Deinit())
}
