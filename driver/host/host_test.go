package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkrt/xkrt/device"
	"github.com/xkrt/xkrt/devqueue"
	"github.com/xkrt/xkrt/driver"
)

func TestDeviceInitBacksMemoryAreaWithSlab(t *testing.T) {
	d := New(4096)
	require.NoError(t, d.Init(driver.Config{NThreadsPerDevice: 2}))

	dev, err := d.DeviceInit(0, device.HostID)
	require.NoError(t, err)
	require.NoError(t, d.DeviceCommit(dev))

	area := dev.Area(device.MemoryKind(0))
	require.NotNil(t, area)

	addr, err := area.Allocate(256)
	require.NoError(t, err)

	buf := d.Bytes(addr, 256)
	buf[0] = 0x42
	assert.Equal(t, byte(0x42), d.Bytes(addr, 256)[0])
}

func TestDeviceInitRejectsNonZeroIndex(t *testing.T) {
	d := New(1024)
	_, err := d.DeviceInit(1, device.GlobalID(1))
	assert.Error(t, err)
}

func TestSynchronousQueueRunsHostLauncherInline(t *testing.T) {
	d := New(64)
	require.NoError(t, d.Init(driver.Config{}))
	dev, err := d.DeviceInit(0, device.HostID)
	require.NoError(t, err)

	q := devqueue.NewSynchronous(devqueue.Kern, 4, d.Launcher(nil, dev, devqueue.Kern))
	cmd, err := q.NewCommand(devqueue.Kern)
	require.NoError(t, err)

	ran := false
	cmd.Payload = func() error { ran = true; return nil }
	require.NoError(t, q.Commit(cmd))

	n, err := q.LaunchReadyCommands()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, ran)
}

var _ driver.Driver = (*Driver)(nil)
