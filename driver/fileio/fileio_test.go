package fileio

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkrt/xkrt/devqueue"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	d, err := New(32)
	require.NoError(t, err)
	defer d.Close()

	f, err := os.CreateTemp(t.TempDir(), "fileio")
	require.NoError(t, err)
	defer f.Close()
	fd := int(f.Fd())

	q := devqueue.New(devqueue.FDWrite, 8, d.Launcher(nil, nil, devqueue.FDWrite))

	written := []byte("xkrt")
	done := make(chan struct{})
	require.NoError(t, d.WriteAsync(q, fd, written, 0, func(cmd *devqueue.Command) {
		close(done)
	}))
	_, err = q.LaunchReadyCommands()
	require.NoError(t, err)

	waitForCompletion(t, d, done)

	readBack := make([]byte, len(written))
	rq := devqueue.New(devqueue.FDRead, 8, d.Launcher(nil, nil, devqueue.FDRead))
	readDone := make(chan struct{})
	require.NoError(t, d.ReadAsync(rq, fd, readBack, 0, func(cmd *devqueue.Command) {
		close(readDone)
	}))
	_, err = rq.LaunchReadyCommands()
	require.NoError(t, err)

	waitForCompletion(t, d, readDone)
	assert.Equal(t, written, readBack)
}

func waitForCompletion(t *testing.T, d *Driver, done <-chan struct{}) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("timed out waiting for io_uring completion")
		default:
			_, _ = d.PollCompletions()
			time.Sleep(time.Millisecond)
		}
	}
}
