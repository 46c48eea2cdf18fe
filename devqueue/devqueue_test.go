package devqueue

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func launchOK(cmd *Command) error { return nil }

func TestNewCommandCommitLaunch(t *testing.T) {
	q := New(H2D, 4, launchOK)
	cmd, err := q.NewCommand(H2D)
	require.NoError(t, err)
	require.NoError(t, q.Commit(cmd))

	n, err := q.LaunchReadyCommands()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSynchronousQueueCompletesInlineDuringLaunch(t *testing.T) {
	var callbackRan bool
	q := NewSynchronous(Kern, 4, launchOK)
	cmd, err := q.NewCommand(Kern)
	require.NoError(t, err)
	require.NoError(t, cmd.AddCallback(func(*Command) { callbackRan = true }))
	require.NoError(t, q.Commit(cmd))

	n, err := q.LaunchReadyCommands()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, callbackRan)
	assert.Equal(t, 0, q.Depth(), "synchronous completion should free the slot immediately")
}

func TestQueueFullRejectsNewCommand(t *testing.T) {
	q := New(H2D, 2, launchOK)
	_, err := q.NewCommand(H2D)
	require.NoError(t, err)
	_, err = q.NewCommand(H2D)
	require.NoError(t, err)
	_, err = q.NewCommand(H2D)
	require.Error(t, err)
}

func TestCompleteCommandRunsCallbacksAndFreesSlot(t *testing.T) {
	q := New(H2D, 4, launchOK)
	cmd, _ := q.NewCommand(H2D)
	var fired atomic.Bool
	require.NoError(t, cmd.AddCallback(func(c *Command) { fired.Store(true) }))
	require.NoError(t, q.Commit(cmd))
	q.LaunchReadyCommands()

	q.CompleteCommand(cmd.Seq)
	assert.True(t, fired.Load())
	assert.Equal(t, 0, q.Depth())
}

func TestCallbackSlotsExhausted(t *testing.T) {
	q := New(H2D, 4, launchOK)
	cmd, _ := q.NewCommand(H2D)
	for i := 0; i < MaxCallbacks; i++ {
		require.NoError(t, cmd.AddCallback(func(c *Command) {}))
	}
	assert.Error(t, cmd.AddCallback(func(c *Command) {}))
}

func TestWaitReturnsOnceDrained(t *testing.T) {
	q := New(H2D, 4, launchOK)
	cmd, _ := q.NewCommand(H2D)
	q.Commit(cmd)
	q.LaunchReadyCommands()

	done := make(chan struct{})
	go func() {
		q.Wait()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	q.CompleteCommand(cmd.Seq)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after drain")
	}
}

func TestCompleteCommandsBatches(t *testing.T) {
	q := New(H2D, 8, launchOK)
	var cmds []*Command
	for i := 0; i < 3; i++ {
		c, _ := q.NewCommand(H2D)
		q.Commit(c)
		cmds = append(cmds, c)
	}
	q.LaunchReadyCommands()
	q.CompleteCommands(cmds[2].Seq)
	assert.Equal(t, 0, q.Depth())
}
