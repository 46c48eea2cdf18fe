// Package devqueue implements the device command queue of spec.md §4.8:
// a bounded ring of commands with a ready (committed, not yet launched)
// and pending (launched, awaiting completion) section, launched through
// a driver-supplied launch hook and drained through completion callbacks.
// It generalizes the teacher's internal/uring.Ring interface
// (SubmitIOCmd/PrepareIOCmd/FlushSubmissions/WaitForCompletion) from "one
// io_uring instance" to "any device's command stream", the shape
// driver/fileio's real io_uring backing and driver/gpu's stream-based
// backings both implement.
package devqueue

import (
	"sync"

	"github.com/xkrt/xkrt/xkrterr"
)

// Kind classifies a queue by the transfer or operation it carries.
type Kind int

const (
	H2D Kind = iota
	D2H
	D2D
	Kern
	FDRead
	FDWrite
)

// MaxCallbacks bounds the fixed-size completion-callback array spec.md
// §4.8 requires ("a bounded array (compile-time limit; typically ≤ 4)").
const MaxCallbacks = 4

// Callback is one (fn, opaque) completion hook attached to a command.
type Callback func(cmd *Command)

type commandState int

const (
	stateFree commandState = iota
	stateBuilding
	stateReady
	statePending
	stateDone
)

// Command is one reserved queue slot.
type Command struct {
	Seq       uint64 // absolute ticket, stable across ring wraps
	Kind      Kind
	state     commandState
	callbacks [MaxCallbacks]Callback
	ncallback int
	Payload   any
	Err       error
}

// AddCallback attaches a completion callback, per spec.md §4.8's bounded
// "≤ 4" array. Returns an error if the slot is already full.
func (c *Command) AddCallback(fn Callback) error {
	if c.ncallback >= MaxCallbacks {
		return xkrterr.New("devqueue.AddCallback", xkrterr.KindResourceExhausted, "command callback slots exhausted")
	}
	c.callbacks[c.ncallback] = fn
	c.ncallback++
	return nil
}

// Launcher is the driver hook spec.md §4.8 names `command_launch`:
// synchronously submit cmd to the underlying driver.
type Launcher func(cmd *Command) error

// Queue is a bounded ring of Commands for one device, one kind.
type Queue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	slots       []Command
	head        uint64 // oldest not-yet-freed ticket
	tail        uint64 // next ticket to allocate
	launch      Launcher
	capacity    uint64
	synchronous bool
}

// New creates a Queue of the given kind and capacity (rounded up to a
// power of two), launching ready commands through launch.
func New(kind Kind, capacity int, launch Launcher) *Queue {
	n := uint64(1)
	for n < uint64(capacity) {
		n <<= 1
	}
	q := &Queue{slots: make([]Command, n), launch: launch, capacity: n}
	q.cond = sync.NewCond(&q.mu)
	for i := range q.slots {
		q.slots[i].Kind = kind
	}
	return q
}

// NewSynchronous creates a Queue whose launcher always completes a
// command inline before returning (the host driver's case — there is no
// separate device to poll for completion). LaunchReadyCommands completes
// each command itself right after launching it instead of leaving that
// to an external completion poller.
func NewSynchronous(kind Kind, capacity int, launch Launcher) *Queue {
	q := New(kind, capacity, launch)
	q.synchronous = true
	return q
}

func (q *Queue) slot(seq uint64) *Command { return &q.slots[seq%q.capacity] }

// NewCommand reserves the next ring slot in the building state. Returns
// an error if the queue is full (capacity commands in flight).
func (q *Queue) NewCommand(kind Kind) (*Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tail-q.head >= q.capacity {
		return nil, xkrterr.New("devqueue.NewCommand", xkrterr.KindResourceExhausted, "queue full")
	}
	seq := q.tail
	q.tail++
	cmd := q.slot(seq)
	*cmd = Command{Seq: seq, Kind: kind, state: stateBuilding}
	return cmd, nil
}

// Commit transitions cmd from building to ready-submitted, making it
// eligible for LaunchReadyCommands.
func (q *Queue) Commit(cmd *Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cmd.state != stateBuilding {
		return xkrterr.New("devqueue.Commit", xkrterr.KindDriver, "command not in building state")
	}
	cmd.state = stateReady
	return nil
}

// LaunchReadyCommands drains the contiguous run of ready commands at the
// front of the ring, submitting each through the launcher and
// transitioning it to pending. Returns the number launched.
func (q *Queue) LaunchReadyCommands() (int, error) {
	q.mu.Lock()
	var toLaunch []*Command
	for seq := q.head; seq < q.tail; seq++ {
		cmd := q.slot(seq)
		if cmd.state != stateReady {
			break
		}
		toLaunch = append(toLaunch, cmd)
	}
	q.mu.Unlock()

	for i, cmd := range toLaunch {
		if err := q.launch(cmd); err != nil {
			q.mu.Lock()
			cmd.Err = err
			cmd.state = stateDone
			q.cond.Broadcast()
			q.mu.Unlock()
			return i, err
		}
		q.mu.Lock()
		cmd.state = statePending
		q.mu.Unlock()
		if q.synchronous {
			q.CompleteCommand(cmd.Seq)
		}
	}
	return len(toLaunch), nil
}

// CompleteCommand runs every callback attached to the command at seq and
// marks it done, advancing the ring's head over any now-contiguous-done
// prefix (spec.md §4.8 "complete_command(p)... advances the pending-head,
// possibly in batches when older slots are also complete").
func (q *Queue) CompleteCommand(seq uint64) {
	q.completeOne(seq)
	q.advanceHead()
}

// CompleteCommandWithError is CompleteCommand for a driver whose
// completion poller learned the request failed (e.g. a negative io_uring
// CQE result); cmd.Err is visible to every attached callback.
func (q *Queue) CompleteCommandWithError(seq uint64, err error) {
	q.mu.Lock()
	q.slot(seq).Err = err
	q.mu.Unlock()
	q.completeOne(seq)
	q.advanceHead()
}

// CompleteCommands marks every pending command up to and including okSeq
// as complete in one batch, the role spec.md §4.8 assigns to
// `complete_commands(ok_p)`.
func (q *Queue) CompleteCommands(okSeq uint64) {
	q.mu.Lock()
	head := q.head
	q.mu.Unlock()
	for seq := head; seq <= okSeq; seq++ {
		q.completeOne(seq)
	}
	q.advanceHead()
}

func (q *Queue) completeOne(seq uint64) {
	q.mu.Lock()
	cmd := q.slot(seq)
	if cmd.state != statePending {
		q.mu.Unlock()
		return
	}
	cbs := cmd.callbacks
	n := cmd.ncallback
	q.mu.Unlock()

	// Callbacks run outside the lock: spec.md §4.8 requires the queue
	// hold a spinlock only "during list iteration", and callbacks must
	// not re-enter the same queue (which would deadlock under the lock
	// anyway).
	for i := 0; i < n; i++ {
		if cbs[i] != nil {
			cbs[i](cmd)
		}
	}

	q.mu.Lock()
	cmd.state = stateDone
	q.cond.Broadcast()
	q.mu.Unlock()
}

// advanceHead frees every contiguous Done slot at the front of the ring.
func (q *Queue) advanceHead() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head < q.tail && q.slot(q.head).state == stateDone {
		*q.slot(q.head) = Command{}
		q.head++
	}
}

// Progress is the non-blocking `commands_progress` hook: it launches any
// ready commands. Reaping device-completed commands and firing their
// callbacks happens via CompleteCommand/CompleteCommands, invoked by the
// driver's completion poller (the function that actually knows which
// commands the device finished).
func (q *Queue) Progress() (int, error) {
	return q.LaunchReadyCommands()
}

// Wait blocks until every in-flight command (everything between head and
// tail) has reached Done, the role spec.md §4.8 assigns to
// `commands_wait`.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head < q.tail {
		q.cond.Wait()
	}
}

// WaitOne blocks until the command at seq reaches Done, the role spec.md
// §4.8 assigns to `command_wait(cmd, idx)`. A seq already advanced past
// (freed by advanceHead) is treated as already complete.
func (q *Queue) WaitOne(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if seq < q.head {
			return
		}
		cmd := q.slot(seq)
		if cmd.Seq == seq && cmd.state == stateDone {
			return
		}
		q.cond.Wait()
	}
}

// Depth reports the number of commands currently in flight (reserved but
// not yet freed).
func (q *Queue) Depth() int { return int(q.tail - q.head) }
