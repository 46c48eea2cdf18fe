// Package depend implements the dependency-domain abstraction of spec.md
// §4.6: per base-region bookkeeping of the last sequential writer, the
// set of concurrent writers, and the list of readers since the last
// sequential writer, used to link a new access against the predecessors
// it must wait for and to record itself for future accesses. One domain
// class exists per region variant (point, interval, matrix-tile); this
// file holds the bucket semantics shared by all three, grounded on the
// edge-recording and join-node policy of spec.md §4.6 and the lock-free
// successor list task.Task already provides.
package depend

import (
	"github.com/xkrt/xkrt/task"
)

// bucket is the three-bucket predecessor state spec.md §4.6 maintains
// per base-region.
type bucket struct {
	lastSeqWrite  *task.Task
	lastConcWrites []*task.Task
	lastSeqReads  []*task.Task
}

// JoinHooks lets the engine supply the allocation and readiness-
// propagation machinery for the synthetic join node spec.md §4.6
// describes, without depend needing to know how tasks get scheduled.
// New must return a task whose wc has been initialized to predCount+1
// (the same "+1 anti-premature-ready bias" every spawned task uses, see
// task.Arena.New), so that the predCount edges link registers before the
// final bias decrement cannot make the join ready early. Ready is called
// once that final decrement brings wc to zero, and must commit the join
// the same way a normally-resolved ready task would be.
type JoinHooks struct {
	New   func(predCount int) *task.Task
	Ready func(j *task.Task)
}

// link applies the new-access dependency rules to b, recording CAS-based
// successor edges on each predecessor. hooks, if non-nil, synthesizes the
// null-format empty-writer join task spec.md §4.6 describes when a
// conc-W follows a set of existing seq-Rs; it is only invoked when that
// case applies and len(lastSeqReads) > 1 (a single reader needs no
// join — linking directly is already one edge).
func (b *bucket) link(acc *task.Access, hooks *JoinHooks) {
	switch {
	case acc.Concurrency == task.Sequential && acc.Mode == task.R:
		b.linkTo(acc.Task, b.lastSeqWrite)
		for _, w := range b.lastConcWrites {
			b.linkTo(acc.Task, w)
		}

	case acc.Concurrency == task.Concurrent && acc.Mode != task.R:
		if len(b.lastSeqReads) > 1 && hooks != nil {
			predCount := len(b.lastSeqReads)
			if b.lastSeqWrite != nil {
				predCount++
			}
			join := hooks.New(predCount)
			for _, r := range b.lastSeqReads {
				b.linkTo(join, r)
			}
			b.linkTo(join, b.lastSeqWrite)
			if join.DecWC(1) && hooks.Ready != nil {
				hooks.Ready(join)
			}
			b.linkTo(acc.Task, join)
		} else {
			for _, r := range b.lastSeqReads {
				b.linkTo(acc.Task, r)
			}
			b.linkTo(acc.Task, b.lastSeqWrite)
		}

	default: // com-W / seq-W
		for _, r := range b.lastSeqReads {
			b.linkTo(acc.Task, r)
		}
		for _, w := range b.lastConcWrites {
			b.linkTo(acc.Task, w)
		}
		b.linkTo(acc.Task, b.lastSeqWrite)
	}
}

// linkTo records a dependency edge from pred to succ, decrementing
// succ.wc inline if pred is already completed (spec.md §4.6 "If the
// predecessor is already COMPLETED, linking falls through to decrement
// the successor's wc inline"). A nil pred is a no-op.
func (b *bucket) linkTo(succ, pred *task.Task) {
	if pred == nil || succ == nil || pred == succ {
		return
	}
	if pred.State() == task.Completed {
		succ.DecWC(1)
		return
	}
	pred.PushSuccessor(succ)
}

// put records acc as the new bucket occupant per spec.md §4.6: a writer
// clears readers and concurrent writers (now dominated); a reader clears
// concurrent writers only.
func (b *bucket) put(acc *task.Access) {
	switch {
	case acc.Concurrency == task.Sequential && acc.Mode == task.R:
		b.lastSeqReads = append(b.lastSeqReads, acc.Task)
		b.lastConcWrites = nil

	case acc.Concurrency == task.Concurrent && acc.Mode != task.R:
		b.lastConcWrites = append(b.lastConcWrites, acc.Task)
		b.lastSeqReads = nil

	default: // com-W / seq-W
		b.lastSeqWrite = acc.Task
		b.lastConcWrites = nil
		b.lastSeqReads = nil
	}
}

// Domain is the common interface the engine drives regardless of region
// variant: Link records dependency edges for acc against whatever is
// currently registered on its base region, then Put registers acc for
// future accesses to link against.
type Domain interface {
	Link(acc *task.Access, hooks *JoinHooks)
	Put(acc *task.Access)
}
