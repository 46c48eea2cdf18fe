// Package engine implements the task engine of spec.md §4.10: spawn,
// dependency resolution against the appropriate domain, commit,
// execution (including coherency fetch for device tasks), detachable
// completion tracking, moldability splitting, and the completion
// cascade. It is the component that wires together task, worker, team,
// depend, coherency, devqueue, and device.
package engine

import (
	"strconv"
	"sync"

	"github.com/xkrt/xkrt/coherency"
	"github.com/xkrt/xkrt/depend"
	"github.com/xkrt/xkrt/devqueue"
	"github.com/xkrt/xkrt/khptree"
	"github.com/xkrt/xkrt/observability/stats"
	"github.com/xkrt/xkrt/region"
	"github.com/xkrt/xkrt/task"
	"github.com/xkrt/xkrt/worker"
	"github.com/xkrt/xkrt/xkrterr"
)

// domainKey identifies which Domain implementation an access's region
// variant maps to, used as the GetOrCreate key on a task.DomainBlock.
type domainKey string

const (
	domainPoint    domainKey = "point"
	domainInterval domainKey = "interval"
	domainTile     domainKey = "tile"
)

func domainKeyFor(r any) domainKey {
	switch r.(type) {
	case region.Point:
		return domainPoint
	case region.Interval:
		return domainInterval
	case region.Tile:
		return domainTile
	default:
		return domainPoint
	}
}

func newDomain(key domainKey) any {
	switch key {
	case domainInterval:
		return depend.NewIntervalDomain()
	case domainTile:
		return depend.NewTileDomain()
	default:
		return depend.NewPointDomain()
	}
}

// FetchIssuer is how the engine asks a device's queue to actually move
// bytes for a coherency.FetchPlan, returning once the transfer command
// has been committed to the destination queue (completion is awaited
// separately through the returned queue's WaitOne). The runtime façade supplies a concrete
// implementation per driver.
type FetchIssuer func(plan coherency.FetchPlan) (*devqueue.Queue, uint64, error)

// DeviceWorker resolves the worker that should run device tasks targeted
// at a given task.Target.
type DeviceWorkerFunc func(target task.Target) *worker.Worker

// Engine ties task resolution, commit, execution, and completion
// together.
type Engine struct {
	mu         sync.Mutex
	formats    map[uint32]*task.Format
	rootDomain *task.DomainBlock
	coherency  map[string]*coherency.Controller

	DeviceWorker DeviceWorkerFunc
	Fetch        FetchIssuer
	Observer     stats.Observer
}

// New creates an Engine. deviceWorker and fetch may be nil for
// host-only configurations (no device tasks will be spawned).
func New(deviceWorker DeviceWorkerFunc, fetch FetchIssuer, observer stats.Observer) *Engine {
	if observer == nil {
		observer = stats.NoOpObserver{}
	}
	return &Engine{
		formats:      make(map[uint32]*task.Format),
		rootDomain:   &task.DomainBlock{},
		coherency:    make(map[string]*coherency.Controller),
		DeviceWorker: deviceWorker,
		Fetch:        fetch,
		Observer:     observer,
	}
}

// RegisterFormat adds f to the format table. Format 0 (task.NullFormatID)
// is reserved for the synthetic join node and need not be registered.
func (e *Engine) RegisterFormat(f *task.Format) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.formats[f.ID] = f
}

func (e *Engine) format(id uint32) *task.Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.formats[id]
}

// baseRegionKey identifies the coherency controller for an access's base
// region: for tiles, (ld, elem_size); for intervals/points, a single
// global controller (spec.md §4.7 "globally for intervals").
func baseRegionKey(r any) (string, int) {
	switch v := r.(type) {
	case region.Tile:
		k := v.Key()
		return "tile:" + strconv.Itoa(k.LD) + ":" + strconv.Itoa(k.ElemSize), 2
	case region.Interval:
		return "interval", 1
	default:
		return "point", 1
	}
}

func (e *Engine) coherencyFor(r any) *coherency.Controller {
	key, dims := baseRegionKey(r)
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.coherency[key]
	if !ok {
		c = coherency.New(dims, true)
		e.coherency[key] = c
	}
	return c
}

// domainBlockFor returns the nearest enclosing dependency-domain state: the
// current task's own DomainBlock if it is Domain-flagged, or the
// engine's root block for top-level spawns (spec.md §4.10 "the
// current task's domain block").
func (e *Engine) domainBlockFor(current *task.Task) *task.DomainBlock {
	if current != nil && current.Domain != nil {
		return current.Domain
	}
	return e.rootDomain
}

func domainFor(block *task.DomainBlock, key domainKey) depend.Domain {
	return block.GetOrCreate(string(key), func() any { return newDomain(key) }).(depend.Domain)
}

// Spawn allocates a task of the given format/flags with room for
// accessCount accesses, invokes setup to populate them, then resolves
// and commits it (spec.md §4.10 "spawn"). current is the task performing
// the spawn (nil at the top level); its DomainBlock (or the engine root)
// supplies the dependency domains new accesses link against.
func (e *Engine) Spawn(w *worker.Worker, current *task.Task, format uint32, flags task.Flags, accessCount int, setup func(t *task.Task)) (*task.Task, error) {
	f := e.format(format)
	if f == nil && format != task.NullFormatID {
		return nil, xkrterr.New("engine.Spawn", xkrterr.KindFatal, "unknown format")
	}
	t := w.Arena.New(format, flags, accessCount)
	t.Parent = current
	if current != nil {
		current.IncCC(1)
	}
	if flags.Has(task.Domain) {
		t.Domain = &task.DomainBlock{}
	}
	if setup != nil {
		setup(t)
	}
	for i := range t.Accesses {
		t.Accesses[i].Task = t
	}

	e.resolve(w, current, t)
	e.Observer.ObserveTaskSpawned()
	e.commit(w, t, f)
	return t, nil
}

// resolve implements spec.md §4.10's access-resolution algorithm.
func (e *Engine) resolve(w *worker.Worker, current *task.Task, t *task.Task) {
	block := e.domainBlockFor(current)
	for i := range t.Accesses {
		a := &t.Accesses[i]
		if !t.Flags.Has(task.Dependent) {
			continue
		}
		key := domainKeyFor(a.Region)
		d := domainFor(block, key)
		hooks := &depend.JoinHooks{
			New: func(predCount int) *task.Task {
				join := w.Arena.New(task.NullFormatID, task.Dependent, 0)
				join.InitWC(int64(predCount) + 1)
				join.Parent = current
				if current != nil {
					current.IncCC(1)
				}
				return join
			},
			Ready: func(j *task.Task) {
				e.commit(w, j, nil)
			},
		}
		d.Link(a, hooks)
		d.Put(a)
	}
	t.DecWC(1)
}

// commit implements spec.md §4.10's commit rule: a ready (wc==0) task
// goes to the spawning worker's deque, or the selected device worker's
// deque if it is device-flagged; otherwise it stays blocked until its
// last predecessor decrements wc to zero.
func (e *Engine) commit(w *worker.Worker, t *task.Task, f *task.Format) {
	if t.WC() != 0 {
		return
	}
	t.CompareAndSwapState(task.Allocated, task.Ready)
	if t.Flags.Has(task.Device) {
		target := task.Host
		if f != nil && f.Suggest != nil {
			target = f.Suggest(t)
		}
		t.Target = target
		dw := w
		if e.DeviceWorker != nil {
			if d := e.DeviceWorker(target); d != nil {
				dw = d
			}
		}
		dw.Deque.PushBottom(t)
		return
	}
	w.Deque.PushBottom(t)
}

// commitReady re-applies the commit rule to a task that just became
// ready via a predecessor's completion. w is the worker performing the
// completion (used as the push target for non-device tasks, since the
// original spawning worker is no longer necessarily relevant).
func (e *Engine) commitReady(w *worker.Worker, t *task.Task) {
	e.commit(w, t, e.format(t.Format))
}

// Execute runs a ready task's body: when a FetchIssuer is set, plans and
// awaits coherency fetches for every non-virtual unified access that is
// not write-only (whatever the task's flags), then invokes
// the format's entry point for t.Target, then completes the task unless
// it is still detached.
func (e *Engine) Execute(w *worker.Worker, t *task.Task) {
	t.CompareAndSwapState(task.Ready, task.DataFetching)

	if t.Flags.Has(task.Moldable) && t.Split != task.NoSplit {
		split, err := e.trySplit(w, t)
		if err != nil {
			t.Result = err
			e.Complete(w, t)
			return
		}
		if split {
			return
		}
	}

	e.fetchInputs(t)
	t.CompareAndSwapState(task.DataFetching, task.DataFetched)
	t.CompareAndSwapState(task.DataFetched, task.Executing)

	w.SetCurrent(t)
	var err error
	if t.Body != nil {
		err = t.Body(t)
	} else if f := e.format(t.Format); f != nil && f.Entries[t.Target] != nil {
		err = f.Entries[t.Target](t)
	}
	t.Result = err
	w.SetCurrent(nil)

	if !t.Flags.Has(task.Detachable) || t.DC() == 0 {
		e.Complete(w, t)
	}
}

// trySplit implements a Moldable task's pre-DATA_FETCHING split (spec.md
// §4.10): it replaces t's own execution with a pair of child tasks that
// inherit already-resolved access grants over half of t's region each, so
// no re-resolution against the dependency domain is needed. Reports
// whether a split actually happened (false means the caller should run
// t as a normal, unsplit task — e.g. a Halves region too small to cut).
func (e *Engine) trySplit(w *worker.Worker, t *task.Task) (bool, error) {
	switch t.Split {
	case task.Halves:
		return e.splitHalves(w, t)
	default:
		return false, xkrterr.ErrUnimplemented
	}
}

// splitHalves cuts t's single interval access at its midpoint into two
// child tasks running the same format/body over each half, completing t
// itself only once both children do (reusing the existing parent-cascade
// path Complete already implements for ordinary nested spawns).
func (e *Engine) splitHalves(w *worker.Worker, t *task.Task) (bool, error) {
	if len(t.Accesses) != 1 {
		return false, xkrterr.New("engine.splitHalves", xkrterr.KindFatal, "Halves split requires exactly one access")
	}
	iv, ok := t.Accesses[0].Region.(region.Interval)
	if !ok {
		return false, xkrterr.New("engine.splitHalves", xkrterr.KindFatal, "Halves split requires an interval region")
	}
	if iv.Len() < 2 {
		return false, nil
	}
	mid := iv.Low + iv.Len()/2
	halves := [2]region.Interval{region.NewInterval(iv.Low, mid), region.NewInterval(mid, iv.High)}

	for _, h := range halves {
		child := w.Arena.New(t.Format, t.Flags&^task.Moldable, 1)
		child.Parent = t
		t.IncCC(1)
		child.Accesses = append(child.Accesses, task.Access{
			Region:      h,
			Mode:        t.Accesses[0].Mode,
			Concurrency: t.Accesses[0].Concurrency,
			Scope:       t.Accesses[0].Scope,
			Task:        child,
		})
		child.Accesses[0].Task = child
		child.Body = t.Body
		child.Target = t.Target
		// The split access is already granted on t; the child never goes
		// through resolve()'s domain Link/Put, so its wc starts at 0
		// (ready) rather than accessCount+1.
		child.InitWC(0)
		e.commit(w, child, e.format(child.Format))
	}
	t.SetState(task.Completed)
	return true, nil
}

func (e *Engine) fetchInputs(t *task.Task) {
	if e.Fetch == nil {
		return
	}
	for _, a := range t.Accesses {
		if a.Virtual || a.Scope != task.Unified || a.Mode == task.W {
			continue
		}
		ctrl := e.coherencyFor(a.Region)
		rect := rectFor(a.Region)
		for _, plan := range ctrl.PlanFetch(rect, t.Target) {
			q, seq, err := e.Fetch(plan)
			if err != nil {
				t.Result = xkrterr.Wrap("engine.fetchInputs", xkrterr.KindDriver, err)
				return
			}
			if q != nil {
				q.WaitOne(seq)
			}
			ctrl.CommitFetch(plan.Rect, plan.Dst)
		}
	}
}

// Complete implements spec.md §4.10's completion algorithm: transition
// to COMPLETED, update the coherency controller for writer accesses,
// fire the format's on_complete, and, once t has no live children
// (cc==0), release its successors and its parent through cascadeParent.
// While children are still live, the last of them to finish performs
// that release instead.
func (e *Engine) Complete(w *worker.Worker, t *task.Task) {
	// The extra cc unit keeps a child finishing concurrently from
	// cascading into t before t's own completion work below is done.
	t.IncCC(1)
	t.SetState(task.Completed)

	for _, a := range t.Accesses {
		if a.Virtual || a.Mode == task.R {
			continue
		}
		ctrl := e.coherencyFor(a.Region)
		ctrl.UpdateWriter(rectFor(a.Region), t.Target, a.Concurrency == task.Concurrent)
	}

	if f := e.format(t.Format); f != nil && f.OnComplete != nil {
		f.OnComplete(t)
	}

	e.Observer.ObserveTaskCompleted(0)

	if t.DecCC(1) {
		e.cascadeParent(w, t)
	}
}

// cascadeParent releases a task that is COMPLETED and whose cc has just
// reached zero: it decrements and pushes every successor that becomes
// ready, then decrements its parent's cc, continuing the cascade upward
// if that parent is itself already completed and now has cc==0.
func (e *Engine) cascadeParent(w *worker.Worker, parent *task.Task) {
	parent.Successors(func(s *task.Task) {
		if s.DecWC(1) {
			e.commitReady(w, s)
		}
	})
	if grandparent := parent.Parent; grandparent != nil && grandparent.DecCC(1) && grandparent.State() == task.Completed {
		e.cascadeParent(w, grandparent)
	}
}

// DetachIncr / DetachDecr implement spec.md §4.10's
// task_detachable_incr/decr: a detachable task's body may extend its
// completion horizon across an external event, and the deferred
// Complete call happens once the last decrement brings dc to zero after
// the body has returned.
func (e *Engine) DetachIncr(t *task.Task) { t.IncDC(1) }

// DetachDecr decrements dc; if it reaches zero and the body has already
// returned (t.Result has been set by Execute, or more precisely the
// caller tracks "body returned" externally), callers must invoke
// Complete themselves — this method only reports whether dc reached
// zero so the external event handler knows whether it has the
// responsibility to do so.
func (e *Engine) DetachDecr(t *task.Task) bool { return t.DecDC(1) }

// rectFor translates an access's region value into the khptree.Rect the
// coherency controller's tree is indexed by.
func rectFor(r any) khptree.Rect {
	switch v := r.(type) {
	case region.Interval:
		return khptree.NewRect(khptree.Axis{Lo: v.Low, Hi: v.High})
	case region.Tile:
		return khptree.NewRect(
			khptree.Axis{Lo: uint64(v.OriginRow), Hi: uint64(v.OriginRow + v.Rows)},
			khptree.Axis{Lo: uint64(v.OriginCol), Hi: uint64(v.OriginCol + v.Cols)},
		)
	case region.Point:
		return khptree.NewRect(khptree.Axis{Lo: uint64(v), Hi: uint64(v) + 1})
	default:
		return khptree.NewRect(khptree.Axis{Lo: 0, Hi: 0})
	}
}
