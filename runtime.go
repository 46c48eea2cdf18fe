// Package xkrt is the root runtime façade (spec.md §4.11): Init brings
// configuration, topology, drivers and teams up in the order the
// specification fixes; Spawn/Sync expose the task-parallel surface to
// callers; Deinit tears everything down in reverse. It plays the role the
// teacher's root-level backend.go played for a single ublk device,
// generalized to drive an arbitrary number of accelerator drivers behind
// one dependency-tracked task engine.
package xkrt

import (
	stdruntime "runtime"

	"golang.org/x/sync/errgroup"

	"github.com/xkrt/xkrt/coherency"
	"github.com/xkrt/xkrt/config"
	"github.com/xkrt/xkrt/device"
	"github.com/xkrt/xkrt/devqueue"
	"github.com/xkrt/xkrt/driver"
	"github.com/xkrt/xkrt/engine"
	"github.com/xkrt/xkrt/observability/log"
	"github.com/xkrt/xkrt/observability/stats"
	"github.com/xkrt/xkrt/task"
	"github.com/xkrt/xkrt/team"
	"github.com/xkrt/xkrt/topology"
	"github.com/xkrt/xkrt/worker"
	"github.com/xkrt/xkrt/xkrterr"
)

// driverEntry is one initialized driver: its backend, the devices it
// brought up, and the team of worker threads servicing them.
type driverEntry struct {
	backend driver.Driver
	devices []*device.Device
	team    *team.Team
}

// Runtime is one instance of the runtime façade. Nothing about it is
// process-global (spec.md §5 "no global mutable state outside the Runtime
// instance"); a process may hold more than one, at the cost of each
// initializing its own drivers.
type Runtime struct {
	cfg   config.Config
	topo  *topology.Topology
	eng   *engine.Engine
	log   *log.Component

	entries []*driverEntry
	devices map[device.GlobalID]*device.Device
	memory  map[device.GlobalID]driver.Memory
	pollers []driver.Poller

	master  *worker.Worker
	workers []*worker.Worker
	root    *task.Task

	dequeCapacity int
	metrics       *stats.Metrics
	observer      stats.Observer

	// fileIOBackend is the optional file-I/O collaborator (driver/fileio),
	// kept separate from entries since it has no device lifecycle of its
	// own to Init/Deinit through the driver.Driver path — it is pure
	// driver.FileIO + driver.CommandLauncher + driver.Poller capability.
	fileIOBackend  any
	fileIO         driver.FileIO
	fileReadQueue  *devqueue.Queue
	fileWriteQueue *devqueue.Queue
}

// Option configures a Runtime before Init registers formats or drivers.
// Drivers are supplied this way (rather than autodetected) since this
// tree's GPU backends are all capability-gated stubs — a caller decides
// which ones are worth constructing.
type Option func(*Runtime)

// WithDriver registers d to be brought up during Init, in the order
// Options are supplied (spec.md §4.11 step 5's enumeration order). The
// host driver should normally be supplied first since device global id 0
// is reserved for it.
func WithDriver(d driver.Driver) Option {
	return func(rt *Runtime) {
		rt.entries = append(rt.entries, &driverEntry{backend: d})
	}
}

// WithDequeCapacity overrides the default per-worker ready-task deque
// capacity (rounded up to a power of two by worker.NewDeque).
func WithDequeCapacity(n int) Option {
	return func(rt *Runtime) { rt.dequeCapacity = n }
}

// WithObserver replaces the default in-process stats.MetricsObserver with
// a caller-supplied one (e.g. stats.NewPrometheusObserver). Stats() only
// reports non-zero values when the default observer is still in effect.
func WithObserver(o stats.Observer) Option {
	return func(rt *Runtime) {
		rt.observer = o
		rt.metrics = nil
	}
}

// WithFileIO registers a file-I/O collaborator (driver/fileio.Driver) to
// back FormatFileReadAsync/FormatFileWriteAsync. f must implement
// driver.FileIO; if it also implements driver.CommandLauncher and/or
// driver.Poller (as driver/fileio.Driver does), Init wires its queues and
// Sync drains its completions the same way it does for WithDriver
// entries.
func WithFileIO(f any) Option {
	return func(rt *Runtime) { rt.fileIOBackend = f }
}

// New constructs an unstarted Runtime. Call Init before Spawn/Sync.
func New(opts ...Option) *Runtime {
	metrics := stats.NewMetrics()
	rt := &Runtime{
		devices:       make(map[device.GlobalID]*device.Device),
		memory:        make(map[device.GlobalID]driver.Memory),
		dequeCapacity: 256,
		metrics:       metrics,
		observer:      stats.NewMetricsObserver(metrics),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Init performs the bring-up sequence of spec.md §4.11: lock the calling
// thread as the TLS root, load configuration, register the built-in
// formats in their fixed order, load topology, bring every registered
// driver's devices up, then create each driver's team.
func (rt *Runtime) Init() error {
	stdruntime.LockOSThread()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	rt.cfg = cfg
	log.SetDefault(log.New(log.Config{Level: log.ParseLevel(cfg.Verbosity)}))
	rt.log = log.For("runtime")

	rt.master = worker.NewWorker(-1, rt.dequeCapacity)
	rt.root = task.NewInert(task.NullFormatID, task.Domain, 0)
	rt.root.Domain = &task.DomainBlock{}

	rt.eng = engine.New(rt.deviceWorkerFor, rt.fetch, rt.observer)
	registerBuiltinFormats(rt)

	topo, err := topology.Load()
	if err != nil {
		return xkrterr.Wrap("runtime.Init", xkrterr.KindConfiguration, err)
	}
	rt.topo = topo

	driverCfg := driver.Config{
		NThreadsPerDevice: cfg.NThreadsPerDevice,
		MemPercent:        cfg.GPUMemPercent,
		UseP2P:            cfg.UseP2P,
	}

	nextGlobalID := device.GlobalID(0)
	for _, entry := range rt.entries {
		if err := entry.backend.Init(driverCfg); err != nil {
			rt.log.Warn("driver init failed, skipping", "driver", entry.backend.Kind(), "err", err)
			continue
		}
		n := entry.backend.NDevices()
		for i := 0; i < n; i++ {
			globalID := nextGlobalID
			nextGlobalID++
			dev, err := entry.backend.DeviceInit(i, globalID)
			if err != nil {
				return xkrterr.Wrap("runtime.Init", xkrterr.KindDriver, err)
			}
			if err := entry.backend.DeviceCommit(dev); err != nil {
				return xkrterr.Wrap("runtime.Init", xkrterr.KindDriver, err)
			}
			entry.devices = append(entry.devices, dev)
			rt.devices[globalID] = dev
			if mem, ok := entry.backend.(driver.Memory); ok {
				rt.memory[globalID] = mem
			}
			if launcher, ok := entry.backend.(driver.CommandLauncher); ok {
				q := rt.newDeviceQueue(entry.backend, dev, devqueue.Kern, launcher)
				dev.AddQueue(0, devqueue.Kern, q)
			}
		}
		if p, ok := entry.backend.(driver.Poller); ok {
			rt.pollers = append(rt.pollers, p)
		}
	}

	if rt.fileIOBackend != nil {
		if fio, ok := rt.fileIOBackend.(driver.FileIO); ok {
			rt.fileIO = fio
		} else {
			return xkrterr.New("runtime.Init", xkrterr.KindConfiguration, "fileIOBackend does not implement driver.FileIO")
		}
		if cl, ok := rt.fileIOBackend.(driver.CommandLauncher); ok {
			rt.fileReadQueue = devqueue.New(devqueue.FDRead, rt.dequeCapacity, cl.Launcher(nil, nil, devqueue.FDRead))
			rt.fileWriteQueue = devqueue.New(devqueue.FDWrite, rt.dequeCapacity, cl.Launcher(nil, nil, devqueue.FDWrite))
		}
		if p, ok := rt.fileIOBackend.(driver.Poller); ok {
			rt.pollers = append(rt.pollers, p)
		}
	}

	for _, entry := range rt.entries {
		if len(entry.devices) == 0 {
			continue
		}
		rt.createTeam(entry, driverCfg)
	}

	rt.workers = append(rt.workers, rt.master)
	for _, entry := range rt.entries {
		if entry.team != nil {
			rt.workers = append(rt.workers, entry.team.Workers...)
		}
	}

	for _, entry := range rt.entries {
		if entry.team == nil {
			continue
		}
		for i, w := range entry.team.Workers {
			cpus := team.ResolveCPUSets(entry.team.Binding, rt.topo, len(entry.team.Workers), nil)
			var set []int
			if i < len(cpus) {
				set = cpus[i]
			}
			go team.BindAndRun(entry.team, w, set)
		}
	}

	return nil
}

// createTeam builds a Team of NThreadsPerDevice workers per device for
// entry, bound compact-per-device (spec.md §4.5's required combination),
// each running the engine's progress loop against the global victim pool
// and the driver's own command queues.
func (rt *Runtime) createTeam(entry *driverEntry, cfg driver.Config) {
	nthreads := cfg.NThreadsPerDevice * len(entry.devices)
	if nthreads < 1 {
		nthreads = 1
	}
	routine := func(w *worker.Worker, _ any) {
		hooks := worker.Hooks{
			Victims:        func() []*worker.Worker { return rt.workers },
			DeviceProgress: func() bool { return rt.progressQueues(entry) },
			Run:            func(w *worker.Worker, t *task.Task) { rt.eng.Execute(w, t) },
		}
		worker.Run(w, hooks, func() { stdruntime.Gosched() })
	}
	entry.team = team.New(routine, nil, nthreads, team.CompactDevice(), rt.dequeCapacity)
}

// progressQueues drives every committed command on entry's devices'
// queues forward, reporting whether any launch actually ran.
func (rt *Runtime) progressQueues(entry *driverEntry) bool {
	progressed := false
	for _, dev := range entry.devices {
		for _, q := range dev.AllQueues() {
			n, _ := q.LaunchReadyCommands()
			if n > 0 {
				progressed = true
			}
		}
	}
	return progressed
}

// newDeviceQueue builds the queue a device's driver launches kind-classed
// commands through. The host driver completes commands inline during
// launch (there is no separate device to poll), so its queues are
// synchronous; every other CommandLauncher is assumed to signal
// completion asynchronously (poller or a future real transfer driver).
func (rt *Runtime) newDeviceQueue(backend driver.Driver, dev *device.Device, kind devqueue.Kind, cl driver.CommandLauncher) *devqueue.Queue {
	launch := cl.Launcher(nil, dev, kind)
	if backend.Kind() == "host" {
		return devqueue.NewSynchronous(kind, rt.dequeCapacity, launch)
	}
	return devqueue.New(kind, rt.dequeCapacity, launch)
}

// fetch implements engine.FetchIssuer: it moves the bytes a coherency
// plan names between two host-addressable devices by issuing a Kern
// command on the destination device's queue. Same-device plans
// (overwhelmingly the common case while every accelerator driver in this
// build is a capability-gated stub reporting zero devices) are a no-op.
func (rt *Runtime) fetch(plan coherency.FetchPlan) (*devqueue.Queue, uint64, error) {
	if plan.Src == plan.Dst {
		return nil, 0, nil
	}
	srcMem, srcOK := rt.memory[plan.Src]
	dstMem, dstOK := rt.memory[plan.Dst]
	dstDev, devOK := rt.devices[plan.Dst]
	if !srcOK || !dstOK || !devOK {
		return nil, 0, xkrterr.New("runtime.fetch", xkrterr.KindDriver, "fetch between devices without host-addressable memory is not supported in this build")
	}
	if len(plan.Rect.Axes) != 1 {
		return nil, 0, xkrterr.New("runtime.fetch", xkrterr.KindDriver, "multi-dimensional fetch requires a real device transfer driver")
	}
	axis := plan.Rect.Axes[0]
	addr, size := axis.Lo, axis.Hi-axis.Lo

	queues := dstDev.AllQueues()
	if len(queues) == 0 {
		return nil, 0, xkrterr.New("runtime.fetch", xkrterr.KindDriver, "destination device has no command queue registered")
	}
	q := queues[0]

	cmd, err := q.NewCommand(devqueue.Kern)
	if err != nil {
		return nil, 0, err
	}
	cmd.Payload = func() error {
		copy(dstMem.Bytes(addr, size), srcMem.Bytes(addr, size))
		return nil
	}
	if err := q.Commit(cmd); err != nil {
		return nil, 0, err
	}
	if _, err := q.LaunchReadyCommands(); err != nil {
		return nil, 0, err
	}
	return q, cmd.Seq, nil
}

// deviceWorkerFor resolves the worker that should run a device task
// targeted at target: the first worker belonging to the driver team
// servicing a device of that kind, and the master worker for task.Host.
func (rt *Runtime) deviceWorkerFor(target task.Target) *worker.Worker {
	if target == task.Host {
		return rt.master
	}
	for _, entry := range rt.entries {
		if len(entry.devices) == 0 || entry.team == nil {
			continue
		}
		if driverKindFor(target) == entry.backend.Kind() {
			return entry.team.Workers[0]
		}
	}
	return rt.master
}

func driverKindFor(t task.Target) string {
	switch t {
	case task.CUDA:
		return "cuda"
	case task.HIP:
		return "hip"
	case task.LevelZero:
		return "level_zero"
	case task.OpenCL:
		return "opencl"
	case task.SYCL:
		return "sycl"
	default:
		return "host"
	}
}

// ParallelFor dispatches fn across the team servicing target, block-
// cyclically partitioning [0, n) over that team's threads and blocking
// until every partition has run (spec.md §4.5's bulk-synchronous
// parallel-for, as distinct from Spawn's task-graph parallelism). It
// returns false if no team services target (e.g. a capability-gated
// driver that brought up zero devices), in which case the caller should
// fall back to running fn(0, n) itself or to Spawn-based chunking.
func (rt *Runtime) ParallelFor(target task.Target, n int, fn func(lo, hi int)) bool {
	for _, entry := range rt.entries {
		if len(entry.devices) == 0 || entry.team == nil {
			continue
		}
		if driverKindFor(target) == entry.backend.Kind() {
			entry.team.ParallelFor(n, fn)
			return true
		}
	}
	return false
}

// Spawn allocates a top-level task under the runtime's root, the entry
// point callers use to submit work from outside any running task (spec.md
// §4.10's "current task is nil at the top level").
func (rt *Runtime) Spawn(flags task.Flags, accessCount int, setup func(t *task.Task)) (*task.Task, error) {
	return rt.eng.Spawn(rt.master, rt.root, task.NullFormatID, flags, accessCount, setup)
}

// SpawnFormat is Spawn's counterpart for tasks that run a registered
// format's per-target entry point rather than a closure Body.
func (rt *Runtime) SpawnFormat(format uint32, flags task.Flags, accessCount int, setup func(t *task.Task)) (*task.Task, error) {
	return rt.eng.Spawn(rt.master, rt.root, format, flags, accessCount, setup)
}

// Engine exposes the underlying task engine for callers that need direct
// access to RegisterFormat or the detach incr/decr pair.
func (rt *Runtime) Engine() *engine.Engine { return rt.eng }

// Device looks up one of the devices Init brought up by its global id.
func (rt *Runtime) Device(id device.GlobalID) (*device.Device, bool) {
	d, ok := rt.devices[id]
	return d, ok
}

// Sync is a nested taskwait on the root task (spec.md §4.11): it blocks
// the calling thread, itself helping drain ready work via the same
// work-stealing progress loop every team worker runs, while an errgroup
// fans a poller goroutine out per driver.Poller capability so commands
// completed by external polling (e.g. driver/fileio's io_uring ring) keep
// draining concurrently. Returns once the root's cc reaches zero.
func (rt *Runtime) Sync() error {
	done := make(chan struct{})
	var g errgroup.Group
	for _, p := range rt.pollers {
		p := p
		g.Go(func() error {
			for {
				select {
				case <-done:
					return nil
				default:
				}
				if _, err := p.PollCompletions(); err != nil {
					return err
				}
				stdruntime.Gosched()
			}
		})
	}

	hooks := worker.Hooks{
		Victims: func() []*worker.Worker { return rt.workers },
		Run:     func(w *worker.Worker, t *task.Task) { rt.eng.Execute(w, t) },
	}
	for rt.root.CC() != 0 {
		if !worker.ProgressOnce(rt.master, hooks) {
			stdruntime.Gosched()
		}
	}
	close(done)
	return g.Wait()
}

// Stats reports the observer's in-process counters, the role
// original_source/src/stats.cc plays through observability/stats'
// trivially-serial Report (spec.md §5 "stats_report").
func (rt *Runtime) Stats() stats.Snapshot {
	if rt.metrics == nil {
		return stats.Snapshot{}
	}
	return rt.metrics.Snapshot()
}

// Deinit performs an implicit Sync, asks every team worker to stop
// (without waiting for it to exit), and tears down drivers in reverse
// init order (spec.md §4.11). Device memory areas are not reset and
// registered formats are kept.
func (rt *Runtime) Deinit() error {
	if err := rt.Sync(); err != nil {
		return err
	}

	for _, entry := range rt.entries {
		if entry.team != nil {
			for _, w := range entry.team.Workers {
				w.RequestStop()
			}
		}
	}

	var firstErr error
	for i := len(rt.entries) - 1; i >= 0; i-- {
		entry := rt.entries[i]
		if len(entry.devices) == 0 {
			continue
		}
		if err := entry.backend.Deinit(); err != nil && firstErr == nil {
			firstErr = xkrterr.Wrap("runtime.Deinit", xkrterr.KindDriver, err)
		}
	}
	return firstErr
}
