// Package topology is the thin collaborator over hwloc-like hardware
// discovery named in spec.md §6: a hierarchy of objects (package, socket,
// NUMA, L3, L2, L1, core, hyperthread) plus a helper translating a set of
// objects into an OS CPU-set for thread binding. The core consumes only
// the operations below; a real binding would shell out to hwloc or an
// equivalent discovery library — out of scope here per spec.md §1.
package topology

import "golang.org/x/sys/unix"

// ObjectKind is one level of the topology hierarchy.
type ObjectKind int

const (
	Machine ObjectKind = iota
	Socket
	NUMA
	L3
	L2
	L1
	Core
	Hyperthread
)

// Object is one node of the topology tree: its kind, the logical CPU
// indices it covers, and its children.
type Object struct {
	Kind     ObjectKind
	CPUs     []int
	Children []*Object
}

// Topology is a loaded hardware hierarchy.
type Topology struct {
	Root    *Object
	NumCPUs int
}

// Load discovers the machine topology. In the absence of a real hwloc
// binding it falls back to a flat single-socket, single-NUMA-node view
// built from runtime.NumCPU()-equivalent CPU counting via the process's
// affinity mask, which is sufficient for the core's binding needs
// (compact×device, spread×machine, explicit).
func Load() (*Topology, error) {
	n, err := countCPUs()
	if err != nil {
		return nil, err
	}
	cpus := make([]int, n)
	for i := range cpus {
		cpus[i] = i
	}
	leaves := make([]*Object, n)
	for i := range cpus {
		leaves[i] = &Object{Kind: Hyperthread, CPUs: []int{i}}
	}
	numa := &Object{Kind: NUMA, CPUs: cpus, Children: leaves}
	socket := &Object{Kind: Socket, CPUs: cpus, Children: []*Object{numa}}
	root := &Object{Kind: Machine, CPUs: cpus, Children: []*Object{socket}}
	return &Topology{Root: root, NumCPUs: n}, nil
}

func countCPUs() (int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0, err
	}
	return set.Count(), nil
}

// CPUSet translates a list of objects into an OS CPU-set suitable for
// unix.SchedSetaffinity, the role spec.md §6 assigns to the driver's
// device_cpuset helper for GPU affinity and to team binding for CPU
// placement generally.
func CPUSet(objs []*Object) unix.CPUSet {
	var set unix.CPUSet
	for _, o := range objs {
		for _, cpu := range o.CPUs {
			set.Set(cpu)
		}
	}
	return set
}

// Select walks the topology collecting every object of the given kind.
func (t *Topology) Select(kind ObjectKind) []*Object {
	var out []*Object
	var walk func(o *Object)
	walk = func(o *Object) {
		if o.Kind == kind {
			out = append(out, o)
		}
		for _, c := range o.Children {
			walk(c)
		}
	}
	walk(t.Root)
	return out
}
