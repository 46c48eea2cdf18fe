package xkrt

import (
	"github.com/xkrt/xkrt/devqueue"
	"github.com/xkrt/xkrt/task"
	"github.com/xkrt/xkrt/xkrterr"
)

// Built-in format ids, registered by Init in the fixed order spec.md
// §4.11 names (null is task.NullFormatID and is never registered — it is
// the engine's reserved synthetic-join marker).
const (
	FormatMemoryCopyAsync uint32 = 1 + iota
	FormatMemoryRegisterAsync
	FormatMemoryUnregisterAsync
	FormatMemoryTouchAsync
	FormatFileReadAsync
	FormatFileWriteAsync
)

// MemoryCopyArgs is the task.Task.Args payload for FormatMemoryCopyAsync:
// a plain byte-slice copy, the host-only rendition of spec.md §6's
// transfer_{h2d,d2h,d2d} triplet (real cross-device transfers go through
// engine.FetchIssuer / coherency instead — this format is for a task body
// that wants an explicit, dependency-tracked copy of its own).
type MemoryCopyArgs struct {
	Dst, Src []byte
}

// MemoryRegisterArgs is the task.Task.Args payload for
// FormatMemoryRegisterAsync / FormatMemoryUnregisterAsync: the address
// range being pinned for device access (spec.md §6's
// memory_host_{register,unregister}). The host driver has no separate
// pinning step since host memory is already host-addressable; the
// bookkeeping exists so a real accelerator driver's registration failure
// mode (ProtectRegisteredMemory) has somewhere to plug in.
type MemoryRegisterArgs struct {
	Addr, Size uint64
}

// MemoryTouchArgs is the task.Task.Args payload for
// FormatMemoryTouchAsync: spec.md §6's memory_touch, which faults pages
// into residency without defining their contents.
type MemoryTouchArgs struct {
	Buf []byte
}

// FileIOArgs is the task.Task.Args payload for FormatFileReadAsync /
// FormatFileWriteAsync.
type FileIOArgs struct {
	FD     int
	Buf    []byte
	Offset int64
}

// registerBuiltinFormats installs the fixed-order built-in format table
// spec.md §4.11 step 3 requires. Only task.Host entries are populated —
// every accelerator driver in this build is a capability-gated stub that
// never actually runs a task body.
func registerBuiltinFormats(rt *Runtime) {
	memoryCopy := &task.Format{ID: FormatMemoryCopyAsync, Label: "memory_copy_async"}
	memoryCopy.Entries[task.Host] = func(t *task.Task) error {
		args, ok := t.Args.(MemoryCopyArgs)
		if !ok {
			return xkrterr.New("memory_copy_async", xkrterr.KindConfiguration, "task.Args must be MemoryCopyArgs")
		}
		if len(args.Dst) != len(args.Src) {
			return xkrterr.New("memory_copy_async", xkrterr.KindConfiguration, "dst/src length mismatch")
		}
		copy(args.Dst, args.Src)
		return nil
	}
	rt.eng.RegisterFormat(memoryCopy)

	memoryRegister := &task.Format{ID: FormatMemoryRegisterAsync, Label: "memory_register_async"}
	memoryRegister.Entries[task.Host] = func(t *task.Task) error {
		if _, ok := t.Args.(MemoryRegisterArgs); !ok {
			return xkrterr.New("memory_register_async", xkrterr.KindConfiguration, "task.Args must be MemoryRegisterArgs")
		}
		return nil
	}
	rt.eng.RegisterFormat(memoryRegister)

	memoryUnregister := &task.Format{ID: FormatMemoryUnregisterAsync, Label: "memory_unregister_async"}
	memoryUnregister.Entries[task.Host] = func(t *task.Task) error {
		if _, ok := t.Args.(MemoryRegisterArgs); !ok {
			return xkrterr.New("memory_unregister_async", xkrterr.KindConfiguration, "task.Args must be MemoryRegisterArgs")
		}
		return nil
	}
	rt.eng.RegisterFormat(memoryUnregister)

	memoryTouch := &task.Format{ID: FormatMemoryTouchAsync, Label: "memory_touch_async"}
	memoryTouch.Entries[task.Host] = func(t *task.Task) error {
		args, ok := t.Args.(MemoryTouchArgs)
		if !ok {
			return xkrterr.New("memory_touch_async", xkrterr.KindConfiguration, "task.Args must be MemoryTouchArgs")
		}
		const pageSize = 4096
		var sink byte
		for i := 0; i < len(args.Buf); i += pageSize {
			sink ^= args.Buf[i]
		}
		_ = sink
		return nil
	}
	rt.eng.RegisterFormat(memoryTouch)

	fileRead := &task.Format{ID: FormatFileReadAsync, Label: "file_read_async"}
	fileRead.Entries[task.Host] = func(t *task.Task) error { return rt.runFileIO(t, false) }
	rt.eng.RegisterFormat(fileRead)

	fileWrite := &task.Format{ID: FormatFileWriteAsync, Label: "file_write_async"}
	fileWrite.Entries[task.Host] = func(t *task.Task) error { return rt.runFileIO(t, true) }
	rt.eng.RegisterFormat(fileWrite)
}

// runFileIO backs both file_read_async and file_write_async: it marks t
// detachable past body return (spec.md §4.10's task_detachable_incr/decr)
// since the actual I/O completes asynchronously through whichever
// driver.Poller is draining CQEs during Sync, then submits the request
// through the runtime's configured driver.FileIO.
func (rt *Runtime) runFileIO(t *task.Task, write bool) error {
	args, ok := t.Args.(FileIOArgs)
	if !ok {
		return xkrterr.New("file_io_async", xkrterr.KindConfiguration, "task.Args must be FileIOArgs")
	}
	if rt.fileIO == nil {
		return xkrterr.New("file_io_async", xkrterr.KindDriver, "no file I/O driver configured")
	}

	q := rt.fileReadQueue
	submit := rt.fileIO.ReadAsync
	if write {
		q = rt.fileWriteQueue
		submit = rt.fileIO.WriteAsync
	}
	if q == nil {
		return xkrterr.New("file_io_async", xkrterr.KindDriver, "file I/O queue not initialized")
	}

	rt.eng.DetachIncr(t)
	err := submit(q, args.FD, args.Buf, args.Offset, func(cmd *devqueue.Command) {
		if rt.eng.DetachDecr(t) {
			rt.eng.Complete(rt.master, t)
		}
	})
	if err != nil {
		rt.eng.DetachDecr(t)
		return err
	}
	if _, err := q.LaunchReadyCommands(); err != nil {
		return err
	}
	return nil
}
