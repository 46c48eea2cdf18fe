package team

import "golang.org/x/sys/unix"

// bindCurrentThread pins the calling OS thread to cpus via
// sched_setaffinity, the same call the teacher's ioLoop uses
// (internal/queue/runner.go). Must be called after runtime.LockOSThread.
func bindCurrentThread(cpus []int) error {
	var set unix.CPUSet
	for _, c := range cpus {
		set.Set(c)
	}
	return unix.SchedSetaffinity(0, &set)
}
