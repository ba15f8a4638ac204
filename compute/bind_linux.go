//go:build linux

package compute

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// bindCPU locks the calling goroutine to its thread, and pins the thread to
// cpu. The returned func restores the previous affinity.
func bindCPU(cpu int) (func(), error) {
	runtime.LockOSThread()

	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		runtime.UnlockOSThread()
		return func() {}, err
	}

	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return func() {}, err
	}

	return func() {
		_ = unix.SchedSetaffinity(0, &prev)
		runtime.UnlockOSThread()
	}, nil
}
