//go:build linux

package config

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// AvailableCores returns the CPUs in the scheduling affinity mask of the
// process, falling back to [0, runtime.NumCPU()).
func AvailableCores() []int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil || set.Count() == 0 {
		return numCPUCores()
	}
	cores := make([]int, 0, set.Count())
	for i := 0; len(cores) < set.Count() && i < 1024; i++ {
		if set.IsSet(i) {
			cores = append(cores, i)
		}
	}
	return cores
}

func numCPUCores() []int {
	cores := make([]int, runtime.NumCPU())
	for i := range cores {
		cores[i] = i
	}
	return cores
}
