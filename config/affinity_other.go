//go:build !linux

package config

import (
	"runtime"
)

// AvailableCores returns [0, runtime.NumCPU()).
func AvailableCores() []int {
	cores := make([]int, runtime.NumCPU())
	for i := range cores {
		cores[i] = i
	}
	return cores
}
