//go:build !linux

package compute

import (
	"errors"
)

func bindCPU(int) (func(), error) {
	return func() {}, errors.New(`compute: core binding requires linux`)
}
