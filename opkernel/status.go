package opkernel

import (
	"errors"
	"fmt"
)

// Status is the numeric result of a kernel invocation, as reported to the
// task scheduler.
type Status int32

const (
	StatusOK Status = 0
	// StatusParameterInvalid indicates a malformed parameter block, detected
	// before any side effect.
	StatusParameterInvalid Status = 21001
	// StatusDriverError indicates an opaque driver failure.
	StatusDriverError Status = 21002
	// StatusInnerError indicates a local invariant violation.
	StatusInnerError Status = 21003
)

var (
	ErrParameterInvalid = errors.New(`opkernel: parameter invalid`)
	ErrDriver           = errors.New(`opkernel: driver error`)
	ErrInner            = errors.New(`opkernel: inner error`)
	// ErrUnknownKernel is returned when computing a kernel not registered by
	// name. It maps to StatusParameterInvalid.
	ErrUnknownKernel = fmt.Errorf(`%w: unknown kernel`, ErrParameterInvalid)
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return `ok`
	case StatusParameterInvalid:
		return `parameter invalid`
	case StatusDriverError:
		return `driver error`
	case StatusInnerError:
		return `inner error`
	default:
		return fmt.Sprintf(`status %d`, int32(s))
	}
}

// StatusOf maps an error returned by a kernel to its Status. Errors outside
// the taxonomy map to StatusInnerError.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrParameterInvalid):
		return StatusParameterInvalid
	case errors.Is(err, ErrDriver):
		return StatusDriverError
	default:
		return StatusInnerError
	}
}

// paramErrorf wraps ErrParameterInvalid.
func paramErrorf(format string, args ...any) error {
	return fmt.Errorf(`%w: `+format, append([]any{ErrParameterInvalid}, args...)...)
}

// driverError wraps ErrDriver, along with the driver's own error.
func driverError(op string, err error) error {
	return fmt.Errorf(`%w: %s: %w`, ErrDriver, op, err)
}
