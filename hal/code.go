package hal

import (
	"errors"
	"fmt"
)

// Code is a driver status code. Non-zero codes implement error, and are
// returned (possibly wrapped) by driver implementations.
type Code int32

const (
	CodeNone Code = iota
	CodeInvalidParam
	CodeQueueEmpty
	CodeQueueFull
	CodeNoMemory
	CodeNotExist
	CodeTimeout
	CodeFailed
)

var codeNames = [...]string{
	CodeNone:         `none`,
	CodeInvalidParam: `invalid parameter`,
	CodeQueueEmpty:   `queue empty`,
	CodeQueueFull:    `queue full`,
	CodeNoMemory:     `no memory`,
	CodeNotExist:     `not exist`,
	CodeTimeout:      `timeout`,
	CodeFailed:       `failed`,
}

func (c Code) Error() string {
	if c >= 0 && int(c) < len(codeNames) {
		return `hal: ` + codeNames[c]
	}
	return fmt.Sprintf(`hal: code %d`, int32(c))
}

// CodeOf extracts the driver code from err, which is CodeNone for a nil err,
// and CodeFailed for errors not carrying a Code.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return CodeFailed
}
