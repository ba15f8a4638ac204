package opkernel

import (
	"github.com/joeycumines/go-aicpu/waitmgr"
)

type (
	// Progress is the resumable result of a kernel invocation. An Awaiting
	// kernel must be invoked again, with the same parameters, once its wait
	// key is notified.
	Progress struct {
		key     waitmgr.Key
		state   progressState
		dropped bool
	}

	// RunContext is the per-invocation execution state, supplied by the
	// task scheduler.
	RunContext struct {
		ModelID       uint32
		StreamID      uint32
		ExecuteInline bool
	}

	// TaskInfo identifies a kernel task, and the device address of its wire
	// parameter block.
	TaskInfo struct {
		ParamBase uint64
		TaskID    uint32
	}

	progressState uint8
)

const (
	progressNotStarted progressState = iota
	progressAwaiting
	progressDone
)

// NotStarted is returned alongside errors, or by operations that did
// nothing.
func NotStarted() Progress { return Progress{} }

// Awaiting indicates the operation parked on key, and must be retried.
func Awaiting(key waitmgr.Key) Progress {
	return Progress{key: key, state: progressAwaiting}
}

// Done indicates the operation completed.
func Done() Progress { return Progress{state: progressDone} }

// dropped is Done, for an enqueue skipped by the abnormal policy. The caller
// still owns the buffer.
func dropped() Progress { return Progress{state: progressDone, dropped: true} }

// IsDone reports whether the operation completed, including by dropping its
// buffer.
func (p Progress) IsDone() bool { return p.state == progressDone }

// Dropped reports whether an enqueue completed without transferring its
// buffer, which remains guarded by the model.
func (p Progress) Dropped() bool { return p.dropped }

// Pending reports whether the operation is awaiting a notification.
func (p Progress) Pending() bool { return p.state == progressAwaiting }

// Key returns the wait key, valid only if Pending.
func (p Progress) Key() waitmgr.Key { return p.key }

func (p Progress) String() string {
	switch p.state {
	case progressAwaiting:
		return `awaiting(` + p.key.String() + `)`
	case progressDone:
		if p.dropped {
			return `done(dropped)`
		}
		return `done`
	default:
		return `not_started`
	}
}
