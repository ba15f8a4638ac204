package sharder

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCPUNum is returned by New for a negative core count.
	ErrInvalidCPUNum = errors.New(`sharder: invalid cpu core number`)

	errNoDispatcher = errors.New(`sharder: no dispatcher`)
)

// ShardPanicError is the recovered value of a panicking shard, or scheduled
// closure.
type ShardPanicError struct {
	Value any
	// ParallelID is 0 for closures submitted via Schedule.
	ParallelID uint32
	// Shard is the index of the shard within its batch.
	Shard int64
}

func (e ShardPanicError) Error() string {
	if e.ParallelID == 0 {
		return fmt.Sprintf(`sharder: scheduled task panicked: %v`, e.Value)
	}
	return fmt.Sprintf(`sharder: shard %d of parallel id %d panicked: %v`, e.Shard, e.ParallelID, e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e ShardPanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
