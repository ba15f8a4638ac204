package taskqueue

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/joeycumines/logiface"
)

type (
	// ShardTaskInfo identifies one outstanding shard batch. Equality is by
	// ParallelID only, ShardNum is informational.
	ShardTaskInfo struct {
		ParallelID uint32
		ShardNum   int64
	}

	// ShardBatchTable maps parallel ids to FIFO batches of shard closures,
	// enforcing at most one non-empty batch per id.
	//
	// Instances must be initialized using NewShardBatchTable.
	ShardBatchTable struct {
		logger  *logiface.Logger[logiface.Event]
		batches map[uint32]*shardBatch
		mu      sync.Mutex
	}

	shardBatch struct {
		info  ShardTaskInfo
		tasks closureList
	}
)

// NewShardBatchTable initializes a new, empty ShardBatchTable. Only the
// WithLogger option is applicable.
func NewShardBatchTable(options ...Option) *ShardBatchTable {
	c := resolveQueueConfig(options)
	return &ShardBatchTable{
		logger:  c.logger,
		batches: make(map[uint32]*shardBatch),
	}
}

// BatchAddTask stores tasks as the batch for info.ParallelID. It fails,
// without modifying the table, if a non-empty batch already exists for the
// id (a duplicate submission), or any task is nil. A drained batch is
// replaced. An empty tasks slice succeeds without storing anything.
func (x *ShardBatchTable) BatchAddTask(info ShardTaskInfo, tasks []Closure) bool {
	for _, task := range tasks {
		if task == nil {
			x.logger.Err().
				Uint64(`parallel_id`, uint64(info.ParallelID)).
				Log(`shard batch contains a nil task`)
			return false
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if existing, ok := x.batches[info.ParallelID]; ok && existing.tasks.len() != 0 {
		x.logger.Err().
			Uint64(`parallel_id`, uint64(info.ParallelID)).
			Int64(`shard_num`, info.ShardNum).
			Int(`remaining`, existing.tasks.len()).
			Log(`duplicate shard batch for parallel id`)
		return false
	} else if ok {
		existing.tasks.clear()
		delete(x.batches, info.ParallelID)
	}

	if len(tasks) == 0 {
		return true
	}

	batch := &shardBatch{info: info}
	for _, task := range tasks {
		batch.tasks.push(task)
	}
	x.batches[info.ParallelID] = batch

	return true
}

// PopTask removes and returns the next shard closure for info.ParallelID.
// It returns false if the id is unknown, or its batch is empty. The entry is
// erased once the pop drains it, freeing the id for a later BatchAddTask.
func (x *ShardBatchTable) PopTask(info ShardTaskInfo) (Closure, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	batch, ok := x.batches[info.ParallelID]
	if !ok {
		x.logger.Debug().
			Uint64(`parallel_id`, uint64(info.ParallelID)).
			Log(`no shard batch for parallel id`)
		return nil, false
	}

	task, ok := batch.tasks.pop()
	if !ok {
		x.logger.Warning().
			Uint64(`parallel_id`, uint64(info.ParallelID)).
			Log(`shard batch for parallel id is empty`)
		delete(x.batches, info.ParallelID)
		return nil, false
	}

	if batch.tasks.len() == 0 {
		delete(x.batches, info.ParallelID)
	}

	return task, true
}

// Remaining returns the number of shard closures queued for parallelID.
func (x *ShardBatchTable) Remaining(parallelID uint32) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	if batch, ok := x.batches[parallelID]; ok {
		return batch.tasks.len()
	}
	return 0
}

// Len returns the number of batches in the table.
func (x *ShardBatchTable) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.batches)
}

// Clear discards every batch, without running any shard.
func (x *ShardBatchTable) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	for id, batch := range x.batches {
		batch.tasks.clear()
		delete(x.batches, id)
	}
}

// DebugString describes the outstanding batches, ordered by parallel id.
func (x *ShardBatchTable) DebugString() string {
	x.mu.Lock()
	defer x.mu.Unlock()

	ids := make([]uint32, 0, len(x.batches))
	for id := range x.batches {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var b strings.Builder
	_, _ = fmt.Fprintf(&b, `shard batch table: size=%d`, len(ids))
	for _, id := range ids {
		batch := x.batches[id]
		_, _ = fmt.Fprintf(&b, `, {parallelId=%d, shardNum=%d, remaining=%d}`, id, batch.info.ShardNum, batch.tasks.len())
	}
	return b.String()
}
