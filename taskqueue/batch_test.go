package taskqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shards(n int, fn func(i int)) []Closure {
	tasks := make([]Closure, n)
	for i := range tasks {
		i := i
		tasks[i] = func() { fn(i) }
	}
	return tasks
}

func TestShardBatchTable_duplicateRejected(t *testing.T) {
	table := NewShardBatchTable()
	info := ShardTaskInfo{ParallelID: 7, ShardNum: 2}

	require.True(t, table.BatchAddTask(info, shards(2, func(int) {})))
	assert.False(t, table.BatchAddTask(info, shards(3, func(int) {})))
	assert.Equal(t, 2, table.Remaining(7))

	// other ids are unaffected
	assert.True(t, table.BatchAddTask(ShardTaskInfo{ParallelID: 8, ShardNum: 1}, shards(1, func(int) {})))
	assert.Equal(t, 2, table.Len())
}

func TestShardBatchTable_equalityByParallelID(t *testing.T) {
	table := NewShardBatchTable()
	require.True(t, table.BatchAddTask(ShardTaskInfo{ParallelID: 1, ShardNum: 2}, shards(2, func(int) {})))
	assert.False(t, table.BatchAddTask(ShardTaskInfo{ParallelID: 1, ShardNum: 99}, shards(1, func(int) {})))
	_, ok := table.PopTask(ShardTaskInfo{ParallelID: 1, ShardNum: 12345})
	assert.True(t, ok)
}

func TestShardBatchTable_drainErasesEntry(t *testing.T) {
	table := NewShardBatchTable()
	info := ShardTaskInfo{ParallelID: 3, ShardNum: 3}

	var order []int
	require.True(t, table.BatchAddTask(info, shards(3, func(i int) { order = append(order, i) })))

	for i := 0; i < 3; i++ {
		task, ok := table.PopTask(info)
		require.True(t, ok)
		task()
	}
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, 0, table.Len())

	task, ok := table.PopTask(info)
	assert.False(t, ok)
	assert.Nil(t, task)

	assert.True(t, table.BatchAddTask(info, shards(1, func(int) {})))
}

func TestShardBatchTable_rejectsNilTask(t *testing.T) {
	table := NewShardBatchTable()
	assert.False(t, table.BatchAddTask(ShardTaskInfo{ParallelID: 1}, []Closure{func() {}, nil}))
	assert.Equal(t, 0, table.Len())
}

func TestShardBatchTable_emptyBatch(t *testing.T) {
	table := NewShardBatchTable()
	assert.True(t, table.BatchAddTask(ShardTaskInfo{ParallelID: 1}, nil))
	assert.Equal(t, 0, table.Len())
}

func TestShardBatchTable_ClearAndDebugString(t *testing.T) {
	table := NewShardBatchTable()
	require.True(t, table.BatchAddTask(ShardTaskInfo{ParallelID: 9, ShardNum: 2}, shards(2, func(int) {})))
	require.True(t, table.BatchAddTask(ShardTaskInfo{ParallelID: 4, ShardNum: 1}, shards(1, func(int) {})))
	assert.Equal(t,
		`shard batch table: size=2, {parallelId=4, shardNum=1, remaining=1}, {parallelId=9, shardNum=2, remaining=2}`,
		table.DebugString(),
	)
	table.Clear()
	assert.Equal(t, `shard batch table: size=0`, table.DebugString())
	assert.True(t, table.BatchAddTask(ShardTaskInfo{ParallelID: 9, ShardNum: 2}, shards(2, func(int) {})))
}

func TestClosureList_manyChunks(t *testing.T) {
	var l closureList
	var got []int
	for i := 0; i < chunkSize*3+5; i++ {
		i := i
		l.push(func() { got = append(got, i) })
	}
	for i := 0; i < chunkSize+1; i++ {
		task, ok := l.pop()
		require.True(t, ok)
		task()
	}
	for i := chunkSize*3 + 5; i < chunkSize*4; i++ {
		i := i
		l.push(func() { got = append(got, i) })
	}
	for {
		task, ok := l.pop()
		if !ok {
			break
		}
		task()
	}
	require.Len(t, got, chunkSize*4)
	for i, v := range got {
		if v != i {
			t.Fatalf(`got[%d] = %d`, i, v)
		}
	}
	assert.Equal(t, 0, l.len())
}
