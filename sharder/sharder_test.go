package sharder

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/joeycumines/go-aicpu/taskqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// goDispatcher runs every submitted closure on its own goroutine.
type goDispatcher struct {
	mu      sync.Mutex
	batches []taskqueue.ShardTaskInfo
	ones    int
	wg      sync.WaitGroup
}

func (d *goDispatcher) SubmitOne(task taskqueue.Closure) error {
	d.mu.Lock()
	d.ones++
	d.mu.Unlock()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		task()
	}()
	return nil
}

func (d *goDispatcher) SubmitBatch(info taskqueue.ShardTaskInfo, shards []taskqueue.Closure) error {
	d.mu.Lock()
	d.batches = append(d.batches, info)
	d.mu.Unlock()
	for _, shard := range shards {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			shard()
		}()
	}
	return nil
}

func (d *goDispatcher) DrainOne() bool { return false }

// failDispatcher rejects everything, optionally after running the first
// deliver shards itself.
type failDispatcher struct {
	deliver int
}

var errRejected = errors.New(`rejected`)

func (d *failDispatcher) SubmitOne(taskqueue.Closure) error { return errRejected }

func (d *failDispatcher) SubmitBatch(_ taskqueue.ShardTaskInfo, shards []taskqueue.Closure) error {
	for i := 0; i < d.deliver && i < len(shards); i++ {
		shards[i]()
	}
	return errRejected
}

func (d *failDispatcher) DrainOne() bool { return false }

// queueDispatcher only queues shards, relying on DrainOne from the caller.
type queueDispatcher struct {
	table *taskqueue.ShardBatchTable
	mu    sync.Mutex
	ready []taskqueue.ShardTaskInfo
}

func (d *queueDispatcher) SubmitOne(taskqueue.Closure) error { return errRejected }

func (d *queueDispatcher) SubmitBatch(info taskqueue.ShardTaskInfo, shards []taskqueue.Closure) error {
	if !d.table.BatchAddTask(info, shards) {
		return errRejected
	}
	d.mu.Lock()
	for range shards {
		d.ready = append(d.ready, info)
	}
	d.mu.Unlock()
	return nil
}

func (d *queueDispatcher) DrainOne() bool {
	d.mu.Lock()
	if len(d.ready) == 0 {
		d.mu.Unlock()
		return false
	}
	info := d.ready[0]
	d.ready = d.ready[1:]
	d.mu.Unlock()
	task, ok := d.table.PopTask(info)
	if ok {
		task()
	}
	return ok
}

type blockRecorder struct {
	mu     sync.Mutex
	blocks [][2]int64
}

func (r *blockRecorder) work(start, end int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, [2]int64{start, end})
}

func (r *blockRecorder) sorted() [][2]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.blocks)
	slices.SortFunc(out, func(a, b [2]int64) int { return int(a[0] - b[0]) })
	return out
}

func TestNew_invalidCPUNum(t *testing.T) {
	s, err := New(-1, nil)
	assert.ErrorIs(t, err, ErrInvalidCPUNum)
	assert.Nil(t, s)

	s, err = New(0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, s.CPUNum())
}

func TestSharder_ParallelFor_twoShards(t *testing.T) {
	d := &goDispatcher{}
	s, err := New(2, d)
	require.NoError(t, err)

	var r blockRecorder
	s.ParallelFor(4, 1, r.work)

	assert.Equal(t, [][2]int64{{0, 2}, {2, 4}}, r.sorted())
	require.Len(t, d.batches, 1)
	assert.Equal(t, int64(2), d.batches[0].ShardNum)
	assert.NotZero(t, d.batches[0].ParallelID)
}

func TestSharder_ParallelFor_partition(t *testing.T) {
	for _, tc := range [...]struct {
		name       string
		cpu        int
		total, per int64
		want       [][2]int64
	}{
		{`single core`, 1, 10, 1, [][2]int64{{0, 10}}},
		{`per unit covers all`, 8, 10, 10, [][2]int64{{0, 10}}},
		{`remainder spread`, 3, 10, 1, [][2]int64{{0, 4}, {4, 7}, {7, 10}}},
		{`per unit limits shards`, 8, 10, 4, [][2]int64{{0, 4}, {4, 7}, {7, 10}}},
		{`zero per unit`, 4, 4, 0, [][2]int64{{0, 1}, {1, 2}, {2, 3}, {3, 4}}},
		{`zero total`, 4, 0, 1, [][2]int64{{0, 0}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, err := New(tc.cpu, &goDispatcher{})
			require.NoError(t, err)
			var r blockRecorder
			s.ParallelFor(tc.total, tc.per, r.work)
			assert.Equal(t, tc.want, r.sorted())
		})
	}
}

func TestSharder_ParallelFor_dispatchFailureMatchesSerial(t *testing.T) {
	const total = 1000
	square := func(out []int64) func(start, end int64) {
		return func(start, end int64) {
			for i := start; i < end; i++ {
				out[i] = i * i
			}
		}
	}

	serial := make([]int64, total)
	square(serial)(0, total)

	for _, deliver := range []int{0, 1, 3} {
		s, err := New(4, &failDispatcher{deliver: deliver})
		require.NoError(t, err)

		var calls atomic.Int64
		out := make([]int64, total)
		fn := square(out)
		s.ParallelFor(total, 1, func(start, end int64) {
			calls.Add(1)
			fn(start, end)
		})
		assert.Equal(t, serial, out)
		assert.Equal(t, int64(4), calls.Load(), `deliver=%d`, deliver)
	}
}

func TestSharder_ParallelFor_nilDispatcher(t *testing.T) {
	s, err := New(3, nil)
	require.NoError(t, err)
	var r blockRecorder
	s.ParallelFor(6, 1, r.work)
	assert.Equal(t, [][2]int64{{0, 2}, {2, 4}, {4, 6}}, r.sorted())
}

func TestSharder_ParallelFor_drainsOwnBatch(t *testing.T) {
	d := &queueDispatcher{table: taskqueue.NewShardBatchTable()}
	s, err := New(4, d)
	require.NoError(t, err)

	var r blockRecorder
	s.ParallelFor(8, 2, r.work)

	assert.Equal(t, [][2]int64{{0, 2}, {2, 4}, {4, 6}, {6, 8}}, r.sorted())
	assert.Equal(t, 0, d.table.Len())
}

func TestSharder_ParallelFor_panickingShard(t *testing.T) {
	var (
		mu     sync.Mutex
		panics []ShardPanicError
	)
	s, err := New(4, &goDispatcher{}, WithPanicHandler(func(err ShardPanicError) {
		mu.Lock()
		panics = append(panics, err)
		mu.Unlock()
	}))
	require.NoError(t, err)

	var done atomic.Int64
	s.ParallelFor(4, 1, func(start, end int64) {
		if start == 1 {
			panic(`boom`)
		}
		done.Add(1)
	})

	assert.Equal(t, int64(3), done.Load())
	require.Len(t, panics, 1)
	assert.Equal(t, `boom`, panics[0].Value)
	assert.Equal(t, int64(1), panics[0].Shard)
	assert.NotZero(t, panics[0].ParallelID)
}

func TestSharder_ParallelForHash(t *testing.T) {
	s, err := New(2, &goDispatcher{})
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		cores []int64
	)
	s.ParallelForHash(100, 5, func(total, coreIndex int64) {
		assert.Equal(t, int64(100), total)
		mu.Lock()
		cores = append(cores, coreIndex)
		mu.Unlock()
	})
	slices.Sort(cores)
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, cores)

	cores = nil
	s.ParallelForHash(7, 1, func(total, coreIndex int64) {
		cores = append(cores, coreIndex)
	})
	assert.Equal(t, []int64{0}, cores)
}

func TestSharder_Schedule(t *testing.T) {
	d := &goDispatcher{}
	s, err := New(2, d)
	require.NoError(t, err)

	var ran atomic.Bool
	s.Schedule(func() { ran.Store(true) })
	d.wg.Wait()
	assert.True(t, ran.Load())
	assert.Equal(t, 1, d.ones)
}

func TestSharder_Schedule_fallback(t *testing.T) {
	var panics atomic.Int64
	s, err := New(2, &failDispatcher{}, WithPanicHandler(func(err ShardPanicError) {
		assert.Zero(t, err.ParallelID)
		panics.Add(1)
	}))
	require.NoError(t, err)

	ran := false
	s.Schedule(func() { ran = true })
	assert.True(t, ran)

	s.Schedule(func() { panic(errRejected) })
	assert.Equal(t, int64(1), panics.Load())

	s.Schedule(nil)
}

func TestShardPanicError(t *testing.T) {
	err := ShardPanicError{Value: errRejected, ParallelID: 3, Shard: 2}
	assert.ErrorIs(t, err, errRejected)
	assert.Equal(t, `sharder: shard 2 of parallel id 3 panicked: rejected`, err.Error())
	assert.Nil(t, ShardPanicError{Value: 1}.Unwrap())
	assert.Equal(t, `sharder: scheduled task panicked: 1`, ShardPanicError{Value: 1}.Error())
}
