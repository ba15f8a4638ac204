package sharder

import (
	"context"
	"sync/atomic"

	"github.com/joeycumines/go-aicpu/taskqueue"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/semaphore"
)

type (
	// Dispatcher is implemented by the scheduler owning the AI-CPU threads.
	Dispatcher interface {
		// SubmitOne submits task for asynchronous execution, on any thread.
		// An error means the task will not be run by the dispatcher.
		SubmitOne(task taskqueue.Closure) error

		// SubmitBatch stores shards under info.ParallelID, and notifies
		// info.ShardNum workers to each pull and run one of them. An error
		// means some shards may not be delivered.
		SubmitBatch(info taskqueue.ShardTaskInfo, shards []taskqueue.Closure) error

		// DrainOne pulls and runs one pending shard notification on the
		// calling goroutine, reporting whether anything was run.
		DrainOne() bool
	}

	// Sharder is the parallel-for API used by host-side numeric kernels.
	// It is safe for concurrent use, including from within shards.
	//
	// Instances must be initialized using New.
	Sharder struct {
		dispatcher Dispatcher
		logger     *logiface.Logger[logiface.Event]
		onPanic    func(err ShardPanicError)
		cpuNum     int64
		parallelID atomic.Uint32
	}

	// shardGroup tracks completion of one ParallelFor (or ParallelForHash)
	// call. Each shard runs at most once, guarded by its claim.
	shardGroup struct {
		sem       *semaphore.Weighted
		claims    []atomic.Bool
		remaining atomic.Int64
		n         int64
	}
)

// New initializes a Sharder for cpuCoreNum cores. A nil dispatcher is
// permitted, in which case all work runs on the calling goroutine.
func New(cpuCoreNum int, dispatcher Dispatcher, opts ...Option) (*Sharder, error) {
	if cpuCoreNum < 0 {
		return nil, ErrInvalidCPUNum
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Sharder{
		dispatcher: dispatcher,
		logger:     cfg.logger,
		onPanic:    cfg.onPanic,
		cpuNum:     int64(cpuCoreNum),
	}, nil
}

// CPUNum returns the number of cores work may be split across.
func (x *Sharder) CPUNum() int {
	return int(x.cpuNum)
}

// ParallelFor calls work over [0, total), split into at most CPUNum
// contiguous, near-equal, non-overlapping blocks, of at least perUnitSize
// items each (where possible). It blocks until every block has completed.
//
// If only one block results, work(0, total) is called directly.
func (x *Sharder) ParallelFor(total, perUnitSize int64, work func(start, end int64)) {
	if work == nil {
		return
	}

	shardNum := shardCount(x.cpuNum, total, perUnitSize)
	if shardNum <= 1 {
		work(0, total)
		return
	}

	base, rem := total/shardNum, total%shardNum
	starts := make([]int64, shardNum+1)
	for i := int64(0); i < shardNum; i++ {
		size := base
		if i < rem {
			size++
		}
		starts[i+1] = starts[i] + size
	}

	x.dispatch(shardNum, func(i int64) {
		work(starts[i], starts[i+1])
	})
}

// ParallelForHash calls work(total, coreIndex) once for each coreIndex in
// [0, cpuNums), each call determining its own partition of total. It blocks
// until every call has completed. A cpuNums <= 1 results in a single, direct
// call, with coreIndex 0.
func (x *Sharder) ParallelForHash(total, cpuNums int64, work func(total, coreIndex int64)) {
	if work == nil {
		return
	}

	if cpuNums <= 1 {
		work(total, 0)
		return
	}

	x.dispatch(cpuNums, func(i int64) {
		work(total, i)
	})
}

// Schedule submits task for fire-and-forget execution. If the dispatcher
// rejects it, task runs on the calling goroutine, before Schedule returns.
func (x *Sharder) Schedule(task func()) {
	if task == nil {
		return
	}

	var claimed atomic.Bool
	guarded := func() {
		if claimed.CompareAndSwap(false, true) {
			x.runGuarded(0, 0, task)
		}
	}

	if x.dispatcher != nil {
		err := x.dispatcher.SubmitOne(guarded)
		if err == nil {
			return
		}
		x.logger.Warning().
			Err(err).
			Log(`schedule task failed, running locally`)
	}

	guarded()
}

func (x *Sharder) dispatch(shardNum int64, run func(i int64)) {
	id := x.nextParallelID()
	group := newShardGroup(shardNum)

	tasks := make([]taskqueue.Closure, shardNum)
	for i := range tasks {
		index := int64(i)
		tasks[i] = func() {
			if !group.claims[index].CompareAndSwap(false, true) {
				return
			}
			defer group.done()
			x.runGuarded(id, index, func() { run(index) })
		}
	}

	info := taskqueue.ShardTaskInfo{ParallelID: id, ShardNum: shardNum}

	var err error
	if x.dispatcher == nil {
		err = errNoDispatcher
	} else {
		err = x.dispatcher.SubmitBatch(info, tasks)
	}

	if err != nil {
		if x.dispatcher != nil {
			x.logger.Warning().
				Err(err).
				Uint64(`parallel_id`, uint64(id)).
				Int64(`shard_num`, shardNum).
				Log(`shard dispatch failed, running locally`)
		}
		// no-op for shards already claimed by workers
		for _, task := range tasks {
			task()
		}
	} else {
		// help with our own batch, the caller may itself be an AI-CPU thread
		for group.remaining.Load() > 0 && x.dispatcher.DrainOne() {
		}
	}

	if err := group.wait(); err != nil {
		// unreachable with a background context
		x.logger.Err().
			Err(err).
			Uint64(`parallel_id`, uint64(id)).
			Log(`shard wait failed`)
	}
}

func (x *Sharder) runGuarded(parallelID uint32, shard int64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := ShardPanicError{Value: r, ParallelID: parallelID, Shard: shard}
			x.logger.Err().
				Err(err).
				Uint64(`parallel_id`, uint64(parallelID)).
				Int64(`shard`, shard).
				Log(`task panicked`)
			if x.onPanic != nil {
				x.onPanic(err)
			}
		}
	}()
	fn()
}

// nextParallelID returns a fresh, non-zero parallel id.
func (x *Sharder) nextParallelID() uint32 {
	for {
		if id := x.parallelID.Add(1); id != 0 {
			return id
		}
	}
}

func newShardGroup(n int64) *shardGroup {
	g := &shardGroup{
		sem:    semaphore.NewWeighted(n),
		claims: make([]atomic.Bool, n),
		n:      n,
	}
	// all permits are held until returned by the shards
	g.sem.TryAcquire(n)
	g.remaining.Store(n)
	return g
}

func (g *shardGroup) done() {
	g.remaining.Add(-1)
	g.sem.Release(1)
}

// wait blocks until every shard has called done.
func (g *shardGroup) wait() error {
	if err := g.sem.Acquire(context.Background(), g.n); err != nil {
		return err
	}
	g.sem.Release(g.n)
	return nil
}

// shardCount returns min(cpuNum, ceil(total/max(perUnitSize, 1))).
func shardCount(cpuNum, total, perUnitSize int64) int64 {
	if total <= 0 {
		return 0
	}
	if perUnitSize < 1 {
		perUnitSize = 1
	}
	units := total / perUnitSize
	if total%perUnitSize != 0 {
		units++
	}
	return min(cpuNum, units)
}
