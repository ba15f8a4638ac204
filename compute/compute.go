// Package compute implements the scheduler that owns the AI-CPU threads:
// one event loop per core, fed by a bounded event queue, pulling closures
// from the random kernel task queue and the shard batch table.
//
// Process implements sharder.Dispatcher.
package compute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-aicpu/sharder"
	"github.com/joeycumines/go-aicpu/taskqueue"
	"github.com/joeycumines/go-eventloop"
	"github.com/joeycumines/logiface"
)

var (
	// ErrClosed is returned by submissions after Close.
	ErrClosed = errors.New(`compute: process closed`)

	// ErrTaskQueueFull is returned by SubmitOne when the random kernel task
	// queue is at capacity.
	ErrTaskQueueFull = errors.New(`compute: task queue full`)

	// ErrDuplicateBatch is returned by SubmitBatch when a non-empty batch is
	// already stored under the same parallel id. Nothing is dispatched.
	ErrDuplicateBatch = errors.New(`compute: duplicate batch`)

	// ErrInvalidBatch is returned by SubmitBatch when the shard count does
	// not match the batch's ShardNum.
	ErrInvalidBatch = errors.New(`compute: invalid batch`)
)

type (
	// Process runs closures on one event loop per core. Instances must be
	// initialized using New, and should be stopped using Close.
	Process struct {
		logger          *logiface.Logger[logiface.Event]
		metrics         *metrics
		queue           *taskqueue.BoundedQueue
		batches         *taskqueue.ShardBatchTable
		events          chan event
		cores           []*core
		cancel          context.CancelFunc
		closed          chan struct{}
		closeErr        error
		pumps           sync.WaitGroup
		mu              sync.RWMutex
		closeOnce       sync.Once
		submitTimeout   time.Duration
		shutdownTimeout time.Duration
		oneByOne        bool
	}

	core struct {
		loop   *eventloop.Loop
		exited chan struct{}
		runErr error
		index  int
		cpu    int // -1 if unbound
		events atomic.Int64
	}

	event struct {
		info taskqueue.ShardTaskInfo
		kind eventKind
	}

	eventKind uint8
)

const (
	eventRandom eventKind = iota + 1
	eventSplit
)

var _ sharder.Dispatcher = (*Process)(nil)

func (k eventKind) String() string {
	switch k {
	case eventRandom:
		return `random`
	case eventSplit:
		return `split`
	default:
		return `unknown`
	}
}

// New starts a Process with cpuCoreNum cores, each running its own event
// loop.
func New(cpuCoreNum int, options ...Option) (*Process, error) {
	if cpuCoreNum <= 0 {
		return nil, fmt.Errorf(`compute: invalid core count %d`, cpuCoreNum)
	}

	c := processConfig{
		eventQueueDepth:   DefaultEventQueueDepth,
		taskQueueCapacity: taskqueue.DefaultCapacity,
		submitTimeout:     DefaultSubmitTimeout,
		shutdownTimeout:   DefaultShutdownTimeout,
	}
	for _, o := range options {
		if o != nil {
			o(&c)
		}
	}

	x := &Process{
		logger:          c.logger,
		queue:           taskqueue.NewBoundedQueue(taskqueue.WithLogger(c.logger), taskqueue.WithCapacity(c.taskQueueCapacity)),
		batches:         taskqueue.NewShardBatchTable(taskqueue.WithLogger(c.logger)),
		events:          make(chan event, c.eventQueueDepth),
		closed:          make(chan struct{}),
		submitTimeout:   c.submitTimeout,
		shutdownTimeout: c.shutdownTimeout,
		oneByOne:        c.oneByOne,
	}
	x.metrics = newMetrics(c.registerer, x.events)

	for i := range cpuCoreNum {
		loop, err := eventloop.New()
		if err != nil {
			for _, started := range x.cores {
				_ = started.loop.Close()
			}
			return nil, fmt.Errorf(`compute: core %d: %w`, i, err)
		}
		cpu := -1
		if len(c.cores) != 0 {
			cpu = c.cores[i%len(c.cores)]
		}
		x.cores = append(x.cores, &core{
			loop:   loop,
			exited: make(chan struct{}),
			index:  i,
			cpu:    cpu,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	x.cancel = cancel
	for _, cr := range x.cores {
		go x.runLoop(cr)
		x.pumps.Add(1)
		go x.pump(ctx, cr)
	}

	x.logger.Info().
		Int(`cores`, cpuCoreNum).
		Int(`event_queue_depth`, cap(x.events)).
		Bool(`submit_one_by_one`, x.oneByOne).
		Log(`compute process started`)

	return x, nil
}

// CPUNum returns the number of cores.
func (x *Process) CPUNum() int { return len(x.cores) }

// SubmitOne queues task, then submits a random kernel event, for any core
// to run it. If the event queue is full, one queued task is run on the
// calling goroutine instead.
func (x *Process) SubmitOne(task taskqueue.Closure) error {
	x.mu.RLock()
	if x.isClosed() {
		x.mu.RUnlock()
		return ErrClosed
	}
	if !x.queue.Enqueue(task) {
		x.mu.RUnlock()
		x.metrics.rejected.WithLabelValues(eventRandom.String()).Inc()
		return ErrTaskQueueFull
	}
	sent := x.send(event{kind: eventRandom})
	x.mu.RUnlock()

	if !sent {
		x.metrics.rejected.WithLabelValues(eventRandom.String()).Inc()
		x.metrics.local.Inc()
		x.logger.Debug().Log(`event queue full, running random kernel task locally`)
		// every queued task is matched by exactly one event, or local run
		x.DoRandomKernelTask()
	}
	return nil
}

// SubmitBatch stores shards under info, then submits info.ShardNum split
// kernel events. Shards without an accepted event are run on the calling
// goroutine, before SubmitBatch returns.
func (x *Process) SubmitBatch(info taskqueue.ShardTaskInfo, shards []taskqueue.Closure) error {
	if info.ShardNum <= 0 || int64(len(shards)) != info.ShardNum {
		return fmt.Errorf(`%w: parallel id %d: %d shards for shard num %d`, ErrInvalidBatch, info.ParallelID, len(shards), info.ShardNum)
	}

	x.mu.RLock()
	if x.isClosed() {
		x.mu.RUnlock()
		return ErrClosed
	}
	if !x.batches.BatchAddTask(info, shards) {
		x.mu.RUnlock()
		x.metrics.rejected.WithLabelValues(eventSplit.String()).Add(float64(info.ShardNum))
		return fmt.Errorf(`%w: parallel id %d`, ErrDuplicateBatch, info.ParallelID)
	}
	var accepted int64
	for accepted < info.ShardNum && x.send(event{kind: eventSplit, info: info}) {
		accepted++
	}
	x.mu.RUnlock()

	// shards may submit nested batches, so they run without the lock
	if rest := info.ShardNum - accepted; rest > 0 {
		x.metrics.rejected.WithLabelValues(eventSplit.String()).Add(float64(rest))
		x.metrics.local.Add(float64(rest))
		x.logger.Warning().
			Uint64(`parallel_id`, uint64(info.ParallelID)).
			Int64(`shard_num`, info.ShardNum).
			Int64(`accepted`, accepted).
			Log(`split kernel events partially accepted, running the rest locally`)
		for range rest {
			x.DoSplitKernelTask(info)
		}
	}

	return nil
}

// DrainOne runs one pending event on the calling goroutine, if there is
// one.
func (x *Process) DrainOne() bool {
	select {
	case ev := <-x.events:
		x.handle(ev)
		return true
	default:
		return false
	}
}

// DoSplitKernelTask pops and runs one shard of the batch identified by
// info, reporting whether there was one.
func (x *Process) DoSplitKernelTask(info taskqueue.ShardTaskInfo) bool {
	task, ok := x.batches.PopTask(info)
	if !ok {
		return false
	}
	x.run(eventSplit, task)
	return true
}

// DoRandomKernelTask dequeues and runs one random kernel task, reporting
// whether there was one.
func (x *Process) DoRandomKernelTask() bool {
	task, ok := x.queue.Dequeue()
	if !ok {
		x.logger.Warning().Log(`random kernel event without a queued task`)
		return false
	}
	x.run(eventRandom, task)
	return true
}

// Close stops every core. Events still queued are run on the calling
// goroutine, so no submitted work is lost. It is safe to call Close more
// than once.
func (x *Process) Close() error {
	x.closeOnce.Do(func() {
		// no submission is mid-flight once closed is observed
		x.mu.Lock()
		close(x.closed)
		x.mu.Unlock()

		x.cancel()
		x.pumps.Wait()

		for x.DrainOne() {
		}

		ctx, cancel := context.WithTimeout(context.Background(), x.shutdownTimeout)
		defer cancel()

		var errs []error
		for _, c := range x.cores {
			if err := c.loop.Shutdown(ctx); err != nil && !errors.Is(err, eventloop.ErrLoopTerminated) {
				errs = append(errs, fmt.Errorf(`compute: core %d: shutdown: %w`, c.index, err))
			}
		}
		for _, c := range x.cores {
			select {
			case <-c.exited:
				if c.runErr != nil && !errors.Is(c.runErr, eventloop.ErrLoopTerminated) {
					errs = append(errs, fmt.Errorf(`compute: core %d: run: %w`, c.index, c.runErr))
				}
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf(`compute: core %d: %w`, c.index, ctx.Err()))
			}
		}
		x.closeErr = errors.Join(errs...)

		x.logger.Info().
			Int(`leftover_tasks`, x.queue.Len()).
			Int(`leftover_batches`, x.batches.Len()).
			Log(`compute process stopped`)
	})
	return x.closeErr
}

// CoreEvents returns the number of events handled by each core's loop.
func (x *Process) CoreEvents() []int64 {
	out := make([]int64, len(x.cores))
	for i, c := range x.cores {
		out[i] = c.events.Load()
	}
	return out
}

func (x *Process) isClosed() bool {
	select {
	case <-x.closed:
		return true
	default:
		return false
	}
}

// send submits ev to the event queue, waiting up to submitTimeout in one by
// one mode.
func (x *Process) send(ev event) bool {
	select {
	case x.events <- ev:
		x.metrics.submitted.WithLabelValues(ev.kind.String()).Inc()
		return true
	default:
	}

	if !x.oneByOne || ev.kind != eventSplit {
		return false
	}

	timer := time.NewTimer(x.submitTimeout)
	defer timer.Stop()
	select {
	case x.events <- ev:
		x.metrics.submitted.WithLabelValues(ev.kind.String()).Inc()
		return true
	case <-timer.C:
		return false
	}
}

func (x *Process) handle(ev event) {
	switch ev.kind {
	case eventSplit:
		x.DoSplitKernelTask(ev.info)
	case eventRandom:
		x.DoRandomKernelTask()
	}
}

// run calls task, recovering any panic.
func (x *Process) run(kind eventKind, task taskqueue.Closure) {
	defer func() {
		if r := recover(); r != nil {
			x.metrics.panics.WithLabelValues(kind.String()).Inc()
			x.logger.Err().
				Any(`panic`, r).
				Str(`kind`, kind.String()).
				Log(`kernel task panicked`)
		}
	}()
	task()
}

// pump moves events from the shared queue onto the core's loop, one at a
// time, so that undelivered events stay available to DrainOne.
func (x *Process) pump(ctx context.Context, c *core) {
	defer x.pumps.Done()
	done := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.exited:
			return
		case ev := <-x.events:
			err := c.loop.Submit(eventloop.Task{Runnable: func() {
				c.events.Add(1)
				x.handle(ev)
				done <- struct{}{}
			}})
			if err != nil {
				x.logger.Warning().
					Err(err).
					Int(`core`, c.index).
					Log(`loop rejected event, running it on the pump`)
				x.handle(ev)
				continue
			}
			select {
			case <-done:
			case <-c.exited:
				return
			}
		}
	}
}

func (x *Process) runLoop(c *core) {
	defer close(c.exited)
	if c.cpu >= 0 {
		unbind, err := bindCPU(c.cpu)
		if err != nil {
			x.logger.Warning().
				Err(err).
				Int(`core`, c.index).
				Int(`cpu`, c.cpu).
				Log(`failed to bind core`)
		}
		defer unbind()
	}
	c.runErr = c.loop.Run(context.Background())
}
