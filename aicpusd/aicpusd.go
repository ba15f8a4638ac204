// Package aicpusd assembles the AI-CPU scheduler: the compute process and
// its parallel-for API, the buffer and model managers, the queue wait
// manager fed by driver notifications, and the kernel registry.
package aicpusd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/joeycumines/go-aicpu/bufmgr"
	"github.com/joeycumines/go-aicpu/compute"
	"github.com/joeycumines/go-aicpu/config"
	"github.com/joeycumines/go-aicpu/hal"
	"github.com/joeycumines/go-aicpu/model"
	"github.com/joeycumines/go-aicpu/opkernel"
	"github.com/joeycumines/go-aicpu/sharder"
	"github.com/joeycumines/go-aicpu/waitmgr"
	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
)

type (
	// Server owns every scheduler component, for one device. Instances must
	// be initialized using New, and stopped using Close.
	Server struct {
		logger    *logiface.Logger[logiface.Event]
		process   *compute.Process
		sharder   *sharder.Sharder
		bufs      *bufmgr.Manager
		models    *model.Manager
		waits     *waitmgr.Manager
		kernels   *opkernel.Registry
		onWake    waitmgr.ActivateFunc
		wakes     map[wakeKey]chan struct{}
		cancel    context.CancelFunc
		pumpDone  chan struct{}
		pumpErr   error
		closeErr  error
		wakesMu   sync.Mutex
		closeOnce sync.Once
	}

	// Option configures New.
	Option func(c *serverConfig)

	// wakeKey identifies a stream waiting on one queue state.
	wakeKey struct {
		key      waitmgr.Key
		streamID uint32
	}

	serverConfig struct {
		logger     *logiface.Logger[logiface.Event]
		registerer prometheus.Registerer
		onWake     waitmgr.ActivateFunc
	}
)

// WithLogger configures the logger shared by every component. If unset,
// the logger is built from the config, writing to stderr.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *serverConfig) {
		c.logger = logger
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *serverConfig) {
		c.registerer = reg
	}
}

// WithActivateFunc registers a callback, invoked (in addition to waking
// RunKernel) whenever a pending stream is activated.
func WithActivateFunc(fn waitmgr.ActivateFunc) Option {
	return func(c *serverConfig) {
		c.onWake = fn
	}
}

// New builds and starts a Server over driver.
func New(cfg *config.Config, driver hal.Driver, options ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New(`aicpusd: nil config`)
	}
	if driver == nil {
		return nil, errors.New(`aicpusd: nil driver`)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var c serverConfig
	for _, o := range options {
		if o != nil {
			o(&c)
		}
	}
	if c.logger == nil {
		logger, err := cfg.NewLogger(os.Stderr)
		if err != nil {
			return nil, err
		}
		c.logger = logger
	}

	x := &Server{
		logger:   c.logger,
		models:   new(model.Manager),
		onWake:   c.onWake,
		wakes:    make(map[wakeKey]chan struct{}),
		pumpDone: make(chan struct{}),
	}

	process, err := compute.New(
		cfg.CPUCoreNum,
		compute.WithLogger(c.logger),
		compute.WithRegisterer(c.registerer),
		compute.WithEventQueueDepth(cfg.EventQueueDepth),
		compute.WithTaskQueueCapacity(cfg.TaskQueueCapacity),
		compute.WithSubmitOneByOne(cfg.SubmitOneByOne, cfg.SubmitTimeout),
		compute.WithCoreBinding(cfg.Cores()),
	)
	if err != nil {
		return nil, err
	}
	x.process = process

	x.sharder, err = sharder.New(process.CPUNum(), process, sharder.WithLogger(c.logger))
	if err != nil {
		_ = process.Close()
		return nil, err
	}

	x.bufs = bufmgr.New(driver, bufmgr.WithLogger(c.logger))
	x.waits = waitmgr.New(x.activate, waitmgr.WithLogger(c.logger))
	x.kernels = opkernel.NewRegistry(opkernel.NewBase(
		driver,
		x.bufs,
		x.models,
		x.waits,
		opkernel.WithLogger(c.logger),
		opkernel.WithRegisterer(c.registerer),
		opkernel.WithDeviceID(cfg.DeviceID),
		opkernel.WithNullData(cfg.NullDataEnabled),
		opkernel.WithEnqueueBuffTimeout(cfg.EnqueueBuffTimeout),
	))

	ctx, cancel := context.WithCancel(context.Background())
	x.cancel = cancel
	pumpCfg := waitmgr.PumpConfig{
		MaxBatch:       cfg.Pump.MaxBatch,
		PartialTimeout: cfg.Pump.PartialTimeout,
	}
	go func() {
		defer close(x.pumpDone)
		x.pumpErr = x.waits.Pump(ctx, driver, &pumpCfg)
	}()

	x.logger.Info().
		Int(`cpu_core_num`, cfg.CPUCoreNum).
		Uint64(`device_id`, uint64(cfg.DeviceID)).
		Bool(`null_data_enabled`, cfg.NullDataEnabled).
		Log(`aicpusd started`)

	return x, nil
}

// Sharder returns the parallel-for API, backed by the compute process.
func (x *Server) Sharder() *sharder.Sharder { return x.sharder }

func (x *Server) Kernels() *opkernel.Registry { return x.kernels }

func (x *Server) Buffers() *bufmgr.Manager { return x.bufs }

// LoadModel registers m, making it available to kernels by id.
func (x *Server) LoadModel(m *model.Model) error {
	if err := x.models.Add(m); err != nil {
		return err
	}
	x.logger.Info().
		Uint64(`model_id`, uint64(m.ID())).
		Log(`model loaded`)
	return nil
}

// UnloadModel removes the model, aborting the given streams (clearing any
// pending waits), and frees every buffer the model still guards.
func (x *Server) UnloadModel(modelID uint32, streams ...uint32) error {
	if x.models.Remove(modelID) == nil {
		return fmt.Errorf(`aicpusd: model %d not loaded`, modelID)
	}
	for _, streamID := range streams {
		x.waits.RemoveStream(streamID)
		x.wakesMu.Lock()
		for k := range x.wakes {
			if k.streamID == streamID {
				delete(x.wakes, k)
			}
		}
		x.wakesMu.Unlock()
	}
	n, err := x.bufs.Release(modelID)
	x.logger.Info().
		Uint64(`model_id`, uint64(modelID)).
		Int(`freed`, n).
		Log(`model unloaded`)
	return err
}

// ExecuteKernel invokes the kernel registered as name once, returning its
// progress, and the numeric status of the invocation.
func (x *Server) ExecuteKernel(name string, task opkernel.TaskInfo, rc opkernel.RunContext) (opkernel.Progress, opkernel.Status, error) {
	progress, err := x.kernels.Compute(name, task, rc)
	return progress, opkernel.StatusOf(err), err
}

// RunKernel invokes the kernel registered as name until it completes,
// waiting each time it pends for the stream's activation on the key it
// pended on. Activations for other keys of the same stream do not wake it.
func (x *Server) RunKernel(ctx context.Context, name string, task opkernel.TaskInfo, rc opkernel.RunContext) error {
	for {
		progress, err := x.kernels.Compute(name, task, rc)
		if err != nil || !progress.Pending() {
			return err
		}
		select {
		case <-x.wake(progress.Key(), rc.StreamID):
		case <-ctx.Done():
			x.waits.RemoveStream(rc.StreamID)
			return ctx.Err()
		}
	}
}

// Close stops the notification pump and the compute process.
func (x *Server) Close() error {
	x.closeOnce.Do(func() {
		x.cancel()
		<-x.pumpDone
		var errs []error
		if x.pumpErr != nil && !errors.Is(x.pumpErr, context.Canceled) {
			errs = append(errs, fmt.Errorf(`aicpusd: pump: %w`, x.pumpErr))
		}
		if err := x.process.Close(); err != nil {
			errs = append(errs, err)
		}
		x.closeErr = errors.Join(errs...)
		x.logger.Info().Log(`aicpusd stopped`)
	})
	return x.closeErr
}

func (x *Server) activate(key waitmgr.Key, streamID uint32) {
	select {
	case x.wake(key, streamID) <- struct{}{}:
	default:
	}
	if x.onWake != nil {
		x.onWake(key, streamID)
	}
}

// wake returns the activation channel of streamID for key, which holds at
// most one pending activation.
func (x *Server) wake(key waitmgr.Key, streamID uint32) chan struct{} {
	x.wakesMu.Lock()
	defer x.wakesMu.Unlock()
	k := wakeKey{key: key, streamID: streamID}
	ch, ok := x.wakes[k]
	if !ok {
		ch = make(chan struct{}, 1)
		x.wakes[k] = ch
	}
	return ch
}
