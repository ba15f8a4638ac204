package opkernel

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Names of the built-in kernels, as registered by NewRegistry.
const (
	KernelModelPrepare     = `modelPrepare`
	KernelModelPostpare    = `modelPostpare`
	KernelModelEnqueueBuff = `modelEnqueueBuff`
	KernelModelDequeue     = `modelDequeue`
	KernelModelEnqueue     = `modelEnqueue`
)

// ErrKernelExists is returned by Registry.Register for duplicate names.
var ErrKernelExists = errors.New(`opkernel: kernel already registered`)

type (
	// Kernel is an operator kernel. Compute is re-invoked, with the same
	// parameters, until it returns a non-pending progress or an error.
	Kernel interface {
		Compute(task TaskInfo, rc RunContext) (Progress, error)
	}

	// KernelFunc implements Kernel.
	KernelFunc func(task TaskInfo, rc RunContext) (Progress, error)

	// Registry maps kernel names to kernels.
	Registry struct {
		base    *Base
		kernels map[string]Kernel
		mu      sync.RWMutex
	}
)

var _ Kernel = KernelFunc(nil)

func (f KernelFunc) Compute(task TaskInfo, rc RunContext) (Progress, error) { return f(task, rc) }

// NewRegistry returns a Registry holding the built-in pipeline kernels,
// backed by base.
func NewRegistry(base *Base) *Registry {
	if base == nil {
		panic(`opkernel: nil base`)
	}
	return &Registry{
		base: base,
		kernels: map[string]Kernel{
			KernelModelPrepare:     KernelFunc(base.ModelPrepare),
			KernelModelPostpare:    KernelFunc(base.ModelPostpare),
			KernelModelEnqueueBuff: KernelFunc(base.ModelEnqueueBuff),
			KernelModelDequeue:     KernelFunc(base.ModelDequeue),
			KernelModelEnqueue:     KernelFunc(base.ModelEnqueue),
		},
	}
}

// Register adds a kernel under name.
func (x *Registry) Register(name string, kernel Kernel) error {
	if name == `` || kernel == nil {
		return fmt.Errorf(`opkernel: invalid kernel registration %q`, name)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.kernels[name]; ok {
		return fmt.Errorf(`%w: %s`, ErrKernelExists, name)
	}
	x.kernels[name] = kernel
	return nil
}

// Lookup returns the kernel registered under name.
func (x *Registry) Lookup(name string) (Kernel, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	k, ok := x.kernels[name]
	return k, ok
}

// Names returns the sorted names of every registered kernel.
func (x *Registry) Names() []string {
	x.mu.RLock()
	names := make([]string, 0, len(x.kernels))
	for name := range x.kernels {
		names = append(names, name)
	}
	x.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Compute runs the kernel registered under name.
func (x *Registry) Compute(name string, task TaskInfo, rc RunContext) (Progress, error) {
	kernel, ok := x.Lookup(name)
	if !ok {
		x.base.logger.Err().
			Str(`kernel`, name).
			Uint64(`task_id`, uint64(task.TaskID)).
			Log(`unknown kernel`)
		x.base.metrics.computes.WithLabelValues(name, StatusParameterInvalid.String()).Inc()
		return NotStarted(), fmt.Errorf(`%w: %s`, ErrUnknownKernel, name)
	}

	progress, err := kernel.Compute(task, rc)

	label := StatusOf(err).String()
	if err == nil && progress.Pending() {
		label = `pending`
	}
	x.base.metrics.computes.WithLabelValues(name, label).Inc()

	if err != nil {
		x.base.logger.Err().
			Err(err).
			Str(`kernel`, name).
			Uint64(`task_id`, uint64(task.TaskID)).
			Uint64(`model_id`, uint64(rc.ModelID)).
			Uint64(`stream_id`, uint64(rc.StreamID)).
			Log(`kernel failed`)
	}

	return progress, err
}
