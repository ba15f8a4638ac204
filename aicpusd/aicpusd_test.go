package aicpusd

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-aicpu/config"
	"github.com/joeycumines/go-aicpu/hal"
	"github.com/joeycumines/go-aicpu/hal/halsim"
	"github.com/joeycumines/go-aicpu/model"
	"github.com/joeycumines/go-aicpu/opkernel"
	"github.com/joeycumines/go-aicpu/waitmgr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testModelID  = 5
	testStreamID = 9
)

func newServer(t *testing.T, dev *halsim.Device, options ...Option) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.CPUCoreNum = 2
	cfg.LogLevel = `debug`
	var buf bytes.Buffer
	logger, err := cfg.NewLogger(&buf)
	require.NoError(t, err)
	s, err := New(&cfg, dev, append([]Option{WithLogger(logger)}, options...)...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func bufInfo(t *testing.T, dev *halsim.Device, queueID uint32) (opkernel.TaskInfo, uint64) {
	t.Helper()
	slot, err := dev.Malloc(8)
	require.NoError(t, err)
	addr, err := dev.Malloc(opkernel.BufInfoSize)
	require.NoError(t, err)
	require.NoError(t, opkernel.WriteBufInfo(dev, addr, &opkernel.BufInfo{QueueID: queueID, MbufPtr: slot}))
	return opkernel.TaskInfo{ParamBase: addr}, slot
}

func TestNew_invalid(t *testing.T) {
	dev := halsim.New()
	cfg := config.Default()

	_, err := New(nil, dev)
	assert.Error(t, err)

	_, err = New(&cfg, nil)
	assert.Error(t, err)

	cfg.LogLevel = `loud`
	_, err = New(&cfg, dev)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestServer_RunKernel_wakesOnNotification(t *testing.T) {
	dev := halsim.New()
	require.NoError(t, dev.CreateQueue(1, 4))
	var activations atomic.Int32
	s := newServer(t, dev, WithActivateFunc(func(key waitmgr.Key, streamID uint32) {
		if key == waitmgr.NotEmpty(1) && streamID == testStreamID {
			activations.Add(1)
		}
	}))
	require.NoError(t, s.LoadModel(model.New(testModelID)))

	task, slot := bufInfo(t, dev, 1)
	rc := opkernel.RunContext{ModelID: testModelID, StreamID: testStreamID}

	done := make(chan error, 1)
	go func() { done <- s.RunKernel(context.Background(), opkernel.KernelModelDequeue, task, rc) }()

	require.Eventually(t, func() bool {
		return len(s.waits.Waiting(waitmgr.NotEmpty(1))) == 1
	}, time.Second, time.Millisecond)

	buf, err := dev.Alloc(8)
	require.NoError(t, err)
	require.NoError(t, dev.Enqueue(0, 1, buf))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal(`kernel was not resumed`)
	}
	got, err := hal.ReadU64(dev, slot)
	require.NoError(t, err)
	assert.Equal(t, uint64(buf), got)
	assert.True(t, s.Buffers().IsGuarded(testModelID, buf))
	assert.GreaterOrEqual(t, activations.Load(), int32(1))

	require.NoError(t, s.UnloadModel(testModelID, testStreamID))
	assert.Equal(t, 0, s.Buffers().Guarded(testModelID))
	assert.Equal(t, 0, dev.Live())
}

func TestServer_RunKernel_otherKeyDoesNotWake(t *testing.T) {
	dev := halsim.New()
	require.NoError(t, dev.CreateQueue(1, 4))
	s := newServer(t, dev)
	require.NoError(t, s.LoadModel(model.New(testModelID)))

	dequeue, ok := s.Kernels().Lookup(opkernel.KernelModelDequeue)
	require.True(t, ok)
	var calls atomic.Int32
	require.NoError(t, s.Kernels().Register(`countingDequeue`, opkernel.KernelFunc(func(task opkernel.TaskInfo, rc opkernel.RunContext) (opkernel.Progress, error) {
		calls.Add(1)
		return dequeue.Compute(task, rc)
	})))

	task, _ := bufInfo(t, dev, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.RunKernel(context.Background(), `countingDequeue`, task, opkernel.RunContext{ModelID: testModelID, StreamID: testStreamID})
	}()
	require.Eventually(t, func() bool {
		return len(s.waits.Waiting(waitmgr.NotEmpty(1))) == 1
	}, time.Second, time.Millisecond)

	s.activate(waitmgr.NotFull(1), testStreamID)
	s.activate(waitmgr.NotEmpty(2), testStreamID)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	select {
	case err := <-done:
		t.Fatalf(`returned early: %v`, err)
	default:
	}

	buf, err := dev.Alloc(8)
	require.NoError(t, err)
	require.NoError(t, dev.Enqueue(0, 1, buf))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal(`kernel was not resumed`)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestServer_RunKernel_canceled(t *testing.T) {
	dev := halsim.New()
	require.NoError(t, dev.CreateQueue(1, 4))
	s := newServer(t, dev)
	require.NoError(t, s.LoadModel(model.New(testModelID)))

	task, _ := bufInfo(t, dev, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.RunKernel(ctx, opkernel.KernelModelDequeue, task, opkernel.RunContext{ModelID: testModelID, StreamID: testStreamID})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, s.waits.Waiting(waitmgr.NotEmpty(1)))
}

func TestServer_ExecuteKernel(t *testing.T) {
	dev := halsim.New()
	s := newServer(t, dev)

	progress, status, err := s.ExecuteKernel(`missing`, opkernel.TaskInfo{}, opkernel.RunContext{})
	assert.Error(t, err)
	assert.False(t, progress.IsDone())
	assert.Equal(t, opkernel.StatusParameterInvalid, status)

	require.NoError(t, s.Kernels().Register(`noop`, opkernel.KernelFunc(func(opkernel.TaskInfo, opkernel.RunContext) (opkernel.Progress, error) {
		return opkernel.Done(), nil
	})))
	progress, status, err = s.ExecuteKernel(`noop`, opkernel.TaskInfo{}, opkernel.RunContext{})
	require.NoError(t, err)
	assert.True(t, progress.IsDone())
	assert.Equal(t, opkernel.StatusOK, status)
}

func TestServer_models(t *testing.T) {
	s := newServer(t, halsim.New())
	require.NoError(t, s.LoadModel(model.New(1)))
	assert.Error(t, s.LoadModel(model.New(1)))
	require.NoError(t, s.UnloadModel(1))
	assert.Error(t, s.UnloadModel(1))
}

func TestServer_Sharder(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newServer(t, halsim.New(), WithRegisterer(reg))
	sh := s.Sharder()
	assert.Equal(t, 2, sh.CPUNum())

	var sum atomic.Int64
	sh.ParallelFor(1000, 10, func(start, end int64) {
		for i := start; i < end; i++ {
			sum.Add(i)
		}
	})
	assert.Equal(t, int64(999*1000/2), sum.Load())

	ran := make(chan struct{})
	sh.Schedule(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal(`scheduled task did not run`)
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestServer_Close(t *testing.T) {
	dev := halsim.New()
	cfg := config.Default()
	cfg.CPUCoreNum = 1
	cfg.LogLevel = `disabled`
	s, err := New(&cfg, dev)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestServer_Close_driverClosed(t *testing.T) {
	dev := halsim.New()
	s := newServer(t, dev)
	dev.Close()
	select {
	case <-s.pumpDone:
	case <-time.After(5 * time.Second):
		t.Fatal(`pump did not stop`)
	}
	assert.NoError(t, s.pumpErr)
}
