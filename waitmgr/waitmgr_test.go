package waitmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-aicpu/hal"
	"github.com/joeycumines/go-aicpu/hal/halsim"
	"github.com/joeycumines/go-longpoll"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type activations struct {
	mu   sync.Mutex
	list []activation
	ch   chan activation
}

type activation struct {
	key      Key
	streamID uint32
}

func newActivations() *activations {
	return &activations{ch: make(chan activation, 64)}
}

func (x *activations) activate(key Key, streamID uint32) {
	x.mu.Lock()
	x.list = append(x.list, activation{key, streamID})
	x.mu.Unlock()
	x.ch <- activation{key, streamID}
}

func TestManager_WaitEvent(t *testing.T) {
	acts := newActivations()
	m := New(acts.activate)
	key := NotEmpty(4)

	assert.True(t, m.WaitEvent(key, 1))
	assert.True(t, m.WaitEvent(key, 1))
	assert.True(t, m.WaitEvent(key, 2))
	assert.Equal(t, []uint32{1, 2}, m.Waiting(key))

	assert.Equal(t, 2, m.Event(key))
	assert.Equal(t, []activation{{key, 1}, {key, 2}}, acts.list)
	assert.Empty(t, m.Waiting(key))
	assert.False(t, m.Latched(key))
}

func TestManager_latchedEvent(t *testing.T) {
	acts := newActivations()
	m := New(acts.activate)
	key := NotFull(1)

	assert.Equal(t, 0, m.Event(key))
	assert.True(t, m.Latched(key))
	assert.False(t, m.WaitEvent(key, 3), `latched event must be consumed`)
	assert.False(t, m.Latched(key))
	assert.True(t, m.WaitEvent(key, 3))
	assert.Empty(t, acts.list)

	assert.False(t, m.Latched(NotEmpty(1)), `kinds are distinct keys`)
}

func TestManager_ResetEventState(t *testing.T) {
	m := New(newActivations().activate)
	a, b := NotEmpty(1), NotEmpty(2)
	m.Event(a)
	m.WaitEvent(b, 7)
	m.WaitEvent(b, 8)
	m.ResetEventState(a)
	assert.False(t, m.Latched(a))

	m.RemoveStream(7)
	assert.Equal(t, []uint32{8}, m.Waiting(b))
	m.RemoveStream(8)
	assert.Empty(t, m.Waiting(b))

	m.WaitEvent(b, 9)
	m.ResetEventState(b)
	assert.Equal(t, 0, m.Event(b))
	assert.True(t, m.Latched(b))
}

func TestManager_Pump(t *testing.T) {
	acts := newActivations()
	m := New(acts.activate)
	d := halsim.New()
	require.NoError(t, d.CreateQueue(5, 4))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Pump(ctx, d, nil) }()

	require.True(t, m.WaitEvent(NotEmpty(5), 11))
	buf, err := d.Alloc(1)
	require.NoError(t, err)
	require.NoError(t, d.Enqueue(0, 5, buf))

	select {
	case a := <-acts.ch:
		assert.Equal(t, activation{NotEmpty(5), 11}, a)
	case <-time.After(5 * time.Second):
		t.Fatal(`stream not activated`)
	}

	d.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal(`pump did not stop`)
	}
}

func TestManager_Pump_cancel(t *testing.T) {
	m := New(newActivations().activate)
	d := halsim.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Pump(ctx, d, &PumpConfig{MaxBatch: 8, MinBatch: 2, PartialTimeout: time.Millisecond}) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal(`pump did not stop`)
	}
}

type notifier chan hal.Notification

func (n notifier) Notifications() <-chan hal.Notification { return n }

func TestManager_Pump_batches(t *testing.T) {
	m := New(newActivations().activate)
	n := make(notifier, 10)
	for q := range uint32(10) {
		n <- hal.Notification{Kind: hal.EventQueueNotFull, QueueID: q}
	}
	close(n)

	require.NoError(t, m.Pump(context.Background(), n, &PumpConfig{MaxBatch: 4}))
	for q := range uint32(10) {
		assert.True(t, m.Latched(NotFull(q)), q)
	}
	assert.False(t, m.Latched(NotEmpty(0)))
}

func TestPumpConfig_channelConfig(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		cfg  *PumpConfig
		want longpoll.ChannelConfig
	}{
		{`nil`, nil, longpoll.ChannelConfig{MaxSize: 64, MinSize: 1, PartialTimeout: time.Millisecond}},
		{`zero`, &PumpConfig{}, longpoll.ChannelConfig{MaxSize: 64, MinSize: 1, PartialTimeout: time.Millisecond}},
		{`unbounded`, &PumpConfig{MaxBatch: -1, MinBatch: -2}, longpoll.ChannelConfig{MaxSize: -1, MinSize: 1, PartialTimeout: time.Millisecond}},
		{`set`, &PumpConfig{MaxBatch: 8, MinBatch: 2, PartialTimeout: 5 * time.Millisecond}, longpoll.ChannelConfig{MaxSize: 8, MinSize: 2, PartialTimeout: 5 * time.Millisecond}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, &tc.want, tc.cfg.channelConfig())
		})
	}
}
