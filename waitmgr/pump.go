package waitmgr

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/joeycumines/go-aicpu/hal"
	"github.com/joeycumines/go-longpoll"
)

// PumpConfig models optional configuration for Manager.Pump.
type PumpConfig struct {
	// MaxBatch is the maximum number of notifications handled per batch.
	// Defaults to 64, if 0. Values < 0 disable the limit.
	MaxBatch int

	// MinBatch is the target number of notifications per batch. After
	// PartialTimeout, a smaller batch (of at least one) is accepted.
	// Defaults to 1, if <= 0.
	MinBatch int

	// PartialTimeout bounds the wait for MinBatch, after the first
	// notification of a batch is received. Defaults to 1ms, if 0.
	PartialTimeout time.Duration
}

// Pump delivers notifications from n, in batches, until n's channel is
// closed (returning nil), or ctx is canceled (returning its error). The cfg
// parameter may be nil.
func (x *Manager) Pump(ctx context.Context, n hal.Notifier, cfg *PumpConfig) error {
	ch := n.Notifications()
	pollCfg := cfg.channelConfig()
	handler := func(v hal.Notification) error {
		x.Event(Key{QueueID: v.QueueID, Kind: v.Kind})
		return nil
	}
	for {
		err := longpoll.Channel(ctx, pollCfg, ch, handler)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// channelConfig applies the pump defaults, which differ from longpoll's.
func (x *PumpConfig) channelConfig() *longpoll.ChannelConfig {
	c := longpoll.ChannelConfig{
		MaxSize:        64,
		MinSize:        1,
		PartialTimeout: time.Millisecond,
	}
	if x != nil {
		if x.MaxBatch != 0 {
			c.MaxSize = x.MaxBatch
		}
		if x.MinBatch > 0 {
			c.MinSize = x.MinBatch
		}
		if x.PartialTimeout != 0 {
			c.PartialTimeout = x.PartialTimeout
		}
	}
	return &c
}
