package sharder

import (
	"github.com/joeycumines/logiface"
)

type (
	// Option configures New.
	Option interface {
		applyOption(*options) error
	}

	optionImpl struct {
		applyOptionFunc func(*options) error
	}

	options struct {
		logger  *logiface.Logger[logiface.Event]
		onPanic func(err ShardPanicError)
	}
)

func (o *optionImpl) applyOption(opts *options) error {
	return o.applyOptionFunc(opts)
}

// WithLogger configures the logger, which may be nil (disabled).
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithPanicHandler registers a callback, invoked (after logging) with each
// recovered shard or scheduled task panic. It runs on the goroutine that ran
// the shard, and must not panic.
func WithPanicHandler(fn func(err ShardPanicError)) Option {
	return &optionImpl{func(opts *options) error {
		opts.onPanic = fn
		return nil
	}}
}

func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
