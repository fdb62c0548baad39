package storage

import (
	"github.com/zoobzio/clockz"
)

type options struct {
	clock clockz.Clock
}

type Option func(*options)

func WithClock(clock clockz.Clock) Option {
	return func(o *options) { o.clock = clock }
}

func buildOptions(opts []Option) options {
	o := options{clock: clockz.RealClock}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
