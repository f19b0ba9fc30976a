package facilitator

import (
	"github.com/openx402/facilitator/logger"
	"github.com/openx402/facilitator/metrics"
	"github.com/openx402/facilitator/settlement"
)

type Option func(*Facilitator)

func WithLogger(l logger.Logger) Option {
	return func(f *Facilitator) {
		f.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(f *Facilitator) {
		f.recorder = r
	}
}

// WithStore overrides the configuration-selected settlement store.
func WithStore(s settlement.Store) Option {
	return func(f *Facilitator) {
		f.store = s
	}
}
