package syncstate

import (
	"context"
	"log/slog"
	"time"
)

// Observability receives lifecycle callbacks for emit and apply operations.
// Implementations must be safe for concurrent use.
type Observability interface {
	// OnEmitStart is called before a key's value is read for publishing.
	OnEmitStart(ctx context.Context, key string) context.Context
	// OnEmitComplete is called once the envelope was published or the emit failed.
	OnEmitComplete(ctx context.Context, duration time.Duration, err error)
	// OnApplyStart is called when an inbound envelope enters dispatch.
	OnApplyStart(ctx context.Context, key string) context.Context
	// OnApplyComplete is called with the dispatch outcome; err is set for Dropped.
	OnApplyComplete(ctx context.Context, duration time.Duration, outcome Outcome, err error)
}

// Option configures a Registry, Emitter, Listener or Syncer.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	observability Observability
}

func newOptions(opts []Option) *options {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return cfg
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithObservability installs lifecycle hooks, e.g. the otel subpackage.
func WithObservability(obs Observability) Option {
	return func(o *options) {
		o.observability = obs
	}
}
