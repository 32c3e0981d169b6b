package syncstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Emitter publishes registry values to the external channel.
type Emitter struct {
	reg    *Registry
	pub    Publisher
	logger *slog.Logger
	obs    Observability
}

// NewEmitter creates an Emitter reading from reg and publishing to pub.
func NewEmitter(reg *Registry, pub Publisher, opts ...Option) *Emitter {
	cfg := newOptions(opts)
	return &Emitter{
		reg:    reg,
		pub:    pub,
		logger: cfg.logger,
		obs:    cfg.observability,
	}
}

// Emit publishes the current value of key on TopicFor(key). The value is
// encoded while the slot lock is held and published after it is released,
// so exactly one envelope is sent per successful call.
func Emit[T any](ctx context.Context, e *Emitter, key string) (err error) {
	e.logger.Debug("emit", "key", key)

	if e.obs != nil {
		start := time.Now()
		ctx = e.obs.OnEmitStart(ctx, key)
		defer func() {
			e.obs.OnEmitComplete(ctx, time.Since(start), err)
		}()
	}

	env, err := snapshot[T](e.reg, key)
	if err != nil {
		return err
	}

	topic := TopicFor(key)
	e.logger.Debug("emitting", "topic", topic, "version", env.Version.String(), "value", env.Value)
	if err := e.pub.Publish(ctx, topic, env); err != nil {
		return fmt.Errorf("syncstate: publish %q: %w", topic, err)
	}
	return nil
}

// snapshot encodes key's current value into an envelope under the slot lock.
func snapshot[T any](r *Registry, key string) (Envelope, error) {
	c, err := lookup[T](r, key)
	if err != nil {
		return Envelope{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.poisoned {
		return Envelope{}, fmt.Errorf("emit %q: %w", key, ErrPoisoned)
	}
	data, err := json.Marshal(c.value)
	if err != nil {
		return Envelope{}, fmt.Errorf("syncstate: encode %q: %w", key, err)
	}
	return Envelope{
		Version: NewVersion(c.revision),
		Name:    key,
		Value:   string(data),
	}, nil
}
