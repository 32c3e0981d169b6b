package syncstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Syncer wires a Registry to a Channel: an Emitter for outbound values and
// a Listener for inbound envelopes. Construct exactly one per process and
// pass it to the components that need it.
type Syncer struct {
	reg      *Registry
	emitter  *Emitter
	listener *Listener
	ch       Channel
	logger   *slog.Logger

	mu     sync.Mutex
	cancel func()
}

// New creates a Syncer for ch with the given bindings. Call Start to begin
// receiving inbound updates.
func New(ch Channel, bindings []Binding, opts ...Option) (*Syncer, error) {
	cfg := newOptions(opts)

	reg := NewRegistry(opts...)
	emitter := NewEmitter(reg, ch, opts...)
	listener, err := NewListener(reg, emitter, bindings, opts...)
	if err != nil {
		return nil, err
	}

	return &Syncer{
		reg:      reg,
		emitter:  emitter,
		listener: listener,
		ch:       ch,
		logger:   cfg.logger,
	}, nil
}

// Registry returns the underlying registry.
func (s *Syncer) Registry() *Registry { return s.reg }

// Start subscribes the listener to the channel. It is a no-op when already started.
func (s *Syncer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}
	cancel, err := s.listener.Listen(s.ch)
	if err != nil {
		return err
	}
	s.cancel = cancel
	s.logger.Info("listening for state updates", "topic", UpdateTopic)
	return nil
}

// Stop removes the channel subscription.
func (s *Syncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Seed applies a serialized value for a bound key without publishing it.
func (s *Syncer) Seed(ctx context.Context, name, payload string) error {
	outcome, err := s.listener.Apply(ctx, Envelope{Name: name, Value: payload}, ApplyOnly)
	if outcome == Ignored {
		return fmt.Errorf("%w: %q", ErrUnknownKey, name)
	}
	return err
}

// Apply applies an envelope with the given propagation.
func (s *Syncer) Apply(ctx context.Context, env Envelope, p Propagation) (Outcome, error) {
	return s.listener.Apply(ctx, env, p)
}

// EmitByName publishes the value bound to name and reports whether an
// envelope was sent. Unknown names, poisoned slots and publish failures
// all yield false.
func (s *Syncer) EmitByName(ctx context.Context, name string) bool {
	if err := s.listener.Emit(ctx, name); err != nil {
		s.logger.Warn("emit by name failed", "key", name, "error", err)
		return false
	}
	return true
}

// Commit mutates the value bound to key under its lock and, with Republish,
// emits the result once the lock is released.
func Commit[T any](ctx context.Context, s *Syncer, key string, fn func(*T) error, p Propagation) error {
	if err := With(s.reg, key, fn); err != nil {
		return err
	}
	if p == Republish {
		return Emit[T](ctx, s.emitter, key)
	}
	return nil
}
