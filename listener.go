package syncstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"
)

// Propagation selects whether an applied update is published back out.
type Propagation int

const (
	// ApplyOnly mutates the registry and publishes nothing. Updates that
	// arrived from the channel always use it, so they cannot echo back.
	ApplyOnly Propagation = iota
	// Republish emits the new value after it has been applied.
	Republish
)

// Outcome is the terminal state of one inbound dispatch.
type Outcome int

const (
	// Ignored means no binding exists for the envelope name.
	Ignored Outcome = iota
	// Applied means the value was decoded and stored.
	Applied
	// Dropped means decoding or storing failed; the registry is unchanged.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Applied:
		return "applied"
	case Dropped:
		return "dropped"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Binding ties a key to the concrete type its payloads decode into.
type Binding struct {
	key   string
	typ   reflect.Type
	apply func(r *Registry, payload string) error
	emit  func(ctx context.Context, e *Emitter) error
}

// Bind returns the binding of key to T.
func Bind[T any](key string) Binding {
	return Binding{
		key: key,
		typ: reflect.TypeOf((*T)(nil)).Elem(),
		apply: func(r *Registry, payload string) error {
			return UpdateFromSerialized[T](r, key, payload)
		},
		emit: func(ctx context.Context, e *Emitter) error {
			return Emit[T](ctx, e, key)
		},
	}
}

// Key returns the bound key.
func (b Binding) Key() string { return b.key }

// Type returns the bound value type.
func (b Binding) Type() reflect.Type { return b.typ }

// Listener applies inbound envelopes to a Registry through a fixed table of
// bindings built at construction.
type Listener struct {
	reg      *Registry
	emitter  *Emitter
	bindings map[string]Binding
	logger   *slog.Logger
	obs      Observability
}

// NewListener builds the dispatch table. emitter may be nil when nothing is
// ever applied with Republish.
func NewListener(reg *Registry, emitter *Emitter, bindings []Binding, opts ...Option) (*Listener, error) {
	cfg := newOptions(opts)

	table := make(map[string]Binding, len(bindings))
	for _, b := range bindings {
		if b.key == "" || b.apply == nil {
			return nil, errors.New("syncstate: binding with empty key")
		}
		if prev, dup := table[b.key]; dup {
			return nil, fmt.Errorf("syncstate: key %q bound twice (%v, %v)", b.key, prev.typ, b.typ)
		}
		table[b.key] = b
	}

	return &Listener{
		reg:      reg,
		emitter:  emitter,
		bindings: table,
		logger:   cfg.logger,
		obs:      cfg.observability,
	}, nil
}

// Listen subscribes Handle to UpdateTopic on sub.
func (l *Listener) Listen(sub Subscriber) (func(), error) {
	return sub.Subscribe(UpdateTopic, func(ctx context.Context, env Envelope) {
		l.Handle(ctx, env)
	})
}

// Handle applies an envelope that arrived from the channel. It never
// publishes and never returns an error: failures are logged and reported
// through the outcome.
func (l *Listener) Handle(ctx context.Context, env Envelope) Outcome {
	outcome, _ := l.Apply(ctx, env, ApplyOnly)
	return outcome
}

// Apply dispatches env to its binding and stores the decoded value. With
// Republish the stored value is emitted afterwards; an emit failure is
// returned but the outcome stays Applied.
func (l *Listener) Apply(ctx context.Context, env Envelope, p Propagation) (outcome Outcome, err error) {
	if l.obs != nil {
		start := time.Now()
		ctx = l.obs.OnApplyStart(ctx, env.Name)
		defer func() {
			l.obs.OnApplyComplete(ctx, time.Since(start), outcome, err)
		}()
	}

	b, ok := l.bindings[env.Name]
	if !ok {
		l.logger.Debug("no binding for inbound update, ignoring", "key", env.Name)
		return Ignored, nil
	}
	if env.Version != nil {
		l.logger.Debug("inbound update", "key", env.Name, "version", env.Version.String())
	} else if env.invalidVersion != "" {
		l.logger.Warn("ignoring invalid version", "key", env.Name, "version", env.invalidVersion)
	}

	if err := b.apply(l.reg, env.Value); err != nil {
		if !errors.Is(err, ErrDecode) {
			l.logger.Error("failed to apply inbound update", "key", env.Name, "error", err)
		}
		return Dropped, err
	}

	if p == Republish {
		if err := l.emit(ctx, b); err != nil {
			return Applied, err
		}
	}
	return Applied, nil
}

// Emit publishes the value bound to name using its binding's type.
func (l *Listener) Emit(ctx context.Context, name string) error {
	b, ok := l.bindings[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, name)
	}
	return l.emit(ctx, b)
}

func (l *Listener) emit(ctx context.Context, b Binding) error {
	if l.emitter == nil {
		return fmt.Errorf("syncstate: republish %q: listener has no emitter", b.key)
	}
	return b.emit(ctx, l.emitter)
}
