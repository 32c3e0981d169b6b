package syncstate

import (
	"context"
	"sync"
)

// AllTopics subscribes a handler to every topic published on a Bus.
const AllTopics = "*"

// internalHandler gives each subscription a distinct identity for removal.
type internalHandler struct {
	handler EnvelopeHandler
}

// PanicHandler is called when a handler panics
type PanicHandler func(topic string, env Envelope, panicValue any)

// Bus is an in-process Channel keyed by topic name. It backs tests, the SSE
// transport, and any setup where both sides live in the same process.
type Bus struct {
	handlers     map[string][]*internalHandler
	panicHandler PanicHandler
	mu           sync.RWMutex
}

var _ Channel = (*Bus)(nil)

// NewBus creates a new Bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]*internalHandler),
	}
}

// Subscribe registers handler for topic, or for every topic with
// AllTopics. Handlers run synchronously in Publish, in subscription order.
// The returned function removes the subscription and is safe to call twice.
func (bus *Bus) Subscribe(topic string, handler EnvelopeHandler) (func(), error) {
	h := &internalHandler{handler: handler}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.handlers[topic] = append(bus.handlers[topic], h)
	return func() { bus.remove(topic, h) }, nil
}

func (bus *Bus) remove(topic string, target *internalHandler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	handlers := bus.handlers[topic]
	for i, h := range handlers {
		if h == target {
			bus.handlers[topic] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Publish delivers env to the handlers of topic and to AllTopics handlers.
// It returns the context error if ctx is cancelled before delivery completes.
func (bus *Bus) Publish(ctx context.Context, topic string, env Envelope) error {
	bus.mu.RLock()
	// Copy handlers slice to avoid holding lock during execution
	handlersCopy := make([]*internalHandler, 0, len(bus.handlers[topic])+len(bus.handlers[AllTopics]))
	handlersCopy = append(handlersCopy, bus.handlers[topic]...)
	if topic != AllTopics {
		handlersCopy = append(handlersCopy, bus.handlers[AllTopics]...)
	}
	bus.mu.RUnlock()

	for _, h := range handlersCopy {
		// Check if context is cancelled before processing
		if err := ctx.Err(); err != nil {
			return err
		}

		bus.call(h, ctx, topic, env)
	}
	return nil
}

// call executes a handler and reports panics to the panic handler
func (bus *Bus) call(h *internalHandler, ctx context.Context, topic string, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			bus.mu.RLock()
			panicHandler := bus.panicHandler
			bus.mu.RUnlock()
			if panicHandler != nil {
				panicHandler(topic, env, r)
			}
		}
	}()

	h.handler(ctx, env)
}

// HasSubscribers returns true if there are any handlers for topic
func (bus *Bus) HasSubscribers(topic string) bool {
	bus.mu.RLock()
	defer bus.mu.RUnlock()

	return len(bus.handlers[topic]) > 0
}

// ClearAll removes all handlers
func (bus *Bus) ClearAll() {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.handlers = make(map[string][]*internalHandler)
}

// SetPanicHandler sets a function to be called when a handler panics
func (bus *Bus) SetPanicHandler(handler PanicHandler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.panicHandler = handler
}
