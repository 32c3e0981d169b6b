package commands

import (
	"context"

	syncstate "github.com/xjerod/synced-state-example"
)

// Tap is a Channel that copies every successfully published envelope onto
// an in-process bus, so HTTP clients can follow outbound state without
// joining the transport.
type Tap struct {
	syncstate.Channel
	events *syncstate.Bus
}

// NewTap wraps ch.
func NewTap(ch syncstate.Channel, events *syncstate.Bus) *Tap {
	return &Tap{Channel: ch, events: events}
}

// Publish sends env on the wrapped channel and then on the events bus.
func (t *Tap) Publish(ctx context.Context, topic string, env syncstate.Envelope) error {
	if err := t.Channel.Publish(ctx, topic, env); err != nil {
		return err
	}
	if !t.events.HasSubscribers(syncstate.AllTopics) {
		return nil
	}
	return t.events.Publish(ctx, topic, env)
}
