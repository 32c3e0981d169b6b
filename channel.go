package syncstate

import "context"

// EnvelopeHandler receives envelopes delivered on a subscribed topic.
type EnvelopeHandler func(context.Context, Envelope)

// Publisher sends envelopes to the external channel.
type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
}

// Subscriber delivers envelopes published by the other side of the channel.
// The returned function removes the subscription.
type Subscriber interface {
	Subscribe(topic string, handler EnvelopeHandler) (func(), error)
}

// Channel is the single external event channel shared with the frontend.
type Channel interface {
	Publisher
	Subscriber
}
