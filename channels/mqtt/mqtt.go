// Package mqtt carries syncstate envelopes over an MQTT broker. Each
// envelope is published as a JSON document on "<prefix><topic>".
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	syncstate "github.com/xjerod/synced-state-example"
)

// Config describes the broker connection.
type Config struct {
	Broker         string
	ClientID       string
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
}

// Channel is a syncstate.Channel backed by an MQTT client.
type Channel struct {
	log   *slog.Logger
	cfg   Config
	local *syncstate.Bus

	mu     sync.Mutex
	client mqtt.Client
	topics map[string]bool
}

var _ syncstate.Channel = (*Channel)(nil)

// Dial connects to cfg.Broker. Subscriptions are restored whenever the
// client reconnects.
func Dial(ctx context.Context, log *slog.Logger, cfg Config) (*Channel, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker not configured")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	c := newChannel(log, cfg)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.log.Info("connected to MQTT broker", slog.String("broker", cfg.Broker), slog.String("client_id", cfg.ClientID))
		c.resubscribe(client)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if err != nil {
			c.log.Warn("mqtt connection lost", slog.String("err", err.Error()))
		}
	})

	client := mqtt.NewClient(opts)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := waitToken(waitCtx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect mqtt broker: %w", err)
	}
	return c, nil
}

func newChannel(log *slog.Logger, cfg Config) *Channel {
	c := &Channel{
		log:    log.With("channel", "mqtt"),
		cfg:    cfg,
		local:  syncstate.NewBus(),
		topics: make(map[string]bool),
	}
	c.local.SetPanicHandler(func(topic string, env syncstate.Envelope, panicValue any) {
		c.log.Error("subscriber panicked", "topic", topic, "key", env.Name, "panic", panicValue)
	})
	return c
}

// Publish sends env as JSON and waits for the broker to acknowledge it
// according to the configured QoS.
func (c *Channel) Publish(ctx context.Context, topic string, env syncstate.Envelope) error {
	client := c.snapshotClient()
	if client == nil {
		return errors.New("mqtt client not connected")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return waitToken(ctx, client.Publish(c.brokerTopic(topic), c.cfg.QoS, false, payload))
}

// Subscribe delivers envelopes received on topic to handler. The broker
// subscription is made once per topic.
func (c *Channel) Subscribe(topic string, handler syncstate.EnvelopeHandler) (func(), error) {
	unsubscribe, err := c.local.Subscribe(topic, handler)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.topics[topic] {
		return unsubscribe, nil
	}
	if c.client == nil {
		unsubscribe()
		return nil, errors.New("mqtt client not connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	token := c.client.Subscribe(c.brokerTopic(topic), c.cfg.QoS, c.onMessage(topic))
	if err := waitToken(ctx, token); err != nil {
		unsubscribe()
		return nil, fmt.Errorf("subscribe %q: %w", topic, err)
	}
	c.topics[topic] = true
	return unsubscribe, nil
}

// Close disconnects from the broker.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Disconnect(250)
		c.client = nil
	}
	c.topics = make(map[string]bool)
	c.local.ClearAll()
}

func (c *Channel) brokerTopic(topic string) string {
	return c.cfg.TopicPrefix + topic
}

func (c *Channel) onMessage(topic string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var env syncstate.Envelope
		if err := json.Unmarshal(msg.Payload(), &env); err != nil {
			c.log.Warn("dropping malformed message", slog.String("topic", msg.Topic()), slog.String("err", err.Error()))
			return
		}
		if env.Name == "" {
			c.log.Warn("dropping envelope without name", slog.String("topic", msg.Topic()))
			return
		}
		_ = c.local.Publish(context.Background(), topic, env)
	}
}

// resubscribe restores broker subscriptions after a reconnect. It runs on
// the client's callback goroutine so it does not wait on the tokens.
func (c *Channel) resubscribe(client mqtt.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic := range c.topics {
		client.Subscribe(c.brokerTopic(topic), c.cfg.QoS, c.onMessage(topic))
	}
}

func (c *Channel) snapshotClient() mqtt.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	for {
		if token.WaitTimeout(0) {
			return token.Error()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
