package socketio

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	syncstate "github.com/xjerod/synced-state-example"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// ClientConfig describes the socket.io endpoint a Client dials.
type ClientConfig struct {
	URL                string
	Namespace          string
	InsecureSkipVerify bool
}

// Client is a syncstate.Channel backed by a socket.io client connection.
type Client struct {
	io     *socket.Socket
	logger *slog.Logger
	local  *syncstate.Bus

	mu     sync.Mutex
	topics map[string]bool

	isConnected atomic.Bool
}

var _ syncstate.Channel = (*Client)(nil)

// Dial connects to cfg.URL and waits until the connection is established,
// fails, or ctx is done.
func Dial(ctx context.Context, logger *slog.Logger, cfg ClientConfig) (*Client, error) {
	logger = logger.With("channel", "socketio-client", "url", cfg.URL)

	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	opts := socket.DefaultOptions()
	if parsedURL.Path != "" {
		opts.SetPath(parsedURL.Path)
	}
	if cfg.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "/"
	}
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(namespace, opts)

	c := &Client{
		io:     io,
		logger: logger,
		local:  syncstate.NewBus(),
		topics: make(map[string]bool),
	}
	c.local.SetPanicHandler(func(topic string, env syncstate.Envelope, panicValue any) {
		logger.Error("subscriber panicked", "topic", topic, "key", env.Name, "panic", panicValue)
	})

	done := make(chan error, 1)
	io.On(types.EventName("connect"), func(...any) {
		c.isConnected.Store(true)
		logger.Info("Successfully connected", "namespace", namespace, "sid", io.Id())
		select {
		case done <- nil:
		default:
		}
	})
	io.On(types.EventName("connect_error"), func(errs ...any) {
		err := errors.New("socketio: connect failed")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = fmt.Errorf("socketio: connect failed: %w", e)
			}
		}
		select {
		case done <- err:
		default:
		}
	})
	io.On(types.EventName("disconnect"), func(reason ...any) {
		c.isConnected.Store(false)
		logger.Warn("disconnected", "reason", reason)
	})

	io.Connect()

	select {
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("timed out while waiting for initial connection: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			io.Disconnect()
			return nil, err
		}
	}
	return c, nil
}

// Publish emits env under topic.
func (c *Client) Publish(ctx context.Context, topic string, env syncstate.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.isConnected.Load() {
		return fmt.Errorf("socketio: publish %q: not connected", topic)
	}
	c.io.Emit(topic, env)
	return nil
}

// Subscribe delivers envelopes received on topic to handler.
func (c *Client) Subscribe(topic string, handler syncstate.EnvelopeHandler) (func(), error) {
	unsubscribe, err := c.local.Subscribe(topic, handler)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.topics[topic] {
		c.topics[topic] = true
		c.io.On(types.EventName(topic), func(args ...any) {
			env, err := decodeEnvelope(args)
			if err != nil {
				c.logger.Warn("dropping malformed event", "topic", topic, "error", err)
				return
			}
			_ = c.local.Publish(context.Background(), topic, env)
		})
	}
	return unsubscribe, nil
}

// Close disconnects the socket.
func (c *Client) Close() {
	c.logger.Debug("Disconnecting socket client")
	c.io.Disconnect()
	c.local.ClearAll()
}
