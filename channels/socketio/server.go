package socketio

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	syncstate "github.com/xjerod/synced-state-example"
	"github.com/zishang520/socket.io/v2/socket"
)

// Server is a syncstate.Channel backed by a socket.io server. Outbound
// envelopes are broadcast to every connected socket; inbound events on a
// subscribed topic from any socket are delivered to the subscribers.
type Server struct {
	io     *socket.Server
	logger *slog.Logger
	local  *syncstate.Bus

	mu      sync.Mutex
	topics  map[string]bool
	sockets map[socket.SocketId]*socket.Socket
}

var _ syncstate.Channel = (*Server)(nil)

// NewServer creates a socket.io server serving path, or the socket.io
// default path when empty. Mount Handler on the HTTP router under path.
func NewServer(logger *slog.Logger, path string) *Server {
	opts := socket.DefaultServerOptions()
	if path != "" {
		opts.SetPath(path)
	}
	s := &Server{
		io:      socket.NewServer(nil, opts),
		logger:  logger.With("channel", "socketio"),
		local:   syncstate.NewBus(),
		topics:  make(map[string]bool),
		sockets: make(map[socket.SocketId]*socket.Socket),
	}
	s.local.SetPanicHandler(func(topic string, env syncstate.Envelope, panicValue any) {
		s.logger.Error("subscriber panicked", "topic", topic, "key", env.Name, "panic", panicValue)
	})

	s.io.On("connection", func(clients ...any) {
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		s.connect(client)
	})
	return s
}

// Handler returns the HTTP handler serving the socket.io endpoint.
func (s *Server) Handler() http.Handler {
	return s.io.ServeHandler(nil)
}

// Publish broadcasts env to all connected sockets under topic.
func (s *Server) Publish(ctx context.Context, topic string, env syncstate.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Debug("broadcasting", "topic", topic, "key", env.Name)
	s.io.Emit(topic, env)
	return nil
}

// Subscribe delivers envelopes sent by any socket on topic to handler.
func (s *Server) Subscribe(topic string, handler syncstate.EnvelopeHandler) (func(), error) {
	unsubscribe, err := s.local.Subscribe(topic, handler)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.topics[topic] {
		s.topics[topic] = true
		for _, client := range s.sockets {
			s.listen(client, topic)
		}
	}
	return unsubscribe, nil
}

// Close disconnects all sockets and stops the server.
func (s *Server) Close() {
	s.io.Close(nil)
	s.local.ClearAll()
}

func (s *Server) connect(client *socket.Socket) {
	id := client.Id()
	s.logger.Info("frontend connected", "sid", id)

	s.mu.Lock()
	s.sockets[id] = client
	for topic := range s.topics {
		s.listen(client, topic)
	}
	s.mu.Unlock()

	client.On("disconnect", func(reason ...any) {
		s.logger.Info("frontend disconnected", "sid", id, "reason", reason)
		s.mu.Lock()
		delete(s.sockets, id)
		s.mu.Unlock()
	})
}

func (s *Server) listen(client *socket.Socket, topic string) {
	client.On(topic, func(args ...any) {
		s.dispatch(topic, args)
	})
}

// dispatch decodes one inbound event and fans it out locally. Malformed
// events are logged and dropped.
func (s *Server) dispatch(topic string, args []any) {
	env, err := decodeEnvelope(args)
	if err != nil {
		s.logger.Warn("dropping malformed event", "topic", topic, "error", err)
		return
	}
	_ = s.local.Publish(context.Background(), topic, env)
}
