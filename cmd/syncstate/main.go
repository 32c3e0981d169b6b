// Command syncstate serves a synchronized state registry to a frontend over
// the transport chosen in its configuration file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	syncstate "github.com/xjerod/synced-state-example"
	"github.com/xjerod/synced-state-example/channels/mqtt"
	"github.com/xjerod/synced-state-example/channels/socketio"
	"github.com/xjerod/synced-state-example/internal/appstate"
	"github.com/xjerod/synced-state-example/internal/commands"
	"github.com/xjerod/synced-state-example/internal/config"
	syncotel "github.com/xjerod/synced-state-example/otel"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run loads the configuration, wires the syncer and serves HTTP until ctx
// is done.
func run(ctx context.Context, args []string, logW io.Writer) error {
	fs := flag.NewFlagSet("syncstate", flag.ContinueOnError)
	fs.SetOutput(logW)
	configPath := fs.String("config", "", "path to an HCL configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger := cfg.NewLogger(logW)
	slog.SetDefault(logger)

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           app.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("syncstate starting", slog.String("addr", srv.Addr), slog.String("channel", cfg.Channel.Kind))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		return fmt.Errorf("listen failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("err", err.Error()))
	}
	return nil
}

// commandTimeout bounds each command request. Streams are not covered.
var commandTimeout = 60 * time.Second

type app struct {
	syncer *syncstate.Syncer
	router chi.Router
	close  func()
}

// newApp opens the channel, builds the syncer, seeds it and mounts the
// HTTP surface.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	obs, err := syncotel.New()
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	ch, socketHandler, closeChannel, err := openChannel(ctx, cfg.Channel, logger)
	if err != nil {
		return nil, err
	}

	events := syncstate.NewBus()
	syncer, err := syncstate.New(commands.NewTap(ch, events), appstate.Bindings(),
		syncstate.WithLogger(logger),
		syncstate.WithObservability(obs),
	)
	if err != nil {
		closeChannel()
		return nil, err
	}

	for _, seed := range cfg.Seeds {
		if err := syncer.Seed(ctx, seed.Name, seed.Payload); err != nil {
			closeChannel()
			return nil, fmt.Errorf("seed %q: %w", seed.Name, err)
		}
	}
	appstate.SeedDefaults(syncer.Registry())

	if err := syncer.Start(); err != nil {
		closeChannel()
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if socketHandler != nil {
		r.Handle(strings.TrimSuffix(cfg.Channel.Path, "/")+"/*", socketHandler)
	}
	api := commands.New(logger, syncer, events)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(commandTimeout))
		api.CommandRoutes(r)
	})
	api.StreamRoutes(r)

	return &app{
		syncer: syncer,
		router: r,
		close: func() {
			syncer.Stop()
			closeChannel()
		},
	}, nil
}

// openChannel connects the configured transport. The returned handler is
// non-nil only when the transport must be served by the HTTP router.
func openChannel(ctx context.Context, cfg config.Channel, logger *slog.Logger) (syncstate.Channel, http.Handler, func(), error) {
	switch cfg.Kind {
	case config.KindLocal:
		bus := syncstate.NewBus()
		return bus, nil, bus.ClearAll, nil

	case config.KindSocketIO:
		srv := socketio.NewServer(logger, cfg.Path)
		return srv, srv.Handler(), srv.Close, nil

	case config.KindSocketIOClient:
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		client, err := socketio.Dial(dialCtx, logger, socketio.ClientConfig{
			URL:                cfg.URL,
			Namespace:          cfg.Namespace,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return client, nil, client.Close, nil

	case config.KindMQTT:
		ch, err := mqtt.Dial(ctx, logger, mqtt.Config{
			Broker:      cfg.Broker,
			ClientID:    cfg.ClientID,
			TopicPrefix: cfg.TopicPrefix,
			QoS:         cfg.QoS,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return ch, nil, ch.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown channel kind %q", cfg.Kind)
	}
}
