// ABOUTME: Gateway orchestrator wiring store, adapters, dispatch and HTTP surfaces
// ABOUTME: Manages component lifecycle, the HTTP server and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/relaydesk/relaydesk/internal/api"
	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/dedupe"
	"github.com/relaydesk/relaydesk/internal/dispatch"
	"github.com/relaydesk/relaydesk/internal/events"
	"github.com/relaydesk/relaydesk/internal/ingress"
	"github.com/relaydesk/relaydesk/internal/ledger"
	"github.com/relaydesk/relaydesk/internal/platform"
	"github.com/relaydesk/relaydesk/internal/platform/telegram"
	"github.com/relaydesk/relaydesk/internal/platform/whatsapp"
	"github.com/relaydesk/relaydesk/internal/resolver"
	"github.com/relaydesk/relaydesk/internal/store"
)

// Gateway owns the wired component graph and the HTTP server.
type Gateway struct {
	config      *config.Config
	store       store.Store
	registry    *platform.Registry
	broadcaster *events.Broadcaster
	amqpSink    *events.AMQPSink
	dedupe      *dedupe.Cache
	dispatcher  *dispatch.Coordinator
	httpServer  *http.Server
	logger      *slog.Logger
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RELAYDESK_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildRegistry registers an adapter for every enabled platform.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*platform.Registry, error) {
	registry := platform.NewRegistry()

	if cfg.Platforms.WhatsApp.Enabled {
		adapter := whatsapp.New(whatsapp.Config{
			AccountSID: cfg.Platforms.WhatsApp.AccountSID,
			AuthToken:  cfg.Platforms.WhatsApp.AuthToken,
			WebhookURL: cfg.Platforms.WhatsApp.WebhookURL,
		}, logger)
		if err := registry.Register(adapter); err != nil {
			return nil, fmt.Errorf("registering whatsapp adapter: %w", err)
		}
		logger.Info("platform enabled", "platform", whatsapp.PlatformName)
	}

	if cfg.Platforms.Telegram.Enabled {
		adapter := telegram.New(telegram.Config{
			BotID:         cfg.Platforms.Telegram.BotID,
			Token:         cfg.Platforms.Telegram.Token,
			WebhookSecret: cfg.Platforms.Telegram.WebhookSecret,
		}, logger)
		if err := registry.Register(adapter); err != nil {
			return nil, fmt.Errorf("registering telegram adapter: %w", err)
		}
		logger.Info("platform enabled", "platform", telegram.PlatformName)
	}

	return registry, nil
}

// buildSink assembles the event fan-out: the broadcaster always, the AMQP
// mirror when configured.
func buildSink(cfg *config.Config, broadcaster *events.Broadcaster, logger *slog.Logger) (events.Sink, *events.AMQPSink, error) {
	if !cfg.Events.AMQP.Enabled {
		return broadcaster, nil, nil
	}

	amqpSink, err := events.NewAMQPSink(cfg.Events.AMQP.URL, cfg.Events.AMQP.Exchange, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting event mirror: %w", err)
	}
	logger.Info("event mirror enabled", "exchange", cfg.Events.AMQP.Exchange)
	return events.Fanout{broadcaster, amqpSink}, amqpSink, nil
}

// New creates a Gateway with all components wired from the configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	broadcaster := events.NewBroadcaster(logger)
	sink, amqpSink, err := buildSink(cfg, broadcaster, logger)
	if err != nil {
		return nil, err
	}

	led := ledger.New(s, sink, logger)
	res := resolver.New(s, logger)

	dedupeTTL := cfg.Ingress.DedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = 5 * time.Minute
	}
	dedupeSize := cfg.Ingress.DedupeMaxSize
	if dedupeSize <= 0 {
		dedupeSize = 100_000
	}
	dedupeCache := dedupe.New(dedupeTTL, dedupeSize)

	dispatcher := dispatch.New(s, led, registry, dispatch.Config{
		SendTimeout: cfg.Dispatch.SendTimeout,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BackoffBase: cfg.Dispatch.BackoffBase,
	}, logger)

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	mux := http.NewServeMux()
	ingress.New(registry, dedupeCache, res, led, logger).Register(mux)
	api.New(s, dispatcher, broadcaster, verifier, logger).Register(mux)

	gw := &Gateway{
		config:      cfg,
		store:       s,
		registry:    registry,
		broadcaster: broadcaster,
		amqpSink:    amqpSink,
		dedupe:      dedupeCache,
		dispatcher:  dispatcher,
		logger:      logger.With("component", "gateway"),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, drains in-flight dispatch work and
// releases resources. Order matters: stop accepting requests, then stop
// workers, then close the sinks and the store they publish through.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.dispatcher.Close()
	g.broadcaster.Close()
	if g.amqpSink != nil {
		errs = appendCloseError(errs, "event mirror close", g.amqpSink.Close())
	}
	g.dedupe.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
