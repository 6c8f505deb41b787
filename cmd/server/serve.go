package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/paramify/insurance-engine/api"
	"github.com/paramify/insurance-engine/config"
	"github.com/paramify/insurance-engine/events"
	"github.com/paramify/insurance-engine/observability"
	"github.com/paramify/insurance-engine/oracle"
	"github.com/paramify/insurance-engine/settlement"
	"github.com/paramify/insurance-engine/store/sqlite"
)

var (
	serveAddr      string
	serveDB        string
	serveScenarios bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the settlement HTTP API.

STARTUP SEQUENCE:
  1. Load configuration (file, PARAMIFY_* env, flags)
  2. Open the SQLite store
  3. Start the in-process flood-level feed at feed.initial_answer
  4. Connect to NATS when nats.url is set
  5. Initialize the engine (deployer roles, initial threshold on first start)
  6. Serve until SIGINT/SIGTERM, then drain for server.shutdown_timeout

Examples:
  paramify serve
  paramify serve --addr :3000 --db ":memory:" --scenarios`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "SQLite database path, \":memory:\" for in-memory (overrides database.path)")
	serveCmd.Flags().BoolVar(&serveScenarios, "scenarios", false, "enable POST /api/scenarios/load (resets the database)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if serveDB != "" {
		cfg.Database.Path = serveDB
	}

	logger := observability.NewLogger("paramify", cfg.Log.Level)
	if used := config.ConfigFileUsed(cfgFile); used != "" {
		logger.Info().Str("file", used).Msg("loaded config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	// Store
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Feed
	clock := clockwork.NewRealClock()
	initial, err := cfg.InitialAnswer()
	if err != nil {
		return err
	}
	feed := oracle.NewAggregator(initial, cfg.Feed.History, clock)
	metrics.FeedPrice.Set(initial.Value.InexactFloat64())

	// Outbound events
	var sink settlement.EventSink
	if cfg.NATS.Enabled() {
		publisher, closeNATS, err := startPublisher(ctx, cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer closeNATS()
		sink = publisher
	}

	// Engine
	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	engineLog := logger.With().Str("component", "engine").Logger()
	opts.Clock = clock
	opts.Logger = &engineLog
	opts.Metrics = metrics
	opts.Events = sink

	engine, err := settlement.NewEngine(ctx, store, feed, opts)
	if err != nil {
		return err
	}

	// HTTP
	handlerOpts := []api.HandlerOption{api.WithHealthCheck(store.Ping)}
	if serveScenarios {
		handlerOpts = append(handlerOpts, api.WithReset(store.Reset))
	}
	handler := api.NewHandler(engine, logger.With().Str("component", "api").Logger(), handlerOpts...)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        metrics,
		Gatherer:       registry,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("database", cfg.Database.Path).
			Str("deployer", string(engine.Deployer())).
			Str("payout_authorization", string(engine.PayoutAuthorization())).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// startPublisher connects to NATS, ensures the stream and starts the
// delivery loop. The returned func stops the loop and closes the connection.
func startPublisher(ctx context.Context, cfg config.NATSConfig, logger zerolog.Logger) (*events.Publisher, func(), error) {
	natsLog := logger.With().Str("component", "events").Logger()

	nc, js, err := events.Connect(cfg.URL, natsLog)
	if err != nil {
		return nil, nil, err
	}
	if err := events.EnsureStream(ctx, js, cfg.Stream, cfg.SubjectPrefix); err != nil {
		nc.Close()
		return nil, nil, err
	}

	publisher := events.NewPublisher(js, cfg.SubjectPrefix, cfg.Buffer, natsLog)
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = publisher.Run(runCtx)
	}()
	natsLog.Info().Str("url", cfg.URL).Str("stream", cfg.Stream).Msg("publishing events")

	return publisher, func() {
		cancel()
		<-done
		if err := nc.Drain(); err != nil {
			natsLog.Warn().Err(err).Msg("nats drain failed")
		}
	}, nil
}
