package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mdobak/go-xerrors"

	"github.com/straja-ai/hazardfuse/internal/activation"
	"github.com/straja-ai/hazardfuse/internal/auth"
	"github.com/straja-ai/hazardfuse/internal/config"
	hlog "github.com/straja-ai/hazardfuse/internal/log"
	"github.com/straja-ai/hazardfuse/internal/server"
	"github.com/straja-ai/hazardfuse/internal/telemetry"
)

var version = "dev"

func main() {
	addrFlag := flag.String("addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "hazardfuse.yaml", "Path to hazardfuse config file")
	noStream := flag.Bool("no-stream", false, "Disable the /v1/stream websocket feed")
	flag.Parse()

	// .env is optional; header_env keys may point at variables defined there.
	_ = godotenv.Load()

	if err := run(*configPath, *addrFlag, !*noStream); err != nil {
		slog.Error("hazardfuse exited", slog.Any("error", xerrors.New(err)))
		os.Exit(1)
	}
}

func run(configPath, addr string, stream bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	hlog.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger := hlog.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  cfg.Telemetry.Service,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", xerrors.New(err)))
		}
	}()

	sinks, err := activation.BuildSinks(cfg.Activation)
	if err != nil {
		return fmt.Errorf("activation sinks: %w", err)
	}

	var hub *activation.Hub
	if stream {
		hub = activation.NewHub("stream", nil)
		sinks = append(sinks, hub)
	}

	var emitter *activation.Emitter
	if len(sinks) > 0 {
		emitter = activation.NewEmitter(activation.EmitterConfig{
			QueueSize:       cfg.Activation.QueueSize,
			Workers:         cfg.Activation.Workers,
			ShutdownTimeout: cfg.Activation.ShutdownTimeout,
			DeliveryTimeout: cfg.Activation.DeliveryTimeout,
			Observe:         tp.RecordDelivery,
		}, sinks)
		// Closing the emitter closes every sink, the hub included.
		defer emitter.Close(context.Background())
	}

	authz, err := auth.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if !authz.Enabled() {
		logger.Warn("no clients configured; API is open to any caller")
	}

	opts := []server.Option{
		server.WithEmitter(emitter),
		server.WithTelemetry(tp),
		server.WithLogger(logger),
		server.WithVersion(version),
	}
	if hub != nil {
		opts = append(opts, server.WithHub(hub))
	}
	for _, sink := range sinks {
		if store, ok := sink.(*activation.SQLiteSink); ok {
			opts = append(opts, server.WithEventStore(store))
			break
		}
	}

	srv := server.New(cfg, authz, opts...)
	logger.Info("starting hazardfuse", "addr", cfg.Server.Addr, "sinks", len(sinks), "telemetry", cfg.Telemetry.Enabled)
	return srv.Start(ctx)
}
