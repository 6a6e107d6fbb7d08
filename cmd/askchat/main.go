package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"AskChat/internal/backend"
	"AskChat/internal/cache"
	"AskChat/internal/chat"
	"AskChat/internal/chatbot"
	"AskChat/internal/config"
	"AskChat/internal/history"
	"AskChat/internal/httpapi"
	"AskChat/internal/kvstore"
	"AskChat/internal/quota"
	"AskChat/internal/request"
	"AskChat/internal/session"
	"AskChat/internal/telemetry"
)

func main() {
	cfg, err := config.Load(os.Getenv("ASKCHAT_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var serve bool
	var message string
	cfg.BindFlags(flag.CommandLine)
	flag.BoolVar(&serve, "serve", false, "Serve the HTTP API instead of the terminal chat")
	flag.StringVar(&message, "message", "", "First message to send when the chat opens")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, serve, message); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, serve bool, message string) error {
	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logFile.Close()

	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdown()

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	store, err := kvstore.Open(cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	dial := dialer(cfg, logger, tracer, meter)
	initial, err := dial(cfg.Backend)
	if err != nil {
		return err
	}
	transport := backend.NewSwitchable(initial)

	requests := request.NewController(transport,
		request.WithTimeout(cfg.RequestTimeout),
		request.WithLogger(logger),
		request.WithTelemetry(tracer, meter),
	)
	repo := history.NewRepository(store, logger)
	gate := quota.NewGate(store, cfg.GuestLimit, logger)

	logger.Info("askchat starting",
		"backend", cfg.Backend,
		"storage", cfg.Storage.Driver,
		"serve", serve,
	)

	if serve {
		srv := httpapi.NewServer(httpapi.Deps{
			Requests:     requests,
			History:      repo,
			Quota:        gate,
			SystemPrompt: cfg.SystemPrompt,
		}, logger)
		fmt.Printf("Serving on http://%s\n", cfg.HTTPAddr)
		return srv.Run(ctx, cfg.HTTPAddr)
	}

	manager := chat.New(session.Identity{User: cfg.User, Guest: cfg.Guest}, requests, repo, gate,
		chat.WithSystemPrompt(cfg.SystemPrompt),
		chat.WithLogger(logger),
	)

	// Ctrl-C abandons the pending request; the REPL returns without waiting for input
	go func() {
		<-ctx.Done()
		manager.Close()
	}()
	defer manager.Close()

	opts := chatbot.Options{Logger: logger, Dial: dial}
	if message != "" {
		opts.Seed = &chat.Seed{ID: uuid.NewString(), Text: message}
	}

	if err := chatbot.NewChatBot(manager, transport, opts).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// dialer builds transports wrapped in the reply cache when it is enabled.
// The base URL and model only apply to the configured backend.
func dialer(cfg config.Config, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) chatbot.Dialer {
	return func(name string) (backend.Transport, error) {
		opts := backend.Options{
			APIKey:  cfg.APIKeyFor(name),
			Timeout: cfg.RequestTimeout,
			Logger:  logger,
			Tracer:  tracer,
			Meter:   meter,
		}
		if name == cfg.Backend {
			opts.BaseURL = cfg.BaseURL
			opts.Model = cfg.Model
		}

		t, err := backend.New(name, opts)
		if err != nil {
			return nil, err
		}
		if cfg.Cache.Size == 0 {
			return t, nil
		}
		cached, err := cache.Wrap(t, cfg.Cache.Size, cfg.Cache.TTL, logger)
		if err != nil {
			return nil, err
		}
		return cached, nil
	}
}
