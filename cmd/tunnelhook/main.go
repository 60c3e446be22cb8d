package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/tunnelhook/internal/config"
	"github.com/tjfontaine/tunnelhook/internal/telemetry"
	"github.com/tjfontaine/tunnelhook/pkg/tunnelhook"
)

func main() {
	configPath := flag.String("config", "tunnelhook.yaml", "path to the YAML config file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry, os.Stderr, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	gw, err := tunnelhook.New(
		tunnelhook.WithLogger(logger),
		tunnelhook.WithFileConfig(*configPath),
		tunnelhook.WithWebhookHandler(logEvent(logger)),
	)
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		logger.Error("failed to start gateway", slog.String("error", err.Error()))
		os.Exit(1)
	}

	publicURL, _ := gw.PublicURL()
	logger.Info("tunnelhook started",
		slog.String("public_url", publicURL),
		slog.String("addr", gw.Addr().String()),
		slog.Int("webhooks", len(gw.Webhooks())))

	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// logEvent is attached to configured webhooks when running standalone.
func logEvent(logger *slog.Logger) tunnelhook.Handler {
	return func(ctx context.Context, ev *tunnelhook.Event) error {
		logger.Info("webhook received",
			slog.String("webhook_id", string(ev.WebhookID)),
			slog.String("method", ev.Method.String()),
			slog.String("request_id", ev.RequestID),
			slog.String("creation_payload", string(ev.CreationPayload)),
			slog.String("request_payload", string(ev.RequestPayload)))
		return nil
	}
}
