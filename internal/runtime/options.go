package runtime

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/tunnelhook/internal/adapters/config/file"
	"github.com/tjfontaine/tunnelhook/internal/config"
	"github.com/tjfontaine/tunnelhook/internal/core/ports"
	"github.com/tjfontaine/tunnelhook/internal/storage/memory"
	"github.com/tjfontaine/tunnelhook/internal/storage/sqldb"
	"github.com/tjfontaine/tunnelhook/internal/webhook"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithConfig uses an already loaded configuration. No file is watched.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		g.cfg = cfg
		return nil
	}
}

// WithFileConfig loads the YAML file at path on Start and watches it.
// Webhooks added to the file while running are registered on the fly.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path, file.WithLogger(g.logger))
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = provider
		return nil
	}
}

// WithLogger sets a custom logger. Pass it before options that log.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		g.logger = logger
		return nil
	}
}

// WithMemoryStorage keeps the delivery log in memory, at most maxPerWebhook
// records per webhook.
func WithMemoryStorage(maxPerWebhook int) Option {
	return func(g *Gateway) error {
		g.storage = memory.New(maxPerWebhook)
		return nil
	}
}

// WithSQLite keeps the delivery log in a SQLite database.
func WithSQLite(path string) Option {
	return func(g *Gateway) error {
		store, err := sqldb.NewSQLite(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		g.storage = store
		return nil
	}
}

// WithStorageProvider sets a custom delivery store.
func WithStorageProvider(store ports.DeliveryStore) Option {
	return func(g *Gateway) error {
		g.storage = store
		return nil
	}
}

// WithEventPublisher sets a custom event publisher. It replaces the default
// publisher that writes to the delivery store.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(g *Gateway) error {
		g.events = publisher
		return nil
	}
}

// WithTunnel uses t instead of building one from tunnel.provider.
func WithTunnel(t ports.Tunnel) Option {
	return func(g *Gateway) error {
		if t == nil {
			return fmt.Errorf("tunnel cannot be nil")
		}
		g.tunnel = t
		return nil
	}
}

// WithWebhookHandler attaches h to every webhook declared in configuration,
// for all methods.
func WithWebhookHandler(h webhook.Handler) Option {
	return func(g *Gateway) error {
		g.configHandler = h
		return nil
	}
}
