// Package runtime provides the Gateway that owns the HTTP endpoint, the
// tunnel and the webhook registry, and manages their lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tjfontaine/tunnelhook/internal/adapters/events/direct"
	"github.com/tjfontaine/tunnelhook/internal/config"
	"github.com/tjfontaine/tunnelhook/internal/core/domain"
	"github.com/tjfontaine/tunnelhook/internal/core/ports"
	"github.com/tjfontaine/tunnelhook/internal/dispatch"
	"github.com/tjfontaine/tunnelhook/internal/lifecycle"
	"github.com/tjfontaine/tunnelhook/internal/server"
	"github.com/tjfontaine/tunnelhook/internal/storage/memory"
	"github.com/tjfontaine/tunnelhook/internal/storage/sqldb"
	"github.com/tjfontaine/tunnelhook/internal/tunnel"
	"github.com/tjfontaine/tunnelhook/internal/webhook"
)

const defaultTunnelTimeout = 30 * time.Second

// Gateway is the main entry point. It can be embedded in a larger
// application or run standalone from cmd/tunnelhook.
type Gateway struct {
	// Dependencies (injected via options)
	config        ports.ConfigProvider
	cfg           *config.Config
	storage       ports.DeliveryStore
	events        ports.EventPublisher
	tunnel        ports.Tunnel
	configHandler webhook.Handler
	logger        *slog.Logger

	// Set by Start from configuration when not injected.
	ownedTunnel  bool
	ownedStorage bool
	ownedEvents  bool

	guard    *lifecycle.Guard
	registry *webhook.Registry
	server   *server.Server
	listener net.Listener
	serveErr chan error

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New creates a Gateway. A configuration is required, either loaded
// (WithConfig) or from a provider (WithFileConfig).
func New(opts ...Option) (*Gateway, error) {
	g := &Gateway{
		logger: slog.Default(),
		guard:  lifecycle.NewGuard(),
	}

	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if g.cfg == nil && g.config == nil {
		return nil, fmt.Errorf("config required (use WithConfig or WithFileConfig)")
	}

	g.registry = webhook.NewRegistry(g.guard, webhook.WithLogger(g.logger))
	return g, nil
}

// Start binds the HTTP endpoint, provisions the tunnel and marks the
// gateway ready. It blocks until the tunnel reports its public URL or
// tunnel.timeout expires. A failed Start leaves the gateway startable again.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.guard.Begin(); err != nil {
		return err
	}

	if err := g.start(ctx); err != nil {
		g.teardownFailedStart()
		g.guard.Fail(err)
		return err
	}

	g.registerConfigured(g.cfg.Webhooks)
	if g.config != nil {
		g.watchConfig()
	}
	return nil
}

func (g *Gateway) start(ctx context.Context) error {
	if g.config != nil {
		cfg, err := g.config.Load(ctx)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		g.cfg = cfg
	}
	cfg := g.cfg

	if g.tunnel == nil {
		tunnel.RegisterBuiltins()
		t, err := tunnel.CreateFromFactory(cfg.Tunnel, tunnel.Deps{Logger: g.logger})
		if err != nil {
			return fmt.Errorf("create tunnel: %w", err)
		}
		g.tunnel = t
		g.ownedTunnel = true
	}

	if err := g.initStorage(cfg.Storage); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", cfg.Server.Addr(), err)
	}

	dispatcher := dispatch.NewHandler(g.registry, dispatch.HandlerOptions{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Publisher:    g.events,
		Logger:       g.logger,
	})
	g.server = server.New(g.logger, dispatcher, server.Options{
		RequestTimeout: cfg.Server.RequestTimeout,
		ServiceName:    cfg.Telemetry.ServiceName,
	})
	g.listener = ln
	serveErr := make(chan error, 1)
	g.serveErr = serveErr
	go func(srv *server.Server) {
		serveErr <- srv.Serve(ln)
	}(g.server)

	port := ln.Addr().(*net.TCPAddr).Port

	timeout := cfg.Tunnel.Timeout
	if timeout <= 0 {
		timeout = defaultTunnelTimeout
	}
	provisionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	provider := cfg.Tunnel.Provider
	if !g.ownedTunnel {
		provider = "injected"
	}
	g.logger.Info("provisioning tunnel",
		slog.String("provider", provider),
		slog.Int("port", port),
		slog.Duration("timeout", timeout))

	publicURL, err := g.tunnel.Provision(provisionCtx, port)
	if err != nil {
		return fmt.Errorf("provision %s tunnel: %w", provider, err)
	}
	if err := g.guard.Ready(publicURL); err != nil {
		return fmt.Errorf("tunnel returned unusable url %q: %w", publicURL, err)
	}

	g.ctx, g.cancel = context.WithCancel(context.Background())

	g.logger.Info("gateway ready",
		slog.String("public_url", domain.NormalizeBaseURL(publicURL)),
		slog.String("addr", ln.Addr().String()))
	return nil
}

func (g *Gateway) initStorage(cfg config.StorageConfig) error {
	if g.storage == nil {
		switch cfg.Type {
		case "", "memory":
			g.storage = memory.New(cfg.Memory.MaxPerWebhook)
			g.ownedStorage = true
		case "sqlite":
			store, err := sqldb.NewSQLite(cfg.SQLite.Path)
			if err != nil {
				return err
			}
			g.storage = store
			g.ownedStorage = true
		case "none":
		default:
			return fmt.Errorf("unknown storage type %q", cfg.Type)
		}
	}

	if g.events == nil && g.storage != nil {
		publisher, err := direct.NewPublisher(g.storage)
		if err != nil {
			return fmt.Errorf("create default event publisher: %w", err)
		}
		g.events = publisher
		g.ownedEvents = true
	}
	return nil
}

// teardownFailedStart releases what start acquired so Start can be retried.
func (g *Gateway) teardownFailedStart() {
	if g.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Warn("failed to stop server", slog.String("error", err.Error()))
		}
		cancel()
		if g.serveErr != nil {
			<-g.serveErr
			g.serveErr = nil
		}
		g.server = nil
		g.listener = nil
	}
	// A tunnel passed in with WithTunnel stays open for the next attempt.
	if g.ownedTunnel {
		if err := g.tunnel.Close(); err != nil {
			g.logger.Warn("failed to close tunnel", slog.String("error", err.Error()))
		}
		g.tunnel = nil
		g.ownedTunnel = false
	}
	if g.ownedEvents {
		g.events.Close()
		g.events = nil
		g.ownedEvents = false
	}
	if g.ownedStorage {
		g.storage.Close()
		g.storage = nil
		g.ownedStorage = false
	}
}

// Shutdown stops accepting requests, closes the tunnel and waits for queued
// events to reach their handlers (bounded by ctx). The gateway cannot be
// restarted afterwards.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.guard.State() == lifecycle.Stopped {
		return nil
	}
	g.logger.Info("shutting down gateway")
	g.guard.Stop()

	if g.cancel != nil {
		g.cancel()
	}

	var errs []error

	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
		if g.serveErr != nil {
			if err := <-g.serveErr; err != nil {
				errs = append(errs, fmt.Errorf("serve: %w", err))
			}
			g.serveErr = nil
		}
	}

	if g.tunnel != nil {
		if err := g.tunnel.Close(); err != nil {
			g.logger.Error("failed to close tunnel", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("close tunnel: %w", err))
		}
	}

	if err := g.registry.Close(ctx); err != nil {
		g.logger.Error("failed to drain webhooks", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if g.events != nil {
		if err := g.events.Close(); err != nil {
			g.logger.Error("failed to close events", slog.String("error", err.Error()))
		}
	}

	if g.storage != nil {
		if err := g.storage.Close(); err != nil {
			g.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}

	if g.config != nil {
		if err := g.config.Close(); err != nil {
			g.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

// CreateWebhook registers id and returns its subscriber and public URL.
// It fails with domain.ErrServerNotStarted until Start has completed.
func (g *Gateway) CreateWebhook(id domain.WebhookID, data any) (*webhook.Webhook, error) {
	return g.registry.Create(id, data)
}

// Ready reports whether the gateway has a public URL.
func (g *Gateway) Ready() bool {
	return g.guard.IsReady()
}

// PublicURL returns the tunnel's public base URL.
func (g *Gateway) PublicURL() (string, error) {
	return g.guard.PublicBaseURL()
}

// Addr returns the bound local address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Handler returns the HTTP handler serving the endpoint, or nil before Start.
func (g *Gateway) Handler() http.Handler {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.server == nil {
		return nil
	}
	return g.server.Router
}

// Webhooks lists registered webhooks sorted by id.
func (g *Gateway) Webhooks() []webhook.Registration {
	return g.registry.List()
}

// Deliveries returns the newest recorded deliveries for id.
func (g *Gateway) Deliveries(ctx context.Context, id domain.WebhookID, limit int) ([]*domain.DeliveryRecord, error) {
	g.mu.Lock()
	store := g.storage
	g.mu.Unlock()

	if store == nil {
		return nil, domain.ErrDeliveryLogDisabled
	}
	return store.ListDeliveries(ctx, id, limit)
}

// registerConfigured creates the webhooks declared in configuration that do
// not exist yet.
func (g *Gateway) registerConfigured(hooks []config.WebhookConfig) int {
	added := 0
	for _, wh := range hooks {
		id := domain.WebhookID(wh.ID)
		if _, exists := g.registry.Lookup(id); exists {
			continue
		}
		created, err := g.registry.Create(id, wh.Data)
		if err != nil {
			g.logger.Error("failed to register configured webhook",
				slog.String("webhook_id", wh.ID),
				slog.String("error", err.Error()))
			continue
		}
		if g.configHandler != nil {
			created.Subscriber.OnAny(g.configHandler)
		}
		g.logger.Info("configured webhook ready",
			slog.String("webhook_id", wh.ID),
			slog.String("url", created.URL))
		added++
	}
	return added
}

// watchConfig registers webhooks added to the config file while running.
// Other settings take effect on restart.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.Config) {
		added := g.registerConfigured(newCfg.Webhooks)
		g.logger.Info("reload complete",
			slog.Int("webhooks_added", added),
			slog.Int("webhooks", g.registry.Len()))
	}

	if err := g.config.Watch(g.ctx, onChange); err != nil {
		g.logger.Error("config watch failed", slog.String("error", err.Error()))
	}
}
