// Package ports defines the interfaces the runtime depends on. Adapters
// provide the implementations.
package ports

import (
	"context"

	"github.com/tjfontaine/tunnelhook/internal/config"
	"github.com/tjfontaine/tunnelhook/internal/core/domain"
)

// ConfigProvider loads and watches configuration.
// Implementations: file-based (default).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// Tunnel exposes a local port through a public URL.
// Implementations: static, ngrok, localtunnel, tunnelmole.
type Tunnel interface {
	// Provision opens the tunnel to localPort and returns its public base URL.
	Provision(ctx context.Context, localPort int) (publicURL string, err error)
	Close() error
}

// EventPublisher publishes dispatched events to downstream consumers.
// Implementations: direct storage (default).
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.DispatchEvent) error
	Close() error
}
