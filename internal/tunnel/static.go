package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/tjfontaine/tunnelhook/internal/config"
	"github.com/tjfontaine/tunnelhook/internal/core/domain"
	"github.com/tjfontaine/tunnelhook/internal/core/ports"
)

type staticOptions struct {
	URL string `mapstructure:"url"`
}

// staticTunnel reports a preconfigured public URL, for deployments where
// something else (a reverse proxy, a cloud load balancer) already forwards
// traffic to the local port.
type staticTunnel struct {
	url string
}

func parseStatic(cfg config.TunnelConfig) (staticOptions, error) {
	var opts staticOptions
	if err := decodeOptions(cfg.Options, &opts); err != nil {
		return opts, err
	}
	opts.URL = domain.NormalizeBaseURL(opts.URL)
	if opts.URL == "" {
		return opts, errors.New("url is required")
	}
	if err := checkBaseURL(opts.URL, "http", "https"); err != nil {
		return opts, err
	}
	return opts, nil
}

func validateStatic(cfg config.TunnelConfig) error {
	_, err := parseStatic(cfg)
	return err
}

func newStatic(cfg config.TunnelConfig, _ Deps) (ports.Tunnel, error) {
	opts, err := parseStatic(cfg)
	if err != nil {
		return nil, err
	}
	return &staticTunnel{url: opts.URL}, nil
}

func (s *staticTunnel) Provision(ctx context.Context, _ int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.url, nil
}

func (s *staticTunnel) Close() error { return nil }

// checkBaseURL verifies raw is an absolute URL using one of schemes.
func checkBaseURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: missing host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid url %q: scheme must be one of %v", raw, schemes)
}
