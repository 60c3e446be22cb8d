package file

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tjfontaine/tunnelhook/internal/config"
)

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestNewProvider_EmptyPath(t *testing.T) {
	if _, err := NewProvider(""); err == nil {
		t.Error("Expected error for empty path")
	}
}

func TestProvider_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnelhook.yaml")
	writeConfig(t, path, `
server:
  port: 4000
tunnel:
  provider: static
  options:
    url: https://hooks.example.com
`)

	p, err := NewProvider(path, quiet())
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.Current() != nil {
		t.Error("Current() should be nil before Load")
	}

	cfg, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 4000 || cfg.Tunnel.Provider != "static" {
		t.Errorf("cfg = %+v", cfg)
	}
	if p.Current() != cfg {
		t.Error("Current() does not return the loaded config")
	}
}

func TestProvider_LoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnelhook.yaml")
	writeConfig(t, path, "server:\n  port: 99999\n")

	p, _ := NewProvider(path, quiet())
	if _, err := p.Load(context.Background()); err == nil {
		t.Error("Expected validation error")
	}
}

func TestProvider_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnelhook.yaml")
	writeConfig(t, path, "tunnel:\n  provider: static\n  options:\n    url: https://a.example.com\n")

	p, _ := NewProvider(path, quiet())
	if _, err := p.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer p.Close()

	changes := make(chan *config.Config, 4)
	if err := p.Watch(ctx, func(cfg *config.Config) { changes <- cfg }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	// An invalid edit is logged and skipped.
	writeConfig(t, path, "server:\n  port: -1\n")
	time.Sleep(3 * reloadDebounce)
	writeConfig(t, path, `
tunnel:
  provider: static
  options:
    url: https://a.example.com
webhooks:
  - id: added
`)

	select {
	case cfg := <-changes:
		if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].ID != "added" {
			t.Errorf("reloaded webhooks = %+v", cfg.Webhooks)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
