package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/tunnelhook/internal/config"
	"github.com/tjfontaine/tunnelhook/internal/core/domain"
	"github.com/tjfontaine/tunnelhook/internal/lifecycle"
)

type stubTunnel struct {
	mu         sync.Mutex
	url        string
	err        error
	block      bool
	provisions int
	closes     int
	port       int
}

func (s *stubTunnel) Provision(ctx context.Context, localPort int) (string, error) {
	s.mu.Lock()
	s.provisions++
	s.port = localPort
	block, err, u := s.block, s.err, s.url
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return u, nil
}

func (s *stubTunnel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *stubTunnel) set(u string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url, s.err = u, err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Tunnel.Provider = "static"
	cfg.Tunnel.Options = map[string]any{"url": "https://hooks.example.com/"}
	cfg.Tunnel.Timeout = 2 * time.Second
	return cfg
}

func newTestGateway(t *testing.T, opts ...Option) *Gateway {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	g, err := New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.Shutdown(ctx)
	})
	return g
}

// localURL points a public webhook URL at the gateway's bound address.
func localURL(t *testing.T, g *Gateway, public string) string {
	t.Helper()
	u, err := url.Parse(public)
	if err != nil {
		t.Fatalf("parse %q: %v", public, err)
	}
	u.Scheme = "http"
	u.Host = g.Addr().String()
	return u.String()
}

func TestNew_RequiresConfig(t *testing.T) {
	if _, err := New(WithLogger(quietLogger())); err == nil {
		t.Fatal("expected error without config")
	}
	if _, err := New(WithConfig(nil)); err == nil {
		t.Fatal("expected error for nil config")
	}
	if _, err := New(WithConfig(testConfig()), WithLogger(nil)); err == nil {
		t.Fatal("expected error for nil logger")
	}
}

func TestGateway_EndToEnd(t *testing.T) {
	g := newTestGateway(t, WithConfig(testConfig()))

	if g.Ready() {
		t.Fatal("Ready() before Start")
	}
	if _, err := g.CreateWebhook("early", nil); !errors.Is(err, domain.ErrServerNotStarted) {
		t.Fatalf("CreateWebhook before Start error = %v, want ErrServerNotStarted", err)
	}
	if _, err := g.PublicURL(); !errors.Is(err, domain.ErrServerNotStarted) {
		t.Fatalf("PublicURL before Start error = %v", err)
	}

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !g.Ready() {
		t.Fatal("Ready() = false after Start")
	}
	if got, _ := g.PublicURL(); got != "https://hooks.example.com" {
		t.Errorf("PublicURL() = %q", got)
	}
	if g.Handler() == nil {
		t.Error("Handler() = nil after Start")
	}

	wh, err := g.CreateWebhook("abc123", map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("CreateWebhook() error = %v", err)
	}
	want := "https://hooks.example.com/?webhookId=abc123&webhookData=%7B%22text%22%3A%22hi%22%7D"
	if wh.URL != want {
		t.Errorf("URL = %q, want %q", wh.URL, want)
	}

	events := make(chan *domain.DispatchEvent, 1)
	wh.Subscriber.On(domain.MethodGet, func(ctx context.Context, ev *domain.DispatchEvent) error {
		events <- ev
		return nil
	})

	resp, err := http.Get(localURL(t, g, wh.URL) + "&foo=bar")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	select {
	case ev := <-events:
		if string(ev.CreationPayload) != `{"text":"hi"}` {
			t.Errorf("CreationPayload = %s", ev.CreationPayload)
		}
		if string(ev.RequestPayload) != `{"foo":"bar"}` {
			t.Errorf("RequestPayload = %s", ev.RequestPayload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	recs, err := g.Deliveries(context.Background(), "abc123", 10)
	if err != nil {
		t.Fatalf("Deliveries() error = %v", err)
	}
	if len(recs) != 1 || recs[0].Method != domain.MethodGet {
		t.Fatalf("Deliveries() = %+v", recs)
	}

	if hooks := g.Webhooks(); len(hooks) != 1 || hooks[0].ID != "abc123" {
		t.Errorf("Webhooks() = %+v", hooks)
	}
}

func TestGateway_StartTwice(t *testing.T) {
	g := newTestGateway(t, WithConfig(testConfig()))
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := g.Start(context.Background()); !errors.Is(err, domain.ErrAlreadyStarted) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestGateway_ProvisionFailureAllowsRetry(t *testing.T) {
	tun := &stubTunnel{err: errors.New("agent offline")}
	g := newTestGateway(t, WithConfig(testConfig()), WithTunnel(tun))

	err := g.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start() error")
	}
	if !strings.Contains(err.Error(), "provision injected tunnel") {
		t.Errorf("Start() error = %q, want injected tunnel label", err)
	}
	if got := g.guard.State(); got != lifecycle.NotStarted {
		t.Fatalf("state after failed start = %s, want NotStarted", got)
	}
	if g.Addr() != nil {
		t.Error("listener kept after failed start")
	}
	if tun.closes != 0 {
		t.Errorf("injected tunnel closed %d times after failed start", tun.closes)
	}

	tun.set("https://retry.example.com", nil)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("retry Start() error = %v", err)
	}
	if got, _ := g.PublicURL(); got != "https://retry.example.com" {
		t.Errorf("PublicURL() = %q", got)
	}
	if tun.port != g.Addr().(*net.TCPAddr).Port {
		t.Errorf("tunnel port = %d, listener = %s", tun.port, g.Addr())
	}
}

// oneShotTunnel cannot be provisioned again once closed, like the real
// providers.
type oneShotTunnel struct {
	mu     sync.Mutex
	calls  int
	closed bool
}

func (o *oneShotTunnel) Provision(ctx context.Context, localPort int) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", errors.New("tunnel closed")
	}
	o.calls++
	if o.calls == 1 {
		return "", errors.New("server busy")
	}
	return "https://second.example.com", nil
}

func (o *oneShotTunnel) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

func TestGateway_RetryKeepsInjectedTunnelOpen(t *testing.T) {
	tun := &oneShotTunnel{}
	g := newTestGateway(t, WithConfig(testConfig()), WithTunnel(tun))

	if err := g.Start(context.Background()); err == nil {
		t.Fatal("expected first Start() to fail")
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("retry Start() error = %v", err)
	}
	if got, _ := g.PublicURL(); got != "https://second.example.com" {
		t.Errorf("PublicURL() = %q", got)
	}

	if err := g.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !tun.closed {
		t.Error("Shutdown() did not close the injected tunnel")
	}
}

func TestGateway_BindFailureThenRetry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	cfg := testConfig()
	cfg.Server.Port = port
	g := newTestGateway(t, WithConfig(cfg), WithTunnel(&stubTunnel{url: "https://x.example.com"}))

	done := make(chan error, 1)
	go func() { done <- g.Start(context.Background()) }()
	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "bind") {
			t.Fatalf("Start() error = %v, want bind error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() hung after bind failure")
	}

	ln.Close()
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() after freeing the port error = %v", err)
	}
	if got := g.Addr().(*net.TCPAddr).Port; got != port {
		t.Errorf("bound port = %d, want %d", got, port)
	}
}

func TestGateway_ProvisionTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Tunnel.Timeout = 50 * time.Millisecond
	g := newTestGateway(t, WithConfig(cfg), WithTunnel(&stubTunnel{block: true}))

	err := g.Start(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Start() error = %v, want DeadlineExceeded", err)
	}
	if g.Ready() {
		t.Error("Ready() after timeout")
	}
}

func TestGateway_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig()
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port
	tun := &stubTunnel{url: "https://x.example.com"}
	g := newTestGateway(t, WithConfig(cfg), WithTunnel(tun))

	if err := g.Start(context.Background()); err == nil {
		t.Fatal("expected bind error")
	}
	if tun.provisions != 0 {
		t.Errorf("tunnel provisioned %d times after bind failure", tun.provisions)
	}
}

func TestGateway_Shutdown(t *testing.T) {
	g := newTestGateway(t, WithConfig(testConfig()))
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	addr := g.Addr().String()

	if err := g.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := g.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}

	if _, err := g.CreateWebhook("late", nil); !errors.Is(err, domain.ErrServerStopped) {
		t.Errorf("CreateWebhook after Shutdown error = %v, want ErrServerStopped", err)
	}
	if err := g.Start(context.Background()); !errors.Is(err, domain.ErrServerStopped) {
		t.Errorf("Start after Shutdown error = %v, want ErrServerStopped", err)
	}
	if _, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		t.Error("listener still accepting after Shutdown")
	}
}

func TestGateway_DeliveryLogDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Type = "none"
	g := newTestGateway(t, WithConfig(cfg))
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := g.Deliveries(context.Background(), "x", 0); !errors.Is(err, domain.ErrDeliveryLogDisabled) {
		t.Fatalf("Deliveries() error = %v, want ErrDeliveryLogDisabled", err)
	}
}

func TestGateway_SQLiteStorage(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Type = "sqlite"
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "deliveries.db")
	g := newTestGateway(t, WithConfig(cfg))
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	wh, err := g.CreateWebhook("sq", nil)
	if err != nil {
		t.Fatalf("CreateWebhook() error = %v", err)
	}
	resp, err := http.Post(localURL(t, g, wh.URL), "application/json", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()

	recs, err := g.Deliveries(context.Background(), "sq", 0)
	if err != nil {
		t.Fatalf("Deliveries() error = %v", err)
	}
	if len(recs) != 1 || recs[0].Method != domain.MethodPost {
		t.Fatalf("Deliveries() = %+v", recs)
	}
}

func TestGateway_ConfiguredWebhooksAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnelhook.yaml")
	base := `
server:
  host: 127.0.0.1
  port: 0
tunnel:
  provider: static
  options:
    url: https://hooks.example.com
webhooks:
  - id: first
    data:
      repo: tunnelhook
`
	if err := os.WriteFile(path, []byte(base), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	events := make(chan *domain.DispatchEvent, 4)
	g := newTestGateway(t,
		WithFileConfig(path),
		WithWebhookHandler(func(ctx context.Context, ev *domain.DispatchEvent) error {
			events <- ev
			return nil
		}))

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if hooks := g.Webhooks(); len(hooks) != 1 || hooks[0].ID != "first" {
		t.Fatalf("Webhooks() = %+v", hooks)
	}

	resp, err := http.Get("http://" + g.Addr().String() + `/?webhookId=first&webhookData=%7B%22repo%22%3A%22tunnelhook%22%7D`)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()

	select {
	case ev := <-events:
		if ev.WebhookID != "first" || string(ev.CreationPayload) != `{"repo":"tunnelhook"}` {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("configured handler not invoked")
	}

	updated := base + "  - id: second\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(g.Webhooks()) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Webhooks() after reload = %+v", g.Webhooks())
}
