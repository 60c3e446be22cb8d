package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tjfontaine/tunnelhook/internal/config"
	"github.com/tjfontaine/tunnelhook/internal/core/domain"
	"github.com/tjfontaine/tunnelhook/internal/core/ports"
)

const (
	defaultLocaltunnelHost = "https://localtunnel.me"
	defaultRedialDelay     = time.Second
)

type localtunnelOptions struct {
	Host        string        `mapstructure:"host"`
	Subdomain   string        `mapstructure:"subdomain"`
	LocalHost   string        `mapstructure:"local_host"`
	RedialDelay time.Duration `mapstructure:"redial_delay"`
}

// localtunnelInfo is the server's reply to a tunnel request.
type localtunnelInfo struct {
	ID           string `json:"id"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
	Message      string `json:"message"`
}

// localtunnelTunnel keeps a pool of outbound TCP connections to the
// localtunnel server. Each connection carries one visitor at a time and is
// spliced to a fresh local connection once the first byte arrives.
type localtunnelTunnel struct {
	opts   localtunnelOptions
	client *http.Client
	logger *slog.Logger
	dialer net.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func parseLocaltunnel(cfg config.TunnelConfig) (localtunnelOptions, error) {
	opts := localtunnelOptions{
		Host:        defaultLocaltunnelHost,
		LocalHost:   "localhost",
		RedialDelay: defaultRedialDelay,
	}
	if err := decodeOptions(cfg.Options, &opts); err != nil {
		return opts, err
	}
	opts.Host = domain.NormalizeBaseURL(opts.Host)
	if err := checkBaseURL(opts.Host, "http", "https"); err != nil {
		return opts, fmt.Errorf("host: %w", err)
	}
	if opts.Subdomain != "" && !validSubdomain(opts.Subdomain) {
		return opts, fmt.Errorf("subdomain %q must be 4-63 lowercase letters, digits or dashes", opts.Subdomain)
	}
	if opts.RedialDelay <= 0 {
		opts.RedialDelay = defaultRedialDelay
	}
	return opts, nil
}

func validSubdomain(s string) bool {
	if len(s) < 4 || len(s) > 63 || s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	for _, c := range s {
		if !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9') && c != '-' {
			return false
		}
	}
	return true
}

func validateLocaltunnel(cfg config.TunnelConfig) error {
	_, err := parseLocaltunnel(cfg)
	return err
}

func newLocaltunnel(cfg config.TunnelConfig, deps Deps) (ports.Tunnel, error) {
	opts, err := parseLocaltunnel(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &localtunnelTunnel{
		opts:   opts,
		client: deps.HTTPClient,
		logger: deps.Logger.With(slog.String("tunnel", ProviderLocaltunnel)),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

func (t *localtunnelTunnel) Provision(ctx context.Context, localPort int) (string, error) {
	if err := t.ctx.Err(); err != nil {
		return "", errors.New("localtunnel: tunnel closed")
	}

	info, err := t.requestTunnel(ctx)
	if err != nil {
		return "", err
	}

	remoteHost := info.IP
	if remoteHost == "" {
		u, _ := url.Parse(t.opts.Host)
		remoteHost = u.Hostname()
	}
	remote := net.JoinHostPort(remoteHost, strconv.Itoa(info.Port))
	local := net.JoinHostPort(t.opts.LocalHost, strconv.Itoa(localPort))

	n := info.MaxConnCount
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		t.wg.Add(1)
		go t.keepConnection(remote, local)
	}

	t.logger.Info("localtunnel assigned",
		slog.String("id", info.ID),
		slog.String("url", info.URL),
		slog.String("remote", remote),
		slog.Int("connections", n))
	return domain.NormalizeBaseURL(info.URL), nil
}

func (t *localtunnelTunnel) requestTunnel(ctx context.Context) (*localtunnelInfo, error) {
	endpoint := t.opts.Host + "/?new"
	if t.opts.Subdomain != "" {
		endpoint = t.opts.Host + "/" + t.opts.Subdomain
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build localtunnel request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("localtunnel server unreachable at %s: %w", t.opts.Host, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read localtunnel response: %w", err)
	}

	var info localtunnelInfo
	decodeErr := json.Unmarshal(raw, &info)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && info.Message != "" {
			return nil, fmt.Errorf("localtunnel server returned %d: %s", resp.StatusCode, info.Message)
		}
		return nil, fmt.Errorf("localtunnel server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode localtunnel response: %w", decodeErr)
	}
	if info.URL == "" || info.Port == 0 {
		return nil, errors.New("localtunnel response missing url or port")
	}
	return &info, nil
}

// errRelayClosed means the server hung up before a visitor arrived.
var errRelayClosed = errors.New("relay closed before a visitor connected")

// keepConnection holds one slot of the pool open until Close.
func (t *localtunnelTunnel) keepConnection(remote, local string) {
	defer t.wg.Done()

	for t.ctx.Err() == nil {
		if err := t.serveOne(remote, local); err != nil && t.ctx.Err() == nil {
			if errors.Is(err, errRelayClosed) {
				t.logger.Debug("localtunnel relay closed idle connection", slog.String("remote", remote))
			} else {
				t.logger.Warn("localtunnel connection failed",
					slog.String("remote", remote),
					slog.String("error", err.Error()))
			}
			select {
			case <-t.ctx.Done():
			case <-time.After(t.opts.RedialDelay):
			}
		}
	}
}

// serveOne dials the server, waits for a visitor, then pipes the visitor to
// the local endpoint until either side closes.
func (t *localtunnelTunnel) serveOne(remote, local string) error {
	rconn, err := t.dialer.DialContext(t.ctx, "tcp", remote)
	if err != nil {
		return fmt.Errorf("dial remote: %w", err)
	}
	t.track(rconn)
	defer t.untrack(rconn)

	buf := make([]byte, 32*1024)
	n, err := rconn.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errRelayClosed
		}
		return fmt.Errorf("read remote: %w", err)
	}

	lconn, err := t.dialer.DialContext(t.ctx, "tcp", local)
	if err != nil {
		return fmt.Errorf("dial local: %w", err)
	}
	t.track(lconn)
	defer t.untrack(lconn)

	if _, err := lconn.Write(buf[:n]); err != nil {
		return fmt.Errorf("write local: %w", err)
	}

	splice(rconn, lconn)
	return nil
}

// splice copies in both directions and returns once either direction ends.
func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	a.Close()
	b.Close()
	<-done
}

// track registers c for Close. A conn dialed after Close is closed at once.
func (t *localtunnelTunnel) track(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		c.Close()
		return
	}
	t.conns[c] = struct{}{}
}

func (t *localtunnelTunnel) untrack(c net.Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
	c.Close()
}

// Close tears down every pooled connection and waits for the pool to exit.
func (t *localtunnelTunnel) Close() error {
	t.cancel()
	t.mu.Lock()
	for c := range t.conns {
		c.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}
