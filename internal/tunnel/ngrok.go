package tunnel

import (
	"bytes"
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
	defaultNgrokAPIURL = "http://127.0.0.1:4040"
	defaultNgrokName   = "tunnelhook"
)

type ngrokOptions struct {
	APIURL    string `mapstructure:"api_url"`
	Name      string `mapstructure:"name"`
	Domain    string `mapstructure:"domain"`
	AuthToken string `mapstructure:"authtoken"`
	LocalHost string `mapstructure:"local_host"`
}

// ngrokTunnel starts and stops a tunnel through the local API of a running
// ngrok agent.
type ngrokTunnel struct {
	opts   ngrokOptions
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	opened bool
}

type ngrokStartRequest struct {
	Name   string `json:"name"`
	Addr   string `json:"addr"`
	Proto  string `json:"proto"`
	Domain string `json:"domain,omitempty"`
}

type ngrokTunnelResponse struct {
	Name      string `json:"name"`
	PublicURL string `json:"public_url"`
	Proto     string `json:"proto"`
}

type ngrokErrorResponse struct {
	ErrorCode  int    `json:"error_code"`
	StatusCode int    `json:"status_code"`
	Msg        string `json:"msg"`
}

func parseNgrok(cfg config.TunnelConfig) (ngrokOptions, error) {
	opts := ngrokOptions{
		APIURL:    defaultNgrokAPIURL,
		Name:      defaultNgrokName,
		LocalHost: "localhost",
	}
	if err := decodeOptions(cfg.Options, &opts); err != nil {
		return opts, err
	}
	opts.APIURL = domain.NormalizeBaseURL(opts.APIURL)
	if err := checkBaseURL(opts.APIURL, "http", "https"); err != nil {
		return opts, fmt.Errorf("api_url: %w", err)
	}
	if strings.TrimSpace(opts.Name) == "" {
		return opts, errors.New("name cannot be empty")
	}
	return opts, nil
}

func validateNgrok(cfg config.TunnelConfig) error {
	_, err := parseNgrok(cfg)
	return err
}

func newNgrok(cfg config.TunnelConfig, deps Deps) (ports.Tunnel, error) {
	opts, err := parseNgrok(cfg)
	if err != nil {
		return nil, err
	}
	return &ngrokTunnel{
		opts:   opts,
		client: deps.HTTPClient,
		logger: deps.Logger.With(slog.String("tunnel", ProviderNgrok)),
	}, nil
}

func (t *ngrokTunnel) Provision(ctx context.Context, localPort int) (string, error) {
	body, err := json.Marshal(ngrokStartRequest{
		Name:   t.opts.Name,
		Addr:   net.JoinHostPort(t.opts.LocalHost, strconv.Itoa(localPort)),
		Proto:  "http",
		Domain: t.opts.Domain,
	})
	if err != nil {
		return "", fmt.Errorf("encode ngrok request: %w", err)
	}

	req, err := t.newRequest(ctx, http.MethodPost, "/api/tunnels", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ngrok agent unreachable at %s: %w", t.opts.APIURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read ngrok response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", ngrokError(resp.StatusCode, raw)
	}

	var tr ngrokTunnelResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return "", fmt.Errorf("decode ngrok response: %w", err)
	}
	if tr.PublicURL == "" {
		return "", errors.New("ngrok response did not include a public_url")
	}

	t.mu.Lock()
	t.opened = true
	t.mu.Unlock()

	t.logger.Info("ngrok tunnel started",
		slog.String("name", t.opts.Name),
		slog.String("public_url", tr.PublicURL))
	return domain.NormalizeBaseURL(tr.PublicURL), nil
}

// Close stops the tunnel on the agent. The agent itself keeps running.
func (t *ngrokTunnel) Close() error {
	t.mu.Lock()
	opened := t.opened
	t.opened = false
	t.mu.Unlock()
	if !opened {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := t.newRequest(ctx, http.MethodDelete, "/api/tunnels/"+url.PathEscape(t.opts.Name), nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("stop ngrok tunnel: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return ngrokError(resp.StatusCode, raw)
	}
	return nil
}

func (t *ngrokTunnel) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.opts.APIURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build ngrok request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if t.opts.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.opts.AuthToken)
	}
	return req, nil
}

func ngrokError(status int, raw []byte) error {
	var er ngrokErrorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Msg != "" {
		return fmt.Errorf("ngrok agent returned %d (error %d): %s", status, er.ErrorCode, er.Msg)
	}
	return fmt.Errorf("ngrok agent returned %d: %s", status, strings.TrimSpace(string(raw)))
}
