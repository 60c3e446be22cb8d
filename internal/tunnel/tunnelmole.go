package tunnel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tjfontaine/tunnelhook/internal/config"
	"github.com/tjfontaine/tunnelhook/internal/core/ports"
)

const defaultTunnelmoleEndpoint = "wss://service.tunnelmole.net:443"

// Message types exchanged with the tunnelmole service.
const (
	tmInitialise        = "initialise"
	tmHostnameAssigned  = "hostnameAssigned"
	tmForwardedRequest  = "forwardedRequest"
	tmForwardedResponse = "forwardedResponse"
	tmDomainTaken       = "domainAlreadyTaken"
	tmInvalidSubscribe  = "invalidSubscription"
)

type tunnelmoleOptions struct {
	Endpoint       string        `mapstructure:"endpoint"`
	ClientID       string        `mapstructure:"client_id"`
	APIKey         string        `mapstructure:"api_key"`
	Domain         string        `mapstructure:"domain"`
	LocalHost      string        `mapstructure:"local_host"`
	ForwardTimeout time.Duration `mapstructure:"forward_timeout"`
}

type tmEnvelope struct {
	Type string `json:"type"`
}

type tmInitialiseMessage struct {
	Type      string `json:"type"`
	ClientID  string `json:"clientId"`
	APIKey    string `json:"apiKey,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`
}

type tmHostnameMessage struct {
	Type     string `json:"type"`
	Hostname string `json:"hostname"`
}

type tmForwardedRequestMessage struct {
	Type      string              `json:"type"`
	RequestID string              `json:"requestId"`
	URL       string              `json:"url"`
	Method    string              `json:"method"`
	Headers   map[string][]string `json:"headers"`
	Body      string              `json:"body"`
}

type tmForwardedResponseMessage struct {
	Type       string              `json:"type"`
	RequestID  string              `json:"requestId"`
	URL        string              `json:"url"`
	StatusCode int                 `json:"statusCode"`
	Headers    map[string][]string `json:"headers"`
	Body       string              `json:"body"`
}

// tunnelmoleTunnel holds a websocket to the tunnelmole service and answers
// each forwarded request by replaying it against the local endpoint.
type tunnelmoleTunnel struct {
	opts   tunnelmoleOptions
	logger *slog.Logger
	local  *http.Client

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  bool
	wg      sync.WaitGroup
}

func parseTunnelmole(cfg config.TunnelConfig) (tunnelmoleOptions, error) {
	opts := tunnelmoleOptions{
		Endpoint:       defaultTunnelmoleEndpoint,
		LocalHost:      "localhost",
		ForwardTimeout: 30 * time.Second,
	}
	if err := decodeOptions(cfg.Options, &opts); err != nil {
		return opts, err
	}
	if err := checkBaseURL(opts.Endpoint, "ws", "wss"); err != nil {
		return opts, fmt.Errorf("endpoint: %w", err)
	}
	opts.Domain = strings.TrimSuffix(strings.TrimSpace(opts.Domain), ".tunnelmole.net")
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = 30 * time.Second
	}
	return opts, nil
}

func validateTunnelmole(cfg config.TunnelConfig) error {
	_, err := parseTunnelmole(cfg)
	return err
}

func newTunnelmole(cfg config.TunnelConfig, deps Deps) (ports.Tunnel, error) {
	opts, err := parseTunnelmole(cfg)
	if err != nil {
		return nil, err
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.New().String()
	}
	return &tunnelmoleTunnel{
		opts:   opts,
		logger: deps.Logger.With(slog.String("tunnel", ProviderTunnelmole)),
		local: &http.Client{
			Timeout: opts.ForwardTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

func (t *tunnelmoleTunnel) Provision(ctx context.Context, localPort int) (string, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", errors.New("tunnelmole: tunnel closed")
	}
	t.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.opts.Endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("connect to tunnelmole at %s: %w", t.opts.Endpoint, err)
	}

	// Unblock the handshake reads if ctx ends first.
	handshakeDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handshakeDone:
		}
	}()

	hostname, err := t.handshake(conn)
	close(handshakeDone)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return "", fmt.Errorf("tunnelmole handshake: %w", ctx.Err())
		}
		return "", err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return "", errors.New("tunnelmole: tunnel closed")
	}
	t.conn = conn
	t.mu.Unlock()

	base := "http://" + net.JoinHostPort(t.opts.LocalHost, strconv.Itoa(localPort))
	t.wg.Add(1)
	go t.readLoop(conn, base)

	publicURL := "https://" + hostname
	t.logger.Info("tunnelmole hostname assigned", slog.String("url", publicURL))
	return publicURL, nil
}

func (t *tunnelmoleTunnel) handshake(conn *websocket.Conn) (string, error) {
	hello := tmInitialiseMessage{
		Type:      tmInitialise,
		ClientID:  t.opts.ClientID,
		APIKey:    t.opts.APIKey,
		Subdomain: t.opts.Domain,
	}
	if err := t.writeJSON(conn, hello); err != nil {
		return "", fmt.Errorf("send tunnelmole initialise: %w", err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read tunnelmole handshake: %w", err)
		}
		var env tmEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return "", fmt.Errorf("decode tunnelmole message: %w", err)
		}
		switch env.Type {
		case tmHostnameAssigned:
			var msg tmHostnameMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				return "", fmt.Errorf("decode hostnameAssigned: %w", err)
			}
			if msg.Hostname == "" {
				return "", errors.New("tunnelmole assigned an empty hostname")
			}
			return msg.Hostname, nil
		case tmDomainTaken:
			return "", fmt.Errorf("tunnelmole domain %q is already taken", t.opts.Domain)
		case tmInvalidSubscribe:
			return "", errors.New("tunnelmole rejected the api key")
		default:
			t.logger.Debug("ignoring tunnelmole message during handshake", slog.String("type", env.Type))
		}
	}
}

func (t *tunnelmoleTunnel) readLoop(conn *websocket.Conn, base string) {
	defer t.wg.Done()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.logger.Error("tunnelmole connection lost", slog.String("error", err.Error()))
			}
			return
		}

		var env tmEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.logger.Warn("undecodable tunnelmole message", slog.String("error", err.Error()))
			continue
		}
		if env.Type != tmForwardedRequest {
			t.logger.Debug("ignoring tunnelmole message", slog.String("type", env.Type))
			continue
		}

		var msg tmForwardedRequestMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.logger.Warn("undecodable forwarded request", slog.String("error", err.Error()))
			continue
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			resp := t.forward(base, &msg)
			if err := t.writeJSON(conn, resp); err != nil {
				t.logger.Warn("failed to answer forwarded request",
					slog.String("request_id", msg.RequestID),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// forward replays a tunnelled request locally. Failures become a 502 reply
// so the remote visitor is never left hanging.
func (t *tunnelmoleTunnel) forward(base string, msg *tmForwardedRequestMessage) *tmForwardedResponseMessage {
	reply := &tmForwardedResponseMessage{
		Type:      tmForwardedResponse,
		RequestID: msg.RequestID,
		URL:       msg.URL,
	}
	fail := func(err error) *tmForwardedResponseMessage {
		t.logger.Warn("forwarded request failed",
			slog.String("request_id", msg.RequestID),
			slog.String("error", err.Error()))
		reply.StatusCode = http.StatusBadGateway
		reply.Headers = map[string][]string{"Content-Type": {"text/plain"}}
		reply.Body = base64.StdEncoding.EncodeToString([]byte("tunnelhook: " + err.Error()))
		return reply
	}

	body, err := base64.StdEncoding.DecodeString(msg.Body)
	if err != nil {
		return fail(fmt.Errorf("decode body: %w", err))
	}

	path := msg.URL
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequest(msg.Method, base+path, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("build request: %w", err))
	}
	for k, vs := range msg.Headers {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := t.local.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(fmt.Errorf("read local response: %w", err))
	}

	reply.StatusCode = resp.StatusCode
	reply.Headers = resp.Header
	reply.Body = base64.StdEncoding.EncodeToString(out)
	return reply
}

func (t *tunnelmoleTunnel) writeJSON(conn *websocket.Conn, v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (t *tunnelmoleTunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	var err error
	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = conn.Close()
	}
	t.wg.Wait()
	return err
}
