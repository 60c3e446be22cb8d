package tunnel

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/tunnelhook/internal/config"
)

func listenerPort(t *testing.T, addr net.Addr) int {
	t.Helper()
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected address type %T", addr)
	}
	return tcp.Port
}

func TestLocaltunnel_PipesVisitorToLocal(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello from "+r.URL.RawQuery)
	}))
	defer backend.Close()
	backendAddr, _ := backend.Listener.Addr().(*net.TCPAddr)

	relay, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer relay.Close()

	control := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "new" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":             "abcd",
			"port":           listenerPort(t, relay.Addr()),
			"max_conn_count": 1,
			"url":            "https://abcd.loca.lt",
		})
	}))
	defer control.Close()

	tun, err := newLocaltunnel(config.TunnelConfig{
		Provider: ProviderLocaltunnel,
		Options: map[string]any{
			"host":         control.URL,
			"local_host":   "127.0.0.1",
			"redial_delay": "10ms",
		},
	}, quietDeps(t, ""))
	if err != nil {
		t.Fatalf("newLocaltunnel() error = %v", err)
	}
	defer tun.Close()

	got, err := tun.Provision(context.Background(), backendAddr.Port)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if got != "https://abcd.loca.lt" {
		t.Errorf("Provision() = %q", got)
	}

	visitor, err := relay.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer visitor.Close()
	visitor.SetDeadline(time.Now().Add(5 * time.Second))

	io.WriteString(visitor, "GET /?webhookId=abc123 HTTP/1.1\r\nHost: abcd.loca.lt\r\nConnection: close\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(visitor), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK || string(body) != "hello from webhookId=abc123" {
		t.Errorf("response = %d %q", resp.StatusCode, body)
	}
}

func TestLocaltunnel_WaitsBeforeRedialingClosedRelay(t *testing.T) {
	relay, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer relay.Close()

	var accepts atomic.Int64
	go func() {
		for {
			conn, err := relay.Accept()
			if err != nil {
				return
			}
			accepts.Add(1)
			conn.Close()
		}
	}()

	control := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":             "idle",
			"port":           listenerPort(t, relay.Addr()),
			"max_conn_count": 1,
			"url":            "https://idle.loca.lt",
		})
	}))
	defer control.Close()

	tun, err := newLocaltunnel(config.TunnelConfig{
		Provider: ProviderLocaltunnel,
		Options: map[string]any{
			"host":         control.URL,
			"local_host":   "127.0.0.1",
			"redial_delay": "100ms",
		},
	}, quietDeps(t, ""))
	if err != nil {
		t.Fatalf("newLocaltunnel() error = %v", err)
	}

	if _, err := tun.Provision(context.Background(), 1); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	time.Sleep(350 * time.Millisecond)
	tun.Close()

	if got := accepts.Load(); got > 6 {
		t.Errorf("relay saw %d dials in 350ms with a 100ms redial delay", got)
	}
	if accepts.Load() == 0 {
		t.Error("tunnel never dialed the relay")
	}
}

func TestLocaltunnel_RecordedSubdomain(t *testing.T) {
	tun, err := newLocaltunnel(config.TunnelConfig{
		Provider: ProviderLocaltunnel,
		Options:  map[string]any{"subdomain": "hooks-demo", "redial_delay": "10ms"},
	}, quietDeps(t, "localtunnel_subdomain"))
	if err != nil {
		t.Fatalf("newLocaltunnel() error = %v", err)
	}

	got, err := tun.Provision(context.Background(), 3000)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if got != "https://hooks-demo.loca.lt" {
		t.Errorf("Provision() = %q", got)
	}

	done := make(chan struct{})
	go func() {
		tun.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() did not stop the connection pool")
	}
}

func TestLocaltunnel_ServerUnavailable(t *testing.T) {
	tun, err := newLocaltunnel(config.TunnelConfig{Provider: ProviderLocaltunnel}, quietDeps(t, "localtunnel_unavailable"))
	if err != nil {
		t.Fatalf("newLocaltunnel() error = %v", err)
	}
	defer tun.Close()

	_, err = tun.Provision(context.Background(), 3000)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("Provision() error = %v, want 503", err)
	}
}

func TestLocaltunnel_ErrorMessage(t *testing.T) {
	control := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"message":"Subdomain is reserved"}`)
	}))
	defer control.Close()

	tun, err := newLocaltunnel(config.TunnelConfig{
		Provider: ProviderLocaltunnel,
		Options:  map[string]any{"host": control.URL, "subdomain": "reserved"},
	}, quietDeps(t, ""))
	if err != nil {
		t.Fatalf("newLocaltunnel() error = %v", err)
	}
	defer tun.Close()

	_, err = tun.Provision(context.Background(), 3000)
	if err == nil || !strings.Contains(err.Error(), "Subdomain is reserved") {
		t.Fatalf("Provision() error = %v", err)
	}
}

func TestValidSubdomain(t *testing.T) {
	tests := map[string]bool{
		"hooks":                  true,
		"hooks-demo-01":          true,
		"abc":                    false,
		"-hooks":                 false,
		"hooks-":                 false,
		"Hooks":                  false,
		"hooks_demo":             false,
		strings.Repeat("a", 63):  true,
		strings.Repeat("a", 64):  false,
		"x" + strconv.Itoa(1234): true,
	}
	for in, want := range tests {
		if got := validSubdomain(in); got != want {
			t.Errorf("validSubdomain(%q) = %v, want %v", in, got, want)
		}
	}
}
