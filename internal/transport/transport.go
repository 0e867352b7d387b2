// Package transport hands out per-account HTTP clients for upstream Kiro
// calls. Each distinct proxy configuration gets its own pooled transport so
// accounts routed through different egress paths don't share connections —
// a legitimate pool concern since distinct Kiro accounts may need distinct
// egress routing (spec.md §3 ProxyConfig); accounts with no proxy share one
// direct transport. There is no TLS-fingerprint evasion here: Kiro's
// CodeWhisperer endpoint is a plain AWS API, not a browser-fingerprinted
// surface, so this is standard crypto/tls plus transparent HTTP/2 rather
// than the custom client-hello building the teacher's own claude.ai-facing
// relay needed.
package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"kirobridge/internal/account"
	"kirobridge/internal/config"
)

// Manager pools per-proxy-configuration HTTP transports.
type Manager struct {
	mu             sync.Mutex
	entries        map[string]*poolEntry
	requestTimeout time.Duration
}

type poolEntry struct {
	roundTripper http.RoundTripper
	lastUsed     time.Time
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		entries:        make(map[string]*poolEntry),
		requestTimeout: cfg.RequestTimeout,
	}
}

// GetClient returns an http.Client for the given proxy config (nil ⇒ direct).
// Satisfies account.TransportProvider.
func (m *Manager) GetClient(proxyCfg *account.ProxyConfig) *http.Client {
	return &http.Client{
		Transport: m.getRoundTripper(proxyCfg),
		Timeout:   m.requestTimeout,
	}
}

func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(5 * time.Minute)
		}
	}
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		closeIdle(entry.roundTripper)
		delete(m.entries, key)
	}
}

func (m *Manager) getRoundTripper(pcfg *account.ProxyConfig) http.RoundTripper {
	key := transportKey(pcfg)

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.roundTripper
	}

	rt := buildRoundTripper(pcfg)
	m.entries[key] = &poolEntry{roundTripper: rt, lastUsed: time.Now()}
	return rt
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			closeIdle(entry.roundTripper)
			delete(m.entries, key)
		}
	}
}

func closeIdle(rt http.RoundTripper) {
	if t, ok := rt.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

func transportKey(pcfg *account.ProxyConfig) string {
	if pcfg == nil {
		return "direct"
	}
	return fmt.Sprintf("%s://%s:%d", pcfg.Type, pcfg.Host, pcfg.Port)
}

// --- Transport building ---

// buildRoundTripper returns a standard-library *http.Transport, upgraded to
// transparent HTTP/2 via http2.ConfigureTransport. A proxy config only
// changes how the underlying TCP stream is obtained (SOCKS5 or HTTP
// CONNECT) — TLS and protocol negotiation stay entirely in net/http and
// crypto/tls, which already speak standard TLS 1.2/1.3 and ALPN against
// Kiro's upstream without needing a custom client hello.
func buildRoundTripper(pcfg *account.ProxyConfig) http.RoundTripper {
	t := &http.Transport{
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     5 * time.Minute,
	}
	if pcfg != nil {
		t.DialContext = proxyDialer(pcfg)
	}
	if err := http2.ConfigureTransport(t); err != nil {
		// ConfigureTransport only fails on a Transport already carrying an
		// incompatible TLSNextProto map, which buildRoundTripper never sets.
		panic(err)
	}
	return t
}

// --- Proxy dialing (SOCKS5 + HTTP CONNECT) ---

// proxyDialer returns a DialContext func that tunnels the raw TCP stream
// through the configured proxy; net/http's own Transport performs the TLS
// handshake on top of the returned connection.
func proxyDialer(pcfg *account.ProxyConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	switch pcfg.Type {
	case "socks5":
		return socks5Dialer(pcfg)
	default:
		return httpConnectDialer(pcfg)
	}
}

func socks5Dialer(pcfg *account.ProxyConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", pcfg.Host, pcfg.Port)

		var auth *proxy.Auth
		if pcfg.Username != "" {
			auth = &proxy.Auth{User: pcfg.Username, Password: pcfg.Password}
		}

		dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}

		conn, err := dialer.Dial(network, addr)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial: %w", err)
		}
		return conn, nil
	}
}

func httpConnectDialer(pcfg *account.ProxyConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", pcfg.Host, pcfg.Port)

		dialer := &net.Dialer{}
		conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("proxy tcp dial: %w", err)
		}

		connectReq := &http.Request{
			Method: http.MethodConnect,
			URL:    nil,
			Host:   addr,
			Header: make(http.Header),
		}
		if pcfg.Username != "" {
			cred := base64.StdEncoding.EncodeToString([]byte(pcfg.Username + ":" + pcfg.Password))
			connectReq.Header.Set("Proxy-Authorization", "Basic "+cred)
		}

		if err := connectReq.Write(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("proxy CONNECT write: %w", err)
		}

		resp, err := http.ReadResponse(bufio.NewReader(conn), connectReq)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("proxy CONNECT read: %w", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			conn.Close()
			return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
		}

		return conn, nil
	}
}
