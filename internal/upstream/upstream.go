// Package upstream builds and issues the actual HTTPS call to the Kiro
// CodeWhisperer-like endpoint: request construction (bearer token, Kiro
// version header) lives here so internal/dispatch only orchestrates the
// pipeline (spec.md §6 "Upstream wire protocol"). HTTP status
// classification is left to the caller (pool.OutcomeFromStatus).
package upstream

import (
	"bytes"
	"context"
	"net/http"

	"kirobridge/internal/account"
	"kirobridge/internal/config"
	"kirobridge/internal/kerr"
)

// TransportProvider supplies per-account HTTP clients (implemented by
// internal/transport.Manager).
type TransportProvider interface {
	GetClient(proxy *account.ProxyConfig) *http.Client
}

// Client issues converse calls against the Kiro endpoint.
type Client struct {
	cfg       *config.Config
	transport TransportProvider
}

func NewClient(cfg *config.Config, tp TransportProvider) *Client {
	return &Client{cfg: cfg, transport: tp}
}

// Converse POSTs body (already translated by internal/translate) to the
// Kiro CodeWhisperer endpoint using acc's access token and egress path.
// The caller owns resp.Body and must close it.
func (c *Client) Converse(ctx context.Context, acc *account.Account, accessToken string, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.KiroCodeWhispererURL, bytes.NewReader(body))
	if err != nil {
		return nil, kerr.New(kerr.InternalError, "build upstream request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("x-amzn-kiro-version", c.cfg.KiroVersion)
	if stream {
		req.Header.Set("Accept", "application/vnd.amazon.eventstream")
	}

	client := c.httpClient(acc)
	resp, err := client.Do(req)
	if err != nil {
		return nil, kerr.New(kerr.UpstreamTransient, "upstream request failed", err)
	}
	return resp, nil
}

func (c *Client) httpClient(acc *account.Account) *http.Client {
	var proxy *account.ProxyConfig
	if acc != nil {
		proxy = acc.Snapshot().Proxy
	}
	if c.transport != nil {
		return c.transport.GetClient(proxy)
	}
	return http.DefaultClient
}
