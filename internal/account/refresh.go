package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"kirobridge/internal/kerr"
)

// TransportProvider supplies per-account HTTP clients, so a refresh call
// goes out over the same dedicated egress path (proxy, connection pool)
// as the account's regular upstream traffic.
type TransportProvider interface {
	GetClient(proxy *ProxyConfig) *http.Client
}

// RefreshEndpoints configures the two upstream OAuth token endpoints.
type RefreshEndpoints struct {
	SocialTokenURL string
	IdCTokenURL    string
}

// TokenRefresher exchanges a refresh token for a fresh access token,
// dispatching on the account's auth method (spec.md §4.1, component C1).
// It is stateless per call — single-flight dedup lives in Account.
type TokenRefresher struct {
	endpoints RefreshEndpoints
	transport TransportProvider
	client    *http.Client // fallback client when no TransportProvider is set
}

func NewTokenRefresher(endpoints RefreshEndpoints, tp TransportProvider) *TokenRefresher {
	return &TokenRefresher{
		endpoints: endpoints,
		transport: tp,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// RefreshResult is what a successful refresh yields.
type RefreshResult struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string // non-empty only if the upstream rotated it
}

type socialTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	ExpiresAt    string `json:"expiresAt"` // ISO-8601, optional
	ExpiresIn    int    `json:"expiresIn"` // seconds, optional (TTL form)
	RefreshToken string `json:"refreshToken,omitempty"`
}

type idcTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	ExpiresIn    int    `json:"expiresIn"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// Refresh exchanges d's refresh token for a new access token. d is a
// snapshot — Refresh performs no mutation itself; the caller (Account)
// applies the result under its own lock.
func (r *TokenRefresher) Refresh(ctx context.Context, d *Data) (*RefreshResult, error) {
	switch d.AuthMethod {
	case AuthIdC:
		return r.refreshIdC(ctx, d)
	case AuthSocial, "":
		return r.refreshSocial(ctx, d)
	default:
		return nil, kerr.New(kerr.InvalidGrant, fmt.Sprintf("unknown auth method %q", d.AuthMethod), nil)
	}
}

func (r *TokenRefresher) refreshSocial(ctx context.Context, d *Data) (*RefreshResult, error) {
	body, _ := json.Marshal(map[string]string{"refreshToken": d.RefreshToken})

	var resp socialTokenResponse
	if err := r.post(ctx, d, r.endpoints.SocialTokenURL, body, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, kerr.New(kerr.InvalidGrant, "empty access token in social refresh response", nil)
	}

	expiresAt, err := expiryFromResponse(resp.ExpiresAt, resp.ExpiresIn)
	if err != nil {
		return nil, kerr.New(kerr.ServerError, "parse social token expiry", err)
	}

	return &RefreshResult{
		AccessToken:  resp.AccessToken,
		ExpiresAt:    expiresAt,
		RefreshToken: resp.RefreshToken,
	}, nil
}

func (r *TokenRefresher) refreshIdC(ctx context.Context, d *Data) (*RefreshResult, error) {
	if d.ClientID == "" || d.ClientSecret == "" {
		return nil, kerr.New(kerr.InvalidGrant, "idc account missing client_id/client_secret", nil)
	}

	body, _ := json.Marshal(map[string]string{
		"clientId":     d.ClientID,
		"clientSecret": d.ClientSecret,
		"grantType":    "refresh_token",
		"refreshToken": d.RefreshToken,
	})

	var resp idcTokenResponse
	if err := r.post(ctx, d, r.endpoints.IdCTokenURL, body, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, kerr.New(kerr.InvalidGrant, "empty access token in idc refresh response", nil)
	}

	return &RefreshResult{
		AccessToken:  resp.AccessToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second),
		RefreshToken: resp.RefreshToken, // IdC may rotate; caller persists atomically before discarding the old one
	}, nil
}

// post issues the refresh POST and classifies the outcome per spec.md §4.1:
// network failures and 5xx are retryable, anything else that rejects the
// grant is treated as InvalidGrant.
func (r *TokenRefresher) post(ctx context.Context, d *Data, url string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return kerr.New(kerr.InternalError, "build refresh request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := r.client
	if r.transport != nil {
		client = r.transport.GetClient(d.Proxy)
	}

	resp, err := client.Do(req)
	if err != nil {
		return kerr.New(kerr.NetworkError, "refresh request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return kerr.New(kerr.NetworkError, "read refresh response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(respBody, out); err != nil {
			return kerr.New(kerr.ServerError, "parse refresh response", err)
		}
		return nil
	case resp.StatusCode >= 500:
		return kerr.New(kerr.ServerError, fmt.Sprintf("refresh endpoint returned %d", resp.StatusCode), nil)
	default:
		// 400/401/403-class: the grant itself is rejected.
		return kerr.New(kerr.InvalidGrant, fmt.Sprintf("refresh endpoint returned %d: %s", resp.StatusCode, truncate(respBody, 200)), nil)
	}
}

// IsInvalidGrant reports whether err should disable the account immediately.
func IsInvalidGrant(err error) bool {
	return kerr.Is(err, kerr.InvalidGrant)
}

func expiryFromResponse(iso string, ttlSeconds int) (time.Time, error) {
	if iso != "" {
		return time.Parse(time.RFC3339, iso)
	}
	return time.Now().UTC().Add(time.Duration(ttlSeconds) * time.Second), nil
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
