package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"kirobridge/internal/account"
	"kirobridge/internal/kerr"
)

type usageLimitsResponse struct {
	UsageLimits []struct {
		Used  int64 `json:"currentUsage"`
		Limit int64 `json:"usageLimit"`
	} `json:"usageLimits"`
}

// FetchQuota implements pool.QuotaFetcher against the Kiro usage endpoint
// (spec.md §4.3a). Used by the exhausted scanner and admin-initiated
// refreshes; never on the request path.
func (c *Client) FetchQuota(ctx context.Context, acc *account.Account) (*account.QuotaSnapshot, error) {
	d := acc.Snapshot()
	if d.AccessToken == "" {
		return nil, kerr.New(kerr.InternalError, "no access token to query quota", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.KiroUsageURL, nil)
	if err != nil {
		return nil, kerr.New(kerr.InternalError, "build quota request", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.AccessToken)
	req.Header.Set("x-amzn-kiro-version", c.cfg.KiroVersion)

	resp, err := c.httpClient(acc).Do(req)
	if err != nil {
		return nil, kerr.New(kerr.UpstreamTransient, "quota request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, kerr.New(kerr.UpstreamTransient, "quota endpoint returned non-200", nil)
	}

	var body usageLimitsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, kerr.New(kerr.TranslationError, "parse quota response", err)
	}

	var used, limit int64
	for _, u := range body.UsageLimits {
		used += u.Used
		limit += u.Limit
	}

	return &account.QuotaSnapshot{Used: used, Limit: limit, RefreshedAt: time.Now().UTC()}, nil
}
