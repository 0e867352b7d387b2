package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kirobridge/internal/account"
	"kirobridge/internal/config"
	"kirobridge/internal/pool"
	"kirobridge/internal/store"
	"kirobridge/internal/translate"
)

// fakeUpstream lets each test script a queue of responses keyed by call
// order, so a 429-then-200 failover can be exercised without a real Kiro
// endpoint (spec.md §8 scenario 3).
type fakeUpstream struct {
	calls     int
	responses []fakeResponse
}

type fakeResponse struct {
	status int
	body   string
}

func (f *fakeUpstream) Converse(ctx context.Context, acc *account.Account, accessToken string, body []byte, stream bool) (*http.Response, error) {
	r := f.responses[f.calls]
	f.calls++
	return &http.Response{
		StatusCode: r.status,
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Header:     http.Header{},
	}, nil
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:               t.TempDir(),
		DefaultStrategy:       "round_robin",
		CooldownDuration:      5 * time.Minute,
		AccountsFlushDebounce: 10 * time.Millisecond,
		MaxRequestBodyMB:      10,
		MaxRetryAccounts:      3,
	}
}

func seedActiveAccount(p *pool.AccountPool, id string) {
	_, _ = p.Add(account.Data{
		ID:           id,
		AuthMethod:   account.AuthSocial,
		RefreshToken: "rt-" + id,
		AccessToken:  "at-" + id,
		ExpiresAt:    time.Now().Add(time.Hour),
		State:        account.StateActive,
	})
}

const messagesBody = `{"model":"claude-sonnet-4-20250514","max_tokens":16,"messages":[{"role":"user","content":"Hi"}]}`

func TestHandleMessagesNoAccountsReturns503(t *testing.T) {
	cfg := newTestConfig(t)
	crypto := account.NewCrypto("test-key")
	p := pool.New(cfg, crypto, nil, nil)
	tok := translate.NewTokenizer(4.0)
	d := New(cfg, p, &fakeUpstream{}, tok, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(messagesBody))
	w := httptest.NewRecorder()

	start := time.Now()
	d.HandleMessages(w, req)
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("expected fast rejection, took %v", time.Since(start))
	}
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "overloaded_error") {
		t.Fatalf("expected overloaded_error body, got %s", w.Body.String())
	}
}

func TestHandleMessagesInvalidModelReturns400WithoutConsumingAccount(t *testing.T) {
	cfg := newTestConfig(t)
	crypto := account.NewCrypto("test-key")
	p := pool.New(cfg, crypto, nil, nil)
	seedActiveAccount(p, "a")
	tok := translate.NewTokenizer(4.0)
	up := &fakeUpstream{}
	d := New(cfg, p, up, tok, nil)

	body := `{"model":"gpt-5","max_tokens":16,"messages":[{"role":"user","content":"Hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	d.HandleMessages(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if up.calls != 0 {
		t.Fatalf("translation error must not reach upstream, got %d calls", up.calls)
	}
}

func TestHandleCountTokens(t *testing.T) {
	cfg := newTestConfig(t)
	crypto := account.NewCrypto("test-key")
	p := pool.New(cfg, crypto, nil, nil)
	tok := translate.NewTokenizer(4.0)
	d := New(cfg, p, &fakeUpstream{}, tok, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", bytes.NewBufferString(messagesBody))
	w := httptest.NewRecorder()
	d.HandleCountTokens(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "input_tokens") {
		t.Fatalf("expected input_tokens field, got %s", w.Body.String())
	}
}

func TestHandleModelsNonEmpty(t *testing.T) {
	cfg := newTestConfig(t)
	crypto := account.NewCrypto("test-key")
	p := pool.New(cfg, crypto, nil, nil)
	tok := translate.NewTokenizer(4.0)
	d := New(cfg, p, &fakeUpstream{}, tok, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	d.HandleModels(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"type":"model"`) {
		t.Fatalf("expected model catalog entries, got %s", w.Body.String())
	}
}

func TestHandleMessages429FailoverMarksAccountCooldown(t *testing.T) {
	cfg := newTestConfig(t)
	crypto := account.NewCrypto("test-key")
	p := pool.New(cfg, crypto, nil, nil)
	seedActiveAccount(p, "a")
	seedActiveAccount(p, "b")
	tok := translate.NewTokenizer(4.0)

	// The first acquire's 429 sends that account to Cooldown; failover
	// selects the other account, which returns a non-200 client error —
	// forwarded as-is, no third attempt needed.
	up := &fakeUpstream{responses: []fakeResponse{
		{status: 429, body: `{}`},
		{status: 404, body: `{"message":"not found"}`},
	}}
	d := New(cfg, p, up, tok, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(messagesBody))
	w := httptest.NewRecorder()
	d.HandleMessages(w, req)

	a, _ := p.Get("a")
	b, _ := p.Get("b")
	cooldowns := 0
	for _, acc := range []*account.Account{a, b} {
		if acc.State() == account.StateCooldown {
			cooldowns++
		}
	}
	if cooldowns != 1 {
		t.Fatalf("expected exactly one account in cooldown after 429, got %d", cooldowns)
	}
	if up.calls != 2 {
		t.Fatalf("expected failover to try a second account, got %d calls", up.calls)
	}
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected the second account's 404 to be forwarded, got %d", w.Code)
	}
}

// fakeLogStore is a minimal store.Store that only tracks sticky session
// binds, enough to exercise the dispatcher's sticky-routing hook without
// pulling in a real SQLite-backed store.
type fakeLogStore struct {
	sticky map[string]string
}

func newFakeLogStore() *fakeLogStore { return &fakeLogStore{sticky: map[string]string{}} }

func (f *fakeLogStore) Ping(context.Context) error { return nil }
func (f *fakeLogStore) Close() error                { return nil }
func (f *fakeLogStore) GetStickySession(_ context.Context, hash string) (string, error) {
	return f.sticky[hash], nil
}
func (f *fakeLogStore) SetStickySession(_ context.Context, hash, accountID string, _ time.Duration) error {
	f.sticky[hash] = accountID
	return nil
}
func (f *fakeLogStore) GetSessionBinding(context.Context, string) (string, error)        { return "", nil }
func (f *fakeLogStore) SetSessionBinding(context.Context, string, string, time.Duration) error { return nil }
func (f *fakeLogStore) RenewSessionBinding(context.Context, string, time.Duration) error { return nil }
func (f *fakeLogStore) InsertRequestLog(context.Context, *store.RequestLog) error        { return nil }
func (f *fakeLogStore) QueryRequestLogs(context.Context, store.RequestLogQuery) ([]*store.RequestLog, int, error) {
	return nil, 0, nil
}
func (f *fakeLogStore) PurgeOldLogs(context.Context, time.Time) (int64, error) { return 0, nil }
func (f *fakeLogStore) ExportRequestLogs(context.Context, string, int) error   { return nil }
func (f *fakeLogStore) QueryUsagePeriods(context.Context) ([]store.UsagePeriod, error) {
	return nil, nil
}
func (f *fakeLogStore) QueryModelUsage(context.Context) ([]store.ModelUsageRow, error) {
	return nil, nil
}

// recordingUpstream wraps fakeUpstream but also records which account id
// each call was made against, so a test can assert sticky routing actually
// pinned the request to a specific account rather than round-robin.
type recordingUpstream struct {
	fakeUpstream
	accountIDs []string
}

func (r *recordingUpstream) Converse(ctx context.Context, acc *account.Account, accessToken string, body []byte, stream bool) (*http.Response, error) {
	r.accountIDs = append(r.accountIDs, acc.ID())
	return r.fakeUpstream.Converse(ctx, acc, accessToken, body, stream)
}

func TestHandleMessagesStickySessionPinsAccount(t *testing.T) {
	cfg := newTestConfig(t)
	crypto := account.NewCrypto("test-key")
	p := pool.New(cfg, crypto, nil, nil)
	seedActiveAccount(p, "a")
	seedActiveAccount(p, "b")
	tok := translate.NewTokenizer(4.0)
	logs := newFakeLogStore()

	body := `{"model":"claude-sonnet-4-20250514","max_tokens":16,"messages":[{"role":"user","content":"Hi"}],"metadata":{"user_id":"session_abc"}}`
	hash := translate.SessionHashFromRequest(&translate.MessagesRequest{
		Metadata: &translate.RequestMetadata{UserID: "session_abc"},
	})
	// Round-robin's first pick on a fresh pool is "b", so pre-bind the
	// session to "a" to make the preference observable against that default.
	logs.sticky[hash] = "a"

	up := &recordingUpstream{fakeUpstream: fakeUpstream{responses: []fakeResponse{{status: 404, body: `{}`}}}}
	d := New(cfg, p, up, tok, logs)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	d.HandleMessages(w, req)

	if len(up.accountIDs) != 1 || up.accountIDs[0] != "a" {
		t.Fatalf("expected the sticky-bound account \"a\" to be used, got %v", up.accountIDs)
	}
}

// seedExpiredAccount seeds an account whose token is already expired and
// whose auth method the refresher doesn't recognize, so EnsureValidToken's
// refresh attempt fails immediately with kerr.InvalidGrant — no network
// call needed (internal/account/refresh.go's "unknown auth method" branch).
func seedExpiredAccount(p *pool.AccountPool, id string) {
	_, _ = p.Add(account.Data{
		ID:           id,
		AuthMethod:   "bogus",
		RefreshToken: "rt-" + id,
		AccessToken:  "at-" + id,
		ExpiresAt:    time.Now().Add(-time.Hour),
		State:        account.StateActive,
	})
}

func TestHandleMessagesInvalidGrantFailoverDisablesAccount(t *testing.T) {
	cfg := newTestConfig(t)
	crypto := account.NewCrypto("test-key")
	refresher := account.NewTokenRefresher(account.RefreshEndpoints{}, nil)
	p := pool.New(cfg, crypto, refresher, nil)
	// Round-robin's first pick on a fresh pool is the second inserted
	// account, so "b" is seeded first and "a" is the one tried first.
	seedActiveAccount(p, "b") // valid token, never needs a refresh
	seedExpiredAccount(p, "a") // refresh fails with InvalidGrant
	tok := translate.NewTokenizer(4.0)

	// Only "b" ever reaches the upstream — "a" is disabled during
	// EnsureValidToken, before any Converse call.
	up := &fakeUpstream{responses: []fakeResponse{{status: 404, body: `{"message":"not found"}`}}}
	d := New(cfg, p, up, tok, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(messagesBody))
	w := httptest.NewRecorder()
	d.HandleMessages(w, req)

	a, _ := p.Get("a")
	if a.State() != account.StateDisabled {
		t.Fatalf("expected account \"a\" to be disabled after InvalidGrant, got %s", a.State())
	}
	if up.calls != 1 {
		t.Fatalf("expected failover to reach the second account, got %d upstream calls", up.calls)
	}
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected the second account's 404 to be forwarded, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleMessagesOversizedBodyReturns413(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.MaxRequestBodyMB = 0 // any body now exceeds the limit
	crypto := account.NewCrypto("test-key")
	p := pool.New(cfg, crypto, nil, nil)
	tok := translate.NewTokenizer(4.0)
	d := New(cfg, p, &fakeUpstream{}, tok, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(messagesBody))
	w := httptest.NewRecorder()
	d.HandleMessages(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", w.Code, w.Body.String())
	}
}
