// Package account implements the upstream credential model: the Account
// entity, its lifecycle state machine, and token refresh with single-flight
// deduplication (spec components C1/C2).
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// AuthMethod selects which OAuth dialect an account's refresh token speaks.
type AuthMethod string

const (
	AuthSocial AuthMethod = "social"
	AuthIdC    AuthMethod = "idc"
)

// State is the lifecycle state of an account.
type State string

const (
	StateActive    State = "active"
	StateCooldown  State = "cooldown"
	StateExhausted State = "exhausted"
	StateDisabled  State = "disabled"
)

// TokenSkew is the minimum remaining lifetime a token must have to be
// considered valid; anything under this window triggers a refresh.
const TokenSkew = 60 * time.Second

// QuotaSnapshot is the last-known upstream usage quota for an account.
type QuotaSnapshot struct {
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	RefreshedAt time.Time `json:"refreshedAt"`
}

// ProxyConfig routes an account's upstream traffic through a dedicated
// egress proxy, matching the per-account transport the pool hands out.
type ProxyConfig struct {
	Type     string `json:"type"` // socks5, http, https
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Data is the serializable content of an Account — everything that round
// trips through accounts.json. Account wraps Data with the runtime
// synchronization the pool and token refresher need.
type Data struct {
	ID         string     `json:"id"`
	AuthMethod AuthMethod `json:"authMethod"`

	RefreshToken string    `json:"refreshToken"` // encrypted at rest
	AccessToken  string    `json:"accessToken"`   // encrypted at rest
	ExpiresAt    time.Time `json:"expiresAt"`

	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"` // encrypted at rest

	ProfileARN string `json:"profileArn,omitempty"`
	Region     string `json:"region"`

	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`

	State          State          `json:"state"`
	CooldownUntil  time.Time      `json:"cooldownUntil,omitempty"`
	ExhaustedSince time.Time      `json:"exhaustedSince,omitempty"`
	ErrorCount     int64          `json:"errorCount"`
	LastUsedAt     time.Time      `json:"lastUsedAt,omitempty"`
	UsageCount     int64          `json:"usageCount"`
	QuotaSnapshot  *QuotaSnapshot `json:"quotaSnapshot,omitempty"`

	Proxy *ProxyConfig `json:"proxy,omitempty"`
}

// Account is the runtime handle the pool holds: Data plus the
// synchronization needed for concurrent selection, refresh, and feedback.
type Account struct {
	mu   sync.RWMutex
	data Data
	sf   singleflight.Group
}

// New wraps a Data record freshly loaded from persistence or admin input.
func New(d Data) *Account {
	return &Account{data: d}
}

// Validate checks the auth-method invariant from the data model.
func (a *Account) Validate() error {
	d := a.Snapshot()
	if d.AuthMethod == AuthIdC && (d.ClientID == "" || d.ClientSecret == "") {
		return fmt.Errorf("account %s: idc auth requires client_id and client_secret", d.ID)
	}
	if d.RefreshToken == "" {
		return fmt.Errorf("account %s: refresh_token is required", d.ID)
	}
	return nil
}

// Snapshot returns a copy of the account's current data, safe to read
// without holding any lock afterward.
func (a *Account) Snapshot() Data {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data
}

// ID is a convenience accessor (account ids never change after creation).
func (a *Account) ID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.ID
}

// State reports the current lifecycle state.
func (a *Account) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.State
}

// SetState force-sets the state (used by admin enable/disable and the pool's
// state-transition table).
func (a *Account) SetState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data.State = s
}

// Mutate applies fn to the account's data under the write lock. Used by the
// pool for state transitions and by admin operations.
func (a *Account) Mutate(fn func(*Data)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.data)
}

func (a *Account) isValidLocked(now time.Time) bool {
	return a.data.AccessToken != "" && now.Before(a.data.ExpiresAt.Add(-TokenSkew))
}

// EnsureValidToken returns a usable access token, refreshing it if expired.
// Concurrent callers for the same account collapse into a single upstream
// refresh call (spec.md §3 single-flight invariant, §8 testable property).
// persist is invoked after the in-memory fields are updated, with no lock
// held, so the pool can flush accounts.json without blocking readers.
func (a *Account) EnsureValidToken(ctx context.Context, refresher *TokenRefresher, persist func(*Account) error) (string, error) {
	a.mu.RLock()
	if a.isValidLocked(time.Now().UTC()) {
		tok := a.data.AccessToken
		a.mu.RUnlock()
		return tok, nil
	}
	a.mu.RUnlock()

	v, err, _ := a.sf.Do("refresh", func() (interface{}, error) {
		a.mu.RLock()
		if a.isValidLocked(time.Now().UTC()) {
			tok := a.data.AccessToken
			a.mu.RUnlock()
			return tok, nil
		}
		d := a.data
		a.mu.RUnlock()

		result, rerr := refresher.Refresh(ctx, &d)
		if rerr != nil {
			if IsInvalidGrant(rerr) {
				a.SetState(StateDisabled)
				if persist != nil {
					_ = persist(a)
				}
			}
			return nil, rerr
		}

		a.Mutate(func(d *Data) {
			d.AccessToken = result.AccessToken
			d.ExpiresAt = result.ExpiresAt
			if result.RefreshToken != "" {
				d.RefreshToken = result.RefreshToken
			}
		})

		if persist != nil {
			if perr := persist(a); perr != nil {
				return nil, fmt.Errorf("persist refreshed token: %w", perr)
			}
		}
		return a.Snapshot().AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// RecordSuccess bumps usage accounting and touches last-used time without
// altering the lifetime error_count (spec.md §4.2).
func (a *Account) RecordSuccess() {
	a.Mutate(func(d *Data) {
		d.UsageCount++
		d.LastUsedAt = time.Now().UTC()
	})
}
