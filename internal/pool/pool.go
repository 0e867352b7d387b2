// Package pool implements the account pool and selection engine: the
// authoritative set of upstream credentials, their lifecycle state
// machine, load-balancing strategy, and accounts.json persistence
// (spec.md component C3).
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kirobridge/internal/account"
	"kirobridge/internal/config"
	"kirobridge/internal/events"
	"kirobridge/internal/kerr"
)

// AccountPool owns all accounts. Acquire takes the single pool lock for an
// O(N) scan; N is expected to be tens of accounts (spec.md §5
// Shared-resource policy). Report takes only the reported account's own
// lock.
type AccountPool struct {
	mu       sync.RWMutex
	accounts []*account.Account // insertion order, preserved across reload
	byID     map[string]*account.Account
	strategy StrategyKind
	sel      selectorState

	dataDir string
	crypto  *account.Crypto

	refresher *account.TokenRefresher
	bus       *events.Bus
	quota     QuotaFetcher

	cooldownDuration time.Duration
	flushDebounce    time.Duration
	flushRequested   chan struct{}
}

// New constructs an empty pool ready for Load.
func New(cfg *config.Config, crypto *account.Crypto, refresher *account.TokenRefresher, bus *events.Bus) *AccountPool {
	strategy := StrategyKind(cfg.DefaultStrategy)
	if !ValidStrategy(strategy) {
		strategy = RoundRobin
	}
	return &AccountPool{
		byID:             make(map[string]*account.Account),
		strategy:         strategy,
		dataDir:          cfg.DataDir,
		crypto:           crypto,
		refresher:        refresher,
		bus:              bus,
		cooldownDuration: cfg.CooldownDuration,
		flushDebounce:    cfg.AccountsFlushDebounce,
		flushRequested:   make(chan struct{}, 1),
	}
}

// Load reads accounts.json from the configured data directory. Absent
// file yields an empty pool (spec.md §4.3 Persistence).
func (p *AccountPool) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load()
}

// Bootstrap seeds the pool with a single account built from env-var
// credentials (config.PoolModeSingle), bypassing accounts.json entirely.
func (p *AccountPool) Bootstrap(d account.Data) error {
	a := account.New(d)
	if err := a.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts = []*account.Account{a}
	p.rebuildIndexLocked()
	return nil
}

func (p *AccountPool) rebuildIndexLocked() {
	p.byID = make(map[string]*account.Account, len(p.accounts))
	for _, a := range p.accounts {
		p.byID[a.ID()] = a
	}
}

// RunBackground starts the debounced persistence flusher and the
// cooldown/exhausted scanners. Blocks until ctx is cancelled.
func (p *AccountPool) RunBackground(ctx context.Context, cfg *config.Config) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); p.runFlusher(ctx) }()
	go func() { defer wg.Done(); p.runCooldownScanner(ctx, cfg.CooldownScanEvery) }()
	go func() { defer wg.Done(); p.runExhaustedScanner(ctx, cfg.ExhaustedScanEvery) }()
	wg.Wait()
}

// Acquire selects a candidate per the configured strategy, skipping any
// account not in Active state. Preemptively touches last_used_at for
// fair rotation (spec.md §4.3 Selection contract).
func (p *AccountPool) Acquire(ctx context.Context) (*AccountLease, error) {
	p.mu.Lock()
	acc, ok := selectAccount(p.strategy, p.accounts, &p.sel)
	p.mu.Unlock()

	if !ok {
		return nil, kerr.New(kerr.NoAccountsAvailable, "no active accounts in pool", nil)
	}

	acc.Mutate(func(d *account.Data) {
		d.LastUsedAt = time.Now().UTC()
	})

	return &AccountLease{acc: acc}, nil
}

// AcquirePreferred behaves like Acquire but first tries preferredID — the
// sticky-routing hint spec.md §5 adds on top of the configured strategy —
// falling back to the normal selection when preferredID is empty or the
// named account isn't Active.
func (p *AccountPool) AcquirePreferred(ctx context.Context, preferredID string) (*AccountLease, error) {
	if preferredID != "" {
		p.mu.RLock()
		acc, ok := p.byID[preferredID]
		p.mu.RUnlock()
		if ok && acc.State() == account.StateActive {
			acc.Mutate(func(d *account.Data) {
				d.LastUsedAt = time.Now().UTC()
			})
			return &AccountLease{acc: acc}, nil
		}
	}
	return p.Acquire(ctx)
}

// EnsureValidToken ensures the lease's account has a usable access token,
// persisting synchronously if a refresh occurred (spec.md's "rotated
// refresh tokens must be persisted atomically before returning success").
func (p *AccountPool) EnsureValidToken(ctx context.Context, lease *AccountLease) (string, error) {
	tok, err := lease.acc.EnsureValidToken(ctx, p.refresher, func(*account.Account) error {
		return p.save()
	})
	if err != nil && account.IsInvalidGrant(err) {
		p.publish(events.EventDisabled, lease.ID(), "invalid_grant during refresh")
	}
	return tok, err
}

// Report applies the spec.md §4.3 state-transition table in response to
// dispatcher feedback, then triggers a debounced persistence flush.
func (p *AccountPool) Report(lease *AccountLease, outcome Outcome, usage Usage) {
	acc := lease.acc
	prev := acc.State()

	acc.Mutate(func(d *account.Data) {
		applyTransition(d, outcome, usage, p.cooldownDuration)
	})

	next := acc.State()
	if next != prev {
		p.logTransition(acc.ID(), prev, next, outcome)
	}
	p.triggerFlush()
}

func (p *AccountPool) logTransition(id string, prev, next account.State, outcome Outcome) {
	slog.Info("account state transition", "account_id", id, "from", prev, "to", next, "outcome", outcome)
	switch next {
	case account.StateCooldown:
		p.publish(events.EventRateLimited, id, "rate limited, entering cooldown")
	case account.StateExhausted:
		p.publish(events.EventExhausted, id, "quota exhausted")
	case account.StateDisabled:
		p.publish(events.EventDisabled, id, "suspended by upstream")
	case account.StateActive:
		if prev != account.StateActive {
			p.publish(events.EventRecovered, id, "recovered to active")
		}
	}
}

func (p *AccountPool) publish(t events.EventType, accountID, msg string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{Type: t, AccountID: accountID, Message: msg})
}

// applyTransition implements the §4.3 state-transition table.
func applyTransition(d *account.Data, outcome Outcome, usage Usage, cooldown time.Duration) {
	now := time.Now().UTC()

	if d.State == account.StateDisabled {
		return // sticky, only admin re-enables
	}

	switch outcome {
	case OutcomeSuccess:
		d.State = account.StateActive
		d.UsageCount++
		d.LastUsedAt = now
		_ = usage // usage accounting surfaced to request log by the dispatcher
	case OutcomeRateLimited:
		d.State = account.StateCooldown
		d.CooldownUntil = now.Add(cooldown)
	case OutcomeExhausted:
		if d.State != account.StateExhausted {
			d.ExhaustedSince = now
		}
		d.State = account.StateExhausted
	case OutcomeSuspended:
		d.State = account.StateDisabled
	case OutcomeTransientUpstream:
		if d.State == account.StateActive {
			d.ErrorCount++
		}
		// Cooldown/Exhausted: no change, stay put.
	case OutcomeClientError:
		// Does not penalize the account.
	}
}

// triggerFlush requests a debounced write, coalescing bursts within the
// configured window (spec.md §4.3 "Persistence flush").
func (p *AccountPool) triggerFlush() {
	select {
	case p.flushRequested <- struct{}{}:
	default:
	}
}

func (p *AccountPool) runFlusher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if err := p.save(); err != nil {
				slog.Error("final accounts flush failed", "error", err)
			}
			return
		case <-p.flushRequested:
			p.drainDebounce(ctx)
			if err := p.save(); err != nil {
				slog.Error("accounts flush failed", "error", err)
			}
		}
	}
}

func (p *AccountPool) drainDebounce(ctx context.Context) {
	timer := time.NewTimer(p.flushDebounce)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.flushRequested:
			// another change arrived inside the window; keep waiting
		case <-timer.C:
			return
		}
	}
}

// Get returns the account with the given id, if present.
func (p *AccountPool) Get(id string) (*account.Account, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.byID[id]
	return a, ok
}

// List returns all accounts in insertion order.
func (p *AccountPool) List() []*account.Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*account.Account, len(p.accounts))
	copy(out, p.accounts)
	return out
}

// Strategy returns the current selection strategy.
func (p *AccountPool) Strategy() StrategyKind {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.strategy
}

// SetStrategy hot-swaps the selection strategy.
func (p *AccountPool) SetStrategy(k StrategyKind) error {
	if !ValidStrategy(k) {
		return kerr.New(kerr.InvalidRequest, "unknown strategy", nil)
	}
	p.mu.Lock()
	p.strategy = k
	p.sel = selectorState{}
	p.mu.Unlock()
	p.triggerFlush()
	return nil
}
