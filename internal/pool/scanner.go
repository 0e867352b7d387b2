package pool

import (
	"context"
	"log/slog"
	"time"

	"kirobridge/internal/account"
	"kirobridge/internal/events"
)

// QuotaFetcher performs the out-of-band upstream usage query (spec.md
// §4.3a). Implemented by internal/upstream against the Kiro usage
// endpoint; kept as an interface here so the pool doesn't depend on the
// HTTP client wiring.
type QuotaFetcher interface {
	FetchQuota(ctx context.Context, acc *account.Account) (*account.QuotaSnapshot, error)
}

// SetQuotaFetcher wires the upstream quota client. Optional: the
// exhausted scanner and admin refresh endpoints no-op without one.
func (p *AccountPool) SetQuotaFetcher(qf QuotaFetcher) {
	p.mu.Lock()
	p.quota = qf
	p.mu.Unlock()
}

// runCooldownScanner promotes Cooldown accounts whose timer has elapsed
// back to Active, at boot and on every tick (spec.md §4.3).
func (p *AccountPool) runCooldownScanner(ctx context.Context, interval time.Duration) {
	p.scanCooldown()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scanCooldown()
		}
	}
}

func (p *AccountPool) scanCooldown() {
	now := time.Now().UTC()
	for _, a := range p.List() {
		d := a.Snapshot()
		if d.State != account.StateCooldown || d.CooldownUntil.After(now) {
			continue
		}
		a.SetState(account.StateActive)
		slog.Info("cooldown expired, promoting to active", "account_id", a.ID())
		p.publish(events.EventRecovered, a.ID(), "cooldown elapsed")
		p.triggerFlush()
	}
}

// runExhaustedScanner re-checks upstream quota for Exhausted accounts and
// promotes any with remaining quota back to Active (spec.md §4.3).
func (p *AccountPool) runExhaustedScanner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scanExhausted(ctx)
		}
	}
}

func (p *AccountPool) scanExhausted(ctx context.Context) {
	p.mu.RLock()
	qf := p.quota
	p.mu.RUnlock()
	if qf == nil {
		return
	}

	for _, a := range p.List() {
		if a.State() != account.StateExhausted {
			continue
		}
		snap, err := qf.FetchQuota(ctx, a)
		if err != nil {
			slog.Warn("exhausted scanner: quota fetch failed", "account_id", a.ID(), "error", err)
			continue
		}
		a.Mutate(func(d *account.Data) { d.QuotaSnapshot = snap })
		if snap.Limit == 0 || snap.Used < snap.Limit {
			a.SetState(account.StateActive)
			slog.Info("quota available, promoting to active", "account_id", a.ID())
			p.publish(events.EventRecovered, a.ID(), "quota recovered")
		}
		p.triggerFlush()
	}
}

// RefreshQuota performs an immediate out-of-band quota check for one
// account (admin-initiated refresh, spec.md §6 /api/accounts/{id}/usage/refresh).
func (p *AccountPool) RefreshQuota(ctx context.Context, id string) (*account.QuotaSnapshot, error) {
	a, ok := p.Get(id)
	if !ok {
		return nil, nil
	}
	p.mu.RLock()
	qf := p.quota
	p.mu.RUnlock()
	if qf == nil {
		return nil, nil
	}
	snap, err := qf.FetchQuota(ctx, a)
	if err != nil {
		return nil, err
	}
	a.Mutate(func(d *account.Data) { d.QuotaSnapshot = snap })
	p.triggerFlush()
	return snap, nil
}
