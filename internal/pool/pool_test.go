package pool

import (
	"context"
	"testing"
	"time"

	"kirobridge/internal/account"
	"kirobridge/internal/config"
)

func newTestPool(t *testing.T, strategy string) *AccountPool {
	t.Helper()
	cfg := &config.Config{
		DataDir:               t.TempDir(),
		DefaultStrategy:       strategy,
		CooldownDuration:      5 * time.Minute,
		AccountsFlushDebounce: 10 * time.Millisecond,
	}
	crypto := account.NewCrypto("test-encryption-key")
	return New(cfg, crypto, nil, nil)
}

func seedActive(id string) account.Data {
	return account.Data{
		ID:           id,
		AuthMethod:   account.AuthSocial,
		RefreshToken: "rt-" + id,
		AccessToken:  "at-" + id,
		ExpiresAt:    time.Now().Add(time.Hour),
		State:        account.StateActive,
	}
}

func TestAcquireSkipsNonActiveAccounts(t *testing.T) {
	p := newTestPool(t, "round_robin")
	a, _ := p.Add(seedActive("a"))
	_, _ = p.Add(seedActive("b"))
	a.SetState(account.StateDisabled)

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.ID() != "b" {
		t.Fatalf("expected b, got %s", lease.ID())
	}
}

func TestAcquireEmptyPoolReturnsNoAccountsAvailable(t *testing.T) {
	p := newTestPool(t, "round_robin")

	_, err := p.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected error for empty pool")
	}
}

func TestRoundRobinCyclesThroughActiveAccounts(t *testing.T) {
	p := newTestPool(t, "round_robin")
	_, _ = p.Add(seedActive("a"))
	_, _ = p.Add(seedActive("b"))

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		lease, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		seen[lease.ID()]++
	}
	if seen["a"] != 2 || seen["b"] != 2 {
		t.Fatalf("expected even rotation, got %v", seen)
	}
}

func TestLeastUsedPrefersLowerUsageCount(t *testing.T) {
	p := newTestPool(t, "least_used")
	a, _ := p.Add(seedActive("a"))
	_, _ = p.Add(seedActive("b"))
	a.Mutate(func(d *account.Data) { d.UsageCount = 5 })

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.ID() != "b" {
		t.Fatalf("expected lower-usage account b, got %s", lease.ID())
	}
}

func TestSequentialExhaustSticksUntilAccountLeavesActive(t *testing.T) {
	p := newTestPool(t, "sequential_exhaust")
	a, _ := p.Add(seedActive("a"))
	_, _ = p.Add(seedActive("b"))

	for i := 0; i < 3; i++ {
		lease, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if lease.ID() != "a" {
			t.Fatalf("expected to stick with a, got %s", lease.ID())
		}
	}

	a.SetState(account.StateCooldown)
	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.ID() != "b" {
		t.Fatalf("expected failover to b, got %s", lease.ID())
	}
}

func TestReportRateLimitedEntersCooldown(t *testing.T) {
	p := newTestPool(t, "round_robin")
	a, _ := p.Add(seedActive("a"))
	lease := &AccountLease{acc: a}

	p.Report(lease, OutcomeRateLimited, Usage{})

	d := a.Snapshot()
	if d.State != account.StateCooldown {
		t.Fatalf("expected cooldown, got %s", d.State)
	}
	if !d.CooldownUntil.After(time.Now()) {
		t.Fatal("cooldown_until should be in the future")
	}
}

func TestReportSuspendedDisablesAccount(t *testing.T) {
	p := newTestPool(t, "round_robin")
	a, _ := p.Add(seedActive("a"))
	lease := &AccountLease{acc: a}

	p.Report(lease, OutcomeSuspended, Usage{})

	if a.State() != account.StateDisabled {
		t.Fatalf("expected disabled, got %s", a.State())
	}
}

func TestReportSuccessIncrementsUsage(t *testing.T) {
	p := newTestPool(t, "round_robin")
	a, _ := p.Add(seedActive("a"))
	lease := &AccountLease{acc: a}

	p.Report(lease, OutcomeSuccess, Usage{InputTokens: 10, OutputTokens: 5})

	d := a.Snapshot()
	if d.UsageCount != 1 {
		t.Fatalf("expected usage_count 1, got %d", d.UsageCount)
	}
	if d.State != account.StateActive {
		t.Fatalf("expected active, got %s", d.State)
	}
}

func TestDisabledIsStickyAcrossOutcomes(t *testing.T) {
	p := newTestPool(t, "round_robin")
	a, _ := p.Add(seedActive("a"))
	a.SetState(account.StateDisabled)
	lease := &AccountLease{acc: a}

	p.Report(lease, OutcomeSuccess, Usage{})

	if a.State() != account.StateDisabled {
		t.Fatal("disabled account must not be moved by report()")
	}
}

func TestCooldownScannerPromotesExpiredAccounts(t *testing.T) {
	p := newTestPool(t, "round_robin")
	a, _ := p.Add(seedActive("a"))
	a.Mutate(func(d *account.Data) {
		d.State = account.StateCooldown
		d.CooldownUntil = time.Now().Add(-time.Second)
	})

	p.scanCooldown()

	if a.State() != account.StateActive {
		t.Fatalf("expected active after scan, got %s", a.State())
	}
}

func TestPersistenceRoundTripPreservesAccountsAndStrategy(t *testing.T) {
	p := newTestPool(t, "least_used")
	_, _ = p.Add(seedActive("a"))
	_, _ = p.Add(seedActive("b"))

	if err := p.save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	p2 := newTestPool(t, "round_robin")
	p2.dataDir = p.dataDir
	if err := p2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	if p2.Strategy() != LeastUsed {
		t.Fatalf("expected strategy to round-trip, got %s", p2.Strategy())
	}
	got := p2.List()
	if len(got) != 2 || got[0].ID() != "a" || got[1].ID() != "b" {
		t.Fatalf("expected accounts a,b in order, got %v", got)
	}
	if d := got[0].Snapshot(); d.RefreshToken != "rt-a" {
		t.Fatalf("expected decrypted refresh token rt-a, got %q", d.RefreshToken)
	}
}

func TestDeleteRemovesAccount(t *testing.T) {
	p := newTestPool(t, "round_robin")
	_, _ = p.Add(seedActive("a"))

	if !p.Delete("a") {
		t.Fatal("expected delete to succeed")
	}
	if _, ok := p.Get("a"); ok {
		t.Fatal("account should be gone after delete")
	}
}

func TestEnableClearsDisabled(t *testing.T) {
	p := newTestPool(t, "round_robin")
	a, _ := p.Add(seedActive("a"))
	a.SetState(account.StateDisabled)

	if !p.Enable("a") {
		t.Fatal("expected enable to succeed")
	}
	if a.State() != account.StateActive {
		t.Fatalf("expected active after enable, got %s", a.State())
	}
}
