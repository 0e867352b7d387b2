package pool

import (
	"github.com/google/uuid"

	"kirobridge/internal/account"
	"kirobridge/internal/kerr"
)

// Add creates a new account (admin /api/accounts POST), generating an id
// when none is given, and validates it before inserting.
func (p *AccountPool) Add(d account.Data) (*account.Account, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.State == "" {
		d.State = account.StateActive
	}
	a := account.New(d)
	if err := a.Validate(); err != nil {
		return nil, kerr.New(kerr.InvalidRequest, err.Error(), err)
	}

	p.mu.Lock()
	if _, exists := p.byID[d.ID]; exists {
		p.mu.Unlock()
		return nil, kerr.New(kerr.InvalidRequest, "account id already exists", nil)
	}
	p.accounts = append(p.accounts, a)
	p.byID[d.ID] = a
	p.mu.Unlock()

	p.triggerFlush()
	return a, nil
}

// Import bulk-adds accounts, skipping (and reporting) any that fail
// validation rather than aborting the whole batch.
func (p *AccountPool) Import(records []account.Data) (added []*account.Account, failed map[string]string) {
	failed = make(map[string]string)
	for _, d := range records {
		a, err := p.Add(d)
		if err != nil {
			key := d.ID
			if key == "" {
				key = d.DisplayName
			}
			failed[key] = err.Error()
			continue
		}
		added = append(added, a)
	}
	return added, failed
}

// Delete removes an account from the pool permanently.
func (p *AccountPool) Delete(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byID[id]; !ok {
		return false
	}
	delete(p.byID, id)
	for i, a := range p.accounts {
		if a.ID() == id {
			p.accounts = append(p.accounts[:i], p.accounts[i+1:]...)
			break
		}
	}
	go p.triggerFlush()
	return true
}

// Enable clears Disabled back to Active (only admin may do this — Disabled
// is sticky per spec.md §3 Lifecycle).
func (p *AccountPool) Enable(id string) bool {
	a, ok := p.Get(id)
	if !ok {
		return false
	}
	a.SetState(account.StateActive)
	p.triggerFlush()
	return true
}

// Disable force-sets an account to Disabled regardless of current state.
func (p *AccountPool) Disable(id string) bool {
	a, ok := p.Get(id)
	if !ok {
		return false
	}
	a.SetState(account.StateDisabled)
	p.triggerFlush()
	return true
}
