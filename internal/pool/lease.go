package pool

import "kirobridge/internal/account"

// AccountLease is the short-lived handle a dispatcher holds for the
// duration of one request. No Account is referenced outside the pool
// except through a lease (spec.md §3).
type AccountLease struct {
	acc *account.Account
}

func (l *AccountLease) Account() *account.Account { return l.acc }
func (l *AccountLease) ID() string                { return l.acc.ID() }
