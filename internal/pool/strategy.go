package pool

import (
	"math/rand/v2"

	"kirobridge/internal/account"
)

// StrategyKind is the closed set of selection policies (spec.md §4.3,
// §9 "tagged variant plus dispatch over strategies").
type StrategyKind string

const (
	RoundRobin        StrategyKind = "round_robin"
	Random            StrategyKind = "random"
	LeastUsed         StrategyKind = "least_used"
	SequentialExhaust StrategyKind = "sequential_exhaust"
)

func ValidStrategy(k StrategyKind) bool {
	switch k {
	case RoundRobin, Random, LeastUsed, SequentialExhaust:
		return true
	default:
		return false
	}
}

// selectorState holds the cross-call cursor each stateful strategy needs.
// It lives on the pool and is mutated only while the pool lock is held.
type selectorState struct {
	rrCursor     int
	seqCurrentID string
}

// selectAccount dispatches to the configured strategy over accounts in
// insertion order, returning the chosen account or false if none are
// Active. This is the "select(&[Account]) -> Option<usize>" of §9.
func selectAccount(kind StrategyKind, accounts []*account.Account, st *selectorState) (*account.Account, bool) {
	switch kind {
	case Random:
		return selectRandom(accounts)
	case LeastUsed:
		return selectLeastUsed(accounts)
	case SequentialExhaust:
		return selectSequentialExhaust(accounts, st)
	case RoundRobin:
		fallthrough
	default:
		return selectRoundRobin(accounts, st)
	}
}

func selectRoundRobin(accounts []*account.Account, st *selectorState) (*account.Account, bool) {
	n := len(accounts)
	if n == 0 {
		return nil, false
	}
	for i := 1; i <= n; i++ {
		idx := (st.rrCursor + i) % n
		if accounts[idx].State() == account.StateActive {
			st.rrCursor = idx
			return accounts[idx], true
		}
	}
	return nil, false
}

func selectRandom(accounts []*account.Account) (*account.Account, bool) {
	active := make([]*account.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.State() == account.StateActive {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		return nil, false
	}
	return active[rand.IntN(len(active))], true
}

func selectLeastUsed(accounts []*account.Account) (*account.Account, bool) {
	var best *account.Account
	var bestData account.Data
	for _, a := range accounts {
		d := a.Snapshot()
		if d.State != account.StateActive {
			continue
		}
		if best == nil || d.UsageCount < bestData.UsageCount ||
			(d.UsageCount == bestData.UsageCount && d.LastUsedAt.Before(bestData.LastUsedAt)) {
			best, bestData = a, d
		}
	}
	return best, best != nil
}

// selectSequentialExhaust sticks with the current account until it leaves
// Active, then advances to the next Active account in insertion order.
func selectSequentialExhaust(accounts []*account.Account, st *selectorState) (*account.Account, bool) {
	n := len(accounts)
	if n == 0 {
		return nil, false
	}

	startIdx := 0
	if st.seqCurrentID != "" {
		for i, a := range accounts {
			if a.ID() == st.seqCurrentID {
				if a.State() == account.StateActive {
					return a, true
				}
				startIdx = i + 1
				break
			}
		}
	}

	for i := 0; i < n; i++ {
		idx := (startIdx + i) % n
		if accounts[idx].State() == account.StateActive {
			st.seqCurrentID = accounts[idx].ID()
			return accounts[idx], true
		}
	}
	return nil, false
}
