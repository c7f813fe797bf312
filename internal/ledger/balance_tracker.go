package ledger

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

func (bt *BalanceTracker) GetUserCash(userID uuid.UUID, currencyID uint16) int64 {
	return bt.GetBalance(UserCash(userID, currencyID))
}

func (bt *BalanceTracker) GetUserFCash(userID uuid.UUID, currencyID uint16, maturity int64) int64 {
	return bt.GetBalance(UserFCash(userID, currencyID, maturity))
}

func (bt *BalanceTracker) GetUserLiquidity(userID uuid.UUID, currencyID uint16, maturity int64) int64 {
	return bt.GetBalance(UserLiquidity(userID, currencyID, maturity))
}

// ComputeGlobalBalance sums all account balances per asset (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[Asset]int64 {
	totals := make(map[Asset]int64)

	for key, balance := range bt.balances {
		totals[key.Asset] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// BalanceEntry is one account in a snapshot.
type BalanceEntry struct {
	Key     AccountKey `json:"key"`
	Balance int64      `json:"balance"`
}

// Snapshot returns the non-zero balances ordered by account path.
func (bt *BalanceTracker) Snapshot() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(bt.balances))
	for k, v := range bt.balances {
		if v != 0 {
			out = append(out, BalanceEntry{Key: k, Balance: v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.AccountPath() < out[j].Key.AccountPath()
	})
	return out
}

// Restore replaces all balances with a snapshot.
func (bt *BalanceTracker) Restore(entries []BalanceEntry) {
	bt.balances = make(map[AccountKey]int64, len(entries))
	for _, e := range entries {
		bt.balances[e.Key] = e.Balance
	}
}
