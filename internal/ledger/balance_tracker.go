package ledger

import (
	"fmt"
	"math"
	"sort"
)

// BalanceTracker maintains in-memory account balances.
// Not safe for concurrent use; the Ledger serializes access.
type BalanceTracker struct {
	balances map[string]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[string]int64),
	}
}

// GetBalance returns the current balance for an account (0 when unknown).
func (bt *BalanceTracker) GetBalance(id string) int64 {
	return bt.balances[id]
}

// Has reports whether the account has been materialized.
func (bt *BalanceTracker) Has(id string) bool {
	_, ok := bt.balances[id]
	return ok
}

// Materialize creates the account with balance 0 if it does not exist.
func (bt *BalanceTracker) Materialize(id string) {
	if _, ok := bt.balances[id]; !ok {
		bt.balances[id] = 0
	}
}

// SetBalance overwrites an account balance.
func (bt *BalanceTracker) SetBalance(id string, balance int64) {
	bt.balances[id] = balance
}

// Remove drops an account. Only used to undo a materialization.
func (bt *BalanceTracker) Remove(id string) {
	delete(bt.balances, id)
}

// Credit adds amount and returns the new balance.
func (bt *BalanceTracker) Credit(id string, amount int64) (int64, error) {
	current := bt.balances[id]
	if amount > math.MaxInt64-current {
		return current, fmt.Errorf("%w: credit of %d overflows balance %d", ErrInvalidAmount, amount, current)
	}
	bt.balances[id] = current + amount
	return bt.balances[id], nil
}

// Debit subtracts amount when the balance covers it. It returns the
// resulting balance and whether the debit was applied.
func (bt *BalanceTracker) Debit(id string, amount int64) (int64, bool) {
	current := bt.balances[id]
	if current < amount {
		return current, false
	}
	bt.balances[id] = current - amount
	return bt.balances[id], true
}

// ValidateNonNegative checks that a specific account balance is >= 0.
func (bt *BalanceTracker) ValidateNonNegative(id string) error {
	if balance := bt.balances[id]; balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", id, balance)
	}
	return nil
}

// Len returns the number of materialized accounts.
func (bt *BalanceTracker) Len() int {
	return len(bt.balances)
}

// IDs returns account identifiers in sorted order.
func (bt *BalanceTracker) IDs() []string {
	ids := make([]string, 0, len(bt.balances))
	for id := range bt.balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a copy of all balances.
func (bt *BalanceTracker) Snapshot() map[string]int64 {
	snapshot := make(map[string]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances with a copy of snap.
func (bt *BalanceTracker) Restore(snap map[string]int64) {
	bt.balances = make(map[string]int64, len(snap))
	for k, v := range snap {
		bt.balances[k] = v
	}
}
