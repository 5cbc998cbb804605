package ledger

import "fmt"

// InvariantValidator checks ledger invariants before state leaves memory.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateSnapshot verifies that no balance in snap is negative. A snapshot
// that fails this check must never be written.
func (v *InvariantValidator) ValidateSnapshot(snap map[string]int64) error {
	for id, balance := range snap {
		if balance < 0 {
			return fmt.Errorf("snapshot rejected: account %s has negative balance %d", id, balance)
		}
	}
	return nil
}

// ValidateAll verifies every tracked account.
func (v *InvariantValidator) ValidateAll() error {
	for _, id := range v.tracker.IDs() {
		if err := v.tracker.ValidateNonNegative(id); err != nil {
			return err
		}
	}
	return nil
}
