// internal/event/decision.go
package event

import (
	"time"

	"github.com/google/uuid"
)

// Outcome discriminator for authorization decisions.
type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeGranted, OutcomeDenied, OutcomeError:
		return true
	}
	return false
}

func (o Outcome) String() string {
	return string(o)
}

// Decision messages shown on the dashboard.
const (
	MessageGranted       = "Toll deducted successfully"
	MessageInsufficient  = "Insufficient balance"
	MessageInvalidUID    = "Invalid UID format"
	MessagePaymentError  = "Error processing payment"
	MessageUnpersisted   = "Toll deducted; balance not yet saved"
	MessageLedgerStopped = "Ledger unavailable"
)

// Decision is the immutable record of one authorization attempt.
type Decision struct {
	DecisionID uuid.UUID `json:"decision_id"`

	// Canonical identifier, or the raw text when normalization failed
	Identifier string `json:"uid"`

	Timestamp time.Time `json:"timestamp"`
	Outcome   Outcome   `json:"outcome"`

	// Balance after the decision
	Balance int64 `json:"balance"`

	// Set only for granted decisions
	Deducted *int64 `json:"deducted,omitempty"`

	Message string `json:"message,omitempty"`
}

// Granted reports whether the gate should open.
func (d Decision) Granted() bool {
	return d.Outcome == OutcomeGranted
}

// NewDecision stamps a decision with a fresh id.
func NewDecision(identifier string, at time.Time, outcome Outcome, balance int64, message string) Decision {
	return Decision{
		DecisionID: uuid.New(),
		Identifier: identifier,
		Timestamp:  at.UTC(),
		Outcome:    outcome,
		Balance:    balance,
		Message:    message,
	}
}

// WithDeducted returns a copy carrying the deducted amount.
func (d Decision) WithDeducted(amount int64) Decision {
	d.Deducted = &amount
	return d
}
