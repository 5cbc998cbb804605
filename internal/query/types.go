package query

import (
	"time"

	"TollLedger/internal/event"
)

// BalanceResponse is a single account balance.
type BalanceResponse struct {
	UID     string `json:"uid"`
	Balance int64  `json:"balance"`
}

// TopUpResponse is returned after a successful credit.
type TopUpResponse struct {
	UID     string `json:"uid"`
	Balance int64  `json:"balance"`
	Message string `json:"message"`
}

// TollResponse reports the fixed toll.
type TollResponse struct {
	Amount int64 `json:"amount"`
}

// LatestView is the dashboard's view of the last scan.
type LatestView struct {
	DecisionID string    `json:"decision_id"`
	UID        string    `json:"uid"`
	Timestamp  time.Time `json:"timestamp"`
	Access     string    `json:"access"`
	Balance    int64     `json:"balance"`
	Deducted   *int64    `json:"deducted,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// LatestResponse carries the last decision (null before the first scan)
// and the hardware link status.
type LatestResponse struct {
	LatestUID       *LatestView `json:"latestUID"`
	SerialConnected bool        `json:"serialConnected"`
}

func newLatestView(d *event.Decision) *LatestView {
	if d == nil {
		return nil
	}
	return &LatestView{
		DecisionID: d.DecisionID.String(),
		UID:        d.Identifier,
		Timestamp:  d.Timestamp,
		Access:     d.Outcome.String(),
		Balance:    d.Balance,
		Deducted:   d.Deducted,
		Message:    d.Message,
	}
}
