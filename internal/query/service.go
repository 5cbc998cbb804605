package query

import (
	"context"
	"fmt"

	"TollLedger/internal/event"
	"TollLedger/internal/ledger"
)

// MessageTopUpApplied is returned with a successful credit.
const MessageTopUpApplied = "Balance added successfully"

// BalanceReader is the read side of the ledger.
type BalanceReader interface {
	GetBalance(id string) int64
	Balances() map[string]int64
	Policy() ledger.Policy
}

// DecisionReader reads the event log.
type DecisionReader interface {
	Recent(ctx context.Context, limit int) ([]event.Decision, error)
}

// LatestSource exposes the last decision of the pipeline.
type LatestSource interface {
	Latest() *event.Decision
}

// LinkStatus reports hardware link connectivity.
type LinkStatus interface {
	Connected() bool
}

// QueryService provides read-only access to ledger state and decision
// history for the HTTP surface.
type QueryService struct {
	balances  BalanceReader
	decisions DecisionReader
	latest    LatestSource
	link      LinkStatus
	logCap    int
}

func NewQueryService(b BalanceReader, d DecisionReader, latest LatestSource, link LinkStatus, logCap int) *QueryService {
	if logCap <= 0 {
		logCap = 50
	}
	return &QueryService{
		balances:  b,
		decisions: d,
		latest:    latest,
		link:      link,
		logCap:    logCap,
	}
}

// GetBalance returns the balance for a raw identifier. Unknown or invalid
// identifiers read as 0; a valid identifier is echoed in canonical form.
func (qs *QueryService) GetBalance(raw string) BalanceResponse {
	uid := raw
	if id, err := ledger.Normalize(raw); err == nil {
		uid = id
	}
	return BalanceResponse{UID: uid, Balance: qs.balances.GetBalance(raw)}
}

// GetBalances returns every materialized account.
func (qs *QueryService) GetBalances() map[string]int64 {
	return qs.balances.Balances()
}

func (qs *QueryService) GetPolicy() ledger.Policy {
	return qs.balances.Policy()
}

func (qs *QueryService) GetToll() TollResponse {
	return TollResponse{Amount: qs.balances.Policy().TollAmount}
}

// GetLatest returns the last decision and link status.
func (qs *QueryService) GetLatest() LatestResponse {
	resp := LatestResponse{}
	if qs.latest != nil {
		resp.LatestUID = newLatestView(qs.latest.Latest())
	}
	if qs.link != nil {
		resp.SerialConnected = qs.link.Connected()
	}
	return resp
}

// LinkConnected reports hardware link status.
func (qs *QueryService) LinkConnected() bool {
	return qs.link != nil && qs.link.Connected()
}

// LogCap is the maximum number of decisions GetLogs returns.
func (qs *QueryService) LogCap() int {
	return qs.logCap
}

// GetLogs returns up to limit decisions, most recent first. A limit outside
// [1, cap] is clamped to the cap.
func (qs *QueryService) GetLogs(ctx context.Context, limit int) ([]event.Decision, error) {
	if limit <= 0 || limit > qs.logCap {
		limit = qs.logCap
	}
	logs, err := qs.decisions.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("recent decisions: %w", err)
	}
	if logs == nil {
		logs = []event.Decision{}
	}
	return logs, nil
}
