package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"TollLedger/internal/event"
)

// PostgresDecisionStore writes decisions to event_log.decisions using
// multi-row INSERT. Re-sent decisions are ignored by primary key.
type PostgresDecisionStore struct {
	db *sql.DB
}

// decisionColumns is the column count of one inserted row.
const decisionColumns = 7

func NewPostgresDecisionStore(db *sql.DB) *PostgresDecisionStore {
	return &PostgresDecisionStore{db: db}
}

// AppendBatch writes a batch of decisions in one statement.
func (s *PostgresDecisionStore) AppendBatch(ctx context.Context, decisions []event.Decision) error {
	if len(decisions) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.decisions
		(decision_id, uid, decided_at, outcome, balance, deducted, message)
		VALUES `

	values := make([]string, 0, len(decisions))
	args := make([]interface{}, 0, len(decisions)*decisionColumns)

	for i, d := range decisions {
		base := i * decisionColumns
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))

		var deducted sql.NullInt64
		if d.Deducted != nil {
			deducted = sql.NullInt64{Int64: *d.Deducted, Valid: true}
		}
		args = append(args,
			d.DecisionID, d.Identifier, d.Timestamp, string(d.Outcome),
			d.Balance, deducted, d.Message,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (decision_id) DO NOTHING"

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: insert %d decisions: %v", ErrLogWrite, len(decisions), err)
	}
	return nil
}

// Recent loads the newest decisions.
func (s *PostgresDecisionStore) Recent(ctx context.Context, limit int) ([]event.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT decision_id, uid, decided_at, outcome, balance, deducted, message
		FROM event_log.decisions
		ORDER BY decided_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	decisions := make([]event.Decision, 0, limit)
	for rows.Next() {
		var (
			d        event.Decision
			outcome  string
			deducted sql.NullInt64
		)
		if err := rows.Scan(&d.DecisionID, &d.Identifier, &d.Timestamp, &outcome, &d.Balance, &deducted, &d.Message); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Outcome = event.Outcome(outcome)
		d.Timestamp = d.Timestamp.UTC()
		if deducted.Valid {
			v := deducted.Int64
			d.Deducted = &v
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return decisions, nil
}

// Ping checks the database is reachable.
func (s *PostgresDecisionStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
