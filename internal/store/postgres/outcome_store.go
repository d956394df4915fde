package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BB13/algobot-public/internal/domain"
)

// OutcomeStore implements domain.OutcomeStore on the trade_outcomes table.
type OutcomeStore struct {
	pool *pgxpool.Pool
}

// NewOutcomeStore creates an OutcomeStore.
func NewOutcomeStore(pool *pgxpool.Pool) *OutcomeStore {
	return &OutcomeStore{pool: pool}
}

// Record inserts o. Recording the same position twice keeps the first row.
func (s *OutcomeStore) Record(ctx context.Context, o domain.TradeOutcome) error {
	const query = `
		INSERT INTO trade_outcomes (
			position_id, symbol, side, strategy,
			entry_price, exit_price, quantity, realized_pnl,
			close_reason, opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (position_id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query,
		o.PositionID, o.Symbol, string(o.Side), o.Strategy,
		o.EntryPrice, o.ExitPrice, o.Quantity, o.RealizedPnL,
		string(o.CloseReason), o.OpenedAt, o.ClosedAt,
	); err != nil {
		return fmt.Errorf("postgres: record outcome %s: %w", o.PositionID, err)
	}
	return nil
}

// List returns outcomes newest close first.
func (s *OutcomeStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeOutcome, error) {
	query, args := windowed(`
		SELECT position_id, symbol, side, strategy,
			entry_price, exit_price, quantity, realized_pnl,
			close_reason, opened_at, closed_at
		FROM trade_outcomes`, "closed_at", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list outcomes: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeOutcome
	for rows.Next() {
		var (
			o            domain.TradeOutcome
			side, reason string
		)
		if err := rows.Scan(
			&o.PositionID, &o.Symbol, &side, &o.Strategy,
			&o.EntryPrice, &o.ExitPrice, &o.Quantity, &o.RealizedPnL,
			&reason, &o.OpenedAt, &o.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan outcome: %w", err)
		}
		o.Side = domain.Side(side)
		o.CloseReason = domain.CloseReason(reason)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list outcomes rows: %w", err)
	}
	return out, nil
}

var (
	_ domain.AuditStore   = (*AuditStore)(nil)
	_ domain.OutcomeStore = (*OutcomeStore)(nil)
)
