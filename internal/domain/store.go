package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Partition names one of the two halves of the ledger.
type Partition string

const (
	PartitionActive Partition = "active"
	PartitionClosed Partition = "closed"
)

// Snapshot is the raw content of both partitions, duplicates included.
type Snapshot struct {
	Active []Position
	Closed []Position
}

// IntegrityReport lists the partitions restored by an integrity check.
type IntegrityReport struct {
	Checked  []Partition
	Restored []Partition
	// Source names where each restored partition came from, keyed by partition.
	Source map[Partition]string
}

// PositionStore persists position records in an active and a closed partition.
//
// Put creates a record when expectedVersion is 0 and otherwise requires the
// current highest version of the id (across both partitions) to equal
// expectedVersion. The stored copy gets version expectedVersion+1. CLOSED
// records are written to the closed partition, everything else to active.
type PositionStore interface {
	Get(ctx context.Context, id string) (Position, error)
	Put(ctx context.Context, pos Position, expectedVersion int64) (Position, error)
	Delete(ctx context.Context, id string) error
	ListActive(ctx context.Context) ([]Position, error)
	ListClosed(ctx context.Context, filter ClosedFilter) ([]Position, error)

	Snapshot(ctx context.Context) (Snapshot, error)
	Dedupe(ctx context.Context, partition Partition, id string) (int, error)
	CheckIntegrity(ctx context.Context) (IntegrityReport, error)
}

// BackupSource supplies a last-resort copy of a partition document.
type BackupSource interface {
	Latest(ctx context.Context, partition Partition) ([]byte, error)
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore is an append-only log of ledger events and repairs.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// TradeOutcome summarizes a closed position for performance reporting.
type TradeOutcome struct {
	PositionID  string
	Symbol      string
	Side        Side
	Strategy    string
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	Quantity    decimal.Decimal
	RealizedPnL decimal.Decimal
	CloseReason CloseReason
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// OutcomeFromPosition builds the outcome row for a CLOSED position.
func OutcomeFromPosition(p Position) TradeOutcome {
	o := TradeOutcome{
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		Strategy:    p.Strategy,
		EntryPrice:  p.EntryPrice,
		Quantity:    p.OriginalQuantity,
		RealizedPnL: p.RealizedPnL,
		CloseReason: p.CloseReason,
		OpenedAt:    p.OpenedAt,
	}
	if p.ClosePrice != nil {
		o.ExitPrice = *p.ClosePrice
	}
	if p.ClosedAt != nil {
		o.ClosedAt = *p.ClosedAt
	}
	return o
}

// OutcomeStore records trade outcomes.
type OutcomeStore interface {
	Record(ctx context.Context, outcome TradeOutcome) error
	List(ctx context.Context, opts ListOpts) ([]TradeOutcome, error)
}
