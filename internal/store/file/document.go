package file

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
)

const schemaVersion = 1

// document is the on-disk shape of one partition.
type document struct {
	Schema    int       `json:"schema"`
	UpdatedAt time.Time `json:"updated_at"`
	Positions []record  `json:"positions"`
}

type takeProfitRecord struct {
	Stage    int             `json:"stage"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	At       time.Time       `json:"at"`
}

type record struct {
	ID                  string                `json:"id"`
	Symbol              string                `json:"symbol"`
	Side                domain.Side           `json:"side"`
	Status              domain.PositionStatus `json:"status"`
	Strategy            string                `json:"strategy,omitempty"`
	EntryPrice          decimal.Decimal       `json:"entry_price"`
	OriginalQuantity    decimal.Decimal       `json:"original_quantity"`
	RemainingQuantity   decimal.Decimal       `json:"remaining_quantity"`
	StopLossPrice       *decimal.Decimal      `json:"stop_loss_price,omitempty"`
	TakeProfitIndex     int                   `json:"take_profit_index"`
	MaxTakeProfitStages int                   `json:"max_take_profit_stages"`
	TakeProfitLevels    []decimal.Decimal     `json:"take_profit_levels,omitempty"`
	TakeProfits         []takeProfitRecord    `json:"take_profits,omitempty"`
	RealizedPnL         decimal.Decimal       `json:"realized_pnl"`
	ClosePrice          *decimal.Decimal      `json:"close_price,omitempty"`
	OpenedAt            time.Time             `json:"opened_at"`
	ClosedAt            *time.Time            `json:"closed_at,omitempty"`
	LastModifiedAt      time.Time             `json:"last_modified_at"`
	Version             int64                 `json:"version"`
	CloseReason         domain.CloseReason    `json:"close_reason,omitempty"`
}

func toRecord(p domain.Position) record {
	p = p.Clone()
	r := record{
		ID:                  p.ID,
		Symbol:              p.Symbol,
		Side:                p.Side,
		Status:              p.Status,
		Strategy:            p.Strategy,
		EntryPrice:          p.EntryPrice,
		OriginalQuantity:    p.OriginalQuantity,
		RemainingQuantity:   p.RemainingQuantity,
		StopLossPrice:       p.StopLossPrice,
		TakeProfitIndex:     p.TakeProfitIndex,
		MaxTakeProfitStages: p.MaxTakeProfitStages,
		TakeProfitLevels:    p.TakeProfitLevels,
		RealizedPnL:         p.RealizedPnL,
		ClosePrice:          p.ClosePrice,
		OpenedAt:            p.OpenedAt,
		ClosedAt:            p.ClosedAt,
		LastModifiedAt:      p.LastModifiedAt,
		Version:             p.Version,
		CloseReason:         p.CloseReason,
	}
	for _, tp := range p.TakeProfits {
		r.TakeProfits = append(r.TakeProfits, takeProfitRecord(tp))
	}
	return r
}

func (r record) toPosition() domain.Position {
	p := domain.Position{
		ID:                  r.ID,
		Symbol:              r.Symbol,
		Side:                r.Side,
		Status:              r.Status,
		Strategy:            r.Strategy,
		EntryPrice:          r.EntryPrice,
		OriginalQuantity:    r.OriginalQuantity,
		RemainingQuantity:   r.RemainingQuantity,
		StopLossPrice:       r.StopLossPrice,
		TakeProfitIndex:     r.TakeProfitIndex,
		MaxTakeProfitStages: r.MaxTakeProfitStages,
		TakeProfitLevels:    r.TakeProfitLevels,
		RealizedPnL:         r.RealizedPnL,
		ClosePrice:          r.ClosePrice,
		OpenedAt:            r.OpenedAt,
		ClosedAt:            r.ClosedAt,
		LastModifiedAt:      r.LastModifiedAt,
		Version:             r.Version,
		CloseReason:         r.CloseReason,
	}
	for _, tp := range r.TakeProfits {
		p.TakeProfits = append(p.TakeProfits, domain.TakeProfitFill(tp))
	}
	return p.Clone()
}

// decodeDocument parses a partition file. A missing file is passed in as nil
// and yields an empty partition; anything else that does not parse is corrupt.
func decodeDocument(raw []byte) ([]record, error) {
	if raw == nil {
		return nil, nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty document", domain.ErrCorruptLedger)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptLedger, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after document", domain.ErrCorruptLedger)
	}
	if doc.Schema != schemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema %d", domain.ErrCorruptLedger, doc.Schema)
	}
	for i, r := range doc.Positions {
		if r.ID == "" || r.Version < 1 {
			return nil, fmt.Errorf("%w: record %d has no id or version", domain.ErrCorruptLedger, i)
		}
	}
	return doc.Positions, nil
}

func encodeDocument(recs []record, now time.Time) ([]byte, error) {
	if recs == nil {
		recs = []record{}
	}
	data, err := json.MarshalIndent(document{
		Schema:    schemaVersion,
		UpdatedAt: now.UTC(),
		Positions: recs,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// latest returns the index of the highest-version record with id, or -1.
func latest(recs []record, id string) int {
	best := -1
	for i, r := range recs {
		if r.ID == id && (best < 0 || r.Version > recs[best].Version) {
			best = i
		}
	}
	return best
}

// resolve collapses duplicates to the highest version, keeping first-seen order.
func resolve(recs []record) []record {
	seen := make(map[string]int, len(recs))
	out := make([]record, 0, len(recs))
	for _, r := range recs {
		if i, ok := seen[r.ID]; ok {
			if r.Version > out[i].Version {
				out[i] = r
			}
			continue
		}
		seen[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}
