package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide accepts "long"/"short" in any case, plus the "buy"/"sell" aliases.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return SideLong, nil
	case "short", "sell":
		return SideShort, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrInvalidSignal, s)
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// EntryOrderSide is the order side that opens (or scales) a position on s.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitOrderSide is the order side that reduces a position on s.
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// PositionStatus tracks where a position is in its lifecycle.
type PositionStatus string

const (
	PositionStatusOpen            PositionStatus = "OPEN"
	PositionStatusPartiallyClosed PositionStatus = "PARTIALLY_CLOSED"
	PositionStatusClosed          PositionStatus = "CLOSED"
)

// Active reports whether the status counts as active for scans and key uniqueness.
func (s PositionStatus) Active() bool {
	return s == PositionStatusOpen || s == PositionStatusPartiallyClosed
}

// CloseReason records why a position reached CLOSED.
type CloseReason string

const (
	CloseReasonManual          CloseReason = "manual"
	CloseReasonTakeProfitFinal CloseReason = "take_profit_final"
	CloseReasonStopLossAuto    CloseReason = "stop_loss_auto"
	CloseReasonMaxAgeAuto      CloseReason = "max_age_auto"
)

// Valid reports whether r is one of the known close reasons.
func (r CloseReason) Valid() bool {
	switch r {
	case CloseReasonManual, CloseReasonTakeProfitFinal, CloseReasonStopLossAuto, CloseReasonMaxAgeAuto:
		return true
	}
	return false
}

// Key is the (symbol, side) identity of an active position.
type Key struct {
	Symbol string
	Side   Side
}

// NewKey normalizes the symbol to upper case.
func NewKey(symbol string, side Side) Key {
	return Key{Symbol: strings.ToUpper(strings.TrimSpace(symbol)), Side: side}
}

// String returns the canonical "SYMBOL:side" form used for lock keys.
func (k Key) String() string {
	return k.Symbol + ":" + string(k.Side)
}

// TakeProfitFill is one executed take-profit stage.
type TakeProfitFill struct {
	Stage    int
	Price    decimal.Decimal
	Quantity decimal.Decimal
	At       time.Time
}

// Position is a tracked trade. Quantities are in base units, prices in quote.
type Position struct {
	ID     string
	Symbol string
	Side   Side
	Status PositionStatus

	// Strategy is an optional label carried over from the opening signal.
	Strategy string

	EntryPrice        decimal.Decimal
	OriginalQuantity  decimal.Decimal
	RemainingQuantity decimal.Decimal
	StopLossPrice     *decimal.Decimal

	TakeProfitIndex     int
	MaxTakeProfitStages int
	// TakeProfitLevels holds the cumulative percent of OriginalQuantity that
	// should be closed once each stage is reached. Index 0 is stage 1.
	TakeProfitLevels []decimal.Decimal
	TakeProfits      []TakeProfitFill

	RealizedPnL decimal.Decimal
	ClosePrice  *decimal.Decimal

	OpenedAt       time.Time
	ClosedAt       *time.Time
	LastModifiedAt time.Time

	Version     int64
	CloseReason CloseReason
}

// Key returns the position's (symbol, side) identity.
func (p Position) Key() Key {
	return Key{Symbol: p.Symbol, Side: p.Side}
}

// Clone returns a deep copy so callers can mutate without aliasing slices or pointers.
func (p Position) Clone() Position {
	c := p
	if p.StopLossPrice != nil {
		v := *p.StopLossPrice
		c.StopLossPrice = &v
	}
	if p.ClosePrice != nil {
		v := *p.ClosePrice
		c.ClosePrice = &v
	}
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		c.ClosedAt = &v
	}
	if p.TakeProfitLevels != nil {
		c.TakeProfitLevels = append([]decimal.Decimal(nil), p.TakeProfitLevels...)
	}
	if p.TakeProfits != nil {
		c.TakeProfits = append([]TakeProfitFill(nil), p.TakeProfits...)
	}
	return c
}

// Validate checks the record-level invariants that must hold for every
// persisted version of a position.
func (p Position) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidTransition)
	case p.Symbol == "":
		return fmt.Errorf("%w: position %s has no symbol", ErrInvalidTransition, p.ID)
	case p.Side != SideLong && p.Side != SideShort:
		return fmt.Errorf("%w: position %s has side %q", ErrInvalidTransition, p.ID, p.Side)
	case p.RemainingQuantity.IsNegative():
		return fmt.Errorf("%w: position %s remaining quantity %s < 0", ErrInvalidTransition, p.ID, p.RemainingQuantity)
	case p.RemainingQuantity.IsZero() && p.Status != PositionStatusClosed:
		return fmt.Errorf("%w: position %s has zero remaining but status %s", ErrInvalidTransition, p.ID, p.Status)
	case p.Status == PositionStatusClosed && !p.RemainingQuantity.IsZero():
		return fmt.Errorf("%w: position %s closed with remaining %s", ErrInvalidTransition, p.ID, p.RemainingQuantity)
	case p.Status == PositionStatusClosed && !p.CloseReason.Valid():
		return fmt.Errorf("%w: position %s closed without a valid reason", ErrInvalidTransition, p.ID)
	case p.Status != PositionStatusClosed && p.CloseReason != "":
		return fmt.Errorf("%w: position %s has close reason while %s", ErrInvalidTransition, p.ID, p.Status)
	case p.TakeProfitIndex < 0 || (p.MaxTakeProfitStages > 0 && p.TakeProfitIndex > p.MaxTakeProfitStages):
		return fmt.Errorf("%w: position %s take-profit index %d out of range", ErrInvalidTransition, p.ID, p.TakeProfitIndex)
	}
	return nil
}

// PnL returns the profit of moving qty from the entry price to price.
func (p Position) PnL(price, qty decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.EntryPrice)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

// AdverseMovePct returns how far price has moved against the position, in
// percent of the entry price. Favourable moves are negative.
func (p Position) AdverseMovePct(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	move := p.EntryPrice.Sub(price)
	if p.Side == SideShort {
		move = move.Neg()
	}
	return move.Div(p.EntryPrice).Mul(decimal.NewFromInt(100))
}

// StopBreached reports whether price has crossed the stop in the adverse direction.
func (p Position) StopBreached(price decimal.Decimal) bool {
	if p.StopLossPrice == nil {
		return false
	}
	if p.Side == SideShort {
		return price.GreaterThanOrEqual(*p.StopLossPrice)
	}
	return price.LessThanOrEqual(*p.StopLossPrice)
}

// TightenStop moves the stop to candidate only when that reduces risk: up for
// longs, down for shorts. The stop never loosens.
func (p *Position) TightenStop(candidate decimal.Decimal) bool {
	if p.StopLossPrice == nil {
		p.StopLossPrice = &candidate
		return true
	}
	tighter := candidate.GreaterThan(*p.StopLossPrice)
	if p.Side == SideShort {
		tighter = candidate.LessThan(*p.StopLossPrice)
	}
	if tighter {
		p.StopLossPrice = &candidate
	}
	return tighter
}

// ClosedFilter narrows ListClosed queries. Zero values match everything.
type ClosedFilter struct {
	Symbol string
	Side   Side
	Reason CloseReason
	Since  *time.Time
	Until  *time.Time
	Limit  int
}

// Match reports whether p passes the filter (Limit is applied by the caller).
func (f ClosedFilter) Match(p Position) bool {
	if f.Symbol != "" && !strings.EqualFold(f.Symbol, p.Symbol) {
		return false
	}
	if f.Side != "" && f.Side != p.Side {
		return false
	}
	if f.Reason != "" && f.Reason != p.CloseReason {
		return false
	}
	if p.ClosedAt != nil {
		if f.Since != nil && p.ClosedAt.Before(*f.Since) {
			return false
		}
		if f.Until != nil && p.ClosedAt.After(*f.Until) {
			return false
		}
	}
	return true
}
