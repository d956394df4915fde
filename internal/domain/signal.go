package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Command is the instruction carried by a signal.
type Command string

const (
	CommandOpen       Command = "OPEN"
	CommandScale      Command = "SCALE"
	CommandTakeProfit Command = "TAKE_PROFIT"
	CommandClose      Command = "CLOSE"
)

// Signal is a validated, typed trade instruction. Optional numeric fields are
// zero when absent.
type Signal struct {
	Command Command
	Symbol  string
	Side    Side

	// PositionID targets one position when several share a key (hedge mode).
	PositionID string
	// Quantity is an explicit base quantity; it overrides Amount and the
	// configured take-profit tranche.
	Quantity decimal.Decimal
	// Amount is the notional in quote currency used to size OPEN and SCALE.
	Amount decimal.Decimal
	// Price is a reference price supplied by the sender, used for sizing only.
	Price decimal.Decimal
	// Stage is the 1-based take-profit stage.
	Stage int
	// MaxStages overrides the configured take-profit stage count on OPEN.
	MaxStages int
	// AltTakeProfit is a "25-50-100" style list of cumulative percentages.
	AltTakeProfit string
	Strategy      string

	ReceivedAt time.Time
}

// Key returns the signal's (symbol, side) identity.
func (s Signal) Key() Key {
	return NewKey(s.Symbol, s.Side)
}

// Validate checks the fields every command needs.
func (s Signal) Validate() error {
	switch s.Command {
	case CommandOpen, CommandScale, CommandTakeProfit, CommandClose:
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidSignal, s.Command)
	}
	if s.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidSignal)
	}
	if s.Side != SideLong && s.Side != SideShort {
		return fmt.Errorf("%w: side %q", ErrInvalidSignal, s.Side)
	}
	if s.Quantity.IsNegative() || s.Amount.IsNegative() || s.Price.IsNegative() {
		return fmt.Errorf("%w: negative quantity, amount or price", ErrInvalidSignal)
	}
	if s.Command == CommandTakeProfit && s.Stage < 1 {
		return fmt.Errorf("%w: take-profit stage must be >= 1", ErrInvalidSignal)
	}
	if s.MaxStages < 0 {
		return fmt.Errorf("%w: max stages must be >= 0", ErrInvalidSignal)
	}
	return nil
}

// ResultStatus is the outcome class of a handled signal.
type ResultStatus string

const (
	ResultApplied  ResultStatus = "applied"
	ResultNoOp     ResultStatus = "no_op"
	ResultRejected ResultStatus = "rejected"
)

// Result is what HandleSignal reports back to the request layer.
type Result struct {
	Status   ResultStatus
	Position *Position
	// ErrorKind is the taxonomy name of Err, empty when Err is nil.
	ErrorKind string
	Err       error
	// Reason explains a no-op in a few words.
	Reason string
}
