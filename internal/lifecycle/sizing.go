package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/config"
	"github.com/BB13/algobot-public/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// entrySize works out the base quantity for an OPEN or SCALE. An explicit
// quantity wins; otherwise the quote amount (default, capped at the max) is
// divided by the signal price or the broker's current price.
func (e *Engine) entrySize(ctx context.Context, sig domain.Signal, tc config.TradingConfig) (decimal.Decimal, error) {
	if sig.Quantity.IsPositive() {
		return sig.Quantity.Truncate(tc.QuantityPrecision), nil
	}

	amount := sig.Amount
	if !amount.IsPositive() {
		amount = decimal.NewFromFloat(tc.DefaultTradeAmount)
	}
	if tc.MaxTradeAmount > 0 {
		if ceiling := decimal.NewFromFloat(tc.MaxTradeAmount); amount.GreaterThan(ceiling) {
			e.logger.Info("lifecycle: trade amount capped",
				slog.String("symbol", sig.Symbol),
				slog.String("requested", amount.String()),
				slog.String("max", ceiling.String()),
			)
			amount = ceiling
		}
	}

	price := sig.Price
	if !price.IsPositive() {
		var err error
		price, err = e.fetchPrice(ctx, sig.Symbol, tc.OrderTimeout.Duration)
		if err != nil {
			return decimal.Zero, err
		}
	}

	qty := amount.Div(price).Truncate(tc.QuantityPrecision)
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount %s at price %s sizes to zero", domain.ErrInvalidSignal, amount, price)
	}
	return qty, nil
}

// stopFor places the stop stop_loss_pct away from entry on the adverse side.
// It returns nil when stops are disabled.
func stopFor(side domain.Side, entry decimal.Decimal, pct float64) *decimal.Decimal {
	if pct <= 0 {
		return nil
	}
	off := entry.Mul(decimal.NewFromFloat(pct)).Div(hundred)
	stop := entry.Sub(off)
	if side == domain.SideShort {
		stop = entry.Add(off)
	}
	return &stop
}

// takeProfitPlan returns the stage count and cumulative levels for a new
// position. An altTakeProfit list overrides both the count and the levels.
func takeProfitPlan(sig domain.Signal, tc config.TradingConfig) (int, []decimal.Decimal, error) {
	if strings.TrimSpace(sig.AltTakeProfit) != "" {
		levels, err := ParseAltTakeProfit(sig.AltTakeProfit)
		if err != nil {
			return 0, nil, err
		}
		return len(levels), toDecimals(levels), nil
	}

	stages := sig.MaxStages
	if stages <= 0 {
		stages = tc.DefaultTakeProfitStages
	}
	if stages <= 0 {
		stages = 1
	}
	levels := tc.Levels(stages)
	if len(levels) != stages {
		levels = evenLevels(stages)
	}
	return stages, toDecimals(levels), nil
}

// ParseAltTakeProfit reads a "25-50-100" list of cumulative percentages.
func ParseAltTakeProfit(s string) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == ',' || r == '/' })
	levels := make([]float64, 0, len(fields))
	for _, f := range fields {
		d, err := decimal.NewFromString(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("%w: alt take-profit %q: %v", domain.ErrInvalidSignal, s, err)
		}
		levels = append(levels, d.InexactFloat64())
	}
	if err := config.ValidateLevels(levels); err != nil {
		return nil, fmt.Errorf("%w: alt take-profit %q: %v", domain.ErrInvalidSignal, s, err)
	}
	return levels, nil
}

func evenLevels(stages int) []float64 {
	out := make([]float64, stages)
	for i := range out {
		out[i] = float64(100*(i+1)) / float64(stages)
	}
	out[stages-1] = 100
	return out
}

func toDecimals(fs []float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(fs))
	for i, f := range fs {
		out[i] = decimal.NewFromFloat(f)
	}
	return out
}

// tranche is the quantity to take at stage: the step between this stage's
// cumulative level and the previous one, as a share of the original size.
// The last stage takes whatever remains.
func tranche(p domain.Position, stage int, precision int32) decimal.Decimal {
	if stage >= p.MaxTakeProfitStages {
		return p.RemainingQuantity
	}
	levels := p.TakeProfitLevels
	if len(levels) < stage {
		levels = toDecimals(evenLevels(p.MaxTakeProfitStages))
	}
	prev := decimal.Zero
	if stage > 1 {
		prev = levels[stage-2]
	}
	qty := p.OriginalQuantity.Mul(levels[stage-1].Sub(prev)).Div(hundred).Truncate(precision)
	return decimal.Min(qty, p.RemainingQuantity)
}
