package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/ledger"
)

// Close methods for CloseAll.
const (
	CloseMarket  = "market"
	CloseVirtual = "virtual"
)

// ForceClose closes target for a guardrail. The record is re-read under the
// lease; if another actor closed it first the result is a benign no-op and no
// order is sent.
func (e *Engine) ForceClose(ctx context.Context, target ledger.Target, reason domain.CloseReason) domain.Result {
	tc := e.cfg.Current().Trading
	out := &outcome{}
	p, err := e.ledger.WithPosition(ctx, target, func(ctx context.Context, cur *domain.Position) (ledger.Mutation, error) {
		if cur == nil {
			out.noop = "position no longer active"
			return ledger.NoChange, nil
		}
		out.before = cur
		fill, err := e.placeOrder(ctx, cur.Symbol, cur.Side.ExitOrderSide(), cur.RemainingQuantity, tc)
		if err != nil {
			return ledger.Mutation{}, err
		}
		out.fill = &fill
		return ledger.Mutation{Op: ledger.OpUpdate, Apply: exitApply(fill.FilledQty, fill.AvgPrice, fill.FilledAt, reason)}, nil
	})
	res := e.settle(ctx, p, out, err, eventFor(reason))
	if res.Status == domain.ResultApplied {
		e.logger.Warn("lifecycle: position force-closed",
			slog.String("position_id", res.Position.ID),
			slog.String("reason", string(reason)),
			slog.String("status", string(res.Position.Status)),
		)
	}
	return res
}

// CloseAll closes every active position with reason manual. Market places
// exit orders; virtual books each close at the current price (or entry when
// no price is available) without touching the exchange.
func (e *Engine) CloseAll(ctx context.Context, method string) ([]domain.Result, error) {
	if method != CloseMarket && method != CloseVirtual {
		return nil, fmt.Errorf("lifecycle: unknown close method %q", method)
	}
	active, err := e.ledger.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: close all: %w", err)
	}

	results := make([]domain.Result, 0, len(active))
	closed := 0
	for _, p := range active {
		target := ledger.Target{Key: p.Key(), PositionID: p.ID}
		var res domain.Result
		if method == CloseMarket {
			res = e.closeTarget(ctx, target, domain.CloseReasonManual)
		} else {
			res = e.closeVirtual(ctx, target)
		}
		if res.Status == domain.ResultApplied {
			closed++
		} else if res.Err != nil {
			e.logger.Error("lifecycle: shutdown close failed",
				slog.String("position_id", p.ID),
				slog.String("error", res.Err.Error()),
			)
		}
		results = append(results, res)
	}

	e.logger.Info("lifecycle: shutdown closures done",
		slog.String("method", method),
		slog.Int("active", len(active)),
		slog.Int("closed", closed),
	)
	if len(active) > 0 {
		e.publish(ctx, domain.Event{
			Kind: domain.EventShutdownClosures,
			Details: map[string]any{
				"method": method,
				"active": len(active),
				"closed": closed,
			},
		})
	}
	return results, nil
}

func (e *Engine) closeVirtual(ctx context.Context, target ledger.Target) domain.Result {
	tc := e.cfg.Current().Trading
	out := &outcome{}
	p, err := e.ledger.WithPosition(ctx, target, func(ctx context.Context, cur *domain.Position) (ledger.Mutation, error) {
		if cur == nil {
			out.noop = "position no longer active"
			return ledger.NoChange, nil
		}
		out.before = cur
		price, err := e.fetchPrice(ctx, cur.Symbol, tc.OrderTimeout.Duration)
		if err != nil {
			e.logger.Warn("lifecycle: no price for virtual close, using entry",
				slog.String("position_id", cur.ID),
				slog.String("error", err.Error()),
			)
			price = cur.EntryPrice
		}
		at := e.now()
		return ledger.Mutation{Op: ledger.OpClose, Apply: func(base *domain.Position) (domain.Position, error) {
			return exitApply(base.RemainingQuantity, price, at, domain.CloseReasonManual)(base)
		}}, nil
	})
	return e.settle(ctx, p, out, err, domain.EventPositionClosed)
}
