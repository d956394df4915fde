// Package lifecycle turns signals into position transitions. The order is
// always placed first and the ledger written only after a confirmed fill, so
// a failure before persistence never leaves partial state behind.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/config"
	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/ledger"
	"github.com/BB13/algobot-public/internal/metrics"
)

// Deps are the collaborators of an Engine. Events, Audit and Outcomes are
// optional.
type Deps struct {
	Ledger   *ledger.Repository
	Broker   domain.Broker
	Config   config.Source
	Events   domain.EventPublisher
	Audit    domain.AuditStore
	Outcomes domain.OutcomeStore
}

// Engine is the position state machine.
type Engine struct {
	ledger   *ledger.Repository
	broker   domain.Broker
	cfg      config.Source
	events   domain.EventPublisher
	audit    domain.AuditStore
	outcomes domain.OutcomeStore
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Engine.
func New(d Deps, logger *slog.Logger) *Engine {
	return &Engine{
		ledger:   d.Ledger,
		broker:   d.Broker,
		cfg:      d.Config,
		events:   d.Events,
		audit:    d.Audit,
		outcomes: d.Outcomes,
		logger:   logger.With(slog.String("component", "lifecycle")),
		now:      time.Now,
	}
}

// outcome collects what happened inside a ledger callback.
type outcome struct {
	noop   string
	fill   *domain.Fill
	before *domain.Position
}

// HandleSignal applies one signal and reports the result. It never panics on
// bad input; every failure is returned as a rejected result.
func (e *Engine) HandleSignal(ctx context.Context, sig domain.Signal) domain.Result {
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = e.now()
	}
	sig.Symbol = sig.Key().Symbol

	var res domain.Result
	if err := sig.Validate(); err != nil {
		res = rejected(err)
	} else {
		cfg := e.cfg.Current()
		switch sig.Command {
		case domain.CommandOpen:
			res = e.open(ctx, sig, cfg)
		case domain.CommandScale:
			res = e.scale(ctx, sig, cfg)
		case domain.CommandTakeProfit:
			res = e.takeProfit(ctx, sig, cfg)
		case domain.CommandClose:
			res = e.closeBySignal(ctx, sig, cfg)
		}
	}

	metrics.Signals.WithLabelValues(string(sig.Command), string(res.Status)).Inc()
	attrs := []any{
		slog.String("command", string(sig.Command)),
		slog.String("key", sig.Key().String()),
		slog.String("status", string(res.Status)),
	}
	if res.Position != nil {
		attrs = append(attrs, slog.String("position_id", res.Position.ID), slog.Int64("version", res.Position.Version))
	}
	switch res.Status {
	case domain.ResultRejected:
		e.logger.Warn("lifecycle: signal rejected", append(attrs,
			slog.String("kind", res.ErrorKind),
			slog.String("error", res.Err.Error()))...)
	case domain.ResultNoOp:
		e.logger.Info("lifecycle: signal ignored", append(attrs, slog.String("reason", res.Reason))...)
	default:
		e.logger.Info("lifecycle: signal applied", attrs...)
	}
	return res
}

func rejected(err error) domain.Result {
	return domain.Result{Status: domain.ResultRejected, ErrorKind: domain.ErrorKind(err), Err: err}
}

func noop(p *domain.Position, reason string) domain.Result {
	return domain.Result{Status: domain.ResultNoOp, Position: p, Reason: reason}
}

func applied(p *domain.Position) domain.Result {
	return domain.Result{Status: domain.ResultApplied, Position: p}
}

// settle turns a WithPosition return into a Result and runs the post-persist
// side effects for applied changes.
func (e *Engine) settle(ctx context.Context, p *domain.Position, out *outcome, err error, kind domain.EventKind) domain.Result {
	if err != nil {
		if out.fill != nil {
			// The exchange executed but the ledger did not record it.
			e.logger.Error("lifecycle: order filled but ledger write failed",
				slog.String("order_id", out.fill.OrderID),
				slog.String("filled_qty", out.fill.FilledQty.String()),
				slog.String("avg_price", out.fill.AvgPrice.String()),
				slog.String("error", err.Error()),
			)
			e.auditLog(ctx, "ledger_write_failed", map[string]any{
				"order_id":   out.fill.OrderID,
				"filled_qty": out.fill.FilledQty.String(),
				"avg_price":  out.fill.AvgPrice.String(),
				"error":      err.Error(),
			})
		}
		return rejected(err)
	}
	if out.noop != "" {
		return noop(p, out.noop)
	}
	e.afterPersist(ctx, kind, out.before, *p)
	return applied(p)
}

func (e *Engine) open(ctx context.Context, sig domain.Signal, cfg config.Config) domain.Result {
	tc := cfg.Trading
	if (sig.Side == domain.SideLong && !tc.AllowLong) || (sig.Side == domain.SideShort && !tc.AllowShort) {
		return rejected(fmt.Errorf("%w: %s entries are disabled", domain.ErrInvalidSignal, sig.Side))
	}
	stages, levels, err := takeProfitPlan(sig, tc)
	if err != nil {
		return rejected(err)
	}

	if tc.CloseOppositeOnEntry {
		opp := domain.Key{Symbol: sig.Key().Symbol, Side: sig.Side.Opposite()}
		res := e.closeTarget(ctx, ledger.Target{Key: opp}, domain.CloseReasonManual)
		if res.Status == domain.ResultRejected && !errors.Is(res.Err, domain.ErrNoActivePosition) {
			return rejected(fmt.Errorf("lifecycle: close opposite %s: %w", opp, res.Err))
		}
	}

	out := &outcome{}
	p, err := e.ledger.WithPosition(ctx, ledger.Target{Key: sig.Key()}, func(ctx context.Context, cur *domain.Position) (ledger.Mutation, error) {
		if cur != nil && !cfg.Ledger.HedgeMode {
			out.noop = "position already open"
			return ledger.NoChange, nil
		}
		qty, err := e.entrySize(ctx, sig, tc)
		if err != nil {
			return ledger.Mutation{}, err
		}
		fill, err := e.placeOrder(ctx, sig.Symbol, sig.Side.EntryOrderSide(), qty, tc)
		if err != nil {
			return ledger.Mutation{}, err
		}
		out.fill = &fill

		return ledger.Mutation{Op: ledger.OpCreate, Apply: func(*domain.Position) (domain.Position, error) {
			entry := fill.AvgPrice
			if !entry.IsPositive() {
				entry = sig.Price
			}
			return domain.Position{
				ID:                  uuid.New().String(),
				Symbol:              sig.Symbol,
				Side:                sig.Side,
				Status:              domain.PositionStatusOpen,
				Strategy:            sig.Strategy,
				EntryPrice:          entry,
				OriginalQuantity:    fill.FilledQty,
				RemainingQuantity:   fill.FilledQty,
				StopLossPrice:       stopFor(sig.Side, entry, tc.StopLossPct),
				MaxTakeProfitStages: stages,
				TakeProfitLevels:    levels,
				OpenedAt:            fill.FilledAt,
			}, nil
		}}, nil
	})
	return e.settle(ctx, p, out, err, domain.EventPositionOpened)
}

func (e *Engine) scale(ctx context.Context, sig domain.Signal, cfg config.Config) domain.Result {
	tc := cfg.Trading
	out := &outcome{}
	target := ledger.Target{Key: sig.Key(), PositionID: sig.PositionID}
	p, err := e.ledger.WithPosition(ctx, target, func(ctx context.Context, cur *domain.Position) (ledger.Mutation, error) {
		if cur == nil {
			return ledger.Mutation{}, fmt.Errorf("lifecycle: scale %s: %w", target, domain.ErrNoActivePosition)
		}
		out.before = cur
		qty, err := e.entrySize(ctx, sig, tc)
		if err != nil {
			return ledger.Mutation{}, err
		}
		fill, err := e.placeOrder(ctx, cur.Symbol, cur.Side.EntryOrderSide(), qty, tc)
		if err != nil {
			return ledger.Mutation{}, err
		}
		out.fill = &fill

		return ledger.Mutation{Op: ledger.OpUpdate, Apply: func(base *domain.Position) (domain.Position, error) {
			total := base.RemainingQuantity.Add(fill.FilledQty)
			base.EntryPrice = base.EntryPrice.Mul(base.RemainingQuantity).
				Add(fill.AvgPrice.Mul(fill.FilledQty)).
				Div(total)
			base.OriginalQuantity = base.OriginalQuantity.Add(fill.FilledQty)
			base.RemainingQuantity = total
			if stop := stopFor(base.Side, base.EntryPrice, tc.StopLossPct); stop != nil {
				base.TightenStop(*stop)
			}
			return *base, nil
		}}, nil
	})
	return e.settle(ctx, p, out, err, domain.EventPositionScaled)
}

func (e *Engine) takeProfit(ctx context.Context, sig domain.Signal, cfg config.Config) domain.Result {
	tc := cfg.Trading
	out := &outcome{}
	target := ledger.Target{Key: sig.Key(), PositionID: sig.PositionID}
	p, err := e.ledger.WithPosition(ctx, target, func(ctx context.Context, cur *domain.Position) (ledger.Mutation, error) {
		if cur == nil {
			return ledger.Mutation{}, fmt.Errorf("lifecycle: take profit %s: %w", target, domain.ErrNoActivePosition)
		}
		switch {
		case sig.Stage > cur.MaxTakeProfitStages:
			out.noop = fmt.Sprintf("stage %d beyond %d stages", sig.Stage, cur.MaxTakeProfitStages)
			return ledger.NoChange, nil
		case sig.Stage <= cur.TakeProfitIndex:
			out.noop = fmt.Sprintf("stage %d already taken", sig.Stage)
			return ledger.NoChange, nil
		case sig.Stage != cur.TakeProfitIndex+1:
			out.noop = fmt.Sprintf("stage %d out of order, next is %d", sig.Stage, cur.TakeProfitIndex+1)
			return ledger.NoChange, nil
		}

		qty := tranche(*cur, sig.Stage, tc.QuantityPrecision)
		// The last stage always flattens; an explicit quantity only sizes earlier tranches.
		if sig.Quantity.IsPositive() && sig.Stage < cur.MaxTakeProfitStages {
			qty = decimal.Min(sig.Quantity, cur.RemainingQuantity)
		}
		if !qty.IsPositive() {
			out.noop = "tranche rounds to zero"
			return ledger.NoChange, nil
		}
		out.before = cur
		fill, err := e.placeOrder(ctx, cur.Symbol, cur.Side.ExitOrderSide(), qty, tc)
		if err != nil {
			return ledger.Mutation{}, err
		}
		out.fill = &fill

		stage := sig.Stage
		return ledger.Mutation{Op: ledger.OpUpdate, Apply: func(base *domain.Position) (domain.Position, error) {
			filled := decimal.Min(fill.FilledQty, base.RemainingQuantity)
			base.RemainingQuantity = base.RemainingQuantity.Sub(filled)
			base.TakeProfitIndex = stage
			base.RealizedPnL = base.RealizedPnL.Add(base.PnL(fill.AvgPrice, filled))
			base.TakeProfits = append(base.TakeProfits, domain.TakeProfitFill{
				Stage:    stage,
				Price:    fill.AvgPrice,
				Quantity: filled,
				At:       fill.FilledAt,
			})
			if tc.BreakevenAfterTakeProfit && stage == 1 {
				base.TightenStop(base.EntryPrice)
			}
			if base.RemainingQuantity.IsZero() {
				markClosed(base, fill.AvgPrice, fill.FilledAt, domain.CloseReasonTakeProfitFinal)
			} else {
				base.Status = domain.PositionStatusPartiallyClosed
			}
			return *base, nil
		}}, nil
	})
	res := e.settle(ctx, p, out, err, domain.EventTakeProfit)
	if res.Status == domain.ResultApplied && res.Position != nil &&
		res.Position.Status != domain.PositionStatusClosed &&
		res.Position.TakeProfitIndex >= res.Position.MaxTakeProfitStages {
		// Short fill on the final stage: finish through the close path.
		return e.closeTarget(ctx, ledger.Target{Key: res.Position.Key(), PositionID: res.Position.ID}, domain.CloseReasonTakeProfitFinal)
	}
	return res
}

func (e *Engine) closeBySignal(ctx context.Context, sig domain.Signal, _ config.Config) domain.Result {
	return e.closeTarget(ctx, ledger.Target{Key: sig.Key(), PositionID: sig.PositionID}, domain.CloseReasonManual)
}

// closeTarget sells (or buys back) the whole remaining quantity of target.
func (e *Engine) closeTarget(ctx context.Context, target ledger.Target, reason domain.CloseReason) domain.Result {
	tc := e.cfg.Current().Trading
	out := &outcome{}
	p, err := e.ledger.WithPosition(ctx, target, func(ctx context.Context, cur *domain.Position) (ledger.Mutation, error) {
		if cur == nil {
			return ledger.Mutation{}, fmt.Errorf("lifecycle: close %s: %w", target, domain.ErrNoActivePosition)
		}
		out.before = cur
		fill, err := e.placeOrder(ctx, cur.Symbol, cur.Side.ExitOrderSide(), cur.RemainingQuantity, tc)
		if err != nil {
			return ledger.Mutation{}, err
		}
		out.fill = &fill
		return ledger.Mutation{Op: ledger.OpUpdate, Apply: exitApply(fill.FilledQty, fill.AvgPrice, fill.FilledAt, reason)}, nil
	})
	return e.settle(ctx, p, out, err, eventFor(reason))
}

// exitApply reduces a position by qty at price and closes it once nothing
// remains. A partial fill leaves it PARTIALLY_CLOSED for the next close.
func exitApply(qty, price decimal.Decimal, at time.Time, reason domain.CloseReason) func(*domain.Position) (domain.Position, error) {
	return func(base *domain.Position) (domain.Position, error) {
		filled := decimal.Min(qty, base.RemainingQuantity)
		base.RealizedPnL = base.RealizedPnL.Add(base.PnL(price, filled))
		base.RemainingQuantity = base.RemainingQuantity.Sub(filled)
		if base.RemainingQuantity.IsZero() {
			markClosed(base, price, at, reason)
		} else {
			base.Status = domain.PositionStatusPartiallyClosed
		}
		return *base, nil
	}
}

func markClosed(p *domain.Position, price decimal.Decimal, at time.Time, reason domain.CloseReason) {
	p.Status = domain.PositionStatusClosed
	p.CloseReason = reason
	p.ClosePrice = &price
	if at.IsZero() {
		at = time.Now()
	}
	p.ClosedAt = &at
}

func eventFor(reason domain.CloseReason) domain.EventKind {
	switch reason {
	case domain.CloseReasonStopLossAuto:
		return domain.EventStopLossAuto
	case domain.CloseReasonMaxAgeAuto:
		return domain.EventMaxAgeAuto
	}
	return domain.EventPositionClosed
}

// placeOrder sends a market order with the configured timeout. Any error or
// an empty fill is reported as ErrOrderFailed.
func (e *Engine) placeOrder(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal, tc config.TradingConfig) (domain.Fill, error) {
	octx, cancel := context.WithTimeout(ctx, tc.OrderTimeout.Duration)
	defer cancel()

	req := domain.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Type:     domain.OrderTypeMarket,
		ClientID: uuid.New().String(),
	}
	fill, err := e.broker.PlaceOrder(octx, req)
	if err == nil && !fill.FilledQty.IsPositive() {
		err = errors.New("empty fill")
	}
	if err != nil {
		metrics.Orders.WithLabelValues(string(side), "failed").Inc()
		e.publish(ctx, domain.Event{
			Kind: domain.EventOrderFailed,
			Details: map[string]any{
				"symbol":    symbol,
				"side":      string(side),
				"quantity":  qty.String(),
				"client_id": req.ClientID,
				"error":     err.Error(),
			},
		})
		if errors.Is(err, domain.ErrOrderFailed) {
			return domain.Fill{}, fmt.Errorf("lifecycle: %s %s %s: %w", side, qty, symbol, err)
		}
		return domain.Fill{}, fmt.Errorf("lifecycle: %s %s %s: %w: %v", side, qty, symbol, domain.ErrOrderFailed, err)
	}
	if fill.FilledAt.IsZero() {
		fill.FilledAt = e.now()
	}
	metrics.Orders.WithLabelValues(string(side), "filled").Inc()
	return fill, nil
}

func (e *Engine) fetchPrice(ctx context.Context, symbol string, timeout time.Duration) (decimal.Decimal, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	price, err := e.broker.FetchPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("lifecycle: price %s: %w: %v", symbol, domain.ErrPriceUnavailable, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("lifecycle: price %s is %s: %w", symbol, price, domain.ErrPriceUnavailable)
	}
	return price, nil
}

// afterPersist emits the notification, audit entry and outcome row for a
// stored change. None of these can fail the mutation.
func (e *Engine) afterPersist(ctx context.Context, kind domain.EventKind, before *domain.Position, p domain.Position) {
	details := map[string]any{
		"symbol":    p.Symbol,
		"side":      string(p.Side),
		"status":    string(p.Status),
		"entry":     p.EntryPrice.String(),
		"remaining": p.RemainingQuantity.String(),
		"version":   p.Version,
	}
	if before != nil {
		details["previous_remaining"] = before.RemainingQuantity.String()
	}
	if kind == domain.EventTakeProfit {
		details["stage"] = p.TakeProfitIndex
	}
	if p.Status == domain.PositionStatusClosed {
		details["close_reason"] = string(p.CloseReason)
		details["realized_pnl"] = p.RealizedPnL.String()
		if p.ClosePrice != nil {
			details["close_price"] = p.ClosePrice.String()
		}
	}

	e.publish(ctx, domain.Event{PositionID: p.ID, Kind: kind, Details: details})
	if kind == domain.EventTakeProfit && p.Status == domain.PositionStatusClosed {
		e.publish(ctx, domain.Event{PositionID: p.ID, Kind: domain.EventPositionClosed, Details: details})
	}

	audit := make(map[string]any, len(details)+1)
	for k, v := range details {
		audit[k] = v
	}
	audit["position_id"] = p.ID
	e.auditLog(ctx, string(kind), audit)

	if p.Status == domain.PositionStatusClosed && e.outcomes != nil {
		if err := e.outcomes.Record(ctx, domain.OutcomeFromPosition(p)); err != nil {
			e.logger.Warn("lifecycle: record outcome failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Engine) publish(ctx context.Context, ev domain.Event) {
	if e.events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.events.Publish(ctx, ev)
}

func (e *Engine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.Warn("lifecycle: audit failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
