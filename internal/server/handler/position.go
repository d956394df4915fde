package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/ledger"
	"github.com/BB13/algobot-public/internal/lifecycle"
)

// PositionReader defines the ledger reads the position handler requires.
type PositionReader interface {
	Get(ctx context.Context, id string) (domain.Position, error)
	ListActive(ctx context.Context) ([]domain.Position, error)
	ListClosed(ctx context.Context, filter domain.ClosedFilter) ([]domain.Position, error)
}

// PositionCloser force-closes one position, or all of them.
type PositionCloser interface {
	ForceClose(ctx context.Context, target ledger.Target, reason domain.CloseReason) domain.Result
	CloseAll(ctx context.Context, method string) ([]domain.Result, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionReader
	closer    PositionCloser
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionReader, closer PositionCloser, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		closer:    closer,
		logger:    logHandler(logger, "positions"),
	}
}

type takeProfitView struct {
	Stage    int             `json:"stage"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	At       time.Time       `json:"at"`
}

// positionView is the JSON form of a position.
type positionView struct {
	ID                  string             `json:"id"`
	Key                 string             `json:"key"`
	Symbol              string             `json:"symbol"`
	Side                domain.Side        `json:"side"`
	Status              string             `json:"status"`
	Strategy            string             `json:"strategy,omitempty"`
	EntryPrice          decimal.Decimal    `json:"entry_price"`
	OriginalQuantity    decimal.Decimal    `json:"original_quantity"`
	RemainingQuantity   decimal.Decimal    `json:"remaining_quantity"`
	StopLossPrice       *decimal.Decimal   `json:"stop_loss_price,omitempty"`
	TakeProfitIndex     int                `json:"take_profit_index"`
	MaxTakeProfitStages int                `json:"max_take_profit_stages"`
	TakeProfitLevels    []decimal.Decimal  `json:"take_profit_levels,omitempty"`
	TakeProfits         []takeProfitView   `json:"take_profits,omitempty"`
	RealizedPnL         decimal.Decimal    `json:"realized_pnl"`
	ClosePrice          *decimal.Decimal   `json:"close_price,omitempty"`
	CloseReason         domain.CloseReason `json:"close_reason,omitempty"`
	OpenedAt            time.Time          `json:"opened_at"`
	ClosedAt            *time.Time         `json:"closed_at,omitempty"`
	LastModifiedAt      time.Time          `json:"last_modified_at"`
	Version             int64              `json:"version"`
}

func newPositionView(p domain.Position) positionView {
	v := positionView{
		ID:                  p.ID,
		Key:                 p.Key().String(),
		Symbol:              p.Symbol,
		Side:                p.Side,
		Status:              string(p.Status),
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
		CloseReason:         p.CloseReason,
		OpenedAt:            p.OpenedAt,
		ClosedAt:            p.ClosedAt,
		LastModifiedAt:      p.LastModifiedAt,
		Version:             p.Version,
	}
	for _, tp := range p.TakeProfits {
		v.TakeProfits = append(v.TakeProfits, takeProfitView(tp))
	}
	return v
}

func newPositionViews(ps []domain.Position) []positionView {
	out := make([]positionView, 0, len(ps))
	for _, p := range ps {
		out = append(out, newPositionView(p))
	}
	return out
}

type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
}

// ListPositions returns the active positions, optionally narrowed by symbol
// and side.
// GET /api/positions?symbol=BTCUSDT&side=long
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseClosedFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	positions, err := h.positions.ListActive(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("error", err.Error()),
		)
		writeJSON(w, errorStatus(err), errorBody(err))
		return
	}

	var out []domain.Position
	for _, p := range positions {
		if filter.Symbol != "" && filter.Symbol != p.Symbol {
			continue
		}
		if filter.Side != "" && filter.Side != p.Side {
			continue
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: newPositionViews(out)})
}

// GetPosition returns one position from either partition.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	p, err := h.positions.Get(r.Context(), id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			h.logger.ErrorContext(r.Context(), "handler: get position failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
		}
		writeJSON(w, errorStatus(err), errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(p))
}

// History returns closed positions, newest first.
// GET /api/positions/history?symbol=&side=&reason=&since=&until=&limit=
func (h *PositionHandler) History(w http.ResponseWriter, r *http.Request) {
	filter, err := parseClosedFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	positions, err := h.positions.ListClosed(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: history failed",
			slog.String("error", err.Error()),
		)
		writeJSON(w, errorStatus(err), errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: newPositionViews(positions)})
}

// ClosePosition force-closes one active position with reason manual.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	p, err := h.positions.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, errorStatus(err), errorBody(err))
		return
	}

	res := h.closer.ForceClose(r.Context(), ledger.Target{Key: p.Key(), PositionID: p.ID}, domain.CloseReasonManual)
	h.logger.InfoContext(r.Context(), "handler: manual close",
		slog.String("position_id", id),
		slog.String("status", string(res.Status)),
		slog.String("error_kind", res.ErrorKind),
	)
	writeJSON(w, resultStatus(res), newSignalResponse(res))
}

type closeAllResponse struct {
	Method  string           `json:"method"`
	Closed  int              `json:"closed"`
	Failed  int              `json:"failed"`
	Results []signalResponse `json:"results"`
}

// CloseAll closes every active position. method=market sends exit orders;
// method=virtual records the close at the last price without trading.
// POST /api/positions/close-all?method=market|virtual
func (h *PositionHandler) CloseAll(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Query().Get("method")
	if method == "" {
		method = lifecycle.CloseMarket
	}
	if method != lifecycle.CloseMarket && method != lifecycle.CloseVirtual {
		writeError(w, http.StatusBadRequest, "method must be market or virtual")
		return
	}

	results, err := h.closer.CloseAll(r.Context(), method)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: close all failed",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		writeJSON(w, errorStatus(err), errorBody(err))
		return
	}

	resp := closeAllResponse{Method: method, Results: make([]signalResponse, 0, len(results))}
	for _, res := range results {
		switch res.Status {
		case domain.ResultApplied:
			resp.Closed++
		case domain.ResultRejected:
			resp.Failed++
		}
		resp.Results = append(resp.Results, newSignalResponse(res))
	}
	h.logger.WarnContext(r.Context(), "handler: close all",
		slog.String("method", method),
		slog.Int("closed", resp.Closed),
		slog.Int("failed", resp.Failed),
	)
	writeJSON(w, http.StatusOK, resp)
}

// parseClosedFilter reads the common position query parameters.
func parseClosedFilter(r *http.Request) (domain.ClosedFilter, error) {
	q := r.URL.Query()
	opts := parseListOpts(r)
	f := domain.ClosedFilter{
		Symbol: normSymbol(q.Get("symbol")),
		Reason: domain.CloseReason(q.Get("reason")),
		Limit:  opts.Limit,
	}
	if s := q.Get("side"); s != "" {
		side, err := domain.ParseSide(s)
		if err != nil {
			return f, err
		}
		f.Side = side
	}
	if f.Reason != "" && !f.Reason.Valid() {
		return f, wrapf("unknown close reason %q", f.Reason)
	}
	since, until, err := parseWindow(r)
	if err != nil {
		return f, err
	}
	f.Since, f.Until = since, until
	return f, nil
}

func normSymbol(s string) string {
	return domain.NewKey(s, "").Symbol
}

// parseWindow reads optional RFC3339 since/until parameters.
func parseWindow(r *http.Request) (*time.Time, *time.Time, error) {
	var out [2]*time.Time
	for i, name := range []string{"since", "until"} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			if unix, uerr := strconv.ParseInt(v, 10, 64); uerr == nil {
				t = time.Unix(unix, 0).UTC()
			} else {
				return nil, nil, wrapf("%s must be RFC3339 or unix seconds", name)
			}
		}
		out[i] = &t
	}
	return out[0], out[1], nil
}
