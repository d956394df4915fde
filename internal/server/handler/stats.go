package handler

import (
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
)

type reasonStats struct {
	Count       int             `json:"count"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

type statsResponse struct {
	Active      int                                `json:"active"`
	Closed      int                                `json:"closed"`
	Wins        int                                `json:"wins"`
	Losses      int                                `json:"losses"`
	Breakeven   int                                `json:"breakeven"`
	WinRate     float64                            `json:"win_rate"`
	RealizedPnL decimal.Decimal                    `json:"realized_pnl"`
	BestTrade   *decimal.Decimal                   `json:"best_trade,omitempty"`
	WorstTrade  *decimal.Decimal                   `json:"worst_trade,omitempty"`
	ByReason    map[domain.CloseReason]reasonStats `json:"by_reason"`
}

// Stats summarises closed trades: counts, win rate and realized PnL, in total
// and per close reason. The history filters of History apply; limit does not.
// GET /api/stats?symbol=&side=&reason=&since=&until=
func (h *PositionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseClosedFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = 0

	closed, err := h.positions.ListClosed(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: stats failed",
			slog.String("error", err.Error()),
		)
		writeJSON(w, errorStatus(err), errorBody(err))
		return
	}
	active, err := h.positions.ListActive(r.Context())
	if err != nil {
		writeJSON(w, errorStatus(err), errorBody(err))
		return
	}

	writeJSON(w, http.StatusOK, summarize(closed, len(active)))
}

func summarize(closed []domain.Position, active int) statsResponse {
	out := statsResponse{
		Active:   active,
		Closed:   len(closed),
		ByReason: make(map[domain.CloseReason]reasonStats),
	}
	for _, p := range closed {
		pnl := p.RealizedPnL
		switch pnl.Sign() {
		case 1:
			out.Wins++
		case -1:
			out.Losses++
		default:
			out.Breakeven++
		}
		out.RealizedPnL = out.RealizedPnL.Add(pnl)
		if out.BestTrade == nil || pnl.GreaterThan(*out.BestTrade) {
			out.BestTrade = &pnl
		}
		if out.WorstTrade == nil || pnl.LessThan(*out.WorstTrade) {
			out.WorstTrade = &pnl
		}

		rs := out.ByReason[p.CloseReason]
		rs.Count++
		rs.RealizedPnL = rs.RealizedPnL.Add(pnl)
		out.ByReason[p.CloseReason] = rs
	}
	if out.Closed > 0 {
		out.WinRate = float64(out.Wins) / float64(out.Closed)
	}
	return out
}
