package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
)

// OutcomeLister reads recorded trade outcomes.
type OutcomeLister interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeOutcome, error)
}

// OutcomeHandler serves the trade outcome journal.
type OutcomeHandler struct {
	outcomes OutcomeLister
	logger   *slog.Logger
}

// NewOutcomeHandler creates an OutcomeHandler.
func NewOutcomeHandler(outcomes OutcomeLister, logger *slog.Logger) *OutcomeHandler {
	return &OutcomeHandler{outcomes: outcomes, logger: logHandler(logger, "outcomes")}
}

type outcomeView struct {
	PositionID  string             `json:"position_id"`
	Symbol      string             `json:"symbol"`
	Side        domain.Side        `json:"side"`
	Strategy    string             `json:"strategy,omitempty"`
	EntryPrice  decimal.Decimal    `json:"entry_price"`
	ExitPrice   decimal.Decimal    `json:"exit_price"`
	Quantity    decimal.Decimal    `json:"quantity"`
	RealizedPnL decimal.Decimal    `json:"realized_pnl"`
	CloseReason domain.CloseReason `json:"close_reason"`
	OpenedAt    time.Time          `json:"opened_at"`
	ClosedAt    time.Time          `json:"closed_at"`
}

type listOutcomesResponse struct {
	Outcomes []outcomeView   `json:"outcomes"`
	Total    decimal.Decimal `json:"total_pnl"`
}

// ListOutcomes returns trade outcomes, newest first, with the summed PnL of
// the page.
// GET /api/outcomes?since=&until=&limit=&offset=
func (h *OutcomeHandler) ListOutcomes(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	since, until, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts.Since, opts.Until = since, until

	outcomes, err := h.outcomes.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list outcomes failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list outcomes")
		return
	}

	resp := listOutcomesResponse{Outcomes: make([]outcomeView, 0, len(outcomes)), Total: decimal.Zero}
	for _, o := range outcomes {
		resp.Outcomes = append(resp.Outcomes, outcomeView(o))
		resp.Total = resp.Total.Add(o.RealizedPnL)
	}
	writeJSON(w, http.StatusOK, resp)
}
