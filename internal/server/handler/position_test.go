package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/ledger"
	"github.com/BB13/algobot-public/internal/reconcile"
	"github.com/BB13/algobot-public/internal/safety"
)

type fakeLedger struct {
	active     []domain.Position
	closed     []domain.Position
	lastFilter domain.ClosedFilter
	closes     []ledger.Target
	methods    []string
}

func (f *fakeLedger) Get(_ context.Context, id string) (domain.Position, error) {
	for _, p := range append(f.active, f.closed...) {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (f *fakeLedger) ListActive(context.Context) ([]domain.Position, error) { return f.active, nil }

func (f *fakeLedger) ListClosed(_ context.Context, filter domain.ClosedFilter) ([]domain.Position, error) {
	f.lastFilter = filter
	return f.closed, nil
}

func (f *fakeLedger) ForceClose(_ context.Context, target ledger.Target, reason domain.CloseReason) domain.Result {
	f.closes = append(f.closes, target)
	p, _ := f.Get(context.Background(), target.PositionID)
	p.Status = domain.PositionStatusClosed
	p.CloseReason = reason
	return domain.Result{Status: domain.ResultApplied, Position: &p}
}

func (f *fakeLedger) CloseAll(ctx context.Context, method string) ([]domain.Result, error) {
	f.methods = append(f.methods, method)
	var out []domain.Result
	for _, p := range f.active {
		out = append(out, f.ForceClose(ctx, ledger.Target{Key: p.Key(), PositionID: p.ID}, domain.CloseReasonManual))
	}
	return out, nil
}

func pos(id, symbol string, side domain.Side) domain.Position {
	return domain.Position{
		ID: id, Symbol: symbol, Side: side, Status: domain.PositionStatusOpen,
		EntryPrice:        decimal.NewFromInt(100),
		OriginalQuantity:  decimal.NewFromInt(1),
		RemainingQuantity: decimal.NewFromInt(1),
		OpenedAt:          t0,
	}
}

func serve(t *testing.T, pattern string, h http.HandlerFunc, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestListPositionsFilters(t *testing.T) {
	fl := &fakeLedger{active: []domain.Position{
		pos("a", "BTCUSDT", domain.SideLong),
		pos("b", "BTCUSDT", domain.SideShort),
		pos("c", "ETHUSDT", domain.SideLong),
	}}
	h := NewPositionHandler(fl, fl, discard())

	rec := serve(t, "GET /api/positions", h.ListPositions, http.MethodGet, "/api/positions?symbol=btcusdt&side=long")
	require.Equal(t, http.StatusOK, rec.Code)
	var out listPositionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Positions, 1)
	assert.Equal(t, "a", out.Positions[0].ID)

	rec = serve(t, "GET /api/positions", h.ListPositions, http.MethodGet, "/api/positions?side=up")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPosition(t *testing.T) {
	fl := &fakeLedger{active: []domain.Position{pos("a", "BTCUSDT", domain.SideLong)}}
	h := NewPositionHandler(fl, fl, discard())

	rec := serve(t, "GET /api/positions/{id}", h.GetPosition, http.MethodGet, "/api/positions/a")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"key":"BTCUSDT:long"`)

	rec = serve(t, "GET /api/positions/{id}", h.GetPosition, http.MethodGet, "/api/positions/zzz")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error_kind":"NotFound"`)
}

func TestHistoryPassesFilter(t *testing.T) {
	fl := &fakeLedger{}
	h := NewPositionHandler(fl, fl, discard())

	rec := serve(t, "GET /api/positions/history", h.History, http.MethodGet,
		"/api/positions/history?symbol=ethusdt&reason=stop_loss_auto&since=2026-05-01T00:00:00Z&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ETHUSDT", fl.lastFilter.Symbol)
	assert.Equal(t, domain.CloseReasonStopLossAuto, fl.lastFilter.Reason)
	assert.Equal(t, 5, fl.lastFilter.Limit)
	require.NotNil(t, fl.lastFilter.Since)
	assert.True(t, fl.lastFilter.Since.Equal(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)))
	assert.JSONEq(t, `{"positions":[]}`, rec.Body.String())

	rec = serve(t, "GET /api/positions/history", h.History, http.MethodGet, "/api/positions/history?reason=boredom")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClosePosition(t *testing.T) {
	fl := &fakeLedger{active: []domain.Position{pos("a", "BTCUSDT", domain.SideShort)}}
	h := NewPositionHandler(fl, fl, discard())

	rec := serve(t, "POST /api/positions/{id}/close", h.ClosePosition, http.MethodPost, "/api/positions/a/close")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, fl.closes, 1)
	assert.Equal(t, domain.NewKey("BTCUSDT", domain.SideShort), fl.closes[0].Key)
	assert.Contains(t, rec.Body.String(), `"close_reason":"manual"`)
}

func TestCloseAllPositions(t *testing.T) {
	fl := &fakeLedger{active: []domain.Position{
		pos("a", "BTCUSDT", domain.SideLong),
		pos("b", "ETHUSDT", domain.SideShort),
	}}
	h := NewPositionHandler(fl, fl, discard())
	route := "POST /api/positions/close-all"

	rec := serve(t, route, h.CloseAll, http.MethodPost, "/api/positions/close-all?method=virtual")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Method  string           `json:"method"`
		Closed  int              `json:"closed"`
		Results []signalResponse `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "virtual", body.Method)
	assert.Equal(t, 2, body.Closed)
	assert.Len(t, body.Results, 2)

	rec = serve(t, route, h.CloseAll, http.MethodPost, "/api/positions/close-all")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, route, h.CloseAll, http.MethodPost, "/api/positions/close-all?method=limit")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"virtual", "market"}, fl.methods)
}

func TestStats(t *testing.T) {
	closed := func(id string, pnl int64, reason domain.CloseReason) domain.Position {
		p := pos(id, "BTCUSDT", domain.SideLong)
		p.Status = domain.PositionStatusClosed
		p.RemainingQuantity = decimal.Zero
		p.RealizedPnL = decimal.NewFromInt(pnl)
		p.CloseReason = reason
		return p
	}
	fl := &fakeLedger{
		active: []domain.Position{pos("x", "ETHUSDT", domain.SideLong)},
		closed: []domain.Position{
			closed("a", 15, domain.CloseReasonTakeProfitFinal),
			closed("b", -3, domain.CloseReasonStopLossAuto),
			closed("c", 5, domain.CloseReasonTakeProfitFinal),
			closed("d", 0, domain.CloseReasonManual),
		},
	}
	h := NewPositionHandler(fl, fl, discard())

	rec := serve(t, "GET /api/stats", h.Stats, http.MethodGet, "/api/stats?symbol=btcusdt&limit=2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "BTCUSDT", fl.lastFilter.Symbol)
	assert.Zero(t, fl.lastFilter.Limit, "stats cover the whole history")

	var got statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 1, got.Active)
	assert.Equal(t, 4, got.Closed)
	assert.Equal(t, 2, got.Wins)
	assert.Equal(t, 1, got.Losses)
	assert.Equal(t, 1, got.Breakeven)
	assert.InDelta(t, 0.5, got.WinRate, 1e-9)
	assert.True(t, got.RealizedPnL.Equal(decimal.NewFromInt(17)), got.RealizedPnL.String())
	require.NotNil(t, got.BestTrade)
	assert.True(t, got.BestTrade.Equal(decimal.NewFromInt(15)))
	require.NotNil(t, got.WorstTrade)
	assert.True(t, got.WorstTrade.Equal(decimal.NewFromInt(-3)))

	tp := got.ByReason[domain.CloseReasonTakeProfitFinal]
	assert.Equal(t, 2, tp.Count)
	assert.True(t, tp.RealizedPnL.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, 1, got.ByReason[domain.CloseReasonStopLossAuto].Count)

	rec = serve(t, "GET /api/stats", h.Stats, http.MethodGet, "/api/stats?side=sideways")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeOps struct {
	err error
}

func (f fakeOps) RunSafetyScan(context.Context) (safety.Report, error) {
	return safety.Report{Scanned: 3}, f.err
}

func (f fakeOps) RunReconciliation(context.Context) (reconcile.Report, error) {
	return reconcile.Report{RepairedCount: 1, Repairs: []reconcile.Repair{{Kind: reconcile.KindStuckClose, PositionID: "a"}}}, f.err
}

func TestOpsHandler(t *testing.T) {
	h := NewOpsHandler(fakeOps{}, fakeOps{}, discard())

	rec := serve(t, "POST /api/safety/scan", h.Scan, http.MethodPost, "/api/safety/scan")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"scanned":3,"auto_closed":[],"guarded":0,"failed":0}`, rec.Body.String())

	rec = serve(t, "POST /api/reconcile", h.Reconcile, http.MethodPost, "/api/reconcile")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"repaired_count":1`)

	h = NewOpsHandler(fakeOps{err: domain.ErrCorruptLedger}, fakeOps{err: domain.ErrCorruptLedger}, discard())
	rec = serve(t, "POST /api/reconcile", h.Reconcile, http.MethodPost, "/api/reconcile")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "CorruptLedger")
}

type fakeOutcomes struct {
	opts domain.ListOpts
	rows []domain.TradeOutcome
}

func (f *fakeOutcomes) List(_ context.Context, opts domain.ListOpts) ([]domain.TradeOutcome, error) {
	f.opts = opts
	return f.rows, nil
}

func TestListOutcomes(t *testing.T) {
	fo := &fakeOutcomes{rows: []domain.TradeOutcome{
		{PositionID: "a", RealizedPnL: decimal.NewFromInt(10), ClosedAt: t0},
		{PositionID: "b", RealizedPnL: decimal.NewFromInt(-4), ClosedAt: t0},
	}}
	h := NewOutcomeHandler(fo, discard())

	rec := serve(t, "GET /api/outcomes", h.ListOutcomes, http.MethodGet, "/api/outcomes?limit=2&offset=1&until=1777000000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, fo.opts.Limit)
	assert.Equal(t, 1, fo.opts.Offset)
	require.NotNil(t, fo.opts.Until)
	assert.Contains(t, rec.Body.String(), `"total_pnl":"6"`)
}

func TestHealthDegraded(t *testing.T) {
	h := NewHealthHandler(map[string]CheckFunc{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, discard())

	rec := serve(t, "GET /api/health", h.HealthCheck, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"postgres": "ok", "redis": "connection refused"}, body["dependencies"])
}
