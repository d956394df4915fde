package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/ledger"
	"github.com/BB13/algobot-public/internal/reconcile"
	"github.com/BB13/algobot-public/internal/safety"
	"github.com/BB13/algobot-public/internal/server/handler"
)

type stubs struct{}

func (stubs) HandleSignal(context.Context, domain.Signal) domain.Result {
	return domain.Result{Status: domain.ResultNoOp, Reason: "already open"}
}
func (stubs) Get(context.Context, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (stubs) ListActive(context.Context) ([]domain.Position, error) { return nil, nil }
func (stubs) ListClosed(context.Context, domain.ClosedFilter) ([]domain.Position, error) {
	return nil, nil
}
func (stubs) ForceClose(context.Context, ledger.Target, domain.CloseReason) domain.Result {
	return domain.Result{Status: domain.ResultNoOp}
}
func (stubs) CloseAll(context.Context, string) ([]domain.Result, error) {
	return nil, nil
}
func (stubs) RunSafetyScan(context.Context) (safety.Report, error) { return safety.Report{}, nil }
func (stubs) RunReconciliation(context.Context) (reconcile.Report, error) {
	return reconcile.Report{}, nil
}
func (stubs) List(context.Context, domain.ListOpts) ([]domain.TradeOutcome, error) { return nil, nil }

func newTestServer() http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := stubs{}
	srv := NewServer(Config{Port: 0, APIKey: "k1"}, Handlers{
		Health:    handler.NewHealthHandler(nil, logger),
		Signals:   handler.NewSignalHandler(s, "k1", logger),
		Positions: handler.NewPositionHandler(s, s, logger),
		Ops:       handler.NewOpsHandler(s, s, logger),
		Outcomes:  handler.NewOutcomeHandler(s, logger),
	}, nil, logger)
	return srv.Handler()
}

func TestRoutesAndAuth(t *testing.T) {
	h := newTestServer()
	cases := []struct {
		name, method, target, body, key string
		want                            int
	}{
		{"health is open", http.MethodGet, "/api/health", "", "", http.StatusOK},
		{"metrics is open", http.MethodGet, "/metrics", "", "", http.StatusOK},
		{"positions need key", http.MethodGet, "/api/positions", "", "", http.StatusUnauthorized},
		{"positions with key", http.MethodGet, "/api/positions", "", "k1", http.StatusOK},
		{"history with key", http.MethodGet, "/api/positions/history", "", "k1", http.StatusOK},
		{"unknown position", http.MethodGet, "/api/positions/nope", "", "k1", http.StatusNotFound},
		{"scan", http.MethodPost, "/api/safety/scan", "", "k1", http.StatusOK},
		{"reconcile", http.MethodPost, "/api/reconcile", "", "k1", http.StatusOK},
		{"outcomes", http.MethodGet, "/api/outcomes", "", "k1", http.StatusOK},
		{"stats", http.MethodGet, "/api/stats", "", "k1", http.StatusOK},
		{"stats need key", http.MethodGet, "/api/stats", "", "", http.StatusUnauthorized},
		{"close all", http.MethodPost, "/api/positions/close-all?method=virtual", "", "k1", http.StatusOK},
		{"close all bad method", http.MethodPost, "/api/positions/close-all?method=limit", "", "k1", http.StatusBadRequest},
		{"close all needs key", http.MethodPost, "/api/positions/close-all", "", "", http.StatusUnauthorized},
		{"webhook body key", http.MethodPost, "/api/signals", "command=LONG,asset=BTCUSDT,security_key=k1", "", http.StatusOK},
		{"webhook no key", http.MethodPost, "/api/signals", "command=LONG,asset=BTCUSDT", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.target, strings.NewReader(tc.body))
			if tc.key != "" {
				req.Header.Set("X-API-Key", tc.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}
