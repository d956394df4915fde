package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BB13/algobot-public/internal/config"
	"github.com/BB13/algobot-public/internal/domain"
)

func testApp(t *testing.T) (*App, *Dependencies, *bytes.Buffer) {
	t.Helper()
	cfg := config.Defaults()
	dir := t.TempDir()
	cfg.Ledger.DataDir = dir
	cfg.Lock.Dir = filepath.Join(dir, "locks")
	cfg.Exchange.PaperPrices = map[string]float64{"BTCUSDT": 100}
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var out bytes.Buffer
	a := &App{cfg: &cfg, provider: config.Static(cfg), logger: logger, out: &out}

	deps, cleanup, err := Wire(context.Background(), a.cfg, a.provider, logger)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return a, deps, &out
}

func TestWireDefaultsUseLocalBackends(t *testing.T) {
	_, deps, _ := testApp(t)
	assert.Nil(t, deps.Archiver)
	assert.Nil(t, deps.RateLimiter)
	assert.Equal(t, "paper", deps.Broker.Name())
	assert.Contains(t, deps.Health, "ledger")
	assert.NotContains(t, deps.Health, "postgres")
}

func TestModesAgainstLocalLedger(t *testing.T) {
	a, deps, out := testApp(t)
	ctx := context.Background()

	res := deps.Engine.HandleSignal(ctx, domain.Signal{
		Command: domain.CommandOpen,
		Symbol:  "BTCUSDT",
		Side:    domain.SideLong,
		Amount:  decimal.NewFromInt(500),
	})
	require.Equal(t, domain.ResultApplied, res.Status, "%v", res.Err)

	require.NoError(t, a.ShowMode(ctx, deps))
	assert.Contains(t, out.String(), "ACTIVE POSITIONS (1)")
	assert.Contains(t, out.String(), "BTCUSDT:long")

	out.Reset()
	require.NoError(t, a.ScanMode(ctx, deps))
	var scan map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &scan))
	assert.EqualValues(t, 1, scan["scanned"])

	out.Reset()
	require.NoError(t, a.ReconcileMode(ctx, deps))
	var rec map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &rec))
	assert.EqualValues(t, 0, rec["repaired_count"])

	// The CSV journal is created lazily on the first closed trade.
	_, err := os.Stat(filepath.Join(a.cfg.Ledger.DataDir, "trade_outcomes.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestWorkerModeClosesOnShutdown(t *testing.T) {
	a, deps, _ := testApp(t)
	a.cfg.Shutdown.ClosePositions = true
	a.cfg.Shutdown.CloseMethod = "virtual"
	a.provider = config.Static(*a.cfg)
	ctx := context.Background()

	res := deps.Engine.HandleSignal(ctx, domain.Signal{Command: domain.CommandOpen, Symbol: "BTCUSDT", Side: domain.SideLong})
	require.Equal(t, domain.ResultApplied, res.Status, "%v", res.Err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, a.WorkerMode(cctx, deps))

	active, err := deps.Ledger.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	closed, err := deps.Ledger.ListClosed(ctx, domain.ClosedFilter{})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.CloseReasonManual, closed[0].CloseReason)
}
