package journal

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BB13/algobot-public/internal/domain"
)

func outcome(id string, closed time.Time, pnl string) domain.TradeOutcome {
	return domain.TradeOutcome{
		PositionID:  id,
		Symbol:      "BTCUSDT",
		Side:        domain.SideLong,
		Strategy:    "trend",
		EntryPrice:  decimal.NewFromInt(100),
		ExitPrice:   decimal.NewFromInt(110),
		Quantity:    decimal.NewFromInt(2),
		RealizedPnL: decimal.RequireFromString(pnl),
		CloseReason: domain.CloseReasonTakeProfitFinal,
		OpenedAt:    closed.Add(-time.Hour),
		ClosedAt:    closed,
	}
}

func TestCSVOutcomesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "trade_outcomes.csv")
	j, err := NewCSVOutcomes(path)
	require.NoError(t, err)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.Record(ctx, outcome("a", t0, "20")))
	require.NoError(t, j.Record(ctx, outcome("b", t0.Add(time.Hour), "-4")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "recorded_at,position_id"))
	assert.Contains(t, lines[1], ",10,take_profit_final,")

	got, err := j.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].PositionID)
	assert.True(t, got[0].RealizedPnL.Equal(decimal.NewFromInt(-4)))

	got, err = j.List(ctx, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].PositionID)
}

func TestCSVOutcomesMissingFile(t *testing.T) {
	j, err := NewCSVOutcomes(filepath.Join(t.TempDir(), "none.csv"))
	require.NoError(t, err)
	got, err := j.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLogAudit(t *testing.T) {
	var buf bytes.Buffer
	a := NewLogAudit(slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, a.Log(context.Background(), "ledger_restored", map[string]any{"partition": "active"}))
	assert.Contains(t, buf.String(), "event=ledger_restored")
	assert.Contains(t, buf.String(), "partition=active")
}
