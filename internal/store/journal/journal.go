// Package journal provides file and log backed stand-ins for the Postgres
// outcome and audit stores, used when Postgres is disabled.
package journal

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
)

var header = []string{
	"recorded_at", "position_id", "strategy", "symbol", "side",
	"entry_price", "exit_price", "quantity", "realized_pnl", "pnl_pct",
	"close_reason", "opened_at", "closed_at", "duration",
}

// CSVOutcomes appends trade outcomes to a CSV file, writing the header when
// the file is new.
type CSVOutcomes struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewCSVOutcomes creates the journal at path.
func NewCSVOutcomes(path string) (*CSVOutcomes, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}
	return &CSVOutcomes{path: path, now: time.Now}, nil
}

// Record appends o.
func (j *CSVOutcomes) Record(_ context.Context, o domain.TradeOutcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("journal: stat: %w", err)
	}
	w := csv.NewWriter(f)
	if fi.Size() == 0 {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("journal: header: %w", err)
		}
	}

	pct := decimal.Zero
	if cost := o.EntryPrice.Mul(o.Quantity); cost.IsPositive() {
		pct = o.RealizedPnL.Div(cost).Mul(decimal.NewFromInt(100)).Round(4)
	}
	if err := w.Write([]string{
		j.now().UTC().Format(time.RFC3339),
		o.PositionID,
		o.Strategy,
		o.Symbol,
		string(o.Side),
		o.EntryPrice.String(),
		o.ExitPrice.String(),
		o.Quantity.String(),
		o.RealizedPnL.String(),
		pct.String(),
		string(o.CloseReason),
		o.OpenedAt.UTC().Format(time.RFC3339),
		o.ClosedAt.UTC().Format(time.RFC3339),
		o.ClosedAt.Sub(o.OpenedAt).Round(time.Second).String(),
	}); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("journal: flush: %w", err)
	}
	return nil
}

// List reads the journal back, newest close first.
func (j *CSVOutcomes) List(_ context.Context, opts domain.ListOpts) ([]domain.TradeOutcome, error) {
	j.mu.Lock()
	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		j.mu.Unlock()
		return nil, nil
	}
	if err != nil {
		j.mu.Unlock()
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	records, err := csv.NewReader(f).ReadAll()
	f.Close()
	j.mu.Unlock()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("journal: read: %w", err)
	}

	var out []domain.TradeOutcome
	for i, rec := range records {
		if i == 0 || len(rec) != len(header) {
			continue
		}
		o, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("journal: row %d: %w", i+1, err)
		}
		if opts.Since != nil && o.ClosedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && o.ClosedAt.After(*opts.Until) {
			continue
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].ClosedAt.After(out[b].ClosedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func parseRow(rec []string) (domain.TradeOutcome, error) {
	o := domain.TradeOutcome{
		PositionID:  rec[1],
		Strategy:    rec[2],
		Symbol:      rec[3],
		Side:        domain.Side(rec[4]),
		CloseReason: domain.CloseReason(rec[10]),
	}
	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&o.EntryPrice, rec[5]},
		{&o.ExitPrice, rec[6]},
		{&o.Quantity, rec[7]},
		{&o.RealizedPnL, rec[8]},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return o, err
		}
	}
	if o.OpenedAt, err = time.Parse(time.RFC3339, rec[11]); err != nil {
		return o, err
	}
	if o.ClosedAt, err = time.Parse(time.RFC3339, rec[12]); err != nil {
		return o, err
	}
	return o, nil
}

// LogAudit writes audit entries to a structured logger.
type LogAudit struct {
	logger *slog.Logger
}

// NewLogAudit creates a LogAudit.
func NewLogAudit(logger *slog.Logger) *LogAudit {
	return &LogAudit{logger: logger.With(slog.String("component", "audit"))}
}

// Log emits one info record per entry.
func (a *LogAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	attrs := make([]any, 0, len(detail)+1)
	attrs = append(attrs, slog.String("event", event))
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, detail[k]))
	}
	a.logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

var (
	_ domain.OutcomeStore = (*CSVOutcomes)(nil)
	_ domain.AuditStore   = (*LogAudit)(nil)
)
