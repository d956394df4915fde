package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/server"
	"github.com/BB13/algobot-public/internal/server/handler"
)

// RunMode serves the HTTP API next to the background loops.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting run mode")

	sc := a.cfg.Server
	if !sc.Enabled {
		a.logger.WarnContext(ctx, "app: server disabled, running loops only")
		return a.supervise(ctx, deps, nil)
	}
	signals := handler.NewSignalHandler(deps.Engine, sc.APIKey, a.logger).
		WithSignatureSecret(sc.WebhookSecret).
		WithReplayWindow(sc.ReplayWindow.Duration)
	srv := server.NewServer(server.Config{
		Host:            sc.Host,
		Port:            sc.Port,
		CORSOrigins:     sc.CORSOrigins,
		APIKey:          sc.APIKey,
		RateLimiter:     deps.RateLimiter,
		RateLimit:       sc.RateLimit,
		RateLimitWindow: sc.RateLimitWindow.Duration,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.Health, a.logger),
		Signals:   signals,
		Positions: handler.NewPositionHandler(deps.Ledger, deps.Engine, a.logger),
		Ops:       handler.NewOpsHandler(deps.Safety, deps.Reconciler, a.logger),
		Outcomes:  handler.NewOutcomeHandler(deps.Outcomes, a.logger),
	}, deps.Hub, a.logger)

	return a.supervise(ctx, deps, func(g *errgroup.Group, ctx context.Context) {
		g.Go(func() error { return deps.Hub.Run(ctx) })
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	})
}

// WorkerMode runs the background loops without the HTTP API.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	return a.supervise(ctx, deps, nil)
}

// supervise runs the safety, reconcile and archive loops plus extra under one
// errgroup. The dispatcher runs on its own context so that events raised by
// the shutdown closures are still delivered.
func (a *App) supervise(ctx context.Context, deps *Dependencies, extra func(*errgroup.Group, context.Context)) error {
	stopDispatch := a.startDispatcher(deps)
	defer stopDispatch()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Safety.Run(gctx) })
	g.Go(func() error { return deps.Reconciler.Run(gctx) })
	if deps.Archiver != nil && a.cfg.S3.ArchiveCron != "" {
		g.Go(func() error { return deps.Archiver.Run(gctx, a.cfg.S3.ArchiveCron) })
	}
	if extra != nil {
		extra(g, gctx)
	}

	err := g.Wait()
	a.closeOnShutdown(deps)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startDispatcher runs the dispatcher in the background and returns a func
// that stops it and waits for the queue to drain.
func (a *App) startDispatcher(deps *Dependencies) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = deps.Dispatcher.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(a.cfg.Notify.SendTimeout.Duration + 5*time.Second):
			a.logger.Warn("app: dispatcher did not drain in time")
		}
	}
}

// closeOnShutdown closes every active position when shutdown.close_positions
// is set.
func (a *App) closeOnShutdown(deps *Dependencies) {
	sc := a.provider.Current().Shutdown
	if !sc.ClosePositions {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sc.Timeout.Duration)
	defer cancel()

	results, err := deps.Engine.CloseAll(ctx, sc.CloseMethod)
	if err != nil {
		a.logger.Error("app: shutdown closures failed", slog.String("error", err.Error()))
		return
	}
	a.logger.Info("app: shutdown closures", slog.Int("positions", len(results)))
}

// ScanMode runs one safety scan and prints the report as JSON.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	stop := a.startDispatcher(deps)
	defer stop()

	report, err := deps.Safety.RunSafetyScan(ctx)
	if err != nil {
		return fmt.Errorf("app: scan: %w", err)
	}
	return a.printJSON(report)
}

// ReconcileMode runs one reconciliation pass and prints the report as JSON.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	stop := a.startDispatcher(deps)
	defer stop()

	report, err := deps.Reconciler.RunReconciliation(ctx)
	if err != nil {
		return fmt.Errorf("app: reconcile: %w", err)
	}
	return a.printJSON(report)
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ShowMode prints the active positions and the most recent closed ones as
// tables.
func (a *App) ShowMode(ctx context.Context, deps *Dependencies) error {
	active, err := deps.Ledger.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("app: show: %w", err)
	}
	closed, err := deps.Ledger.ListClosed(ctx, domain.ClosedFilter{Limit: 20})
	if err != nil {
		return fmt.Errorf("app: show: %w", err)
	}

	fmt.Fprintf(a.out, "ACTIVE POSITIONS (%d)\n", len(active))
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKEY\tSTATUS\tENTRY\tREMAINING\tSTOP\tTP\tOPENED")
	for _, p := range active {
		stop := "-"
		if p.StopLossPrice != nil {
			stop = p.StopLossPrice.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s/%s\t%s\t%d/%d\t%s\n",
			p.ID, p.Key(), p.Status, p.EntryPrice, p.RemainingQuantity, p.OriginalQuantity,
			stop, p.TakeProfitIndex, p.MaxTakeProfitStages, p.OpenedAt.UTC().Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(a.out, "\nRECENTLY CLOSED (%d)\n", len(closed))
	tw = tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKEY\tREASON\tENTRY\tEXIT\tPNL\tCLOSED")
	for _, p := range closed {
		exit, at := "-", "-"
		if p.ClosePrice != nil {
			exit = p.ClosePrice.String()
		}
		if p.ClosedAt != nil {
			at = p.ClosedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.Key(), p.CloseReason, p.EntryPrice, exit, p.RealizedPnL, at)
	}
	return tw.Flush()
}
