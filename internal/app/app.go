// Package app wires the position ledger's components together and runs them
// in one of the operating modes (run, worker, scan, reconcile, show).
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BB13/algobot-public/internal/config"
)

// Modes lists the supported operating modes.
var Modes = []string{"run", "worker", "scan", "reconcile", "show"}

// App owns the configuration, the logger and the cleanup functions that run
// in reverse order on Close.
type App struct {
	cfg      *config.Config
	provider *config.Provider
	logger   *slog.Logger
	out      io.Writer
	closers  []func()
}

// New creates an App. provider serves the live configuration; cfg is the
// snapshot used to pick backends at wiring time.
func New(cfg *config.Config, provider *config.Provider, logger *slog.Logger) *App {
	return &App{
		cfg:      cfg,
		provider: provider,
		logger:   logger.With(slog.String("component", "app")),
		out:      os.Stdout,
	}
}

// Run wires the dependencies and runs mode until it finishes or ctx is
// cancelled.
func (a *App) Run(ctx context.Context, mode string) error {
	mode = strings.ToLower(strings.TrimSpace(mode))
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.provider, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch mode {
	case "run":
		return a.RunMode(ctx, deps)
	case "worker":
		return a.WorkerMode(ctx, deps)
	case "scan":
		return a.ScanMode(ctx, deps)
	case "reconcile":
		return a.ReconcileMode(ctx, deps)
	case "show":
		return a.ShowMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q (valid: %s)", mode, strings.Join(Modes, ", "))
	}
}

// Close tears down all resources in reverse registration order. Calling it
// again is a no-op.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
