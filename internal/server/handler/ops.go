package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BB13/algobot-public/internal/reconcile"
	"github.com/BB13/algobot-public/internal/safety"
)

// SafetyScanner runs one guardrail scan.
type SafetyScanner interface {
	RunSafetyScan(ctx context.Context) (safety.Report, error)
}

// LedgerReconciler runs one repair pass.
type LedgerReconciler interface {
	RunReconciliation(ctx context.Context) (reconcile.Report, error)
}

// OpsHandler triggers the background jobs on demand.
type OpsHandler struct {
	scanner    SafetyScanner
	reconciler LedgerReconciler
	logger     *slog.Logger
}

// NewOpsHandler creates an OpsHandler.
func NewOpsHandler(scanner SafetyScanner, reconciler LedgerReconciler, logger *slog.Logger) *OpsHandler {
	return &OpsHandler{
		scanner:    scanner,
		reconciler: reconciler,
		logger:     logHandler(logger, "ops"),
	}
}

// Scan runs a safety scan and returns its report.
// POST /api/safety/scan
func (h *OpsHandler) Scan(w http.ResponseWriter, r *http.Request) {
	report, err := h.scanner.RunSafetyScan(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: safety scan failed", slog.String("error", err.Error()))
		writeJSON(w, errorStatus(err), errorBody(err))
		return
	}
	if report.AutoClosed == nil {
		report.AutoClosed = []safety.AutoClose{}
	}
	writeJSON(w, http.StatusOK, report)
}

// Reconcile runs a reconciliation pass and returns its report.
// POST /api/reconcile
func (h *OpsHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.RunReconciliation(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: reconciliation failed", slog.String("error", err.Error()))
		writeJSON(w, errorStatus(err), errorBody(err))
		return
	}
	if report.Repairs == nil {
		report.Repairs = []reconcile.Repair{}
	}
	writeJSON(w, http.StatusOK, report)
}
