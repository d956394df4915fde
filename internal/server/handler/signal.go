package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/metrics"
	"github.com/BB13/algobot-public/internal/server/middleware"
)

// maxSignalBody bounds the webhook payload size.
const maxSignalBody = 64 << 10

// SignalEngine is the lifecycle entry point the webhook feeds.
type SignalEngine interface {
	HandleSignal(ctx context.Context, sig domain.Signal) domain.Result
}

// SignalHandler receives trade signals from alerting tools.
type SignalHandler struct {
	engine SignalEngine
	apiKey string
	secret string
	replay *replayGuard
	logger *slog.Logger
	now    func() time.Time
}

// NewSignalHandler creates a SignalHandler. An empty apiKey disables the
// key check.
func NewSignalHandler(engine SignalEngine, apiKey string, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{
		engine: engine,
		apiKey: apiKey,
		logger: logHandler(logger, "signals"),
		now:    time.Now,
	}
}

// WithSignatureSecret requires every body to carry a matching HMAC in the
// X-Signature header.
func (h *SignalHandler) WithSignatureSecret(secret string) *SignalHandler {
	h.secret = secret
	return h
}

// WithReplayWindow answers a signal identical to one received within window
// with no_op instead of applying it again. A zero window disables the check.
func (h *SignalHandler) WithReplayWindow(window time.Duration) *SignalHandler {
	h.replay = nil
	if window > 0 {
		h.replay = newReplayGuard(window)
	}
	return h
}

type signalResponse struct {
	Status    domain.ResultStatus `json:"status"`
	Position  *positionView       `json:"position,omitempty"`
	ErrorKind string              `json:"error_kind,omitempty"`
	Error     string              `json:"error,omitempty"`
	Reason    string              `json:"reason,omitempty"`
}

func newSignalResponse(res domain.Result) signalResponse {
	out := signalResponse{
		Status:    res.Status,
		ErrorKind: res.ErrorKind,
		Reason:    res.Reason,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	if res.Position != nil {
		v := newPositionView(*res.Position)
		out.Position = &v
	}
	return out
}

// HandleSignal accepts a signal in JSON, form-encoded or comma-separated
// key=value form, authenticates it by header or by security_key in the
// body, and hands it to the lifecycle engine.
// POST /api/signals
func (h *SignalHandler) HandleSignal(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignalBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	fields, err := ParseFields(body, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	token := middleware.Token(r)
	if token == "" {
		token = fields["securitykey"]
	}
	if !middleware.Match(token, h.apiKey) {
		h.logger.WarnContext(r.Context(), "handler: signal rejected, bad key",
			slog.String("remote_addr", r.RemoteAddr),
		)
		writeError(w, http.StatusUnauthorized, "invalid authentication token")
		return
	}
	if !middleware.VerifySignature(h.secret, body, r.Header.Get(middleware.SignatureHeader)) {
		h.logger.WarnContext(r.Context(), "handler: signal rejected, bad signature",
			slog.String("remote_addr", r.RemoteAddr),
		)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	sig, err := BuildSignal(fields, h.now())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, signalResponse{
			Status:    domain.ResultRejected,
			ErrorKind: domain.ErrorKind(err),
			Error:     err.Error(),
		})
		return
	}
	if err := sig.Validate(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, signalResponse{
			Status:    domain.ResultRejected,
			ErrorKind: domain.ErrorKind(err),
			Error:     err.Error(),
		})
		return
	}

	fp := ""
	if h.replay != nil {
		fp = fingerprint(sig)
	}
	if fp != "" && !h.replay.reserve(fp, h.now()) {
		metrics.Signals.WithLabelValues(string(sig.Command), "duplicate").Inc()
		h.logger.InfoContext(r.Context(), "handler: duplicate signal ignored",
			slog.String("command", string(sig.Command)),
			slog.String("key", sig.Key().String()),
		)
		writeJSON(w, http.StatusOK, signalResponse{Status: domain.ResultNoOp, Reason: "duplicate signal"})
		return
	}

	kept := false
	if fp != "" {
		defer func() {
			if !kept {
				h.replay.release(fp)
			}
		}()
	}
	res := h.engine.HandleSignal(r.Context(), sig)
	if fp != "" && res.Status != domain.ResultRejected {
		h.replay.commit(fp, h.now())
		kept = true
	}
	h.logger.InfoContext(r.Context(), "handler: signal handled",
		slog.String("command", string(sig.Command)),
		slog.String("key", sig.Key().String()),
		slog.String("status", string(res.Status)),
		slog.String("error_kind", res.ErrorKind),
	)
	writeJSON(w, resultStatus(res), newSignalResponse(res))
}

// resultStatus maps a handled signal onto an HTTP status code.
func resultStatus(res domain.Result) int {
	if res.Status != domain.ResultRejected {
		return http.StatusOK
	}
	return errorStatus(res.Err)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidSignal):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNoActivePosition), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrDuplicateKey),
		errors.Is(err, domain.ErrPositionClosed),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrLockTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrOrderFailed), errors.Is(err, domain.ErrPriceUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func errorBody(err error) map[string]string {
	return map[string]string{
		"error":      err.Error(),
		"error_kind": domain.ErrorKind(err),
	}
}

func wrapf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{domain.ErrInvalidSignal}, args...)...)
}
