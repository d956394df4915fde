package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/server/middleware"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestParseFieldsFormats(t *testing.T) {
	cases := []struct {
		name, body, ctype string
	}{
		{"json", `{"command":"LONG","asset":"btcusdt","maxTP":3,"price":"{{close}}"}`, "application/json"},
		{"form", `command=LONG&asset=btcusdt&maxTP=3&price={{close}}`, "application/x-www-form-urlencoded"},
		{"comma", `command=LONG, asset=btcusdt, maxTP=3, price={{close}}`, "text/plain"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := ParseFields([]byte(tc.body), tc.ctype)
			require.NoError(t, err)
			assert.Equal(t, "LONG", f["command"])
			assert.Equal(t, "btcusdt", f["asset"])
			assert.Equal(t, "3", f["maxtp"])
			_, ok := f["price"]
			assert.False(t, ok, "placeholder must be dropped")
		})
	}
}

func TestParseFieldsRejectsGarbage(t *testing.T) {
	_, err := ParseFields(nil, "")
	assert.ErrorIs(t, err, domain.ErrInvalidSignal)
	_, err = ParseFields([]byte(`command LONG`), "text/plain")
	assert.ErrorIs(t, err, domain.ErrInvalidSignal)
	_, err = ParseFields([]byte(`{"command":{"x":1}}`), "application/json")
	assert.ErrorIs(t, err, domain.ErrInvalidSignal)
}

func TestBuildSignalAlertCommands(t *testing.T) {
	cases := []struct {
		command string
		want    domain.Command
		side    domain.Side
		stage   int
	}{
		{"LONG", domain.CommandOpen, domain.SideLong, 0},
		{"short", domain.CommandOpen, domain.SideShort, 0},
		{"TP1", domain.CommandTakeProfit, domain.SideLong, 1},
		{"TP 2", domain.CommandTakeProfit, domain.SideLong, 2},
		{"TPS3", domain.CommandTakeProfit, domain.SideShort, 3},
		{"STOP L", domain.CommandClose, domain.SideLong, 0},
		{"STOPS", domain.CommandClose, domain.SideShort, 0},
	}
	for _, tc := range cases {
		t.Run(tc.command, func(t *testing.T) {
			sig, err := BuildSignal(map[string]string{"command": tc.command, "asset": "ethusdt"}, t0)
			require.NoError(t, err)
			assert.Equal(t, tc.want, sig.Command)
			assert.Equal(t, tc.side, sig.Side)
			assert.Equal(t, tc.stage, sig.Stage)
			assert.Equal(t, "ETHUSDT", sig.Symbol)
			assert.NoError(t, sig.Validate())
		})
	}
}

func TestBuildSignalFields(t *testing.T) {
	f, err := ParseFields([]byte(`command=LONG,asset=BTCUSDT,bot=Scalp,botSettings=A1,altTP=30-50-100,maxTP=3,amt=250,price=101.5`), "")
	require.NoError(t, err)
	sig, err := BuildSignal(f, t0)
	require.NoError(t, err)
	assert.Equal(t, "Scalp_A1", sig.Strategy)
	assert.Equal(t, "30-50-100", sig.AltTakeProfit)
	assert.Equal(t, 3, sig.MaxStages)
	assert.True(t, sig.Amount.Equal(decimal.NewFromInt(250)))
	assert.True(t, sig.Price.Equal(decimal.RequireFromString("101.5")))
	assert.Equal(t, t0, sig.ReceivedAt)

	typed, err := BuildSignal(map[string]string{
		"command": "TAKE_PROFIT", "symbol": "solusdt", "side": "sell", "stage": "2",
		"positionid": "p-1", "quantity": "0.5",
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandTakeProfit, typed.Command)
	assert.Equal(t, domain.SideShort, typed.Side)
	assert.Equal(t, 2, typed.Stage)
	assert.Equal(t, "p-1", typed.PositionID)

	_, err = BuildSignal(map[string]string{"command": "LONG", "asset": "X", "side": "short"}, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidSignal)
	_, err = BuildSignal(map[string]string{"command": "LONG", "asset": "X", "amount": "lots"}, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidSignal)
	_, err = BuildSignal(map[string]string{"asset": "X"}, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidSignal)
}

type fakeEngine struct {
	got []domain.Signal
	res domain.Result
}

func (f *fakeEngine) HandleSignal(_ context.Context, sig domain.Signal) domain.Result {
	f.got = append(f.got, sig)
	return f.res
}

func postSignal(h *SignalHandler, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/signals", strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.HandleSignal(rec, req)
	return rec
}

func TestSignalHandlerAuth(t *testing.T) {
	eng := &fakeEngine{res: domain.Result{Status: domain.ResultApplied}}
	h := NewSignalHandler(eng, "s3cret", discard())

	rec := postSignal(h, `command=LONG,asset=BTCUSDT`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postSignal(h, `command=LONG,asset=BTCUSDT,security_key=s3cret`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postSignal(h, `{"command":"LONG","asset":"BTCUSDT"}`, map[string]string{"X-API-Key": "s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, eng.got, 2)
}

func TestSignalHandlerStatusCodes(t *testing.T) {
	eng := &fakeEngine{}
	h := NewSignalHandler(eng, "", discard())
	h.now = func() time.Time { return t0 }

	rec := postSignal(h, `garbage`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postSignal(h, `{"command":"OPEN","symbol":"BTCUSDT"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "missing side fails validation")
	assert.Empty(t, eng.got)

	pos := domain.Position{ID: "p-1", Symbol: "BTCUSDT", Side: domain.SideLong, Status: domain.PositionStatusOpen}
	eng.res = domain.Result{Status: domain.ResultApplied, Position: &pos}
	rec = postSignal(h, `command=LONG,asset=BTCUSDT`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body signalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.ResultApplied, body.Status)
	require.NotNil(t, body.Position)
	assert.Equal(t, "BTCUSDT:long", body.Position.Key)

	eng.res = domain.Result{Status: domain.ResultRejected, Err: domain.ErrNoActivePosition, ErrorKind: "NoActivePosition"}
	rec = postSignal(h, `command=TP1,asset=BTCUSDT`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error_kind":"NoActivePosition"`)

	eng.res = domain.Result{Status: domain.ResultRejected, Err: domain.ErrLockTimeout, ErrorKind: "LockTimeout"}
	rec = postSignal(h, `command=STOPL,asset=BTCUSDT`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSignalHandlerSignature(t *testing.T) {
	eng := &fakeEngine{res: domain.Result{Status: domain.ResultApplied}}
	h := NewSignalHandler(eng, "", discard()).WithSignatureSecret("hook")

	body := `{"command":"LONG","asset":"BTCUSDT"}`
	rec := postSignal(h, body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postSignal(h, body, map[string]string{"X-Signature": middleware.Sign("hook", []byte(body))})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, eng.got, 1)
}

func TestSignalHandlerDropsReplays(t *testing.T) {
	eng := &fakeEngine{res: domain.Result{Status: domain.ResultApplied}}
	h := NewSignalHandler(eng, "", discard()).WithReplayWindow(10 * time.Second)
	now := t0
	h.now = func() time.Time { return now }

	body := `command=SCALE,side=long,asset=BTCUSDT,amount=100`
	rec := postSignal(h, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	now = now.Add(2 * time.Second)
	rec = postSignal(h, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"no_op"`)
	assert.Len(t, eng.got, 1)

	rec = postSignal(h, `command=SCALE,side=long,asset=BTCUSDT,amount=200`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, eng.got, 2, "a different amount is a new signal")

	now = now.Add(11 * time.Second)
	postSignal(h, body, nil)
	assert.Len(t, eng.got, 3, "the window has passed")
}

func TestSignalHandlerRetriesRejectedReplay(t *testing.T) {
	eng := &fakeEngine{res: domain.Result{
		Status:    domain.ResultRejected,
		Err:       domain.ErrLockTimeout,
		ErrorKind: domain.ErrorKind(domain.ErrLockTimeout),
	}}
	h := NewSignalHandler(eng, "", discard()).WithReplayWindow(10 * time.Second)
	now := t0
	h.now = func() time.Time { return now }

	body := `command=TAKE_PROFIT,side=long,asset=BTCUSDT,stage=1`
	rec := postSignal(h, body, nil)
	assert.NotEqual(t, http.StatusOK, rec.Code)

	eng.res = domain.Result{Status: domain.ResultApplied}
	now = now.Add(time.Second)
	rec = postSignal(h, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"applied"`)
	assert.Len(t, eng.got, 2, "a rejected signal does not block its retry")

	now = now.Add(time.Second)
	rec = postSignal(h, body, nil)
	assert.Contains(t, rec.Body.String(), `"status":"no_op"`)
	assert.Len(t, eng.got, 2)
}

type blockingEngine struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (b *blockingEngine) HandleSignal(context.Context, domain.Signal) domain.Result {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	b.entered <- struct{}{}
	<-b.release
	return domain.Result{Status: domain.ResultApplied}
}

func TestSignalHandlerHoldsReplayWhileInFlight(t *testing.T) {
	eng := &blockingEngine{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := NewSignalHandler(eng, "", discard()).WithReplayWindow(10 * time.Second)
	h.now = func() time.Time { return t0 }

	body := `command=SCALE,side=long,asset=BTCUSDT,amount=100`
	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- postSignal(h, body, nil) }()
	<-eng.entered

	rec := postSignal(h, body, nil)
	assert.Contains(t, rec.Body.String(), `"status":"no_op"`)

	close(eng.release)
	first := <-done
	assert.Contains(t, first.Body.String(), `"status":"applied"`)
	eng.mu.Lock()
	defer eng.mu.Unlock()
	assert.Equal(t, 1, eng.calls)
}
