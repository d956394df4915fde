package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BB13/algobot-public/internal/domain"
)

type fakeBus struct {
	ch chan []byte
}

func (b *fakeBus) Publish(context.Context, string, []byte) error { return nil }
func (b *fakeBus) Append(context.Context, string, []byte) error  { return nil }
func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHubDeliversEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(Config{
		ActiveCount: func(context.Context) (int, error) { return 2, nil },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run(ctx)

	conn := dial(t, hub)
	greeting := readJSON(t, conn)
	assert.Equal(t, "bot_status", greeting["type"])
	assert.EqualValues(t, 2, greeting["payload"].(map[string]any)["active_positions"])

	require.NoError(t, hub.Deliver(ctx, domain.Event{PositionID: "p-1", Kind: domain.EventPositionOpened, At: time.Now()}))
	msg := readJSON(t, conn)
	assert.Equal(t, "ledger_event", msg["type"])
	assert.Equal(t, "position_opened", msg["kind"])
	assert.Equal(t, "p-1", msg["position_id"])
}

func TestHubRelaysBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &fakeBus{ch: make(chan []byte, 1)}
	hub := NewHub(Config{Bus: bus, Channel: "algobot:events"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run(ctx)

	conn := dial(t, hub)
	readJSON(t, conn)

	bus.ch <- []byte(`{"type":"ledger_event","kind":"position_closed","position_id":"p-9"}`)
	msg := readJSON(t, conn)
	assert.Equal(t, "p-9", msg["position_id"])
}

func TestClientKindFilter(t *testing.T) {
	c := &client{kinds: map[string]bool{}}
	assert.True(t, c.wants("position_opened"), "no filter passes everything")

	c.handleSubscription(subscribeMsg{Action: "subscribe", Kinds: []string{"position_closed", "stop_loss_auto"}})
	assert.True(t, c.wants("position_closed"))
	assert.False(t, c.wants("position_opened"))

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Kinds: []string{"position_closed", "stop_loss_auto"}})
	assert.True(t, c.wants("position_opened"))
}

func TestDeliverWhenBusy(t *testing.T) {
	hub := NewHub(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for i := 0; i < sendBufferSize; i++ {
		require.NoError(t, hub.Deliver(context.Background(), domain.Event{Kind: domain.EventTakeProfit}))
	}
	assert.ErrorIs(t, hub.Deliver(context.Background(), domain.Event{Kind: domain.EventTakeProfit}), ErrHubBusy)
}
