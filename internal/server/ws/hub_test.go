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

	cachemem "github.com/alanyoungcy/roundamm/internal/cache/memory"
)

func startHub(t *testing.T) (*Hub, *cachemem.SignalBus, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	bus := cachemem.NewSignalBus(0)
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "full"})

	errCh := make(chan error, 1)
	go func() { errCh <- hub.Run(ctx) }()
	<-hub.ready

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		assert.NoError(t, <-errCh)
	})
	return hub, bus, srv
}

func dial(t *testing.T, hub *Hub, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	before := hub.ClientCount()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == before+1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(msg, &f))
	return f
}

func TestHub_FiltersByChannel(t *testing.T) {
	hub, bus, srv := startHub(t)
	conn := dial(t, hub, srv, "?channels=round:btc,price:*")

	hello := readFrame(t, conn)
	assert.Equal(t, "status", hello.Channel)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "round:eth", []byte(`{"type":"round_opened"}`)))
	require.NoError(t, bus.Publish(ctx, "round:btc", []byte(`{"type":"round_locked"}`)))
	require.NoError(t, bus.Publish(ctx, "price:eth", []byte(`{"yes_price":"0.5"}`)))

	// Patterns are forwarded independently, so frames of different
	// channels may interleave.
	got := map[string]string{}
	for range 2 {
		f := readFrame(t, conn)
		got[f.Channel] = string(f.Data)
	}
	require.Contains(t, got, "round:btc")
	require.Contains(t, got, "price:eth")
	assert.JSONEq(t, `{"type":"round_locked"}`, got["round:btc"])

	// round:eth shares round:btc's forwarder, so a leaked frame would
	// arrive ahead of this one.
	require.NoError(t, bus.Publish(ctx, "round:btc", []byte(`{"type":"round_settled"}`)))
	f := readFrame(t, conn)
	assert.Equal(t, "round:btc", f.Channel)
	assert.JSONEq(t, `{"type":"round_settled"}`, string(f.Data))
}

func TestHub_SubscribeMessage(t *testing.T) {
	hub, bus, srv := startHub(t)
	conn := dial(t, hub, srv, "?channels=round:btc")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "subscribe", Channels: []string{"round:eth"}}))
	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{"round:btc"}}))

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			return c.isSubscribed("round:eth") && !c.isSubscribed("round:btc")
		}
		return false
	}, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "round:btc", []byte(`{"n":1}`)))
	require.NoError(t, bus.Publish(ctx, "round:eth", []byte(`{"n":2}`)))
	f := readFrame(t, conn)
	assert.Equal(t, "round:eth", f.Channel)
	assert.JSONEq(t, `{"n":2}`, string(f.Data))
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	hub, _, srv := startHub(t)
	conn := dial(t, hub, srv, "")
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClient_IsSubscribed(t *testing.T) {
	c := &client{subs: map[string]bool{"round:*": true, "price:btc": true}}
	assert.True(t, c.isSubscribed("round:eth"))
	assert.True(t, c.isSubscribed("price:btc"))
	assert.False(t, c.isSubscribed("price:eth"))
	assert.Equal(t, []string{"round:btc", "price:*"}, splitChannels(" round:btc, ,price:*,bad[ "))
}
