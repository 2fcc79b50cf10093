package overlay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/botevents/internal/metrics"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(metrics.New())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func TestHubBroadcastsToAllClients(t *testing.T) {
	hub, srv := newTestHub(t)
	first := dial(t, srv)
	second := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.ExplodeEmotes(context.Background(), []string{"Kappa", "PogChamp"}))

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readMessage(t, conn)
		assert.Equal(t, TypeEmoteExplosion, msg.Type)
		assert.Equal(t, []string{"Kappa", "PogChamp"}, msg.Emotes)
		assert.NotZero(t, msg.Timestamp)
	}
}

func TestHubEffects(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, hub.FireworkEmotes(ctx, []string{"LUL"}))
	msg := readMessage(t, conn)
	assert.Equal(t, TypeEmoteFirework, msg.Type)
	assert.Equal(t, []string{"LUL"}, msg.Emotes)

	require.NoError(t, hub.ShowClip(ctx, "FunnyClip"))
	msg = readMessage(t, conn)
	assert.Equal(t, TypeClip, msg.Type)
	assert.Equal(t, "FunnyClip", msg.ClipID)
}

func TestHubDropsDisconnectedClients(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)

	assert.NoError(t, hub.ShowClip(context.Background(), "nobody-watching"))
}

func TestHubBroadcastCancelled(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.ExplodeEmotes(ctx, nil), context.Canceled)
}
