package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWs))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := dialHub(t, h)

	h.BroadcastJSON(map[string]string{"type": "STATUS"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"STATUS"}`, string(msg))
}

func TestHub_ClientDisconnectIsRemoved(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := dialHub(t, h)
	conn.Close()

	assert.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_BroadcastDoesNotBlockWithoutRun(t *testing.T) {
	h := NewHub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastSize*2; i++ {
			h.Broadcast([]byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked")
	}
}
