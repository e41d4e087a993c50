package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/echo-core/internal/transport"
)

func startHub(t *testing.T, hub *transport.Hub, recipientID string) (*httptest.Server, *websocket.Conn) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, hub.Upgrade(w, r, recipientID))
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return srv, conn
}

func TestHubDeliversToConnectedRecipient(t *testing.T) {
	hub := transport.NewHub("node-1")
	srv, conn := startHub(t, hub, "bob")
	defer srv.Close()
	defer conn.Close()

	// Give the Upgrade goroutines a moment to register the connection.
	require.Eventually(t, func() bool { return hub.Inbox("bob") != nil }, time.Second, 10*time.Millisecond)

	err := hub.DeliverMessage(context.Background(), "msg-1", "bob", []byte("hello"), 1)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestHubQueuesForOfflineRecipient(t *testing.T) {
	hub := transport.NewHub("node-1")
	err := hub.DeliverMessage(context.Background(), "msg-1", "offline-bob", []byte("queued"), 1)
	require.NoError(t, err)
	require.Nil(t, hub.Inbox("offline-bob"))
}

func TestHubDrainsBacklogOnConnect(t *testing.T) {
	hub := transport.NewHub("node-1")
	require.NoError(t, hub.DeliverMessage(context.Background(), "msg-1", "bob", []byte("queued while offline"), 1))

	srv, conn := startHub(t, hub, "bob")
	defer srv.Close()
	defer conn.Close()

	require.Eventually(t, func() bool {
		inbox := hub.Inbox("bob")
		if inbox == nil {
			return false
		}
		select {
		case rec := <-inbox:
			return string(rec.Envelope) == "queued while offline"
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestHubReceivesInboundFromClient(t *testing.T) {
	hub := transport.NewHub("node-1")
	srv, conn := startHub(t, hub, "bob")
	defer srv.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Inbox("bob") != nil }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("from client")))

	var got transport.Inbound
	require.Eventually(t, func() bool {
		select {
		case got = <-hub.Inbox("bob"):
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "from client", string(got.Envelope))
}

func TestHubCloseDisconnectsAll(t *testing.T) {
	hub := transport.NewHub("node-1")
	srv, conn := startHub(t, hub, "bob")
	defer srv.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Inbox("bob") != nil }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Close())
	require.Nil(t, hub.Inbox("bob"))
}
