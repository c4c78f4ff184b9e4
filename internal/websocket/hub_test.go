package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lmsforum-sync/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, opts HubOptions) (*Hub, string) {
	t.Helper()

	hub := NewHub(opts, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(r.URL.Query().Get("id"), r.URL.Query().Get("operator"), conn, hub)
		hub.Register <- client
		go client.WritePump()
		go client.ReadPump()
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, id, operator string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?id="+id+"&operator="+operator, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_BroadcastsConflicts(t *testing.T) {
	hub, url := startHub(t, HubOptions{})
	a := dial(t, url, "c1", "ops-alice")
	b := dial(t, url, "c2", "ops-bob")
	require.Eventually(t, func() bool { return hub.Connections() == 2 }, time.Second, 10*time.Millisecond)

	strategy := domain.ResolutionPreferForum
	conflict := &domain.SyncConflict{
		ID:                 "01HCONFLICT",
		EntityType:         domain.EntityUser,
		EntityID:           "42",
		Title:              "Ada",
		IncomingClock:      domain.VectorClock{"b": 1},
		StoredClock:        domain.VectorClock{"a": 1},
		ResolutionStrategy: &strategy,
	}
	hub.ConflictResolved(conflict)

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		assert.Equal(t, TypeConflictResolved, msg.Type)

		var payload ConflictPayload
		require.NoError(t, msg.UnmarshalPayload(&payload))
		assert.Equal(t, "01HCONFLICT", payload.ConflictID)
		assert.Equal(t, "user", payload.EntityType)
		assert.Equal(t, "prefer_forum", payload.Strategy)
	}
}

func TestHub_SyncFailed(t *testing.T) {
	hub, url := startHub(t, HubOptions{})
	conn := dial(t, url, "c1", "ops-alice")
	require.Eventually(t, func() bool { return hub.Connections() == 1 }, time.Second, 10*time.Millisecond)

	hub.SyncFailed(&domain.SyncEvent{
		EntityType:    domain.EntitySubmission,
		EntityID:      "7",
		Operation:     domain.OperationCreate,
		TransactionID: "tx-1-abcdef01",
	}, errors.New("forum unavailable"))

	msg := readMessage(t, conn)
	assert.Equal(t, TypeSyncFailed, msg.Type)
	var payload SyncFailedPayload
	require.NoError(t, msg.UnmarshalPayload(&payload))
	assert.Equal(t, "7", payload.EntityID)
	assert.Equal(t, "tx-1-abcdef01", payload.TransactionID)
	assert.Equal(t, "forum unavailable", payload.Error)
}

func TestHub_PingPong(t *testing.T) {
	hub, url := startHub(t, HubOptions{})
	conn := dial(t, url, "c1", "ops-alice")
	require.Eventually(t, func() bool { return hub.Connections() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Message{Type: TypePing}))
	assert.Equal(t, TypePong, readMessage(t, conn).Type)
}

func TestHub_LimitsConnectionsPerOperator(t *testing.T) {
	hub, url := startHub(t, HubOptions{MaxConnPerOperator: 1})
	dial(t, url, "c1", "ops-alice")
	require.Eventually(t, func() bool { return hub.Connections() == 1 }, time.Second, 10*time.Millisecond)

	second := dial(t, url, "c2", "ops-alice")
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 1, hub.Connections())
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	hub, url := startHub(t, HubOptions{})
	conn := dial(t, url, "c1", "ops-alice")
	require.Eventually(t, func() bool { return hub.Connections() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}
