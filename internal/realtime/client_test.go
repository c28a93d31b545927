package realtime

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/obrasync/obrasync/internal/models"
	"github.com/obrasync/obrasync/internal/services"
	"github.com/obrasync/obrasync/internal/synchub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	url    string
	mgr    *synchub.Manager
	tokens *services.TokenService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mgr := synchub.NewManager(synchub.DefaultConfig(), nil, nil, nil)
	t.Cleanup(mgr.Close)

	tokens := services.NewTokenService("test-secret", time.Hour)
	handler := synchub.NewHandler(mgr, tokens, nil)

	router := chi.NewRouter()
	router.Mount("/api/sync", handler.Routes())

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{url: server.URL, mgr: mgr, tokens: tokens}
}

func (ts *testServer) client(t *testing.T, userID, sessionID string, cfg Config) *Client {
	t.Helper()
	token, err := ts.tokens.Issue(userID, userID, sessionID)
	require.NoError(t, err)

	cfg.BaseURL = ts.url
	cfg.Token = token
	c := NewClient(cfg, nil)
	t.Cleanup(func() { c.Disconnect() })
	return c
}

// TestClient_Connect tests the dial and the connected handshake
func TestClient_Connect(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client(t, "u1", "sess-1", Config{})

	var handshakeID string
	c.OnConnected(func(connectionID string) { handshakeID = connectionID })

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
	assert.NotEmpty(t, c.ConnectionID())
	assert.Equal(t, c.ConnectionID(), handshakeID)

	// The hub sees the registered connection with the token's identity.
	require.Eventually(t, func() bool {
		return len(ts.mgr.Connections()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	conn := ts.mgr.Connections()[0]
	assert.Equal(t, "u1", conn.UserID)
	assert.Equal(t, "sess-1", conn.SessionID)
}

// TestClient_Connect_InvalidToken tests rejection before any handshake
func TestClient_Connect_InvalidToken(t *testing.T) {
	ts := newTestServer(t)
	c := NewClient(Config{BaseURL: ts.url, Token: "garbage"}, nil)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, c.Connected())
}

// TestClient_ReceivesEvents tests end-to-end delivery from the hub into
// the client's history and handlers
func TestClient_ReceivesEvents(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client(t, "u1", "sess-1", Config{})
	require.NoError(t, c.Connect(context.Background()))

	received := make(chan *models.SyncEvent, 1)
	c.OnSyncEvent(func(ev *models.SyncEvent) { received <- ev })

	ts.mgr.BroadcastSyncEvent(&models.SyncEvent{
		Table:     models.TableMateriales,
		Operation: models.OperationUpdate,
		RecordID:  "m1",
		Data:      map[string]any{"stock_actual": float64(3)},
		SessionID: "sess-other",
		UserID:    "u2",
	})

	select {
	case ev := <-received:
		assert.Equal(t, "m1", ev.RecordID)
		assert.Equal(t, models.TableMateriales, ev.Table)
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the client")
	}

	require.Eventually(t, func() bool {
		return len(c.Events()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// TestClient_BroadcastEvent_NoSelfEcho tests the full loop: one client
// pushes a mutation, the other receives it, the originator does not
func TestClient_BroadcastEvent_NoSelfEcho(t *testing.T) {
	ts := newTestServer(t)

	origin := ts.client(t, "u1", "sess-a", Config{})
	require.NoError(t, origin.Connect(context.Background()))
	other := ts.client(t, "u2", "sess-b", Config{})
	require.NoError(t, other.Connect(context.Background()))

	err := origin.BroadcastEvent(context.Background(),
		models.TableActividades, models.OperationUpdate, "a1",
		map[string]any{"estado": "completada"},
		map[string]any{"estado": "en_progreso"}, 2)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(other.Events()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "a1", other.Events()[0].RecordID)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, origin.Events(), "the originating session never hears its own echo")
}

// TestClient_ConnectTimeFilters tests that query-parameter subscriptions
// filter server-side
func TestClient_ConnectTimeFilters(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client(t, "u1", "sess-1", Config{Tables: []string{models.TablePersonal}})
	require.NoError(t, c.Connect(context.Background()))

	ts.mgr.BroadcastSyncEvent(&models.SyncEvent{
		Table:     models.TableProyectos,
		Operation: models.OperationCreate,
		RecordID:  "p1",
		SessionID: "sess-other",
	})
	ts.mgr.BroadcastSyncEvent(&models.SyncEvent{
		Table:     models.TablePersonal,
		Operation: models.OperationCreate,
		RecordID:  "per1",
		SessionID: "sess-other",
	})

	require.Eventually(t, func() bool {
		return len(c.Events()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "per1", c.Events()[0].RecordID)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, c.Events(), 1, "the filtered table stays out")
}

// TestClient_ReceivesNotifications tests the notification feed
func TestClient_ReceivesNotifications(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client(t, "u1", "sess-1", Config{})
	require.NoError(t, c.Connect(context.Background()))

	ts.mgr.SendNotification(&models.NotificationEvent{
		Type:        models.NotificationStockAlert,
		Title:       "Stock bajo",
		TargetUsers: []string{"u1"},
		Priority:    models.PriorityHigh,
	})

	require.Eventually(t, func() bool {
		return len(c.Notifications()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Stock bajo", c.Notifications()[0].Title)
}

// TestClient_ReceivesConflicts tests that conflict frames land in the
// conflict history
func TestClient_ReceivesConflicts(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client(t, "u1", "sess-1", Config{})
	require.NoError(t, c.Connect(context.Background()))

	ts.mgr.BroadcastSyncEvent(&models.SyncEvent{
		Table:     models.TableActividades,
		Operation: models.OperationUpdate,
		RecordID:  "a1",
		Data:      map[string]any{"estado": "en_progreso"},
		SessionID: "sess-x",
	})
	ts.mgr.BroadcastSyncEvent(&models.SyncEvent{
		Table:     models.TableActividades,
		Operation: models.OperationUpdate,
		RecordID:  "a1",
		Data:      map[string]any{"estado": "completada"},
		SessionID: "sess-y",
	})

	require.Eventually(t, func() bool {
		return len(c.Conflicts()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	conflict := c.Conflicts()[0]
	assert.Equal(t, models.ConflictConcurrentEdit, conflict.ConflictType)
	assert.Equal(t, "estado", conflict.Field)
}

// TestClient_Disconnect tests that an intentional disconnect stays down
// even with auto-reconnect enabled
func TestClient_Disconnect(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client(t, "u1", "sess-1", Config{
		AutoReconnect:  true,
		ReconnectDelay: 20 * time.Millisecond,
	})
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Disconnect())
	assert.False(t, c.Connected())

	time.Sleep(150 * time.Millisecond)
	assert.False(t, c.Connected(), "intentional close must not trigger reconnect")
}

// TestClient_UpdateSubscriptions tests live filter replacement over the
// socket
func TestClient_UpdateSubscriptions(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client(t, "u1", "sess-1", Config{})
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.UpdateSubscriptions(context.Background(), []models.Subscription{
		{Tables: []string{models.TableEvidencias}},
	}))

	require.Eventually(t, func() bool {
		conns := ts.mgr.Connections()
		return len(conns) == 1 && len(conns[0].Subscriptions) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ts.mgr.BroadcastSyncEvent(&models.SyncEvent{
		Table:     models.TableProyectos,
		Operation: models.OperationCreate,
		RecordID:  "p1",
		SessionID: "sess-other",
	})
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, c.Events(), "replaced filters exclude the old tables")
}
