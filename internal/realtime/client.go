// Package realtime maintains one logical live connection to the hub's
// event stream and exposes the event, notification and conflict feeds to
// whatever UI layer sits on top.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/obrasync/obrasync/internal/models"
	"nhooyr.io/websocket"
)

const (
	DefaultReconnectDelay    = 3 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHistoryLimit      = 50
)

type Config struct {
	BaseURL    string
	Token      string
	Tables     []string
	Operations []models.Operation
	ProjectID  string

	// AutoReconnect retries at a fixed delay forever: the user may stay
	// offline indefinitely and the connector must recover whenever the
	// network does. Jitter spreads reconnect storms and is optional.
	AutoReconnect     bool
	ReconnectDelay    time.Duration
	Jitter            bool
	HeartbeatInterval time.Duration
	HistoryLimit      int
	HTTPClient        *http.Client
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return cfg
}

// Client is the live-stream connector. Incoming frames are dispatched by
// type into bounded in-memory histories and registered handlers.
type Client struct {
	cfg    Config
	logger *log.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	connected        bool
	connectionID     string
	intentionalClose bool
	cancel           context.CancelFunc

	events        []*models.SyncEvent
	notifications []*models.NotificationEvent
	conflicts     []*models.DataConflict
	lastStats     models.StatsSnapshot

	onSync         []func(*models.SyncEvent)
	onNotification []func(*models.NotificationEvent)
	onConflict     []func(*models.DataConflict)
	onConnected    []func(connectionID string)
	onDisconnected []func(err error)
}

func NewClient(cfg Config, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{cfg: cfg.withDefaults(), logger: logger}
}

func (c *Client) OnSyncEvent(h func(*models.SyncEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSync = append(c.onSync, h)
}

func (c *Client) OnNotification(h func(*models.NotificationEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNotification = append(c.onNotification, h)
}

func (c *Client) OnConflict(h func(*models.DataConflict)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConflict = append(c.onConflict, h)
}

func (c *Client) OnConnected(h func(connectionID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = append(c.onConnected, h)
}

func (c *Client) OnDisconnected(h func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = append(c.onDisconnected, h)
}

// Connect dials the stream and waits for the connected handshake frame.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.intentionalClose = false
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.streamURL(), &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be the connected handshake carrying our ID.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read handshake: %w", err)
	}
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != models.EventConnected {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("expected %q handshake, got %q", models.EventConnected, env.Type)
	}
	var handshake models.ConnectedPayload
	if err := json.Unmarshal(env.Payload, &handshake); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("invalid handshake payload: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.connectionID = handshake.ConnectionID
	c.cancel = cancel
	handlers := append([]func(string){}, c.onConnected...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(handshake.ConnectionID)
	}

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect tears the connection down intentionally: reconnect timers
// are cancelled and the client stays down until Connect is called again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Events returns the bounded history of received sync events, oldest first.
func (c *Client) Events() []*models.SyncEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.SyncEvent{}, c.events...)
}

func (c *Client) Notifications() []*models.NotificationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.NotificationEvent{}, c.notifications...)
}

func (c *Client) Conflicts() []*models.DataConflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.DataConflict{}, c.conflicts...)
}

// Stats returns the latest heartbeat snapshot from the hub.
func (c *Client) Stats() models.StatsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStats
}

// UpdateSubscriptions replaces the server-side filter set for this
// connection.
func (c *Client) UpdateSubscriptions(ctx context.Context, subs []models.Subscription) error {
	return c.writeFrame(ctx, map[string]any{"type": "subscribe", "subscriptions": subs})
}

// BroadcastEvent pushes a local mutation to the hub right after a
// successful write. The token's session ID lets the hub exclude the echo.
func (c *Client) BroadcastEvent(ctx context.Context, table string, op models.Operation, recordID string, data, previousData map[string]any, version int64) error {
	body, err := json.Marshal(map[string]any{
		"table":         table,
		"operation":     op,
		"record_id":     recordID,
		"data":          data,
		"previous_data": previousData,
		"version":       version,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/sync/broadcast", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("broadcast request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("broadcast rejected: %s: %s", resp.Status, preview)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleDrop(err)
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Printf("realtime: invalid frame: %v", err)
			continue
		}
		c.dispatch(&env)
	}
}

func (c *Client) dispatch(env *models.Envelope) {
	switch env.Type {
	case models.EventSync:
		var event models.SyncEvent
		if json.Unmarshal(env.Payload, &event) != nil {
			return
		}
		c.mu.Lock()
		c.events = appendBounded(c.events, &event, c.cfg.HistoryLimit)
		handlers := append([]func(*models.SyncEvent){}, c.onSync...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(&event)
		}
	case models.EventNotification:
		var n models.NotificationEvent
		if json.Unmarshal(env.Payload, &n) != nil {
			return
		}
		c.mu.Lock()
		c.notifications = appendBounded(c.notifications, &n, c.cfg.HistoryLimit)
		handlers := append([]func(*models.NotificationEvent){}, c.onNotification...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(&n)
		}
	case models.EventConflict:
		var conflict models.DataConflict
		if json.Unmarshal(env.Payload, &conflict) != nil {
			return
		}
		c.mu.Lock()
		c.conflicts = appendBounded(c.conflicts, &conflict, c.cfg.HistoryLimit)
		handlers := append([]func(*models.DataConflict){}, c.onConflict...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(&conflict)
		}
	case models.EventHeartbeat:
		var stats models.StatsSnapshot
		if json.Unmarshal(env.Payload, &stats) != nil {
			return
		}
		c.mu.Lock()
		c.lastStats = stats
		c.mu.Unlock()
	}
}

// handleDrop marks the client disconnected and, unless the drop was
// intentional, keeps retrying at the configured fixed delay.
func (c *Client) handleDrop(cause error) {
	c.mu.Lock()
	intentional := c.intentionalClose
	c.conn = nil
	c.connected = false
	handlers := append([]func(error){}, c.onDisconnected...)
	c.mu.Unlock()

	if intentional {
		return
	}
	for _, h := range handlers {
		h(cause)
	}
	if !c.cfg.AutoReconnect {
		return
	}

	go func() {
		for {
			delay := c.cfg.ReconnectDelay
			if c.cfg.Jitter {
				delay += time.Duration(rand.Int63n(int64(c.cfg.ReconnectDelay) / 2))
			}
			timer := time.NewTimer(delay)
			<-timer.C

			c.mu.Lock()
			stop := c.intentionalClose || c.connected
			c.mu.Unlock()
			if stop {
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := c.Connect(ctx)
			cancel()
			if err == nil {
				return
			}
			c.logger.Printf("realtime: reconnect failed: %v", err)
		}
	}()
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeFrame(ctx, map[string]any{"type": "heartbeat"}); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeFrame(ctx context.Context, frame any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// streamURL builds the websocket endpoint with the connect-time filters
// as query parameters.
func (c *Client) streamURL() string {
	base := strings.Replace(c.cfg.BaseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)

	params := url.Values{}
	params.Set("token", c.cfg.Token)
	if len(c.cfg.Tables) > 0 {
		params.Set("tables", strings.Join(c.cfg.Tables, ","))
	}
	if len(c.cfg.Operations) > 0 {
		ops := make([]string, len(c.cfg.Operations))
		for i, op := range c.cfg.Operations {
			ops[i] = string(op)
		}
		params.Set("operations", strings.Join(ops, ","))
	}
	if c.cfg.ProjectID != "" {
		params.Set("projectId", c.cfg.ProjectID)
	}
	return base + "/api/sync/events?" + params.Encode()
}

func appendBounded[T any](list []T, item T, limit int) []T {
	list = append(list, item)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}
