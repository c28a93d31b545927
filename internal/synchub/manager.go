// Package synchub is the central event hub: it holds live client
// connections with their subscription filters, fans out mutation events,
// detects concurrent-edit conflicts and invalidates dependent caches.
package synchub

import (
	"context"
	"errors"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/obrasync/obrasync/internal/cache"
	"github.com/obrasync/obrasync/internal/models"
	"github.com/obrasync/obrasync/internal/repositories"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConflictNotFound   = errors.New("conflict not found")
	ErrUnknownStrategy    = errors.New("unknown resolution strategy")
)

type Config struct {
	EventHistoryLimit        int
	EventMaxAge              time.Duration
	NotificationHistoryLimit int
	NotificationMaxAge       time.Duration
	ConflictWindow           time.Duration
	ConflictExpiry           time.Duration
	HeartbeatTimeout         time.Duration
	RemovalGrace             time.Duration
	HeartbeatSweepEvery      time.Duration
	CleanupSweepEvery        time.Duration
	ReplayWindow             time.Duration
	SendBuffer               int
}

// DefaultConfig returns the production thresholds. Heartbeat timeout and
// removal grace are deliberately two stages: a single missed heartbeat
// flips the connection to disconnected, only sustained silence removes it.
func DefaultConfig() Config {
	return Config{
		EventHistoryLimit:        1000,
		EventMaxAge:              2 * time.Minute,
		NotificationHistoryLimit: 100,
		NotificationMaxAge:       24 * time.Hour,
		ConflictWindow:           30 * time.Second,
		ConflictExpiry:           1 * time.Hour,
		HeartbeatTimeout:         60 * time.Second,
		RemovalGrace:             5 * time.Minute,
		HeartbeatSweepEvery:      30 * time.Second,
		CleanupSweepEvery:        60 * time.Second,
		ReplayWindow:             2 * time.Minute,
		SendBuffer:               64,
	}
}

// Sender delivers one envelope over a subscriber's transport.
type Sender func(env *models.Envelope) error

// client pairs the connection record with its outbound queue. A dedicated
// writer goroutine preserves per-connection ordering; a full queue drops
// the frame instead of blocking the broadcast.
type client struct {
	conn *models.ClientConnection
	out  chan *models.Envelope
}

type Manager struct {
	cfg     Config
	store   cache.Store                      // optional, invalidated on broadcast
	archive repositories.SyncEventRepository // optional durable event log
	logger  *log.Logger

	mu            sync.Mutex
	clients       map[string]*client
	events        []*models.SyncEvent
	notifications []*models.NotificationEvent
	conflicts     map[string]*models.DataConflict
	totalEvents   int64

	stop     chan struct{}
	stopOnce sync.Once
}

func NewManager(cfg Config, store cache.Store, archive repositories.SyncEventRepository, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	m := &Manager{
		cfg:       cfg,
		store:     store,
		archive:   archive,
		logger:    logger,
		clients:   make(map[string]*client),
		conflicts: make(map[string]*models.DataConflict),
		stop:      make(chan struct{}),
	}
	go m.heartbeatSweep()
	go m.cleanupSweep()
	return m
}

// Close stops the sweeps and tears down every connection.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cl := range m.clients {
		close(cl.out)
		delete(m.clients, id)
	}
}

// AddConnection registers a live subscriber and replays buffered events
// and notifications so a late joiner catches up.
func (m *Manager) AddConnection(conn *models.ClientConnection, send Sender) {
	conn.Connected = true
	conn.LastHeartbeat = time.Now()

	cl := &client{conn: conn, out: make(chan *models.Envelope, m.cfg.SendBuffer)}
	go m.writeLoop(cl, send)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[conn.ID] = cl
	m.replayLocked(cl)
}

func (m *Manager) RemoveConnection(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cl, ok := m.clients[id]; ok {
		close(cl.out)
		delete(m.clients, id)
	}
}

// Disconnect flags the connection as dropped without removing it; the
// cleanup sweep removes it after the grace period if it never returns.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cl, ok := m.clients[id]; ok {
		cl.conn.Connected = false
	}
}

func (m *Manager) Heartbeat(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cl, ok := m.clients[id]; ok {
		cl.conn.LastHeartbeat = time.Now()
		cl.conn.Connected = true
	}
}

// UpdateSubscriptions replaces the connection's filter set.
func (m *Manager) UpdateSubscriptions(id string, subs []models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cl, ok := m.clients[id]
	if !ok {
		return ErrConnectionNotFound
	}
	cl.conn.Subscriptions = subs
	return nil
}

// BroadcastSyncEvent records the event, runs conflict detection and
// notification rules, fans the event out to matching subscribers (never
// back to the originating session) and invalidates dependent caches.
func (m *Manager) BroadcastSyncEvent(event *models.SyncEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.events = append(m.events, event)
	m.totalEvents++
	m.trimEventsLocked(time.Now())

	var conflict *models.DataConflict
	if event.Operation == models.OperationUpdate {
		conflict = m.detectConflictLocked(event)
		if conflict != nil {
			m.conflicts[conflict.ID] = conflict
		}
	}

	env, err := models.NewEnvelope(models.EventSync, event)
	if err != nil {
		m.mu.Unlock()
		m.logger.Printf("synchub: dropping event %s: %v", event.ID, err)
		return
	}
	for _, cl := range m.clients {
		if !cl.conn.Connected || cl.conn.SessionID == event.SessionID {
			continue
		}
		if cl.conn.WantsEvent(event) {
			m.enqueueLocked(cl, env)
		}
	}

	if conflict != nil {
		if cenv, cerr := models.NewEnvelope(models.EventConflict, conflict); cerr == nil {
			for _, cl := range m.clients {
				if cl.conn.Connected && cl.conn.WantsEvent(event) {
					m.enqueueLocked(cl, cenv)
				}
			}
		}
	}
	m.mu.Unlock()

	m.invalidateCaches(event.Table)

	for _, n := range evaluateRules(event) {
		m.SendNotification(n)
	}

	if m.archive != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.archive.Append(ctx, event); err != nil {
				m.logger.Printf("synchub: failed to archive event %s: %v", event.ID, err)
			}
		}()
	}
}

// SendNotification stores the notification and delivers it to currently
// connected target users only.
func (m *Manager) SendNotification(n *models.NotificationEvent) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	env, err := models.NewEnvelope(models.EventNotification, n)
	if err != nil {
		m.logger.Printf("synchub: dropping notification %s: %v", n.ID, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	m.trimNotificationsLocked(time.Now())

	for _, cl := range m.clients {
		if cl.conn.Connected && n.Targets(cl.conn.UserID) {
			m.enqueueLocked(cl, env)
		}
	}
}

// ActiveConflicts returns the unresolved conflict set, newest last.
func (m *Manager) ActiveConflicts() []*models.DataConflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.DataConflict, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		out = append(out, c)
	}
	return out
}

// ResolveConflict removes the conflict from the active set and returns the
// value chosen by the strategy. Merge overlays the incoming fields on the
// current ones when both sides are objects.
func (m *Manager) ResolveConflict(id string, strategy models.ResolutionStrategy) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conflict, ok := m.conflicts[id]
	if !ok {
		return nil, ErrConflictNotFound
	}

	var resolved any
	switch strategy {
	case models.ResolveAcceptCurrent:
		resolved = conflict.CurrentValue
	case models.ResolveAcceptIncoming:
		resolved = conflict.IncomingValue
	case models.ResolveMerge:
		current, cok := conflict.CurrentValue.(map[string]any)
		incoming, iok := conflict.IncomingValue.(map[string]any)
		if cok && iok {
			merged := make(map[string]any, len(current)+len(incoming))
			for k, v := range current {
				merged[k] = v
			}
			for k, v := range incoming {
				merged[k] = v
			}
			resolved = merged
		} else {
			resolved = conflict.IncomingValue
		}
	default:
		return nil, ErrUnknownStrategy
	}

	delete(m.conflicts, id)
	return resolved, nil
}

func (m *Manager) Stats() models.StatsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

// Connections returns a snapshot of the registered connection records.
func (m *Manager) Connections() []*models.ClientConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ClientConnection, 0, len(m.clients))
	for _, cl := range m.clients {
		copied := *cl.conn
		out = append(out, &copied)
	}
	return out
}

func (m *Manager) statsLocked() models.StatsSnapshot {
	active := 0
	for _, cl := range m.clients {
		if cl.conn.Connected {
			active++
		}
	}
	return models.StatsSnapshot{
		ActiveConnections:    active,
		TotalEvents:          m.totalEvents,
		ActiveConflicts:      len(m.conflicts),
		PendingNotifications: len(m.notifications),
	}
}

// detectConflictLocked scans the recent window for another update on the
// same record from a different session whose payload disagrees on at least
// one overlapping key. At most one conflict is raised per incoming event.
func (m *Manager) detectConflictLocked(event *models.SyncEvent) *models.DataConflict {
	cutoff := event.Timestamp.Add(-m.cfg.ConflictWindow)
	for i := len(m.events) - 1; i >= 0; i-- {
		other := m.events[i]
		if other.ID == event.ID {
			continue
		}
		if other.Timestamp.Before(cutoff) {
			break
		}
		if other.Operation != models.OperationUpdate ||
			other.Table != event.Table ||
			other.RecordID != event.RecordID ||
			other.SessionID == event.SessionID {
			continue
		}

		differing := differingKeys(other.Data, event.Data)
		if len(differing) == 0 {
			continue
		}

		conflict := &models.DataConflict{
			ID:              uuid.NewString(),
			Table:           event.Table,
			RecordID:        event.RecordID,
			Timestamp:       time.Now(),
			CurrentVersion:  other.Version,
			IncomingVersion: event.Version,
			ConflictType:    models.ConflictConcurrentEdit,
		}
		if len(differing) == 1 {
			conflict.Field = differing[0]
			conflict.CurrentValue = other.Data[differing[0]]
			conflict.IncomingValue = event.Data[differing[0]]
		} else {
			conflict.Field = models.ConflictFieldMultiple
			conflict.CurrentValue = other.Data
			conflict.IncomingValue = event.Data
		}
		if event.Version != 0 && other.Version != 0 && event.Version <= other.Version {
			conflict.ConflictType = models.ConflictVersionMismatch
		}
		return conflict
	}
	return nil
}

// differingKeys returns the keys present in both payloads whose values
// disagree. Disjoint payloads never conflict.
func differingKeys(current, incoming map[string]any) []string {
	var keys []string
	for key, incomingValue := range incoming {
		currentValue, ok := current[key]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(currentValue, incomingValue) {
			keys = append(keys, key)
		}
	}
	return keys
}

// invalidateCaches drops cached queries for the mutated table and for
// every table related to it.
func (m *Manager) invalidateCaches(table string) {
	if m.store == nil {
		return
	}
	m.store.InvalidateByTag(table)
	for _, related := range models.RelatedTables(table) {
		m.store.InvalidateByTag(related)
	}
}

// replayLocked catches a late joiner up on buffered events and
// notifications that match its filters.
func (m *Manager) replayLocked(cl *client) {
	cutoff := time.Now().Add(-m.cfg.ReplayWindow)
	for _, event := range m.events {
		if event.Timestamp.Before(cutoff) {
			continue
		}
		if event.SessionID == cl.conn.SessionID || !cl.conn.WantsEvent(event) {
			continue
		}
		if env, err := models.NewEnvelope(models.EventSync, event); err == nil {
			m.enqueueLocked(cl, env)
		}
	}

	notifCutoff := time.Now().Add(-m.cfg.NotificationMaxAge)
	for _, n := range m.notifications {
		if n.Timestamp.Before(notifCutoff) || !n.Targets(cl.conn.UserID) {
			continue
		}
		if env, err := models.NewEnvelope(models.EventNotification, n); err == nil {
			m.enqueueLocked(cl, env)
		}
	}
}

// enqueueLocked is fire-and-forget: a slow connection's full queue drops
// the frame so one subscriber never stalls the broadcast.
func (m *Manager) enqueueLocked(cl *client, env *models.Envelope) {
	select {
	case cl.out <- env:
	default:
		m.logger.Printf("synchub: send queue full for connection %s, dropping %s", cl.conn.ID, env.Type)
	}
}

func (m *Manager) writeLoop(cl *client, send Sender) {
	for env := range cl.out {
		if err := send(env); err != nil {
			m.logger.Printf("synchub: delivery to connection %s failed: %v", cl.conn.ID, err)
		}
	}
}

func (m *Manager) heartbeatSweep() {
	ticker := time.NewTicker(m.cfg.HeartbeatSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepHeartbeats()
		}
	}
}

// sweepHeartbeats flips silent connections to disconnected and pushes a
// heartbeat frame with a stats snapshot to the live ones.
func (m *Manager) sweepHeartbeats() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, cl := range m.clients {
		if cl.conn.Connected && now.Sub(cl.conn.LastHeartbeat) > m.cfg.HeartbeatTimeout {
			cl.conn.Connected = false
		}
	}

	env, err := models.NewEnvelope(models.EventHeartbeat, m.statsLocked())
	if err != nil {
		return
	}
	for _, cl := range m.clients {
		if cl.conn.Connected {
			m.enqueueLocked(cl, env)
		}
	}
}

func (m *Manager) cleanupSweep() {
	ticker := time.NewTicker(m.cfg.CleanupSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// cleanup trims histories, expires old conflicts and removes connections
// silent past the removal grace period.
func (m *Manager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.trimEventsLocked(now)
	m.trimNotificationsLocked(now)

	for id, conflict := range m.conflicts {
		if now.Sub(conflict.Timestamp) > m.cfg.ConflictExpiry {
			delete(m.conflicts, id)
		}
	}

	for id, cl := range m.clients {
		if now.Sub(cl.conn.LastHeartbeat) > m.cfg.RemovalGrace {
			close(cl.out)
			delete(m.clients, id)
		}
	}
}

func (m *Manager) trimEventsLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.EventMaxAge)
	start := 0
	for start < len(m.events) && m.events[start].Timestamp.Before(cutoff) {
		start++
	}
	if overflow := len(m.events) - start - m.cfg.EventHistoryLimit; overflow > 0 {
		start += overflow
	}
	if start > 0 {
		m.events = append([]*models.SyncEvent(nil), m.events[start:]...)
	}
}

func (m *Manager) trimNotificationsLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.NotificationMaxAge)
	start := 0
	for start < len(m.notifications) && m.notifications[start].Timestamp.Before(cutoff) {
		start++
	}
	if overflow := len(m.notifications) - start - m.cfg.NotificationHistoryLimit; overflow > 0 {
		start += overflow
	}
	if start > 0 {
		m.notifications = append([]*models.NotificationEvent(nil), m.notifications[start:]...)
	}
}
