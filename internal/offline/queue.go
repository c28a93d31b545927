package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/obrasync/obrasync/internal/models"
	"github.com/obrasync/obrasync/internal/remote"
)

var ErrSyncInProgress = errors.New("a sync pass is already running")

// SyncedRetention is how long successfully synced records stay in local
// storage before the cleanup pass purges them.
const SyncedRetention = 24 * time.Hour

// recordTables maps each offline record type to its remote table.
var recordTables = map[models.OfflineRecordType]string{
	models.RecordTimeEntry: models.TableRegistrosTiempo,
	models.RecordEvidence:  models.TableEvidencias,
}

// Status is the queue state surfaced to the UI: a persistent but
// non-blocking indicator with the pending count.
type Status struct {
	IsOnline     bool          `json:"is_online"`
	IsSyncing    bool          `json:"is_syncing"`
	LastSync     time.Time     `json:"last_sync"`
	PendingItems int           `json:"pending_items"`
	NextSyncIn   time.Duration `json:"next_sync_in"`
}

// Result aggregates one sync pass. Individual item failures land in
// Errors; only catastrophic storage failures abort a pass.
type Result struct {
	SyncedTimeEntries int      `json:"synced_time_entries"`
	FailedTimeEntries int      `json:"failed_time_entries"`
	SyncedEvidence    int      `json:"synced_evidence"`
	FailedEvidence    int      `json:"failed_evidence"`
	Errors            []string `json:"errors,omitempty"`
}

// Queue replays offline writes. Sync runs on reconnect, periodically
// while online with pending items, and on demand. There is no maximum
// attempt count: repeated failures are kept and surfaced, never dropped.
type Queue struct {
	store    *Store
	api      remote.Executor
	logger   *log.Logger
	interval time.Duration

	mu       sync.Mutex
	online   bool
	syncing  bool
	lastSync time.Time
	lastTick time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func NewQueue(store *Store, api remote.Executor, interval time.Duration, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.Default()
	}
	q := &Queue{
		store:    store,
		api:      api,
		logger:   logger,
		interval: interval,
		online:   true,
		lastTick: time.Now(),
		stop:     make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stop) })
}

// StoreOffline captures a write locally and returns immediately; the
// remote API is never contacted here.
func (q *Queue) StoreOffline(typ models.OfflineRecordType, payload map[string]any) (*models.OfflineRecord, error) {
	if _, ok := recordTables[typ]; !ok {
		return nil, fmt.Errorf("unknown offline record type %q", typ)
	}
	rec := &models.OfflineRecord{
		LocalID:      "local-" + uuid.NewString(),
		Type:         typ,
		Payload:      payload,
		PendingSince: time.Now(),
	}
	if err := q.store.PutRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// PendingItems lists every record still waiting to be synced.
func (q *Queue) PendingItems() ([]*models.OfflineRecord, error) {
	var pending []*models.OfflineRecord
	for typ := range recordTables {
		records, err := q.store.ListRecords(typ)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if !rec.Synced() {
				pending = append(pending, rec)
			}
		}
	}
	return pending, nil
}

func (q *Queue) Status() Status {
	pending, err := q.PendingItems()
	if err != nil {
		q.logger.Printf("offline: failed to count pending items: %v", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	next := q.interval - time.Since(q.lastTick)
	if next < 0 {
		next = 0
	}
	return Status{
		IsOnline:     q.online,
		IsSyncing:    q.syncing,
		LastSync:     q.lastSync,
		PendingItems: len(pending),
		NextSyncIn:   next,
	}
}

// SetOnline records a connectivity change; the transition to online
// triggers an immediate sync pass.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	wasOnline := q.online
	q.online = online
	q.mu.Unlock()

	if online && !wasOnline {
		go func() {
			if _, err := q.SyncNow(context.Background()); err != nil && !errors.Is(err, ErrSyncInProgress) {
				q.logger.Printf("offline: reconnect sync failed: %v", err)
			}
		}()
	}
}

func (q *Queue) IsOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// SyncNow replays every pending record once. Item failures increment the
// record's attempt counter and leave it pending for the next pass; the
// pass is abandoned between items if connectivity drops.
func (q *Queue) SyncNow(ctx context.Context) (*Result, error) {
	q.mu.Lock()
	if q.syncing {
		q.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	q.syncing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.syncing = false
		q.lastSync = time.Now()
		q.mu.Unlock()
	}()

	result := &Result{}
	for typ, table := range recordTables {
		records, err := q.store.ListRecords(typ)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if rec.Synced() {
				continue
			}
			if !q.IsOnline() {
				return result, nil
			}
			if err := q.syncRecord(ctx, table, rec); err != nil {
				result.countFailure(typ)
				result.Errors = append(result.Errors, fmt.Sprintf("%s %s: %v", typ, rec.LocalID, err))
			} else {
				result.countSuccess(typ)
			}
		}
	}
	return result, nil
}

func (q *Queue) syncRecord(ctx context.Context, table string, rec *models.OfflineRecord) error {
	resp, err := q.api.Execute(ctx, table, models.OperationCreate, remote.Request{Data: rec.Payload})
	if err != nil {
		rec.SyncAttempts++
		rec.LastError = err.Error()
		if putErr := q.store.PutRecord(rec); putErr != nil {
			q.logger.Printf("offline: failed to persist attempt for %s: %v", rec.LocalID, putErr)
		}
		return err
	}

	rec.SyncedRemoteID = remoteIDFrom(resp, rec.LocalID)
	rec.LastError = ""
	now := time.Now()
	rec.SyncedAt = &now
	return q.store.PutRecord(rec)
}

// Cleanup purges synced records older than the retention window so local
// storage stays bounded. Pending records are never purged.
func (q *Queue) Cleanup() error {
	cutoff := time.Now().Add(-SyncedRetention)
	for typ := range recordTables {
		records, err := q.store.ListRecords(typ)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if rec.Synced() && rec.SyncedAt != nil && rec.SyncedAt.Before(cutoff) {
				if err := q.store.DeleteRecord(typ, rec.LocalID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (q *Queue) run() {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.mu.Lock()
			q.lastTick = time.Now()
			online := q.online
			q.mu.Unlock()
			if !online {
				continue
			}

			pending, err := q.PendingItems()
			if err != nil {
				q.logger.Printf("offline: periodic pending check failed: %v", err)
				continue
			}
			if len(pending) > 0 {
				if _, err := q.SyncNow(context.Background()); err != nil && !errors.Is(err, ErrSyncInProgress) {
					q.logger.Printf("offline: periodic sync failed: %v", err)
				}
			}
			if err := q.Cleanup(); err != nil {
				q.logger.Printf("offline: cleanup failed: %v", err)
			}
		}
	}
}

func (r *Result) countSuccess(typ models.OfflineRecordType) {
	if typ == models.RecordTimeEntry {
		r.SyncedTimeEntries++
	} else {
		r.SyncedEvidence++
	}
}

func (r *Result) countFailure(typ models.OfflineRecordType) {
	if typ == models.RecordTimeEntry {
		r.FailedTimeEntries++
	} else {
		r.FailedEvidence++
	}
}

// remoteIDFrom pulls the created record's ID out of the API response,
// falling back to the local ID when the backend does not echo one.
func remoteIDFrom(resp *remote.Response, fallback string) string {
	if len(resp.Data) > 0 {
		var body struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(resp.Data, &body); err == nil && body.ID != "" {
			return body.ID
		}
	}
	return fallback
}
