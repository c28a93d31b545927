package repositories

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/obrasync/obrasync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getTestPool connects to the database named by TEST_DATABASE_URL; tests
// are skipped when none is configured.
func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(pool.Close)
	return pool
}

func testEvent(table, recordID, sessionID string) *models.SyncEvent {
	return &models.SyncEvent{
		ID:        uuid.NewString(),
		Table:     table,
		Operation: models.OperationUpdate,
		RecordID:  recordID,
		Data:      map[string]any{"estado": "en_progreso"},
		PreviousData: map[string]any{
			"estado": "pendiente",
		},
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		UserID:    "u1",
		UserName:  "María",
		SessionID: sessionID,
		Version:   3,
	}
}

func cleanupEvents(t *testing.T, pool *pgxpool.Pool, recordID string) {
	_, err := pool.Exec(context.Background(), `DELETE FROM sync_events WHERE record_id = $1`, recordID)
	if err != nil {
		t.Logf("Warning: failed to cleanup test events: %v", err)
	}
}

// TestSyncEventRepository_AppendAndGet tests the archive round trip with
// JSON payloads intact
func TestSyncEventRepository_AppendAndGet(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresSyncEventRepository(pool)
	ctx := context.Background()

	recordID := "test-" + uuid.NewString()
	defer cleanupEvents(t, pool, recordID)

	event := testEvent(models.TableActividades, recordID, "s1")
	require.NoError(t, repo.Append(ctx, event))

	got, err := repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, event.Table, got.Table)
	assert.Equal(t, event.Operation, got.Operation)
	assert.Equal(t, "en_progreso", got.Data["estado"])
	assert.Equal(t, "pendiente", got.PreviousData["estado"])
	assert.Equal(t, int64(3), got.Version)
}

// TestSyncEventRepository_GetByID_NotFound tests the sentinel
func TestSyncEventRepository_GetByID_NotFound(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresSyncEventRepository(pool)

	_, err := repo.GetByID(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestSyncEventRepository_ListByRecord tests per-record history in
// chronological order
func TestSyncEventRepository_ListByRecord(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresSyncEventRepository(pool)
	ctx := context.Background()

	recordID := "test-" + uuid.NewString()
	defer cleanupEvents(t, pool, recordID)

	first := testEvent(models.TableMateriales, recordID, "s1")
	second := testEvent(models.TableMateriales, recordID, "s2")
	second.Timestamp = first.Timestamp.Add(time.Second)
	require.NoError(t, repo.Append(ctx, first))
	require.NoError(t, repo.Append(ctx, second))

	// A different record must not leak into the listing.
	other := testEvent(models.TableMateriales, "test-"+uuid.NewString(), "s1")
	defer cleanupEvents(t, pool, other.RecordID)
	require.NoError(t, repo.Append(ctx, other))

	events, err := repo.ListByRecord(ctx, models.TableMateriales, recordID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, first.ID, events[0].ID)
	assert.Equal(t, second.ID, events[1].ID)
}

// TestSyncEventRepository_ListSince tests the time-window query
func TestSyncEventRepository_ListSince(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresSyncEventRepository(pool)
	ctx := context.Background()

	recordID := "test-" + uuid.NewString()
	defer cleanupEvents(t, pool, recordID)

	event := testEvent(models.TableProyectos, recordID, "s1")
	require.NoError(t, repo.Append(ctx, event))

	events, err := repo.ListSince(ctx, event.Timestamp.Add(-time.Minute))
	require.NoError(t, err)

	found := false
	for _, e := range events {
		if e.ID == event.ID {
			found = true
		}
	}
	assert.True(t, found, "recent event should appear in the window")
}
