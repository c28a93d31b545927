package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/obrasync/obrasync/internal/models"
)

type PostgresSyncEventRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresSyncEventRepository(pool *pgxpool.Pool) *PostgresSyncEventRepository {
	return &PostgresSyncEventRepository{pool: pool}
}

func (r *PostgresSyncEventRepository) Append(ctx context.Context, event *models.SyncEvent) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	previous, err := json.Marshal(event.PreviousData)
	if err != nil {
		return fmt.Errorf("failed to marshal previous data: %w", err)
	}

	query := `INSERT INTO sync_events (id, table_name, operation, record_id, data, previous_data, user_id, user_name, session_id, version, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = r.pool.Exec(ctx, query,
		event.ID,
		event.Table,
		string(event.Operation),
		event.RecordID,
		data,
		previous,
		event.UserID,
		event.UserName,
		event.SessionID,
		event.Version,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append sync event: %w", err)
	}
	return nil
}

func (r *PostgresSyncEventRepository) GetByID(ctx context.Context, id string) (*models.SyncEvent, error) {
	query := `SELECT id, table_name, operation, record_id, data, previous_data, user_id, user_name, session_id, version, created_at
	          FROM sync_events
	          WHERE id = $1`

	event, err := scanEvent(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync event: %w", err)
	}
	return event, nil
}

func (r *PostgresSyncEventRepository) ListByRecord(ctx context.Context, table, recordID string) ([]*models.SyncEvent, error) {
	query := `SELECT id, table_name, operation, record_id, data, previous_data, user_id, user_name, session_id, version, created_at
	          FROM sync_events
	          WHERE table_name = $1 AND record_id = $2
	          ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, table, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

func (r *PostgresSyncEventRepository) ListSince(ctx context.Context, since time.Time) ([]*models.SyncEvent, error) {
	query := `SELECT id, table_name, operation, record_id, data, previous_data, user_id, user_name, session_id, version, created_at
	          FROM sync_events
	          WHERE created_at >= $1
	          ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.SyncEvent, error) {
	var event models.SyncEvent
	var operation string
	var data, previous []byte

	err := row.Scan(
		&event.ID,
		&event.Table,
		&operation,
		&event.RecordID,
		&data,
		&previous,
		&event.UserID,
		&event.UserName,
		&event.SessionID,
		&event.Version,
		&event.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	event.Operation = models.Operation(operation)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &event.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
	}
	if len(previous) > 0 {
		if err := json.Unmarshal(previous, &event.PreviousData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal previous data: %w", err)
		}
	}
	return &event, nil
}

func collectEvents(rows pgx.Rows) ([]*models.SyncEvent, error) {
	var events []*models.SyncEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync events: %w", err)
	}
	return events, nil
}
