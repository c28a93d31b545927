package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/obrasync/obrasync/internal/models"
)

var ErrNotFound = errors.New("record not found")

// SyncEventRepository is the optional durable archive behind the hub's
// in-memory event ring. The hub works without one.
type SyncEventRepository interface {
	Append(ctx context.Context, event *models.SyncEvent) error
	GetByID(ctx context.Context, id string) (*models.SyncEvent, error)
	ListByRecord(ctx context.Context, table, recordID string) ([]*models.SyncEvent, error)
	ListSince(ctx context.Context, since time.Time) ([]*models.SyncEvent, error)
}
