package models

import (
	"time"
)

type OfflineRecordType string

const (
	RecordTimeEntry OfflineRecordType = "time_entry"
	RecordEvidence  OfflineRecordType = "evidence"
)

// OfflineRecord is a write captured while disconnected. It stays pending
// until a sync pass pushes it to the remote API; failed attempts keep the
// record with an incremented counter rather than dropping it.
type OfflineRecord struct {
	LocalID        string            `json:"local_id"`
	Type           OfflineRecordType `json:"type"`
	Payload        map[string]any    `json:"payload"`
	PendingSince   time.Time         `json:"pending_since"`
	SyncAttempts   int               `json:"sync_attempts"`
	LastError      string            `json:"last_error,omitempty"`
	SyncedRemoteID string            `json:"synced_remote_id,omitempty"`
	SyncedAt       *time.Time        `json:"synced_at,omitempty"`
}

// Synced reports whether the record has been pushed to the remote API.
func (r *OfflineRecord) Synced() bool {
	return r.SyncedRemoteID != ""
}
