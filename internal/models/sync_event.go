package models

import (
	"time"
)

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// SyncEvent is a single mutation notification. Events are immutable once
// created; the hub keeps them in a bounded, time-windowed history.
type SyncEvent struct {
	ID           string         `json:"id"`
	Table        string         `json:"table"`
	Operation    Operation      `json:"operation"`
	RecordID     string         `json:"record_id"`
	Data         map[string]any `json:"data,omitempty"`
	PreviousData map[string]any `json:"previous_data,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	UserID       string         `json:"user_id"`
	UserName     string         `json:"user_name"`
	SessionID    string         `json:"session_id"`
	Version      int64          `json:"version,omitempty"`
}
