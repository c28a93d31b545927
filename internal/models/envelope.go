package models

import (
	"encoding/json"
	"fmt"
)

// Wire event types on the live stream.
const (
	EventConnected    = "connected"
	EventSync         = "sync-event"
	EventNotification = "notification"
	EventConflict     = "conflict"
	EventHeartbeat    = "heartbeat"
)

// Envelope is the wire format for all live-stream frames.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(eventType string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &Envelope{Type: eventType, Payload: data}, nil
}

// ConnectedPayload is the handshake frame sent first on every connection.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
}

// StatsSnapshot rides on heartbeat frames so clients can surface hub load.
type StatsSnapshot struct {
	ActiveConnections    int   `json:"active_connections"`
	TotalEvents          int64 `json:"total_events"`
	ActiveConflicts      int   `json:"active_conflicts"`
	PendingNotifications int   `json:"pending_notifications"`
}
