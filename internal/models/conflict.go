package models

import (
	"time"
)

type ConflictType string

const (
	ConflictConcurrentEdit  ConflictType = "concurrent_edit"
	ConflictVersionMismatch ConflictType = "version_mismatch"
	ConflictDataIntegrity   ConflictType = "data_integrity"
)

type ResolutionStrategy string

const (
	ResolveAcceptCurrent  ResolutionStrategy = "accept_current"
	ResolveAcceptIncoming ResolutionStrategy = "accept_incoming"
	ResolveMerge          ResolutionStrategy = "merge"
)

// ConflictFieldMultiple is used when more than one field differs; the
// detector does not pinpoint individual fields in that case.
const ConflictFieldMultiple = "multiple"

// DataConflict records two near-simultaneous updates to the same record
// that disagree on at least one overlapping field. Conflicts stay in the
// hub's active set until resolved explicitly or expired.
type DataConflict struct {
	ID              string       `json:"id"`
	Table           string       `json:"table"`
	RecordID        string       `json:"record_id"`
	Field           string       `json:"field"`
	CurrentValue    any          `json:"current_value"`
	IncomingValue   any          `json:"incoming_value"`
	CurrentVersion  int64        `json:"current_version,omitempty"`
	IncomingVersion int64        `json:"incoming_version,omitempty"`
	Timestamp       time.Time    `json:"timestamp"`
	ConflictType    ConflictType `json:"conflict_type"`
}
