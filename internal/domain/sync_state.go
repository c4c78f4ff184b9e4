package domain

import "time"

type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "PENDING"
	SyncStatusSynced   SyncStatus = "SYNCED"
	SyncStatusFailed   SyncStatus = "FAILED"
	SyncStatusConflict SyncStatus = "CONFLICT"
)

var SyncStatuses = []SyncStatus{
	SyncStatusPending,
	SyncStatusSynced,
	SyncStatusFailed,
	SyncStatusConflict,
}

type SyncStateKey struct {
	EntityType   EntityType   `json:"entity_type"`
	EntityID     string       `json:"entity_id"`
	SourceSystem SourceSystem `json:"source_system"`
}

type SyncStateRecord struct {
	SyncStateKey
	MappedRemoteID *string     `json:"mapped_remote_id,omitempty"`
	Status         SyncStatus  `json:"status"`
	LastError      *string     `json:"last_error,omitempty"`
	RetryCount     int         `json:"retry_count"`
	VectorClock    VectorClock `json:"vector_clock"`
	LastSyncedAt   *time.Time  `json:"last_synced_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

type StatusReport struct {
	QueueDepths   map[string]int     `json:"queue_depths"`
	SyncCounts    map[SyncStatus]int `json:"sync_counts"`
	Processing    bool               `json:"processing"`
	OpenConflicts int                `json:"open_conflicts"`
	GeneratedAt   time.Time          `json:"generated_at"`
}
