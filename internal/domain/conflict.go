package domain

import (
	"encoding/json"
	"time"
)

type ResolutionStrategy string

const (
	ResolutionPreferLMS        ResolutionStrategy = "prefer_lms"
	ResolutionPreferForum      ResolutionStrategy = "prefer_forum"
	ResolutionPreferMostRecent ResolutionStrategy = "prefer_most_recent"
	ResolutionMergePreferLMS   ResolutionStrategy = "merge_prefer_lms"
	ResolutionMergePreferForum ResolutionStrategy = "merge_prefer_forum"
)

func (s ResolutionStrategy) Valid() bool {
	switch s {
	case ResolutionPreferLMS, ResolutionPreferForum, ResolutionPreferMostRecent,
		ResolutionMergePreferLMS, ResolutionMergePreferForum:
		return true
	}
	return false
}

type SyncConflict struct {
	ID                 string              `json:"id"`
	EntityType         EntityType          `json:"entity_type"`
	EntityID           string              `json:"entity_id"`
	SourceSystem       SourceSystem        `json:"source_system"`
	Title              string              `json:"title"`
	LMSContent         json.RawMessage     `json:"lms_content"`
	LMSUpdatedAt       time.Time           `json:"lms_updated_at"`
	ForumContent       json.RawMessage     `json:"forum_content"`
	ForumUpdatedAt     time.Time           `json:"forum_updated_at"`
	IncomingClock      VectorClock         `json:"incoming_clock"`
	StoredClock        VectorClock         `json:"stored_clock"`
	DetectedAt         time.Time           `json:"detected_at"`
	ResolvedAt         *time.Time          `json:"resolved_at,omitempty"`
	ResolutionStrategy *ResolutionStrategy `json:"resolution_strategy,omitempty"`
}

func (c *SyncConflict) Resolved() bool {
	return c.ResolvedAt != nil
}

type ConflictResolutionRequest struct {
	Strategy ResolutionStrategy `json:"strategy,omitempty" validate:"omitempty,oneof=prefer_lms prefer_forum prefer_most_recent merge_prefer_lms merge_prefer_forum"`
}

type ConflictResolutionResponse struct {
	Conflict      *SyncConflict `json:"conflict"`
	TransactionID string        `json:"transaction_id"`
}

// ResolvedPayload is the event data published after a resolution. Its body is
// already in the target system's shape and is written without remapping.
type ResolvedPayload struct {
	ConflictID string          `json:"conflict_id"`
	Resolved   json.RawMessage `json:"resolved"`
}

func DecodeResolvedPayload(data json.RawMessage) (*ResolvedPayload, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var p ResolvedPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConflictID == "" || len(p.Resolved) == 0 {
		return nil, false
	}
	return &p, true
}
