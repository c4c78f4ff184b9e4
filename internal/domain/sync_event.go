package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type SyncEvent struct {
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Operation     Operation       `json:"operation"`
	SourceSystem  SourceSystem    `json:"source_system"`
	TargetSystem  SourceSystem    `json:"target_system"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	TransactionID string          `json:"transaction_id"`
	VectorClock   VectorClock     `json:"vector_clock"`
}

var ErrInvalidEvent = errors.New("invalid sync event")

// DecodeSyncEvent parses a queue body. Any error means the message is poison.
func DecodeSyncEvent(body []byte) (*SyncEvent, error) {
	var event SyncEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	if event.VectorClock == nil {
		event.VectorClock = VectorClock{}
	}
	return &event, nil
}

func (e *SyncEvent) Validate() error {
	switch {
	case !e.EntityType.Valid():
		return fmt.Errorf("%w: entity_type %q", ErrInvalidEvent, e.EntityType)
	case e.EntityID == "":
		return fmt.Errorf("%w: missing entity_id", ErrInvalidEvent)
	case !e.Operation.Valid():
		return fmt.Errorf("%w: operation %q", ErrInvalidEvent, e.Operation)
	case !e.SourceSystem.Valid():
		return fmt.Errorf("%w: source_system %q", ErrInvalidEvent, e.SourceSystem)
	case e.TargetSystem != e.SourceSystem.Target():
		return fmt.Errorf("%w: target_system %q does not complement %q", ErrInvalidEvent, e.TargetSystem, e.SourceSystem)
	}
	return nil
}

// HasData reports whether the event carries a usable payload.
func (e *SyncEvent) HasData() bool {
	return len(e.Data) > 0 && string(e.Data) != "null"
}

func (e *SyncEvent) StateKey() SyncStateKey {
	return SyncStateKey{
		EntityType:   e.EntityType,
		EntityID:     e.EntityID,
		SourceSystem: e.SourceSystem,
	}
}

type DeadLetter struct {
	Event     *SyncEvent `json:"event"`
	Error     string     `json:"error"`
	Timestamp time.Time  `json:"timestamp"`
}

// PublishRequest is everything a producer supplies for one event. It is also
// the record the outbox spools when the broker is unavailable.
type PublishRequest struct {
	Priority   Priority        `json:"priority"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Operation  Operation       `json:"operation"`
	Source     SourceSystem    `json:"source_system"`
	Data       json.RawMessage `json:"data,omitempty"`
	BaseClock  VectorClock     `json:"base_clock,omitempty"`
}

// WebhookRequest is the body accepted on /webhooks/{source}. The lane is
// always derived from the entity type.
type WebhookRequest struct {
	EntityType  string          `json:"entity_type" validate:"required,oneof=user course assignment submission discussion post comment"`
	EntityID    string          `json:"entity_id" validate:"required,max=128"`
	Operation   string          `json:"operation" validate:"required,oneof=create update delete sync"`
	Data        json.RawMessage `json:"data,omitempty"`
	VectorClock VectorClock     `json:"vector_clock,omitempty"`
}

type PublishResponse struct {
	TransactionID string `json:"transaction_id,omitempty"`
	Queue         string `json:"queue"`
	Spooled       bool   `json:"spooled"`
}
