package websocket

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	TypeConflictDetected MessageType = "conflict_detected"
	TypeConflictResolved MessageType = "conflict_resolved"
	TypeSyncFailed       MessageType = "sync_failed"
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ConflictPayload struct {
	ConflictID    string    `json:"conflict_id"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Title         string    `json:"title,omitempty"`
	DetectedAt    time.Time `json:"detected_at"`
	Strategy      string    `json:"strategy,omitempty"`
	IncomingClock any       `json:"incoming_clock,omitempty"`
	StoredClock   any       `json:"stored_clock,omitempty"`
}

type SyncFailedPayload struct {
	TransactionID string `json:"transaction_id"`
	EntityType    string `json:"entity_type"`
	EntityID      string `json:"entity_id"`
	Operation     string `json:"operation"`
	Error         string `json:"error"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
