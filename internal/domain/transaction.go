package domain

import "time"

type TransactionStatus string

const (
	TransactionStarted    TransactionStatus = "STARTED"
	TransactionCommitted  TransactionStatus = "COMMITTED"
	TransactionRolledBack TransactionStatus = "ROLLED_BACK"
)

// StepConflict is recorded when an event is held for a resolution decision.
const StepConflict = "CONFLICT"

type TransactionStep struct {
	Status string    `json:"status"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

type SyncTransaction struct {
	ID           string            `json:"id"`
	EventTxID    string            `json:"event_transaction_id,omitempty"`
	EntityType   EntityType        `json:"entity_type"`
	EntityID     string            `json:"entity_id"`
	Operation    Operation         `json:"operation"`
	SourceSystem SourceSystem      `json:"source_system"`
	Status       TransactionStatus `json:"status"`
	Steps        []TransactionStep `json:"steps"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

func (t *SyncTransaction) Terminal() bool {
	return t.Status == TransactionCommitted || t.Status == TransactionRolledBack
}
