package service

import (
	"context"
	"fmt"
	"time"

	"lmsforum-sync/internal/domain"
	"lmsforum-sync/internal/repository"

	"github.com/oklog/ulid/v2"
)

// Ledger keeps an append-only audit trail of every processing attempt.
type Ledger struct {
	repo repository.TransactionRepository
	now  func() time.Time
}

func NewLedger(repo repository.TransactionRepository) *Ledger {
	return &Ledger{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) Begin(ctx context.Context, event *domain.SyncEvent) (*domain.SyncTransaction, error) {
	now := l.now()
	tx := &domain.SyncTransaction{
		ID:           ulid.Make().String(),
		EventTxID:    event.TransactionID,
		EntityType:   event.EntityType,
		EntityID:     event.EntityID,
		Operation:    event.Operation,
		SourceSystem: event.SourceSystem,
		Status:       domain.TransactionStarted,
		Steps: []domain.TransactionStep{
			{Status: string(domain.TransactionStarted), At: now},
		},
		CreatedAt: now,
	}

	if err := l.repo.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

func (l *Ledger) RecordStep(ctx context.Context, id, status, note string) error {
	return l.mutate(ctx, id, func(tx *domain.SyncTransaction, now time.Time) {
		tx.Steps = append(tx.Steps, domain.TransactionStep{Status: status, Note: note, At: now})
	})
}

func (l *Ledger) Commit(ctx context.Context, id string) error {
	return l.mutate(ctx, id, func(tx *domain.SyncTransaction, now time.Time) {
		tx.Status = domain.TransactionCommitted
		tx.CompletedAt = &now
		tx.Steps = append(tx.Steps, domain.TransactionStep{Status: string(domain.TransactionCommitted), At: now})
	})
}

func (l *Ledger) Rollback(ctx context.Context, id, reason string) error {
	return l.mutate(ctx, id, func(tx *domain.SyncTransaction, now time.Time) {
		tx.Status = domain.TransactionRolledBack
		tx.Error = reason
		tx.CompletedAt = &now
		tx.Steps = append(tx.Steps, domain.TransactionStep{Status: string(domain.TransactionRolledBack), Note: reason, At: now})
	})
}

func (l *Ledger) mutate(ctx context.Context, id string, apply func(*domain.SyncTransaction, time.Time)) error {
	tx, err := l.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if tx.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTransactionClosed, id, tx.Status)
	}

	apply(tx, l.now())

	if err := l.repo.Update(ctx, tx); err != nil {
		return fmt.Errorf("failed to update transaction %s: %w", id, err)
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*domain.SyncTransaction, error) {
	return l.repo.Get(ctx, id)
}

func (l *Ledger) ListByEntity(ctx context.Context, entityType domain.EntityType, entityID string) ([]*domain.SyncTransaction, error) {
	return l.repo.ListByEntity(ctx, entityType, entityID)
}
