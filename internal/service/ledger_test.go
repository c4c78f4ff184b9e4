package service

import (
	"context"
	"testing"

	"lmsforum-sync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ledgerEvent() *domain.SyncEvent {
	return &domain.SyncEvent{
		EntityType:    domain.EntityCourse,
		EntityID:      "5",
		Operation:     domain.OperationUpdate,
		SourceSystem:  domain.SourceLMS,
		TargetSystem:  domain.SourceForum,
		TransactionID: "tx-1-abcdef01",
	}
}

func TestLedger_BeginCommit(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newMockTxRepo())

	tx, err := ledger.Begin(ctx, ledgerEvent())
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, "tx-1-abcdef01", tx.EventTxID)
	assert.Equal(t, domain.TransactionStarted, tx.Status)

	require.NoError(t, ledger.RecordStep(ctx, tx.ID, "FETCHED", "lms course 5"))
	require.NoError(t, ledger.Commit(ctx, tx.ID))

	got, err := ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionCommitted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	require.Len(t, got.Steps, 3)
	assert.Equal(t, "STARTED", got.Steps[0].Status)
	assert.Equal(t, "FETCHED", got.Steps[1].Status)
	assert.Equal(t, "lms course 5", got.Steps[1].Note)
	assert.Equal(t, "COMMITTED", got.Steps[2].Status)
}

func TestLedger_Rollback(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newMockTxRepo())

	tx, err := ledger.Begin(ctx, ledgerEvent())
	require.NoError(t, err)
	require.NoError(t, ledger.Rollback(ctx, tx.ID, "forum unavailable"))

	got, err := ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionRolledBack, got.Status)
	assert.Equal(t, "forum unavailable", got.Error)
	assert.True(t, got.Terminal())
}

func TestLedger_ClosedTransactionRejectsChanges(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newMockTxRepo())

	tx, err := ledger.Begin(ctx, ledgerEvent())
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(ctx, tx.ID))

	assert.ErrorIs(t, ledger.Commit(ctx, tx.ID), ErrTransactionClosed)
	assert.ErrorIs(t, ledger.Rollback(ctx, tx.ID, "late"), ErrTransactionClosed)
	assert.ErrorIs(t, ledger.RecordStep(ctx, tx.ID, "X", ""), ErrTransactionClosed)

	got, err := ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionCommitted, got.Status)
	assert.Len(t, got.Steps, 2)
}

func TestLedger_UnknownTransaction(t *testing.T) {
	ledger := NewLedger(newMockTxRepo())
	assert.ErrorIs(t, ledger.Commit(context.Background(), "missing"), ErrTransactionNotFound)
}

func TestLedger_ListByEntity(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newMockTxRepo())

	for i := 0; i < 2; i++ {
		_, err := ledger.Begin(ctx, ledgerEvent())
		require.NoError(t, err)
	}
	other := ledgerEvent()
	other.EntityID = "6"
	_, err := ledger.Begin(ctx, other)
	require.NoError(t, err)

	txs, err := ledger.ListByEntity(ctx, domain.EntityCourse, "5")
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}
