package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"lmsforum-sync/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionExists   = errors.New("transaction already exists")
)

const transactionDocType = "sync_transaction"

type TransactionRepository interface {
	Create(ctx context.Context, tx *domain.SyncTransaction) error
	Get(ctx context.Context, id string) (*domain.SyncTransaction, error)
	Update(ctx context.Context, tx *domain.SyncTransaction) error
	ListByEntity(ctx context.Context, entityType domain.EntityType, entityID string) ([]*domain.SyncTransaction, error)
}

type CouchDBTransactionRepository struct {
	db *kivik.DB
}

type transactionDoc struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev,omitempty"`
	DocType string `json:"doc_type"`
	domain.SyncTransaction
}

func NewTransactionRepository(client *kivik.Client, dbName string) *CouchDBTransactionRepository {
	return &CouchDBTransactionRepository{
		db: client.DB(dbName),
	}
}

func transactionDocID(id string) string {
	return fmt.Sprintf("transaction:%s", id)
}

func (r *CouchDBTransactionRepository) Create(ctx context.Context, tx *domain.SyncTransaction) error {
	doc := transactionDoc{
		ID:              transactionDocID(tx.ID),
		DocType:         transactionDocType,
		SyncTransaction: *tx,
	}

	if _, err := r.db.Put(ctx, doc.ID, doc); err != nil {
		if kivik.HTTPStatus(err) == 409 {
			return ErrTransactionExists
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (r *CouchDBTransactionRepository) Get(ctx context.Context, id string) (*domain.SyncTransaction, error) {
	doc, err := r.getDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	return &doc.SyncTransaction, nil
}

func (r *CouchDBTransactionRepository) getDoc(ctx context.Context, id string) (*transactionDoc, error) {
	var doc transactionDoc
	if err := r.db.Get(ctx, transactionDocID(id)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &doc, nil
}

// Update replaces the stored document at its current revision.
func (r *CouchDBTransactionRepository) Update(ctx context.Context, tx *domain.SyncTransaction) error {
	current, err := r.getDoc(ctx, tx.ID)
	if err != nil {
		return err
	}

	doc := transactionDoc{
		ID:              current.ID,
		Rev:             current.Rev,
		DocType:         transactionDocType,
		SyncTransaction: *tx,
	}
	if _, err := r.db.Put(ctx, doc.ID, doc); err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return nil
}

func (r *CouchDBTransactionRepository) ListByEntity(ctx context.Context, entityType domain.EntityType, entityID string) ([]*domain.SyncTransaction, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type":    transactionDocType,
			"entity_type": string(entityType),
			"entity_id":   entityID,
		},
	}

	rows := r.db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []*domain.SyncTransaction
	for rows.Next() {
		var doc transactionDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx := doc.SyncTransaction
		txs = append(txs, &tx)
	}

	sort.Slice(txs, func(i, j int) bool {
		if txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return strings.Compare(txs[i].ID, txs[j].ID) < 0
		}
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
	return txs, nil
}
