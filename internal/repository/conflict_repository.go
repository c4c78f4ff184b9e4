package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"lmsforum-sync/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

var (
	ErrConflictNotFound        = errors.New("conflict not found")
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")
)

const conflictDocType = "sync_conflict"

type ConflictRepository interface {
	Create(ctx context.Context, conflict *domain.SyncConflict) error
	Get(ctx context.Context, id string) (*domain.SyncConflict, error)
	FindOpen(ctx context.Context, entityType domain.EntityType, entityID string) (*domain.SyncConflict, error)
	ListOpen(ctx context.Context) ([]*domain.SyncConflict, error)
	MarkResolved(ctx context.Context, id string, strategy domain.ResolutionStrategy, at time.Time) error
}

type CouchDBConflictRepository struct {
	db *kivik.DB
}

type conflictDoc struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev,omitempty"`
	DocType string `json:"doc_type"`
	domain.SyncConflict
}

func NewConflictRepository(client *kivik.Client, dbName string) *CouchDBConflictRepository {
	return &CouchDBConflictRepository{
		db: client.DB(dbName),
	}
}

func conflictDocID(id string) string {
	return fmt.Sprintf("conflict:%s", id)
}

func (r *CouchDBConflictRepository) Create(ctx context.Context, conflict *domain.SyncConflict) error {
	doc := conflictDoc{
		ID:           conflictDocID(conflict.ID),
		DocType:      conflictDocType,
		SyncConflict: *conflict,
	}

	if _, err := r.db.Put(ctx, doc.ID, doc); err != nil {
		return fmt.Errorf("failed to create conflict: %w", err)
	}
	return nil
}

func (r *CouchDBConflictRepository) Get(ctx context.Context, id string) (*domain.SyncConflict, error) {
	doc, err := r.getDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	return &doc.SyncConflict, nil
}

func (r *CouchDBConflictRepository) getDoc(ctx context.Context, id string) (*conflictDoc, error) {
	var doc conflictDoc
	if err := r.db.Get(ctx, conflictDocID(id)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return nil, ErrConflictNotFound
		}
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return &doc, nil
}

// FindOpen returns the unresolved conflict for an entity, or ErrConflictNotFound.
func (r *CouchDBConflictRepository) FindOpen(ctx context.Context, entityType domain.EntityType, entityID string) (*domain.SyncConflict, error) {
	conflicts, err := r.find(ctx, map[string]interface{}{
		"doc_type":    conflictDocType,
		"entity_type": string(entityType),
		"entity_id":   entityID,
		"resolved_at": map[string]interface{}{"$exists": false},
	})
	if err != nil {
		return nil, err
	}
	if len(conflicts) == 0 {
		return nil, ErrConflictNotFound
	}
	return conflicts[0], nil
}

func (r *CouchDBConflictRepository) ListOpen(ctx context.Context) ([]*domain.SyncConflict, error) {
	return r.find(ctx, map[string]interface{}{
		"doc_type":    conflictDocType,
		"resolved_at": map[string]interface{}{"$exists": false},
	})
}

func (r *CouchDBConflictRepository) MarkResolved(ctx context.Context, id string, strategy domain.ResolutionStrategy, at time.Time) error {
	doc, err := r.getDoc(ctx, id)
	if err != nil {
		return err
	}
	if doc.ResolvedAt != nil {
		return ErrConflictAlreadyResolved
	}

	doc.ResolvedAt = &at
	doc.ResolutionStrategy = &strategy

	if _, err := r.db.Put(ctx, doc.ID, doc); err != nil {
		if kivik.HTTPStatus(err) == 409 {
			return ErrConflictAlreadyResolved
		}
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}
	return nil
}

func (r *CouchDBConflictRepository) find(ctx context.Context, selector map[string]interface{}) ([]*domain.SyncConflict, error) {
	rows := r.db.Find(ctx, map[string]interface{}{"selector": selector})
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*domain.SyncConflict
	for rows.Next() {
		var doc conflictDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c := doc.SyncConflict
		conflicts = append(conflicts, &c)
	}

	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].DetectedAt.Before(conflicts[j].DetectedAt)
	})
	return conflicts, nil
}
