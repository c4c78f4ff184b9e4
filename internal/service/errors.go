package service

import (
	"errors"
	"fmt"

	"lmsforum-sync/internal/client"
	"lmsforum-sync/internal/domain"
	"lmsforum-sync/internal/repository"
)

var (
	ErrPublish               = errors.New("failed to publish sync event")
	ErrUnsupportedEntityType = errors.New("unsupported entity type")
	ErrUnsupportedDirection  = errors.New("unsupported sync direction")
	ErrTransactionClosed     = errors.New("transaction already closed")
	ErrNotInitialized        = errors.New("sync service not initialized")

	ErrConflictNotFound        = repository.ErrConflictNotFound
	ErrConflictAlreadyResolved = repository.ErrConflictAlreadyResolved
	ErrStateNotFound           = repository.ErrStateNotFound
	ErrTransactionNotFound     = repository.ErrTransactionNotFound
	ErrRemoteNotFound          = client.ErrRemoteNotFound
)

// ConflictError reports that an event was held because its clock is
// concurrent with the stored one.
type ConflictError struct {
	Conflict *domain.SyncConflict
}

func (e *ConflictError) Error() string {
	if e.Conflict == nil {
		return "conflict detected"
	}
	return fmt.Sprintf("conflict detected for %s %s (%s)", e.Conflict.EntityType, e.Conflict.EntityID, e.Conflict.ID)
}
