package service

import "lmsforum-sync/internal/domain"

// Notifier receives operator-facing events from the pipeline.
type Notifier interface {
	ConflictDetected(conflict *domain.SyncConflict)
	ConflictResolved(conflict *domain.SyncConflict)
	SyncFailed(event *domain.SyncEvent, err error)
}

type NopNotifier struct{}

func (NopNotifier) ConflictDetected(*domain.SyncConflict) {}
func (NopNotifier) ConflictResolved(*domain.SyncConflict) {}
func (NopNotifier) SyncFailed(*domain.SyncEvent, error)   {}
