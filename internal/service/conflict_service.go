package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lmsforum-sync/internal/domain"
	"lmsforum-sync/internal/logging"
	"lmsforum-sync/internal/repository"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type Decision int

const (
	DecisionApply Decision = iota
	DecisionStale
	DecisionConcurrent
)

func (d Decision) String() string {
	switch d {
	case DecisionApply:
		return "apply"
	case DecisionStale:
		return "stale"
	default:
		return "concurrent"
	}
}

// ConflictInput describes both sides of a divergent entity.
type ConflictInput struct {
	Event          *domain.SyncEvent
	StoredClock    domain.VectorClock
	Title          string
	LMSContent     json.RawMessage
	LMSUpdatedAt   time.Time
	ForumContent   json.RawMessage
	ForumUpdatedAt time.Time
}

type ConflictService struct {
	conflictRepo    repository.ConflictRepository
	stateRepo       repository.SyncStateRepository
	publisher       EventPublisher
	notifier        Notifier
	defaultStrategy domain.ResolutionStrategy
	log             *logrus.Entry
	now             func() time.Time
}

func NewConflictService(
	conflictRepo repository.ConflictRepository,
	stateRepo repository.SyncStateRepository,
	publisher EventPublisher,
	notifier Notifier,
	defaultStrategy domain.ResolutionStrategy,
	log *logrus.Entry,
) *ConflictService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if !defaultStrategy.Valid() {
		defaultStrategy = domain.ResolutionPreferLMS
	}
	return &ConflictService{
		conflictRepo:    conflictRepo,
		stateRepo:       stateRepo,
		publisher:       publisher,
		notifier:        notifier,
		defaultStrategy: defaultStrategy,
		log:             logging.OrDiscard(log, "conflicts"),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate compares the event clock with the stored clock for its entity.
// Events without a clock always apply.
func (s *ConflictService) Evaluate(ctx context.Context, event *domain.SyncEvent) (Decision, domain.VectorClock, error) {
	stored, err := s.stateRepo.GetClock(ctx, event.StateKey())
	if err != nil {
		return DecisionApply, nil, fmt.Errorf("failed to load stored clock: %w", err)
	}

	if len(event.VectorClock) == 0 {
		return DecisionApply, stored, nil
	}

	switch event.VectorClock.Compare(stored) {
	case domain.OrderingAfter:
		return DecisionApply, stored, nil
	case domain.OrderingConcurrent:
		return DecisionConcurrent, stored, nil
	default:
		return DecisionStale, stored, nil
	}
}

// Raise records a conflict for the entity, reusing an open one if present,
// and returns it as a *ConflictError.
func (s *ConflictService) Raise(ctx context.Context, in ConflictInput) error {
	event := in.Event

	existing, err := s.conflictRepo.FindOpen(ctx, event.EntityType, event.EntityID)
	if err == nil {
		return &ConflictError{Conflict: existing}
	}
	if !errors.Is(err, repository.ErrConflictNotFound) {
		return fmt.Errorf("failed to look up open conflict: %w", err)
	}

	lmsUpdated := in.LMSUpdatedAt
	if lmsUpdated.IsZero() {
		lmsUpdated = event.Timestamp
	}

	conflict := &domain.SyncConflict{
		ID:             ulid.Make().String(),
		EntityType:     event.EntityType,
		EntityID:       event.EntityID,
		SourceSystem:   event.SourceSystem,
		Title:          in.Title,
		LMSContent:     in.LMSContent,
		LMSUpdatedAt:   lmsUpdated,
		ForumContent:   in.ForumContent,
		ForumUpdatedAt: in.ForumUpdatedAt,
		IncomingClock:  event.VectorClock.Clone(),
		StoredClock:    in.StoredClock.Clone(),
		DetectedAt:     s.now(),
	}

	if err := s.conflictRepo.Create(ctx, conflict); err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"conflict_id":    conflict.ID,
		"entity_type":    conflict.EntityType,
		"entity_id":      conflict.EntityID,
		"incoming_clock": conflict.IncomingClock,
		"stored_clock":   conflict.StoredClock,
	}).Warn("concurrent update detected")
	s.notifier.ConflictDetected(conflict)

	return &ConflictError{Conflict: conflict}
}

// Advance stores merge(stored, event clock) after a successful write.
func (s *ConflictService) Advance(ctx context.Context, event *domain.SyncEvent, stored domain.VectorClock) error {
	return s.stateRepo.SaveClock(ctx, event.StateKey(), stored.Merge(event.VectorClock))
}

func (s *ConflictService) Get(ctx context.Context, id string) (*domain.SyncConflict, error) {
	return s.conflictRepo.Get(ctx, id)
}

func (s *ConflictService) ListOpen(ctx context.Context) ([]*domain.SyncConflict, error) {
	return s.conflictRepo.ListOpen(ctx)
}

// Hold returns the open conflict for the event's entity as a *ConflictError.
// Events carrying that conflict's resolved payload pass through.
func (s *ConflictService) Hold(ctx context.Context, event *domain.SyncEvent) error {
	open, err := s.conflictRepo.FindOpen(ctx, event.EntityType, event.EntityID)
	if errors.Is(err, repository.ErrConflictNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up open conflict: %w", err)
	}
	if resolved, ok := domain.DecodeResolvedPayload(event.Data); ok && resolved.ConflictID == open.ID {
		return nil
	}
	return &ConflictError{Conflict: open}
}

// Resolve applies strategy (or the configured default when empty) and
// publishes the result as an update whose clock dominates both sides. The
// conflict is archived only once that event is on the broker; a failed
// publish leaves the conflict open and the entity state as it was.
func (s *ConflictService) Resolve(ctx context.Context, id string, strategy domain.ResolutionStrategy) (*domain.ConflictResolutionResponse, error) {
	conflict, err := s.conflictRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conflict.Resolved() {
		return nil, ErrConflictAlreadyResolved
	}

	if strategy == "" {
		strategy = s.defaultStrategy
	}
	payload, err := domain.ResolvePayload(conflict, strategy)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(domain.ResolvedPayload{ConflictID: conflict.ID, Resolved: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode resolved payload: %w", err)
	}

	key := domain.SyncStateKey{EntityType: conflict.EntityType, EntityID: conflict.EntityID, SourceSystem: conflict.SourceSystem}
	previous, err := s.stateRepo.Get(ctx, key)
	if err != nil && !errors.Is(err, repository.ErrStateNotFound) {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	// A worker may mark the entity SYNCED as soon as the event lands.
	if err := s.stateRepo.UpdateSyncStatus(ctx, key, nil, domain.SyncStatusPending, nil); err != nil {
		return nil, fmt.Errorf("failed to reset sync state: %w", err)
	}

	txID, err := s.publisher.PublishWithClock(ctx, domain.PublishRequest{
		Priority:   domain.PriorityFor(conflict.EntityType),
		EntityType: conflict.EntityType,
		EntityID:   conflict.EntityID,
		Operation:  domain.OperationUpdate,
		Source:     conflict.SourceSystem,
		Data:       data,
		BaseClock:  conflict.IncomingClock.Merge(conflict.StoredClock),
	})
	if err != nil {
		s.restoreState(ctx, key, previous)
		s.log.WithError(err).WithField("conflict_id", conflict.ID).Warn("resolved payload not published, conflict left open")
		return nil, err
	}

	resolvedAt := s.now()
	if err := s.conflictRepo.MarkResolved(ctx, id, strategy, resolvedAt); err != nil {
		return nil, err
	}
	conflict.ResolvedAt = &resolvedAt
	conflict.ResolutionStrategy = &strategy

	s.log.WithFields(logrus.Fields{
		"conflict_id":    conflict.ID,
		"strategy":       strategy,
		"transaction_id": txID,
	}).Info("conflict resolved")
	s.notifier.ConflictResolved(conflict)

	return &domain.ConflictResolutionResponse{Conflict: conflict, TransactionID: txID}, nil
}

func (s *ConflictService) restoreState(ctx context.Context, key domain.SyncStateKey, previous *domain.SyncStateRecord) {
	status, lastError := domain.SyncStatusConflict, (*string)(nil)
	if previous != nil {
		status, lastError = previous.Status, previous.LastError
	}
	if err := s.stateRepo.UpdateSyncStatus(ctx, key, nil, status, lastError); err != nil {
		s.log.WithError(err).WithField("entity", key).Error("failed to restore sync state")
	}
}
