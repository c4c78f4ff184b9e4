package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"lmsforum-sync/internal/domain"
	"lmsforum-sync/internal/logging"
	"lmsforum-sync/internal/queue"
	"lmsforum-sync/internal/repository"

	"github.com/sirupsen/logrus"
)

const (
	DefaultWorkers  = 4
	DefaultPrefetch = 10
)

type SyncOptions struct {
	Workers  int
	Prefetch int
}

type SyncService struct {
	broker    *BrokerHandle
	publisher EventPublisher
	ledger    *Ledger
	stateRepo repository.SyncStateRepository
	conflicts *ConflictService
	registry  Registry
	builtins  *BuiltinProcessors
	notifier  Notifier
	opts      SyncOptions
	log       *logrus.Entry
	now       func() time.Time

	mu         sync.Mutex
	processing bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewSyncService(
	broker *BrokerHandle,
	publisher EventPublisher,
	ledger *Ledger,
	stateRepo repository.SyncStateRepository,
	conflicts *ConflictService,
	registry Registry,
	builtins *BuiltinProcessors,
	notifier Notifier,
	opts SyncOptions,
	log *logrus.Entry,
) *SyncService {
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	if opts.Prefetch < 1 {
		opts.Prefetch = DefaultPrefetch
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if registry == nil {
		registry = Registry{}
	}
	return &SyncService{
		broker:    broker,
		publisher: publisher,
		ledger:    ledger,
		stateRepo: stateRepo,
		conflicts: conflicts,
		registry:  registry,
		builtins:  builtins,
		notifier:  notifier,
		opts:      opts,
		log:       logging.OrDiscard(log, "sync"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Initialize declares every lane and makes b the active broker.
func (s *SyncService) Initialize(ctx context.Context, b queue.Broker) error {
	lanes := []string{domain.LaneDeadLetter}
	for _, p := range domain.Priorities {
		lanes = append(lanes, p.QueueName())
	}
	if err := b.Declare(ctx, lanes...); err != nil {
		return fmt.Errorf("failed to declare queues: %w", err)
	}

	s.broker.Attach(b)
	s.log.WithField("queues", lanes).Info("sync queues declared")
	return nil
}

// StartProcessing starts one worker pool per lane. Calling it while already
// processing is a no-op.
func (s *SyncService) StartProcessing(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	for _, p := range domain.Priorities {
		deliveries, err := s.broker.Consume(runCtx, p.QueueName(), p.ConsumerTag(), s.opts.Prefetch)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to consume %s: %w", p.QueueName(), err)
		}
		for i := 0; i < s.opts.Workers; i++ {
			s.wg.Add(1)
			go s.worker(runCtx, p.QueueName(), deliveries)
		}
	}

	s.cancel = cancel
	s.processing = true
	s.log.WithFields(logrus.Fields{
		"workers":  s.opts.Workers,
		"prefetch": s.opts.Prefetch,
	}).Info("sync processing started")
	return nil
}

// Stop cancels the consumers and closes the broker. Messages still in
// flight are left to the broker's redelivery.
func (s *SyncService) Stop() error {
	s.mu.Lock()
	s.processing = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var closeErr error
	if b := s.broker.Detach(); b != nil {
		closeErr = b.Close()
	}
	s.wg.Wait()

	s.log.Info("sync processing stopped")
	return closeErr
}

func (s *SyncService) IsProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

func (s *SyncService) worker(ctx context.Context, lane string, deliveries <-chan queue.Delivery) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			s.handleDelivery(ctx, lane, d)
		}
	}
}

// handleDelivery processes one message. Every path acks it.
func (s *SyncService) handleDelivery(ctx context.Context, lane string, d queue.Delivery) {
	defer func() {
		if err := d.Ack(); err != nil {
			s.log.WithError(err).WithField("queue", lane).Error("failed to ack message")
		}
	}()

	event, err := domain.DecodeSyncEvent(d.Body)
	if err != nil {
		s.log.WithError(err).WithField("queue", lane).Error("dropping poison message")
		return
	}

	s.processEvent(ctx, event)
}

func (s *SyncService) processEvent(ctx context.Context, event *domain.SyncEvent) {
	log := s.log.WithFields(logrus.Fields{
		"transaction_id": event.TransactionID,
		"entity_type":    event.EntityType,
		"entity_id":      event.EntityID,
		"operation":      event.Operation,
	})

	var txID string
	if tx, err := s.ledger.Begin(ctx, event); err != nil {
		log.WithError(err).Warn("ledger unavailable, processing without audit trail")
	} else {
		txID = tx.ID
	}

	err := s.runProcessor(ctx, event)
	key := event.StateKey()

	var conflictErr *ConflictError
	switch {
	case err == nil:
		s.ledgerStep(log, func() error { return s.ledger.Commit(ctx, txID) }, txID)
		if err := s.stateRepo.UpdateSyncStatus(ctx, key, nil, domain.SyncStatusSynced, nil); err != nil {
			log.WithError(err).Error("failed to mark entity synced")
		}
		log.Info("sync event processed")

	case errors.As(err, &conflictErr):
		note := "held for conflict"
		if conflictErr.Conflict != nil {
			note = "held for conflict " + conflictErr.Conflict.ID
		}
		s.ledgerStep(log, func() error { return s.ledger.RecordStep(ctx, txID, domain.StepConflict, note) }, txID)
		s.ledgerStep(log, func() error { return s.ledger.Rollback(ctx, txID, note) }, txID)
		msg := err.Error()
		if err := s.stateRepo.UpdateSyncStatus(ctx, key, nil, domain.SyncStatusConflict, &msg); err != nil {
			log.WithError(err).Error("failed to mark entity conflicted")
		}
		log.Warn(note)

	default:
		msg := err.Error()
		s.ledgerStep(log, func() error { return s.ledger.Rollback(ctx, txID, msg) }, txID)
		if err := s.stateRepo.UpdateSyncStatus(ctx, key, nil, domain.SyncStatusFailed, &msg); err != nil {
			log.WithError(err).Error("failed to mark entity failed")
		}
		s.deadLetter(ctx, log, event, err)
		s.notifier.SyncFailed(event, err)
		log.WithError(err).Error("sync event failed")
	}
}

// runProcessor resolves and runs the processor, converting panics to errors.
func (s *SyncService) runProcessor(ctx context.Context, event *domain.SyncEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("stack", string(debug.Stack())).Error("processor panicked")
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()

	processor, err := s.registry.Resolve(event.EntityType, s.builtins)
	if err != nil {
		return err
	}
	return processor.Process(ctx, event)
}

func (s *SyncService) ledgerStep(log *logrus.Entry, step func() error, txID string) {
	if txID == "" {
		return
	}
	if err := step(); err != nil {
		log.WithError(err).WithField("ledger_id", txID).Warn("failed to update ledger")
	}
}

func (s *SyncService) deadLetter(ctx context.Context, log *logrus.Entry, event *domain.SyncEvent, cause error) {
	body, err := json.Marshal(domain.DeadLetter{
		Event:     event,
		Error:     cause.Error(),
		Timestamp: s.now(),
	})
	if err != nil {
		log.WithError(err).Error("failed to encode dead letter")
		return
	}
	if err := s.broker.Publish(ctx, domain.LaneDeadLetter, body); err != nil {
		log.WithError(err).Error("failed to publish dead letter")
	}
}

// QueueStatus reports the ready depth of every lane, dead-letter included.
func (s *SyncService) QueueStatus(ctx context.Context) (map[string]int, error) {
	lanes := []string{domain.LaneCritical, domain.LaneHigh, domain.LaneBackground, domain.LaneDeadLetter}
	depths := make(map[string]int, len(lanes))
	for _, lane := range lanes {
		n, err := s.broker.Depth(ctx, lane)
		if err != nil {
			return nil, fmt.Errorf("failed to read depth of %s: %w", lane, err)
		}
		depths[lane] = n
	}
	return depths, nil
}

func (s *SyncService) Status(ctx context.Context) (*domain.StatusReport, error) {
	depths, err := s.QueueStatus(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.stateRepo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	report := &domain.StatusReport{
		QueueDepths: depths,
		SyncCounts:  counts,
		Processing:  s.IsProcessing(),
		GeneratedAt: s.now(),
	}
	if s.conflicts != nil {
		open, err := s.conflicts.ListOpen(ctx)
		if err != nil {
			return nil, err
		}
		report.OpenConflicts = len(open)
	}
	return report, nil
}

// Publisher exposes the service's publisher to producers.
func (s *SyncService) Publisher() EventPublisher {
	return s.publisher
}

func (s *SyncService) GetSyncState(ctx context.Context, key domain.SyncStateKey) (*domain.SyncStateRecord, error) {
	return s.stateRepo.Get(ctx, key)
}

// FindByRemoteID returns the record whose entity was mirrored to remoteID
// on the other system.
func (s *SyncService) FindByRemoteID(ctx context.Context, entityType domain.EntityType, source domain.SourceSystem, remoteID string) (*domain.SyncStateRecord, error) {
	entityID, err := s.stateRepo.GetSourceID(ctx, entityType, source, remoteID)
	if err != nil {
		return nil, err
	}
	return s.stateRepo.Get(ctx, domain.SyncStateKey{EntityType: entityType, EntityID: entityID, SourceSystem: source})
}

// ListSyncStates returns records in status, oldest update first.
func (s *SyncService) ListSyncStates(ctx context.Context, status domain.SyncStatus, limit int) ([]*domain.SyncStateRecord, error) {
	return s.stateRepo.ListByStatus(ctx, status, limit)
}

func (s *SyncService) ResetSyncState(ctx context.Context, key domain.SyncStateKey) error {
	return s.stateRepo.ResetSyncState(ctx, key)
}

func (s *SyncService) GetTransaction(ctx context.Context, id string) (*domain.SyncTransaction, error) {
	return s.ledger.Get(ctx, id)
}

func (s *SyncService) ListTransactions(ctx context.Context, entityType domain.EntityType, entityID string) ([]*domain.SyncTransaction, error) {
	return s.ledger.ListByEntity(ctx, entityType, entityID)
}
