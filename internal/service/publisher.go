package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"lmsforum-sync/internal/domain"
	"lmsforum-sync/internal/logging"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type ClockReader interface {
	GetClock(ctx context.Context, key domain.SyncStateKey) (domain.VectorClock, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, priority domain.Priority, entityType domain.EntityType, entityID string, op domain.Operation, source domain.SourceSystem, data json.RawMessage) (string, error)
	PublishWithClock(ctx context.Context, req domain.PublishRequest) (string, error)
}

// ClockTracker holds the last clock this node stamped per entity.
type ClockTracker struct {
	mu     sync.RWMutex
	clocks map[domain.SyncStateKey]domain.VectorClock
}

func NewClockTracker() *ClockTracker {
	return &ClockTracker{clocks: make(map[domain.SyncStateKey]domain.VectorClock)}
}

// Stamp merges observed into the tracked clock, bumps node and returns a copy.
func (t *ClockTracker) Stamp(key domain.SyncStateKey, node string, observed domain.VectorClock) domain.VectorClock {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.clocks[key].Merge(observed).Increment(node)
	t.clocks[key] = next
	return next.Clone()
}

func (t *ClockTracker) Snapshot(key domain.SyncStateKey) domain.VectorClock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clocks[key].Clone()
}

type Publisher struct {
	broker  *BrokerHandle
	clocks  ClockReader
	tracker *ClockTracker
	nodeID  string
	log     *logrus.Entry
	now     func() time.Time
}

func NewPublisher(broker *BrokerHandle, clocks ClockReader, nodeID string, log *logrus.Entry) *Publisher {
	return &Publisher{
		broker:  broker,
		clocks:  clocks,
		tracker: NewClockTracker(),
		nodeID:  nodeID,
		log:     logging.OrDiscard(log, "publisher"),
		now:     time.Now,
	}
}

func (p *Publisher) Publish(ctx context.Context, priority domain.Priority, entityType domain.EntityType, entityID string, op domain.Operation, source domain.SourceSystem, data json.RawMessage) (string, error) {
	return p.PublishWithClock(ctx, domain.PublishRequest{
		Priority:   priority,
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Source:     source,
		Data:       data,
	})
}

// PublishWithClock stamps the event with merge(tracked, stored, req.BaseClock)
// advanced on this node and publishes it to the lane for req.Priority.
func (p *Publisher) PublishWithClock(ctx context.Context, req domain.PublishRequest) (string, error) {
	event := &domain.SyncEvent{
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		Operation:     req.Operation,
		SourceSystem:  req.Source,
		TargetSystem:  req.Source.Target(),
		Data:          req.Data,
		Timestamp:     p.now().UTC(),
		TransactionID: newTransactionID(p.now()),
	}
	if err := event.Validate(); err != nil {
		return "", err
	}

	key := event.StateKey()
	observed := req.BaseClock.Clone()
	if p.clocks != nil {
		stored, err := p.clocks.GetClock(ctx, key)
		if err != nil {
			p.log.WithError(err).WithField("entity", key).Warn("stored clock unavailable, stamping from tracker only")
		} else {
			observed = observed.Merge(stored)
		}
	}
	event.VectorClock = p.tracker.Stamp(key, p.nodeID, observed)

	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to encode sync event: %w", err)
	}

	lane := req.Priority.QueueName()
	if err := p.broker.Publish(ctx, lane, body); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublish, err)
	}

	p.log.WithFields(logrus.Fields{
		"transaction_id": event.TransactionID,
		"entity_type":    event.EntityType,
		"entity_id":      event.EntityID,
		"operation":      event.Operation,
		"queue":          lane,
	}).Debug("published sync event")

	return event.TransactionID, nil
}

func newTransactionID(now time.Time) string {
	segment := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("tx-%d-%s", now.UnixMilli(), segment)
}
