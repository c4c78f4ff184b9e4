package service

import (
	"context"
	"fmt"
	"time"

	"lmsforum-sync/internal/domain"
	"lmsforum-sync/internal/logging"
	"lmsforum-sync/internal/repository"

	"github.com/sirupsen/logrus"
)

type RetryPolicy struct {
	Interval    time.Duration
	Limit       int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxAttempts of 0 retries forever.
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Interval:    time.Minute,
		Limit:       100,
		BackoffBase: 30 * time.Second,
		BackoffMax:  time.Hour,
	}
}

// Delay is BackoffBase·2^retryCount, capped at BackoffMax.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if p.BackoffBase <= 0 {
		return 0
	}
	d := p.BackoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// Wait is how long after its last failure a record with retryCount must
// sit before being republished. The first failure is due on the next tick.
func (p RetryPolicy) Wait(retryCount int) time.Duration {
	if retryCount <= 1 {
		return 0
	}
	return p.Delay(retryCount - 1)
}

func (p RetryPolicy) Exhausted(retryCount int) bool {
	return p.MaxAttempts > 0 && retryCount >= p.MaxAttempts
}

type RetryScheduler struct {
	stateRepo repository.SyncStateRepository
	publisher EventPublisher
	policy    RetryPolicy
	log       *logrus.Entry
	now       func() time.Time
}

func NewRetryScheduler(stateRepo repository.SyncStateRepository, publisher EventPublisher, policy RetryPolicy, log *logrus.Entry) *RetryScheduler {
	defaults := DefaultRetryPolicy()
	if policy.Interval <= 0 {
		policy.Interval = defaults.Interval
	}
	if policy.Limit <= 0 {
		policy.Limit = defaults.Limit
	}
	return &RetryScheduler{
		stateRepo: stateRepo,
		publisher: publisher,
		policy:    policy,
		log:       logging.OrDiscard(log, "retry"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run calls RunOnce every policy.Interval until ctx is cancelled.
func (s *RetryScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.policy.Interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.policy.Interval).Info("retry scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("retry scheduler stopped")
			return
		case <-ticker.C:
			counts, err := s.RunOnce(ctx)
			if err != nil {
				s.log.WithError(err).Error("retry pass failed")
				continue
			}
			if total := sumCounts(counts); total > 0 {
				s.log.WithField("requeued", counts).Info("retry pass requeued entities")
			}
		}
	}
}

// RunOnce republishes every due PENDING or FAILED entity as a sync operation
// and returns how many were requeued per lane.
func (s *RetryScheduler) RunOnce(ctx context.Context) (map[domain.Priority]int, error) {
	records, err := s.stateRepo.GetPendingSyncs(ctx, s.policy.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending syncs: %w", err)
	}

	counts := make(map[domain.Priority]int)
	now := s.now()

	for _, record := range records {
		log := s.log.WithFields(logrus.Fields{
			"entity_type": record.EntityType,
			"entity_id":   record.EntityID,
			"retry_count": record.RetryCount,
		})

		if s.policy.Exhausted(record.RetryCount) {
			log.Warn("retry limit reached, leaving entity failed")
			continue
		}
		if now.Before(record.UpdatedAt.Add(s.policy.Wait(record.RetryCount))) {
			continue
		}

		priority := domain.PriorityFor(record.EntityType)
		_, err := s.publisher.Publish(ctx, priority, record.EntityType, record.EntityID, domain.OperationSync, record.SourceSystem, nil)
		if err != nil {
			return counts, fmt.Errorf("failed to requeue %s %s: %w", record.EntityType, record.EntityID, err)
		}
		if err := s.stateRepo.MarkRequeued(ctx, record.SyncStateKey); err != nil {
			log.WithError(err).Warn("failed to mark entity requeued")
		}
		counts[priority]++
	}

	return counts, nil
}

func sumCounts(counts map[domain.Priority]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}
