package outbox

import (
	"context"
	"time"

	"lmsforum-sync/internal/domain"
	"lmsforum-sync/internal/logging"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

const defaultBatch = 100

type Publisher interface {
	PublishWithClock(ctx context.Context, req domain.PublishRequest) (string, error)
}

// Relay drains the outbox into the broker.
type Relay struct {
	outbox     *Outbox
	publisher  Publisher
	interval   time.Duration
	batch      int
	log        *logrus.Entry
	newBackOff func() backoff.BackOff
}

func NewRelay(outbox *Outbox, publisher Publisher, interval time.Duration, log *logrus.Entry) *Relay {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Relay{
		outbox:     outbox,
		publisher:  publisher,
		interval:   interval,
		batch:      defaultBatch,
		log:        logging.OrDiscard(log, "outbox"),
		newBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(b, 3)
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Drain(ctx)
			if n > 0 {
				r.log.WithField("published", n).Info("outbox drained")
			}
			if err != nil {
				r.log.WithError(err).Warn("outbox drain stopped early")
			}
		}
	}
}

// Drain publishes pending entries in order. It stops at the first entry that
// still fails after retries, leaving it and everything after it spooled.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	entries, err := r.outbox.Pending(r.batch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, e := range entries {
		req := e.Request
		var txID string
		op := func() error {
			var err error
			txID, err = r.publisher.PublishWithClock(ctx, req)
			return err
		}

		if err := backoff.Retry(op, backoff.WithContext(r.newBackOff(), ctx)); err != nil {
			if markErr := r.outbox.MarkFailed(e.ID, err); markErr != nil {
				r.log.WithError(markErr).WithField("entry", e.ID).Error("failed to record outbox attempt")
			}
			return published, err
		}

		if err := r.outbox.Delete(e.ID); err != nil {
			return published, err
		}
		published++
		r.log.WithFields(logrus.Fields{
			"entry":          e.ID,
			"transaction_id": txID,
			"entity_type":    req.EntityType,
			"entity_id":      req.EntityID,
		}).Debug("spooled event published")
	}
	return published, nil
}
