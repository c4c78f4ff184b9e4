package app

import (
	"context"
	"fmt"
	"time"

	"lmsforum-sync/internal/config"
	"lmsforum-sync/internal/logging"
	"lmsforum-sync/internal/queue"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DialBroker connects to the configured broker, retrying with exponential
// backoff until cfg.DialTimeout elapses or ctx is cancelled.
func DialBroker(ctx context.Context, cfg config.BrokerConfig, log *logrus.Entry) (queue.Broker, error) {
	log = logging.OrDiscard(log, "broker")
	if cfg.Driver == config.BrokerMemory {
		return queue.NewMemoryBroker(), nil
	}

	var broker queue.Broker
	dial := func() error {
		b, err := dialOnce(ctx, cfg)
		if err != nil {
			return err
		}
		broker = b
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.DialTimeout
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait).Warn("broker not reachable")
	}

	if err := backoff.RetryNotify(dial, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to %s broker: %w", cfg.Driver, err)
	}
	return broker, nil
}

func dialOnce(ctx context.Context, cfg config.BrokerConfig) (queue.Broker, error) {
	switch cfg.Driver {
	case config.BrokerAMQP:
		return queue.DialAMQP(cfg.AMQPURL)
	case config.BrokerRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, err
		}
		return queue.NewRedisBroker(rdb, cfg.RedisGroup), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}
