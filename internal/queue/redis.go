package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const bodyField = "body"

// RedisBroker maps each lane onto a Redis stream read through one consumer group.
type RedisBroker struct {
	rdb   *redis.Client
	group string
	block time.Duration
}

func NewRedisBroker(rdb *redis.Client, group string) *RedisBroker {
	return &RedisBroker{rdb: rdb, group: group, block: 5 * time.Second}
}

func (b *RedisBroker) Declare(ctx context.Context, lanes ...string) error {
	for _, lane := range lanes {
		err := b.rdb.XGroupCreateMkStream(ctx, lane, b.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to declare stream %s: %w", lane, err)
		}
	}
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, lane string, body []byte) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: lane,
		Values: map[string]interface{}{bodyField: body},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", lane, err)
	}
	return nil
}

func (b *RedisBroker) Consume(ctx context.Context, lane, consumerTag string, prefetch int) (<-chan Delivery, error) {
	if prefetch < 1 {
		prefetch = 1
	}

	out := make(chan Delivery)
	slots := make(chan struct{}, prefetch)

	go func() {
		defer close(out)
		for {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}

			streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    b.group,
				Consumer: consumerTag,
				Streams:  []string{lane, ">"},
				Count:    1,
				Block:    b.block,
			}).Result()
			if err != nil {
				<-slots
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			delivered := false
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					id := msg.ID
					body, _ := msg.Values[bodyField].(string)
					var once sync.Once
					d := NewDelivery([]byte(body), func() error {
						var err error
						once.Do(func() {
							err = b.ack(lane, id)
							<-slots
						})
						return err
					})
					select {
					case out <- d:
						delivered = true
					case <-ctx.Done():
						return
					}
				}
			}
			if !delivered {
				<-slots
			}
		}
	}()

	return out, nil
}

func (b *RedisBroker) ack(lane, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.rdb.XAck(ctx, lane, b.group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s on %s: %w", id, lane, err)
	}
	if err := b.rdb.XDel(ctx, lane, id).Err(); err != nil {
		return fmt.Errorf("failed to trim %s on %s: %w", id, lane, err)
	}
	return nil
}

func (b *RedisBroker) Depth(ctx context.Context, lane string) (int, error) {
	n, err := b.rdb.XLen(ctx, lane).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to inspect stream %s: %w", lane, err)
	}
	return int(n), nil
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}
