package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBroker maps lanes onto durable queues on the default exchange.
type AMQPBroker struct {
	conn *amqp.Connection

	mu  sync.Mutex
	pub *amqp.Channel
}

func DialAMQP(url string) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}

	return &AMQPBroker{conn: conn, pub: pub}, nil
}

func (b *AMQPBroker) Declare(ctx context.Context, lanes ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, lane := range lanes {
		if _, err := b.pub.QueueDeclare(lane, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", lane, err)
		}
	}
	return nil
}

func (b *AMQPBroker) Publish(ctx context.Context, lane string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.pub.PublishWithContext(ctx, "", lane, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", lane, err)
	}
	return nil
}

func (b *AMQPBroker) Consume(ctx context.Context, lane, consumerTag string, prefetch int) (<-chan Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consume channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set qos on %s: %w", lane, err)
	}

	msgs, err := ch.ConsumeWithContext(ctx, lane, consumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume %s: %w", lane, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				d := NewDelivery(msg.Body, func() error {
					return msg.Ack(false)
				})
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Depth reports the number of ready messages. A passive declare closes
// the channel on failure, so it runs on a throwaway channel.
func (b *AMQPBroker) Depth(ctx context.Context, lane string) (int, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(lane, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", lane, err)
	}
	return q.Messages, nil
}

func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}
