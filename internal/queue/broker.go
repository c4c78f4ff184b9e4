package queue

import (
	"context"
	"errors"
)

var (
	ErrClosed      = errors.New("broker closed")
	ErrUnknownLane = errors.New("lane not declared")
)

// Delivery is one message handed to a consumer. The broker keeps it
// in flight, counting against prefetch, until Ack is called.
type Delivery struct {
	Body []byte
	ack  func() error
}

func NewDelivery(body []byte, ack func() error) Delivery {
	return Delivery{Body: body, ack: ack}
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Broker is a durable, lane-addressed message transport.
type Broker interface {
	Declare(ctx context.Context, lanes ...string) error
	Publish(ctx context.Context, lane string, body []byte) error
	Consume(ctx context.Context, lane, consumerTag string, prefetch int) (<-chan Delivery, error)
	Depth(ctx context.Context, lane string) (int, error)
	Close() error
}
