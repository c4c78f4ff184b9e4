package service

import (
	"context"
	"sync"

	"lmsforum-sync/internal/queue"
)

// BrokerHandle guards the active broker. Publishes and consumer setup take
// the read lock; attaching and detaching take the write lock.
type BrokerHandle struct {
	mu     sync.RWMutex
	broker queue.Broker
}

func NewBrokerHandle() *BrokerHandle {
	return &BrokerHandle{}
}

func (h *BrokerHandle) Attach(b queue.Broker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broker = b
}

// Detach clears the handle and returns the broker that was attached.
func (h *BrokerHandle) Detach() queue.Broker {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.broker
	h.broker = nil
	return b
}

func (h *BrokerHandle) Publish(ctx context.Context, lane string, body []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.broker == nil {
		return ErrNotInitialized
	}
	return h.broker.Publish(ctx, lane, body)
}

func (h *BrokerHandle) Consume(ctx context.Context, lane, tag string, prefetch int) (<-chan queue.Delivery, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.broker == nil {
		return nil, ErrNotInitialized
	}
	return h.broker.Consume(ctx, lane, tag, prefetch)
}

func (h *BrokerHandle) Depth(ctx context.Context, lane string) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.broker == nil {
		return 0, ErrNotInitialized
	}
	return h.broker.Depth(ctx, lane)
}
