package queue

import (
	"context"
	"fmt"
	"sync"
)

type memoryLane struct {
	messages [][]byte
	signal   chan struct{} // buffered, size 1
	acked    int
}

// MemoryBroker is an in-process Broker used by tests and single-node runs.
// Messages are not persisted across restarts.
type MemoryBroker struct {
	mu     sync.Mutex
	lanes  map[string]*memoryLane
	closed bool
	done   chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		lanes: make(map[string]*memoryLane),
		done:  make(chan struct{}),
	}
}

func (b *MemoryBroker) Declare(ctx context.Context, lanes ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	for _, name := range lanes {
		if _, exists := b.lanes[name]; !exists {
			b.lanes[name] = &memoryLane{signal: make(chan struct{}, 1)}
		}
	}
	return nil
}

func (b *MemoryBroker) Publish(ctx context.Context, lane string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	l, ok := b.lanes[lane]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLane, lane)
	}

	msg := make([]byte, len(body))
	copy(msg, body)
	l.messages = append(l.messages, msg)
	notify(l)
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, lane, consumerTag string, prefetch int) (<-chan Delivery, error) {
	b.mu.Lock()
	l, ok := b.lanes[lane]
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLane, lane)
	}
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
			case <-b.done:
				return
			}

			body, ok := b.waitNext(ctx, l)
			if !ok {
				return
			}

			var once sync.Once
			d := NewDelivery(body, func() error {
				once.Do(func() {
					b.mu.Lock()
					l.acked++
					b.mu.Unlock()
					<-slots
				})
				return nil
			})

			select {
			case out <- d:
			case <-ctx.Done():
				b.requeueFront(l, body)
				return
			case <-b.done:
				return
			}
		}
	}()

	return out, nil
}

func (b *MemoryBroker) waitNext(ctx context.Context, l *memoryLane) ([]byte, bool) {
	for {
		b.mu.Lock()
		if len(l.messages) > 0 {
			body := l.messages[0]
			l.messages[0] = nil
			l.messages = l.messages[1:]
			if len(l.messages) > 0 {
				notify(l)
			}
			b.mu.Unlock()
			return body, true
		}
		b.mu.Unlock()

		select {
		case <-l.signal:
		case <-ctx.Done():
			return nil, false
		case <-b.done:
			return nil, false
		}
	}
}

func (b *MemoryBroker) requeueFront(l *memoryLane, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l.messages = append([][]byte{body}, l.messages...)
	notify(l)
}

func (b *MemoryBroker) Depth(ctx context.Context, lane string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.lanes[lane]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownLane, lane)
	}
	return len(l.messages), nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

// Messages returns a copy of the ready messages on lane.
func (b *MemoryBroker) Messages(lane string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.lanes[lane]
	if !ok {
		return nil
	}
	out := make([][]byte, len(l.messages))
	copy(out, l.messages)
	return out
}

func (b *MemoryBroker) Acked(lane string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if l, ok := b.lanes[lane]; ok {
		return l.acked
	}
	return 0
}

func notify(l *memoryLane) {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}
