package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/common/logger"
)

// MemoryBus implements Bus with in-process synchronous delivery. Publish
// order is delivery order, which is what gives the subscriber stream its
// per-session ordering guarantee.
type MemoryBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryBus
	kind    string
	handler Handler
	active  bool
	mu      sync.Mutex
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.kind]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.kind] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryBus creates a new in-memory notification bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// Publish delivers n to all subscribers of its kind plus KindAll
// subscribers, synchronously and in registration order.
func (b *MemoryBus) Publish(ctx context.Context, n *Notification) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("notification bus is closed")
	}
	subs := make([]*memorySubscription, 0, len(b.subscriptions[n.Kind])+len(b.subscriptions[KindAll]))
	subs = append(subs, b.subscriptions[n.Kind]...)
	subs = append(subs, b.subscriptions[KindAll]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		if err := sub.handler(ctx, n); err != nil {
			b.logger.Error("notification handler error",
				zap.String("kind", n.Kind),
				zap.Error(err))
		}
	}

	b.logger.Debug("published notification",
		zap.String("kind", n.Kind),
		zap.String("id", n.ID))
	return nil
}

// Subscribe registers a handler for a kind.
func (b *MemoryBus) Subscribe(kind string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("notification bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		kind:    kind,
		handler: handler,
		active:  true,
	}
	b.subscriptions[kind] = append(b.subscriptions[kind], sub)
	return sub, nil
}

// Close shuts the bus down and deactivates all subscriptions.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
}
