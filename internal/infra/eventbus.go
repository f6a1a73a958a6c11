package infra

import (
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
)

type subscription struct {
	kind    domain.EventKind
	handler domain.EventHandler
}

// EventBus implements domain.EventBus with synchronous in-process delivery.
// Handlers run on the publisher's goroutine, so events from one source keep
// their order. A panicking handler is logged and does not stop delivery to
// the remaining subscribers.
type EventBus struct {
	mu     sync.RWMutex
	next   domain.Token
	subs   map[domain.Token]subscription
	order  []domain.Token
	logger *zap.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subs:   make(map[domain.Token]subscription),
		logger: logger,
	}
}

// Subscribe registers handler for events of the given kind.
func (b *EventBus) Subscribe(kind domain.EventKind, handler domain.EventHandler) domain.Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	b.subs[b.next] = subscription{kind: kind, handler: handler}
	b.order = append(b.order, b.next)
	return b.next
}

// Unsubscribe removes a subscription. Unknown tokens are ignored.
func (b *EventBus) Unsubscribe(token domain.Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[token]; !ok {
		return
	}
	delete(b.subs, token)
	for i, t := range b.order {
		if t == token {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Publish delivers ev to every handler subscribed to its kind, in
// subscription order. Handlers are copied under the lock and invoked
// without it, so a handler may subscribe or unsubscribe.
func (b *EventBus) Publish(ev domain.PlaybackEvent) {
	b.mu.RLock()
	handlers := make([]domain.EventHandler, 0, len(b.order))
	for _, t := range b.order {
		if s := b.subs[t]; s.kind == ev.Kind {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

// Len returns the number of active subscriptions.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *EventBus) deliver(h domain.EventHandler, ev domain.PlaybackEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", string(ev.Kind)),
				zap.String("device_id", ev.DeviceID),
				zap.Any("panic", r))
		}
	}()
	h(ev)
}

// Ensure EventBus implements domain.EventBus.
var _ domain.EventBus = (*EventBus)(nil)
