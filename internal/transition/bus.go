package transition

import (
	"context"
	"sync"

	"atelier-system/internal/common/logger"
	"atelier-system/internal/domain"
)

// Listener receives cross-stage move notifications in-process. Dashboards
// and other non-stage-scoped aggregators register here instead of
// re-querying the store.
type Listener func(kind domain.EventKind, order domain.Order)

// Publisher pushes a committed move beyond the process boundary (AMQP
// fanout in production).
type Publisher interface {
	PublishOrderMoved(ctx context.Context, ev domain.OrderMoved) error
}

// Bus fans a committed transition out to registered listeners and an
// optional publisher. Publish failures are logged, never propagated: the
// transition already committed and must not appear to fail.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
	publisher Publisher
	log       *logger.Logger
}

// NewBus returns a bus; publisher may be nil for single-process setups.
func NewBus(publisher Publisher, log *logger.Logger) *Bus {
	return &Bus{publisher: publisher, log: log}
}

// OnOrderMoved registers fn for every committed transition.
func (b *Bus) OnOrderMoved(fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Emit notifies listeners synchronously and the publisher best-effort.
func (b *Bus) Emit(ctx context.Context, ev domain.OrderMoved) {
	b.mu.RLock()
	listeners := append([]Listener{}, b.listeners...)
	b.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev.Kind, ev.Order)
	}
	if b.publisher != nil {
		if err := b.publisher.PublishOrderMoved(ctx, ev); err != nil {
			b.log.Error("order_moved_publish_failed", err, map[string]any{
				"order_id": ev.OrderID,
				"to":       string(ev.To),
			})
		}
	}
}
