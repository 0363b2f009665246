package bus

import (
	"log/slog"
	"strconv"
	"sync"

	"chatrouter/internal/domain"
)

// Handler receives every newly persisted timeline entry.
type Handler func(domain.TimelineEntry)

// EntryBus is an in-process publish/subscribe stream of timeline entries.
// Handlers are invoked synchronously in subscription order, so the
// emission order seen by any one subscriber matches id assignment order.
type EntryBus struct {
	mu       sync.RWMutex
	handlers []namedHandler
	nextID   int
	logger   *slog.Logger
}

// namedHandler pairs a handler with an ID for unsubscription.
type namedHandler struct {
	id      string
	handler Handler
}

// New creates an empty EntryBus.
func New(logger *slog.Logger) *EntryBus {
	return &EntryBus{logger: logger}
}

// Subscribe registers a handler and returns its ID for Unsubscribe.
func (b *EntryBus) Subscribe(h Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := "sub-" + strconv.Itoa(b.nextID)
	b.nextID++
	b.handlers = append(b.handlers, namedHandler{id: id, handler: h})
	return id
}

// Unsubscribe removes the handler with the given ID. Unknown IDs are a no-op.
func (b *EntryBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.id == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}

// Publish delivers entry to every current subscriber. A panicking handler
// is logged and does not affect the others.
func (b *EntryBus) Publish(entry domain.TimelineEntry) {
	b.mu.RLock()
	handlers := make([]namedHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("entry handler panic", "handler", nh.id, "entry_id", entry.ID, "panic", r)
				}
			}()
			nh.handler(entry)
		}(h)
	}
}

// Len returns the current subscriber count.
func (b *EntryBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
