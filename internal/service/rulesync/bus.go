package rulesync

import (
	"context"
	"sync"
)

// handlers is a registry shared by every transport in this package.
type handlers struct {
	mu     sync.RWMutex
	nextID int
	items  map[int]Handler
}

func (h *handlers) add(fn Handler) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.items == nil {
		h.items = make(map[int]Handler)
	}
	id := h.nextID
	h.nextID++
	h.items[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.items, id)
			h.mu.Unlock()
		})
	}
}

func (h *handlers) dispatch(ctx context.Context, n Notification) {
	h.mu.RLock()
	snapshot := make([]Handler, 0, len(h.items))
	for _, fn := range h.items {
		snapshot = append(snapshot, fn)
	}
	h.mu.RUnlock()

	for _, fn := range snapshot {
		fn(ctx, n)
	}
}

// Bus delivers notifications between contexts living in one process.
// Delivery is synchronous on the publishing goroutine.
type Bus struct {
	subs handlers
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Publish delivers n to every subscriber. A nil bus drops it.
func (b *Bus) Publish(ctx context.Context, n Notification) error {
	if b == nil {
		return nil
	}
	b.subs.dispatch(ctx, n)
	return nil
}

func (b *Bus) Subscribe(h Handler) func() {
	return b.subs.add(h)
}
