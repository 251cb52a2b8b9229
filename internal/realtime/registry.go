package realtime

import (
	"encoding/json"
	"sync"
)

// Handler receives the payload of an inbound event. Handlers are identified
// by pointer: registering the same *Handler twice for an event is a no-op and
// a single Off removes it.
type Handler struct {
	fn func(data json.RawMessage)
}

func NewHandler(fn func(data json.RawMessage)) *Handler { return &Handler{fn: fn} }

// Bus is what services need from a channel.
type Bus interface {
	On(event string, h *Handler)
	Off(event string, h *Handler)
	Emit(event string, payload any) error
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]*Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]*Handler)}
}

func (r *Registry) On(event string, h *Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.handlers[event] {
		if existing == h {
			return
		}
	}
	r.handlers[event] = append(r.handlers[event], h)
}

func (r *Registry) Off(event string, h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[event]
	for i, existing := range list {
		if existing == h {
			next := make([]*Handler, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(r.handlers, event)
			} else {
				r.handlers[event] = next
			}
			return
		}
	}
}

// Count is the number of distinct handlers registered for event.
func (r *Registry) Count(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Dispatch delivers data to every handler registered for event at call time.
func (r *Registry) Dispatch(event string, data json.RawMessage) {
	r.mu.RLock()
	list := r.handlers[event]
	r.mu.RUnlock()
	for _, h := range list {
		h.fn(data)
	}
}
