package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrDropEvent is the middleware sentinel: returning it drops the event
// before handler dispatch.
var ErrDropEvent = errors.New("bridge: event dropped by middleware")

// Middleware transforms an event payload before dispatch. It may
// redact, annotate, or drop the event by returning ErrDropEvent.
type Middleware[E any] func(E) (E, error)

// handlerEntry pairs a handler with its dispatch priority.
type handlerEntry[E any] struct {
	priority int
	fn       func(context.Context, E)
}

// Router fans typed events in to registered handlers. One router per
// event family (platform events, AI-service events). Handlers for one
// event run sequentially in non-increasing priority order, so ordering
// within a single event is deterministic. Safe for concurrent use.
type Router[E any] struct {
	name string

	mu         sync.RWMutex
	handlers   map[string][]handlerEntry[E]
	middleware []Middleware[E]
}

// NewRouter creates a Router. The name only appears in log fields.
func NewRouter[E any](name string) *Router[E] {
	return &Router[E]{
		name:     name,
		handlers: make(map[string][]handlerEntry[E]),
	}
}

// Handle registers fn for the given event kind. Higher priorities run
// first; registration order breaks ties.
func (r *Router[E]) Handle(kind string, priority int, fn func(context.Context, E)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := append(r.handlers[kind], handlerEntry[E]{priority: priority, fn: fn})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].priority > entries[j].priority
	})
	r.handlers[kind] = entries
}

// Use appends a middleware. Middleware run in registration order before
// every dispatch.
func (r *Router[E]) Use(mw Middleware[E]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
}

// Dispatch runs the event through the middleware chain and then through
// every handler registered for kind. Handler panics are recovered and
// logged; they never abort the event or reach the read loop. Unknown
// kinds are logged at debug level.
func (r *Router[E]) Dispatch(ctx context.Context, kind string, evt E) {
	r.mu.RLock()
	entries := r.handlers[kind]
	middleware := r.middleware
	r.mu.RUnlock()

	for _, mw := range middleware {
		next, err := mw(evt)
		if errors.Is(err, ErrDropEvent) {
			slog.Debug("router: event dropped by middleware", "router", r.name, "kind", kind)
			return
		}
		if err != nil {
			slog.Warn("router: middleware error, event unchanged",
				"router", r.name, "kind", kind, "error", err)
			continue
		}
		evt = next
	}

	if len(entries) == 0 {
		slog.Debug("router: no handler for event", "router", r.name, "kind", kind)
		return
	}
	for _, e := range entries {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("router: handler panicked",
						"router", r.name, "kind", kind, "panic", rec)
				}
			}()
			e.fn(ctx, evt)
		}()
	}
}
