// Package event carries zone lifecycle telemetry (joins, parts, stops, tick
// lag) from zone actors to whoever subscribes, typically the manager's
// maintenance loop and logging.
package event

import (
	"reflect"
	"sync"
)

// Bus is a double-buffered event bus. Events emitted during interval N are
// delivered on the N+1 dispatch pass, so subscribers never observe a
// half-written interval. Unlike a single game loop, many zone actors emit
// concurrently, so the back buffer is lock-protected.
type Bus struct {
	mu       sync.Mutex // protects back buffer and handler registration
	front    map[reflect.Type][]any
	back     map[reflect.Type][]any
	handlers map[reflect.Type][]any
}

func NewBus() *Bus {
	return &Bus{
		front:    make(map[reflect.Type][]any),
		back:     make(map[reflect.Type][]any),
		handlers: make(map[reflect.Type][]any),
	}
}

// Emit queues an event into the back buffer, readable on the next dispatch.
func Emit[T any](b *Bus, event T) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	b.mu.Lock()
	b.back[t] = append(b.back[t], event)
	b.mu.Unlock()
}

// Subscribe registers a typed handler for events of type T.
func Subscribe[T any](b *Bus, fn func(T)) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], fn)
	b.mu.Unlock()
}

// Dispatch rotates the buffers and delivers everything emitted since the
// previous call to the subscribed handlers. Handlers run on the caller's
// goroutine; only one goroutine may Dispatch.
func (b *Bus) Dispatch() {
	b.mu.Lock()
	b.front, b.back = b.back, b.front
	for k := range b.back {
		b.back[k] = b.back[k][:0]
	}
	b.mu.Unlock()

	for t, events := range b.front {
		b.mu.Lock()
		handlers := append([]any(nil), b.handlers[t]...)
		b.mu.Unlock()
		for _, ev := range events {
			for _, h := range handlers {
				// Subscribe and Emit key by the same type, so the
				// assertion through reflect is safe.
				reflect.ValueOf(h).Call([]reflect.Value{reflect.ValueOf(ev)})
			}
		}
	}
}
