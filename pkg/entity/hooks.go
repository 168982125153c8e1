package entity

import (
	"context"
	"fmt"
	"sync"

	"github.com/rpattn/versioned/pkg/schema"
)

type namedHook struct {
	name string
	fn   HookFunc
}

// Hooks is an ordered, concurrency-safe listener registry engines embed to
// satisfy HookRegistrar. The zero value is ready to use.
type Hooks struct {
	mu    sync.RWMutex
	hooks map[HookKind][]namedHook
}

// AddHook appends a listener for kind. Names are unique per kind.
func (h *Hooks) AddHook(kind HookKind, name string, fn HookFunc) error {
	if fn == nil {
		return fmt.Errorf("hook %s/%s: nil listener", kind, name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hooks == nil {
		h.hooks = make(map[HookKind][]namedHook)
	}
	for _, existing := range h.hooks[kind] {
		if existing.name == name {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateHook, kind, name)
		}
	}
	h.hooks[kind] = append(h.hooks[kind], namedHook{name: name, fn: fn})
	return nil
}

// RemoveHook detaches a listener and reports whether it was registered.
func (h *Hooks) RemoveHook(kind HookKind, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.hooks[kind]
	for i, existing := range list {
		if existing.name == name {
			h.hooks[kind] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// HasHook reports whether a listener with this name is registered for kind.
func (h *Hooks) HasHook(kind HookKind, name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, existing := range h.hooks[kind] {
		if existing.name == name {
			return true
		}
	}
	return false
}

// Len returns the number of listeners registered for kind.
func (h *Hooks) Len(kind HookKind) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.hooks[kind])
}

// Fire runs the listeners for event.Kind in registration order on the calling
// goroutine and stops at the first error.
func (h *Hooks) Fire(ctx context.Context, event Event) error {
	h.mu.RLock()
	list := append([]namedHook(nil), h.hooks[event.Kind]...)
	h.mu.RUnlock()

	for _, hook := range list {
		if err := hook.fn(ctx, event); err != nil {
			return fmt.Errorf("%s hook %q: %w", event.Kind, hook.name, err)
		}
	}
	return nil
}

// FireAll fires each kind in order with the same operation and record.
func (h *Hooks) FireAll(ctx context.Context, op Operation, table string, record schema.Record, kinds ...HookKind) error {
	for _, kind := range kinds {
		if err := h.Fire(ctx, Event{Kind: kind, Operation: op, Table: table, Record: record}); err != nil {
			return err
		}
	}
	return nil
}
