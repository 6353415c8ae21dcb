package runtime

import (
	"context"
	"errors"
	"sync"
	"time"
)

// HookBus is a concurrency-safe HookRegistry that engines can embed.
type HookBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]HookHandler
	order    map[string][]int
}

// NewHookBus returns an empty bus.
func NewHookBus() *HookBus {
	return &HookBus{
		handlers: make(map[string]map[int]HookHandler),
		order:    make(map[string][]int),
	}
}

// Subscribe implements HookRegistry.
func (b *HookBus) Subscribe(event string, handler HookHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[int]HookHandler)
	}
	b.handlers[event][id] = handler
	b.order[event] = append(b.order[event], id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[event], id)
			ids := b.order[event]
			for i, v := range ids {
				if v == id {
					b.order[event] = append(ids[:i:i], ids[i+1:]...)
					break
				}
			}
		})
	}
}

// Count returns the number of live handlers for event.
func (b *HookBus) Count(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// Total returns the number of live handlers across all events.
func (b *HookBus) Total() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, hs := range b.handlers {
		n += len(hs)
	}
	return n
}

// Emit calls every handler for evt.Name in subscription order and joins
// their errors.
func (b *HookBus) Emit(ctx context.Context, evt Event) error {
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}

	b.mu.RLock()
	ids := append([]int(nil), b.order[evt.Name]...)
	hs := make([]HookHandler, 0, len(ids))
	for _, id := range ids {
		if h, ok := b.handlers[evt.Name][id]; ok {
			hs = append(hs, h)
		}
	}
	b.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		if err := h(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CapabilitySet is a concurrency-safe CapabilityRegistry.
type CapabilitySet struct {
	mu   sync.RWMutex
	caps map[string]interface{}
}

func NewCapabilitySet() *CapabilitySet {
	return &CapabilitySet{caps: make(map[string]interface{})}
}

func (c *CapabilitySet) Register(name string, capability interface{}) {
	c.mu.Lock()
	c.caps[name] = capability
	c.mu.Unlock()
}

func (c *CapabilitySet) Get(name string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.caps[name]
	return v, ok
}
