package kv

import (
	"context"
	"sync"
	"sync/atomic"
)

// Hub is an in-process shared store. Each session opens its own handle with
// Open; a write through one handle notifies subscribers on every other
// handle, mirroring how a browser storage event skips the writing tab.
type Hub struct {
	mu     sync.Mutex
	data   map[string]string
	subs   map[string][]*subscription
	views  int
	nextID uint64
}

type subscription struct {
	id   uint64
	view int
	fn   func(Change)
}

// NewHub creates an empty shared store.
func NewHub() *Hub {
	return &Hub{
		data: make(map[string]string),
		subs: make(map[string][]*subscription),
	}
}

// Open returns a new handle onto the hub.
func (h *Hub) Open() *MemoryStore {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.views++
	return &MemoryStore{hub: h, view: h.views}
}

// Len reports how many keys are currently set.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.data)
}

// write applies a value transition and returns the callbacks to notify.
// Unchanged values produce no notification.
func (h *Hub) write(view int, key, value string, present bool) []func(Change) {
	old, had := h.data[key]
	if had == present && old == value {
		return nil
	}
	if present {
		h.data[key] = value
	} else {
		delete(h.data, key)
	}
	var out []func(Change)
	for _, s := range h.subs[key] {
		if s.view != view {
			out = append(out, s.fn)
		}
	}
	return out
}

func notify(fns []func(Change), c Change) {
	for _, fn := range fns {
		fn(c)
	}
}

// MemoryStore is one session's handle onto a Hub.
type MemoryStore struct {
	hub    *Hub
	view   int
	closed atomic.Bool
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Swapper = (*MemoryStore)(nil)
)

// Get returns the current value of key.
func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	if m.closed.Load() {
		return "", false, ErrClosed
	}
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	v, ok := m.hub.data[key]
	return v, ok, nil
}

// Set writes value under key and notifies other handles.
func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.hub.mu.Lock()
	fns := m.hub.write(m.view, key, value, true)
	m.hub.mu.Unlock()
	notify(fns, Change{Key: key, Value: value})
	return nil
}

// Delete removes key and notifies other handles.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.hub.mu.Lock()
	fns := m.hub.write(m.view, key, "", false)
	m.hub.mu.Unlock()
	notify(fns, Change{Key: key})
	return nil
}

// CompareAndSwap replaces the value of key with next only if it currently
// equals old. An empty old requires the key to be absent.
func (m *MemoryStore) CompareAndSwap(_ context.Context, key, old, next string) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	m.hub.mu.Lock()
	cur, had := m.hub.data[key]
	if (old == "" && had) || (old != "" && (!had || cur != old)) {
		m.hub.mu.Unlock()
		return false, nil
	}
	fns := m.hub.write(m.view, key, next, true)
	m.hub.mu.Unlock()
	notify(fns, Change{Key: key, Value: next})
	return true, nil
}

// Subscribe registers fn for changes to key made through other handles.
func (m *MemoryStore) Subscribe(key string, fn func(Change)) func() {
	h := m.hub
	h.mu.Lock()
	h.nextID++
	s := &subscription{id: h.nextID, view: m.view, fn: fn}
	h.subs[key] = append(h.subs[key], s)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.removeLocked(key, s.id)
		})
	}
}

func (h *Hub) removeLocked(key string, id uint64) {
	list := h.subs[key]
	for i, s := range list {
		if s.id == id {
			h.subs[key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(h.subs[key]) == 0 {
		delete(h.subs, key)
	}
}

// Close drops every subscription held by this handle. Further operations
// return ErrClosed.
func (m *MemoryStore) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, list := range h.subs {
		kept := list[:0:0]
		for _, s := range list {
			if s.view != m.view {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(h.subs, key)
		} else {
			h.subs[key] = kept
		}
	}
	return nil
}
