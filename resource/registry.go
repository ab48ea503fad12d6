// Package resource pins host values for the guest VM. Every pinned value
// gets a dense uint32 handle that guest userdata can carry; the registry
// keeps the value reachable until the handle is dropped.
package resource

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("resource registry closed")

// Handle identifies a pinned host value. 0 is never a valid handle.
type Handle = uint32

// Dropper is implemented by values that need cleanup when their handle is
// dropped or the registry closes.
type Dropper interface {
	Drop()
}

// Registry is an in-memory handle table with free-list reuse. Every Insert
// mints a fresh handle, even for a value already present under another
// handle; each handle is dropped independently.
type Registry struct {
	entries  []entry
	freeList []Handle
	mu       sync.RWMutex
	closed   bool
}

type entry struct {
	value  any
	typeID uint32
	valid  bool
}

func NewRegistry() *Registry {
	return &Registry{
		entries:  make([]entry, 0, 64),
		freeList: make([]Handle, 0, 16),
	}
}

// Insert stores a value and returns its handle, or 0 after Close.
func (r *Registry) Insert(typeID uint32, value any) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0
	}

	e := entry{
		typeID: typeID,
		value:  value,
		valid:  true,
	}

	if len(r.freeList) > 0 {
		handle := r.freeList[len(r.freeList)-1]
		r.freeList = r.freeList[:len(r.freeList)-1]
		r.entries[handle-1] = e
		return handle
	}

	r.entries = append(r.entries, e)
	return Handle(len(r.entries))
}

// Get retrieves a value by handle.
func (r *Registry) Get(handle Handle) (any, bool) {
	if handle == 0 {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := handle - 1
	if int(idx) >= len(r.entries) {
		return nil, false
	}

	e := r.entries[idx]
	if !e.valid {
		return nil, false
	}
	return e.value, true
}

// GetTyped retrieves a value only if it was inserted under typeID.
func (r *Registry) GetTyped(handle Handle, typeID uint32) (any, bool) {
	if handle == 0 {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := handle - 1
	if int(idx) >= len(r.entries) {
		return nil, false
	}

	e := r.entries[idx]
	if !e.valid || e.typeID != typeID {
		return nil, false
	}
	return e.value, true
}

// TypeID returns the type tag a handle was inserted under.
func (r *Registry) TypeID(handle Handle) (uint32, bool) {
	if handle == 0 {
		return 0, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := handle - 1
	if int(idx) >= len(r.entries) {
		return 0, false
	}

	e := r.entries[idx]
	if !e.valid {
		return 0, false
	}
	return e.typeID, true
}

// Drop removes a handle and returns its value. The handle goes to the free
// list for reuse; dropping an already-dropped handle is a no-op.
func (r *Registry) Drop(handle Handle) (any, bool) {
	if handle == 0 {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := handle - 1
	if int(idx) >= len(r.entries) {
		return nil, false
	}

	e := &r.entries[idx]
	if !e.valid {
		return nil, false
	}

	value := e.value
	e.valid = false
	e.value = nil
	r.freeList = append(r.freeList, handle)

	if d, ok := value.(Dropper); ok {
		d.Drop()
	}
	return value, true
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, e := range r.entries {
		if e.valid {
			count++
		}
	}
	return count
}

// Each iterates over live handles. The callback returns false to stop.
func (r *Registry) Each(fn func(Handle, uint32, any) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i, e := range r.entries {
		if e.valid {
			if !fn(Handle(i+1), e.typeID, e.value) {
				break
			}
		}
	}
}

// Close drops every live handle. Idempotent; Insert returns 0 afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	for i := range r.entries {
		if r.entries[i].valid {
			if d, ok := r.entries[i].value.(Dropper); ok {
				d.Drop()
			}
			r.entries[i].valid = false
			r.entries[i].value = nil
		}
	}

	r.entries = nil
	r.freeList = nil
	return nil
}
