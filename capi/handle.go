// Package capi is the foreign-callable C surface: opaque Context/Handle
// types, one exported function per hypervisor/sandbox operation shaped
// `Handle op(Context*, Handle, ...)`. The arena is a single growable
// slice of tagged entries with Handle{Generation, Index} to detect
// use-after-free, rather than one slice per handle kind.
package capi

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInvalidHandle is returned when a Handle's generation does not
	// match the arena slot it indexes, or the index is out of range.
	ErrInvalidHandle = errors.New("capi: invalid handle")

	// ErrWrongKind is returned when a Handle is valid but tags a
	// different kind of value than the accessor expected.
	ErrWrongKind = errors.New("capi: handle kind mismatch")
)

// Kind tags what a slot's value represents.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindSandbox
	KindVM
	KindVCPU
	KindRegion
	KindReturnValue
	KindError
	KindEmpty
)

// Handle is an opaque token referring to one arena slot. Two uint32s
// rather than a single 64-bit integer so Go can pack it into one uint64
// at the cgo boundary without allocating.
type Handle struct {
	Generation uint32
	Index      uint32
}

// Pack/Unpack convert a Handle to and from the 64-bit integer token the
// C surface actually passes across the boundary.
func (h Handle) Pack() uint64 {
	return uint64(h.Generation)<<32 | uint64(h.Index)
}

func Unpack(token uint64) Handle {
	return Handle{Generation: uint32(token >> 32), Index: uint32(token)}
}

// IsEmpty reports whether h is the zero handle; empty handles are
// tolerant of double-free.
func (h Handle) IsEmpty() bool { return h == Handle{} }

type slot struct {
	generation uint32
	kind       Kind
	value      interface{}
	freed      bool
}

// Context is the process-wide arena: opaque to C callers, it owns every
// live sandbox/VM/VCPU/region object reachable from a Handle.
type Context struct {
	mu    sync.Mutex
	slots []slot
}

// NewContext returns an empty arena.
func NewContext() *Context {
	return &Context{}
}

// Register inserts value under kind and returns a fresh Handle. Freed
// slots are reused, with their generation bumped so stale handles into
// the same index fail validation.
func (c *Context) Register(kind Kind, value interface{}) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.slots {
		if c.slots[i].freed {
			c.slots[i].generation++
			c.slots[i].kind = kind
			c.slots[i].value = value
			c.slots[i].freed = false

			return Handle{Generation: c.slots[i].generation, Index: uint32(i)}
		}
	}

	c.slots = append(c.slots, slot{generation: 1, kind: kind, value: value})

	return Handle{Generation: 1, Index: uint32(len(c.slots) - 1)}
}

// RegisterError registers err under KindError and returns its Handle,
// so a failure can be reported through the same Handle-typed return as
// a success.
func (c *Context) RegisterError(err error) Handle {
	return c.Register(KindError, err)
}

// Get validates handle and returns its value, failing if the generation
// doesn't match, the index is out of range, or the slot's kind isn't one
// of want.
func (c *Context) Get(handle Handle, want ...Kind) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int(handle.Index) >= len(c.slots) {
		return nil, fmt.Errorf("%w: index %d out of range", ErrInvalidHandle, handle.Index)
	}

	s := c.slots[handle.Index]
	if s.freed || s.generation != handle.Generation {
		return nil, fmt.Errorf("%w: generation %d, slot has %d (freed=%v)", ErrInvalidHandle, handle.Generation, s.generation, s.freed)
	}

	for _, k := range want {
		if s.kind == k {
			return s.value, nil
		}
	}

	return nil, fmt.Errorf("%w: slot holds %v, want one of %v", ErrWrongKind, s.kind, want)
}

// Free releases handle's slot. Freeing an already-empty handle is a
// no-op; freeing a handle twice beyond that is an error since the
// generation will no longer match after the first free.
func (c *Context) Free(handle Handle) error {
	if handle.IsEmpty() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if int(handle.Index) >= len(c.slots) {
		return fmt.Errorf("%w: index %d out of range", ErrInvalidHandle, handle.Index)
	}

	s := &c.slots[handle.Index]
	if s.freed || s.generation != handle.Generation {
		return fmt.Errorf("%w: double free or stale handle", ErrInvalidHandle)
	}

	s.freed = true
	s.value = nil

	return nil
}
