// Package guestmem defines the fixed-offset layout the loader writes into
// a sandbox's mapped guest-physical region: a PEB header followed by the
// shared input/output frames, then the stack growing down toward a
// guarded cookie region. Offsets are computed once at construction and
// never recomputed; the sandbox caches them for the lifetime of the VM.
package guestmem

import (
	"crypto/rand"
	"fmt"
)

// Fixed region sizes and the base address scheme, named rather than
// burying magic numbers inline.
const (
	// PageSize is the host/guest page granularity everything here
	// aligns to.
	PageSize = 1 << 12

	pageTableBase = 0x1000
	pageTableSize = 0x6000 // PML4 + PDPT + 4 PD entries, 4KiB each

	pebBase = pageTableBase + pageTableSize

	defaultSharedInputCapacity  = 1 << 16
	defaultSharedOutputCapacity = 1 << 16

	// stackCookieLen matches 16-byte cookie region.
	stackCookieLen = 16

	defaultStackSize = 1 << 16

	// minMemSize: below this there isn't room for page tables, PEB,
	// shared regions and a usable stack.
	minMemSize = 1 << 25
)

// PEB (Process Environment Block) is the guest-visible header record: a
// single fixed-address struct the loader stamps with pointers to every
// other region, so the guest runtime can find them without negotiating
// addresses with the host at runtime.
type PEB struct {
	SharedInputAddr      uint64
	SharedInputCapacity  uint64
	SharedOutputAddr     uint64
	SharedOutputCapacity uint64
	StackBase            uint64
	StackLimit           uint64
	StackCookieAddr      uint64

	// OutbContextAddr is an out-of-band context pointer, used when the
	// host dispatches exits through a context-carrying callback instead
	// of a bare OUT.
	OutbContextAddr uint64
}

// Layout holds the fixed guest memory layout: a set of invariant offsets
// computed once for the lifetime of one sandbox.
type Layout struct {
	MemSize uint64

	PageTableBase uint64
	PEBAddr       uint64

	SharedInputAddr      uint64
	SharedInputCapacity  uint64
	SharedOutputAddr     uint64
	SharedOutputCapacity uint64

	StackBase       uint64
	StackLimit      uint64
	StackCookieAddr uint64

	// Cookie is the random value generated during construction and
	// written at StackCookieAddr by StampCookie; the dispatcher compares
	// against it on every turn and
	// terminates the sandbox on mismatch.
	Cookie [stackCookieLen]byte
}

// NewLayout computes the fixed offsets for a mapped region of memSize
// bytes. memSize below minMemSize is rejected: there would be no room for
// page tables, the PEB, shared frames and a usable stack.
func NewLayout(memSize uint64) (*Layout, error) {
	if memSize < minMemSize {
		return nil, fmt.Errorf("guestmem: memSize %d below minimum %d", memSize, minMemSize)
	}

	sharedInputAddr := align(pebBase+PageSize, PageSize)
	sharedOutputAddr := align(sharedInputAddr+defaultSharedInputCapacity, PageSize)
	stackCookieAddr := align(sharedOutputAddr+defaultSharedOutputCapacity, PageSize)
	stackLimit := stackCookieAddr + stackCookieLen
	stackBase := stackLimit + defaultStackSize

	if stackBase >= memSize {
		return nil, fmt.Errorf("guestmem: memSize %d too small for fixed layout (need >= %d)", memSize, stackBase)
	}

	l := &Layout{
		MemSize:              memSize,
		PageTableBase:        pageTableBase,
		PEBAddr:              pebBase,
		SharedInputAddr:      sharedInputAddr,
		SharedInputCapacity:  defaultSharedInputCapacity,
		SharedOutputAddr:     sharedOutputAddr,
		SharedOutputCapacity: defaultSharedOutputCapacity,
		StackBase:            stackBase,
		StackLimit:           stackLimit,
		StackCookieAddr:      stackCookieAddr,
	}

	if _, err := rand.Read(l.Cookie[:]); err != nil {
		return nil, fmt.Errorf("guestmem: generate stack cookie: %w", err)
	}

	return l, nil
}

// PEB materializes the header record that belongs at PEBAddr. It only
// returns the record; nothing in this module writes it into guest memory.
func (l *Layout) PEB() PEB {
	return PEB{
		SharedInputAddr:      l.SharedInputAddr,
		SharedInputCapacity:  l.SharedInputCapacity,
		SharedOutputAddr:     l.SharedOutputAddr,
		SharedOutputCapacity: l.SharedOutputCapacity,
		StackBase:            l.StackBase,
		StackLimit:           l.StackLimit,
		StackCookieAddr:      l.StackCookieAddr,
	}
}

// StampCookie writes the layout's cookie into mem at StackCookieAddr. mem
// is the full guest-physical region backing the sandbox.
func (l *Layout) StampCookie(mem []byte) error {
	end := l.StackCookieAddr + stackCookieLen
	if end > uint64(len(mem)) {
		return fmt.Errorf("guestmem: stack cookie region out of bounds")
	}

	copy(mem[l.StackCookieAddr:end], l.Cookie[:])

	return nil
}

// CheckCookie reports whether the 16 bytes at StackCookieAddr still equal
// the cookie stamped at construction. A mismatch means the guest stack
// has overrun into the cookie region.
func (l *Layout) CheckCookie(mem []byte) bool {
	end := l.StackCookieAddr + stackCookieLen
	if end > uint64(len(mem)) {
		return false
	}

	for i := 0; i < stackCookieLen; i++ {
		if mem[l.StackCookieAddr+uint64(i)] != l.Cookie[i] {
			return false
		}
	}

	return true
}

func align(addr, to uint64) uint64 {
	if addr%to == 0 {
		return addr
	}

	return addr + (to - addr%to)
}
