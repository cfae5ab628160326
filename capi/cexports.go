// Package capi's cgo boundary. Every exported function takes and returns
// a uint64-packed Handle (and, for the arena itself, a uint64-packed
// context token) so the C ABI never has to know Go's memory layout.
// Context objects live in a small package-level registry of their own,
// handing C callers an opaque token they neither allocate nor interpret,
// only pass back to free.
package capi

/*
#include <stdint.h>
#include <stddef.h>

typedef uint64_t nv_handle_t;
typedef uint64_t nv_context_t;
*/
import "C"

import (
	"context"
	"sync"
	"time"
	"unsafe"

	"github.com/nanovisor/sandbox/hypervisor"
	"github.com/nanovisor/sandbox/wire"
)

var (
	contextsMu sync.Mutex
	contexts   = map[uint64]*Context{}
	nextCtxID  uint64
)

// nv_context_new allocates a fresh arena and returns its opaque token.
//
//export nv_context_new
func nv_context_new() C.nv_context_t {
	contextsMu.Lock()
	defer contextsMu.Unlock()

	nextCtxID++
	id := nextCtxID
	contexts[id] = NewContext()

	return C.nv_context_t(id)
}

// nv_context_free releases an arena allocated by nv_context_new. Any handle
// still outstanding in it becomes invalid.
//
//export nv_context_free
func nv_context_free(ctxToken C.nv_context_t) {
	contextsMu.Lock()
	defer contextsMu.Unlock()

	delete(contexts, uint64(ctxToken))
}

func lookupContext(ctxToken C.nv_context_t) *Context {
	contextsMu.Lock()
	defer contextsMu.Unlock()

	return contexts[uint64(ctxToken)]
}

func toCHandle(h Handle) C.nv_handle_t {
	return C.nv_handle_t(h.Pack())
}

func fromCHandle(h C.nv_handle_t) Handle {
	return Unpack(uint64(h))
}

// nv_kvm_is_present reports whether /dev/kvm is reachable on this host,
// the C-surface analog of hypervisor.KVMDriver.IsPresent used by
// cmd/sandboxctl's probe subcommand.
//
//export nv_kvm_is_present
func nv_kvm_is_present() C.int {
	if hypervisor.NewKVMDriver().IsPresent() {
		return 1
	}

	return 0
}

// nv_sandbox_new boots a sandbox over the real KVM driver with memSize
// bytes of guest memory and the guestImage bytes copied in at offset
// zero, returning its Handle or an error Handle.
//
//export nv_sandbox_new
func nv_sandbox_new(ctxToken C.nv_context_t, memSize C.uint64_t, guestImage *C.uint8_t, guestImageLen C.size_t) C.nv_handle_t {
	ctx := lookupContext(ctxToken)
	if ctx == nil {
		return 0
	}

	var image []byte
	if guestImageLen > 0 {
		image = C.GoBytes(unsafe.Pointer(guestImage), C.int(guestImageLen))
	}

	h := ctx.SandboxNew(hypervisor.NewKVMDriver(), uint64(memSize), image)

	return toCHandle(h)
}

// nv_sandbox_evolve runs the sandbox identified by handle to its first
// yield, under a background context with no deadline. Nothing on this C
// surface cancels it: nv_sandbox_free tears the sandbox down through
// sandbox.Sandbox.Close, which does not call hypervisor.Driver.Cancel.
//
//export nv_sandbox_evolve
func nv_sandbox_evolve(ctxToken C.nv_context_t, handle C.nv_handle_t) C.nv_handle_t {
	ctx := lookupContext(ctxToken)
	if ctx == nil {
		return 0
	}

	return toCHandle(ctx.SandboxEvolve(context.Background(), fromCHandle(handle)))
}

// nv_sandbox_call_guest_function invokes a void->void guest function by
// name, the minimal shape a C caller can drive without a parameter
// marshaling layer of its own; richer parameter lists are reached via the
// Go API in sandbox.Sandbox directly.
//
//export nv_sandbox_call_guest_function
func nv_sandbox_call_guest_function(ctxToken C.nv_context_t, handle C.nv_handle_t, name *C.char, timeoutMillis C.int64_t) C.nv_handle_t {
	ctx := lookupContext(ctxToken)
	if ctx == nil {
		return 0
	}

	callCtx := context.Background()
	if timeoutMillis > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, time.Duration(timeoutMillis)*time.Millisecond)
		defer cancel()
	}

	return toCHandle(ctx.SandboxCallGuestFunction(callCtx, fromCHandle(handle), C.GoString(name), nil, wire.ReturnVoid))
}

// nv_sandbox_reset restores the sandbox identified by handle to its
// post-evolve snapshot.
//
//export nv_sandbox_reset
func nv_sandbox_reset(ctxToken C.nv_context_t, handle C.nv_handle_t) C.nv_handle_t {
	ctx := lookupContext(ctxToken)
	if ctx == nil {
		return 0
	}

	return toCHandle(ctx.SandboxReset(fromCHandle(handle)))
}

// nv_sandbox_free tears the sandbox identified by handle down and
// releases its slot.
//
//export nv_sandbox_free
func nv_sandbox_free(ctxToken C.nv_context_t, handle C.nv_handle_t) C.nv_handle_t {
	ctx := lookupContext(ctxToken)
	if ctx == nil {
		return 0
	}

	return toCHandle(ctx.SandboxFree(fromCHandle(handle)))
}

// nv_handle_free releases handle, tolerant of double-free on an
// already-empty handle.
//
//export nv_handle_free
func nv_handle_free(ctxToken C.nv_context_t, handle C.nv_handle_t) {
	ctx := lookupContext(ctxToken)
	if ctx == nil {
		return
	}

	_ = ctx.HandleFree(fromCHandle(handle))
}

// nv_error_message copies the message carried by an error Handle into
// buf, truncating to bufLen-1 and NUL-terminating, returning the number
// of bytes written excluding the terminator, or -1 if handle is not an
// error Handle.
//
//export nv_error_message
func nv_error_message(ctxToken C.nv_context_t, handle C.nv_handle_t, buf *C.char, bufLen C.size_t) C.int {
	ctx := lookupContext(ctxToken)
	if ctx == nil {
		return -1
	}

	msg, err := ctx.ErrorMessage(fromCHandle(handle))
	if err != nil {
		return -1
	}

	n := len(msg)
	if n > int(bufLen)-1 {
		n = int(bufLen) - 1
	}

	if n < 0 {
		return -1
	}

	dst := unsafe.Slice((*byte)(unsafe.Pointer(buf)), bufLen)
	copy(dst, msg[:n])
	dst[n] = 0

	return C.int(n)
}
