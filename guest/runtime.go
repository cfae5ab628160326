// Package guest is the in-sandbox counterpart to dispatch/sandbox: the
// code a guest binary links against to call host functions, register its
// own guest-callable functions, and abort.
//
// This package is meant to be cross-compiled into the flat guest image
// internal/bootimage loads, not linked into the host-side sandboxctl
// binary; it is kept in the module so its wire-format usage stays type
// checked against wire/ and so its tests can run the shared-memory
// protocol on the host against a stand-in for the dispatcher.
package guest

import (
	"fmt"

	"github.com/nanovisor/sandbox/wire"
)

// OutBAction identifies what a guest's OUT instruction is signaling to
// the dispatcher on the other side of the exit.
type OutBAction uint16

const (
	ActionLog          OutBAction = 99
	ActionCallFunction OutBAction = 101
	ActionAbort        OutBAction = 102
)

// OutB is the single hardware edge this package depends on: an OUT dx, al
// with port in dx and an 8-bit value in al. hloutb (asm_amd64.s) is the
// real implementation when running inside the hypervisor; Runtime accepts
// any OutB so host-side tests can exercise the dispatch protocol without
// a VM.
type OutB func(port uint16, value uint8)

// hloutb is implemented in asm_amd64.s: "out dx, al", loading the port
// into dx and the value into al ahead of the instruction.
func hloutb(port uint16, value uint8)

// Runtime is the guest-side object CallHostFunction/RegisterFunction/
// AbortWithCode operate on.
type Runtime struct {
	outb         OutB
	sharedInput  []byte
	sharedOutput []byte
	functions    map[string]GuestFunction
}

// GuestFunction is a guest-callable handler installed via RegisterFunction.
type GuestFunction struct {
	Def     wire.GuestFunctionDefinition
	Handler func(params []wire.ParameterValue) (wire.ReturnValue, error)
}

// NewRuntime constructs a Runtime over the shared input/output regions
// and the OutB primitive to use. sharedInput is host->guest,
// sharedOutput is guest->host, matching guestmem.Layout's addressing.
func NewRuntime(outb OutB, sharedInput, sharedOutput []byte) *Runtime {
	if outb == nil {
		outb = hloutb
	}

	return &Runtime{
		outb:         outb,
		sharedInput:  sharedInput,
		sharedOutput: sharedOutput,
		functions:    map[string]GuestFunction{},
	}
}

// CallHostFunction serializes the call, writes it to shared output,
// issues OUT(CallFunction, 0), then pops and typechecks the reply the
// host left in shared input.
func (r *Runtime) CallHostFunction(name string, params []wire.ParameterValue, returnType wire.ReturnType) (wire.ReturnValue, error) {
	call := wire.FunctionCall{
		FunctionName: name,
		Parameters:   params,
		Kind:         wire.CallHost,
		ReturnType:   returnType,
	}

	if err := wire.WriteFrame(r.sharedOutput, call); err != nil {
		return wire.ReturnValue{}, fmt.Errorf("guest: encode host call: %w", err)
	}

	r.outb(uint16(ActionCallFunction), 0)

	payload, err := wire.FramePayload(r.sharedInput)
	if err != nil {
		return wire.ReturnValue{}, fmt.Errorf("guest: decode host reply: %w", err)
	}

	rv, err := wire.DecodeReturnValue(payload)
	if err != nil {
		return wire.ReturnValue{}, err
	}

	if rv.Type != returnType {
		return wire.ReturnValue{}, fmt.Errorf("guest: host returned %s, expected %s", rv.Type, returnType)
	}

	return rv, nil
}

// RegisterFunction installs handler under def.Name.
func (r *Runtime) RegisterFunction(def wire.GuestFunctionDefinition, handler func(params []wire.ParameterValue) (wire.ReturnValue, error)) {
	r.functions[def.Name] = GuestFunction{Def: def, Handler: handler}
}

// GuestDispatchFunction is the entrypoint the host's OUT(101)-triggered
// host-call protocol drives in reverse: given a FunctionCall decoded from
// shared input, look up the matching registered guest function and run
// it. Unknown names return GuestFunctionNotFound.
func (r *Runtime) GuestDispatchFunction(call wire.FunctionCall) (wire.ReturnValue, error) {
	fn, ok := r.functions[call.FunctionName]
	if !ok {
		return wire.ReturnValue{}, wire.GuestError{
			Code:    wire.GuestFunctionNotFound,
			Message: fmt.Sprintf("no guest function registered for %q", call.FunctionName),
		}
	}

	return fn.Handler(call.Parameters)
}

// abortRecord is the frame a guest leaves in shared output before
// issuing OUT(Abort). Abort codes are opaque 32-bit values chosen by
// the guest, too wide for the OUT instruction's single data byte, so
// the full code travels through shared output the same way a
// CallFunction's payload does; the OUT write itself stays a bare
// 1-byte trigger.
type abortRecord struct {
	Code    uint32
	Message string
}

// AbortWithCode writes an abort record carrying code and no message,
// then issues OUT(Abort, 0) as the trigger.
func (r *Runtime) AbortWithCode(code uint32) error {
	if err := wire.WriteFrame(r.sharedOutput, abortRecord{Code: code}); err != nil {
		return fmt.Errorf("guest: encode abort record: %w", err)
	}

	r.outb(uint16(ActionAbort), 0)

	return nil
}

// AbortWithCodeAndMessage writes code and msg to shared output before
// issuing OUT(Abort, 0): the record rides in a frame the dispatcher
// reads the same way it reads a CallFunction frame, written before the
// OUT so it is visible by the time the hypervisor exit is observed.
func (r *Runtime) AbortWithCodeAndMessage(code uint32, msg string) error {
	if err := wire.WriteFrame(r.sharedOutput, abortRecord{Code: code, Message: msg}); err != nil {
		return fmt.Errorf("guest: encode abort record: %w", err)
	}

	r.outb(uint16(ActionAbort), 0)

	return nil
}

// Log issues OUT(Log, 0) after writing a structured log record to shared
// output, the counterpart dispatch.forwardLog reads.
func (r *Runtime) Log(message string) error {
	record := struct {
		Level   string
		Message string
	}{Level: "info", Message: message}

	if err := wire.WriteFrame(r.sharedOutput, record); err != nil {
		return fmt.Errorf("guest: encode log record: %w", err)
	}

	r.outb(uint16(ActionLog), 0)

	return nil
}
