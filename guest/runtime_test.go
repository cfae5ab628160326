package guest_test

import (
	"testing"

	"github.com/nanovisor/sandbox/guest"
	"github.com/nanovisor/sandbox/wire"
)

// fakeHost stands in for the host side of the shared-memory protocol: it
// watches for an OUT on the CallFunction port and answers synchronously,
// the way dispatch.Dispatcher would after a real VM exit.
type fakeHost struct {
	sharedInput  []byte
	sharedOutput []byte
	onCall       func(call wire.FunctionCall) wire.ReturnValue
}

func (h *fakeHost) outb(port uint16, value uint8) {
	if port != uint16(guest.ActionCallFunction) {
		return
	}

	payload, err := wire.FramePayload(h.sharedOutput)
	if err != nil {
		panic(err)
	}

	call, err := wire.DecodeFunctionCall(payload)
	if err != nil {
		panic(err)
	}

	rv := h.onCall(call)
	if err := wire.WriteFrame(h.sharedInput, rv); err != nil {
		panic(err)
	}
}

func TestCallHostFunctionRoundTrip(t *testing.T) {
	sharedInput := make([]byte, 4096)
	sharedOutput := make([]byte, 4096)

	host := &fakeHost{
		sharedInput:  sharedInput,
		sharedOutput: sharedOutput,
		onCall: func(call wire.FunctionCall) wire.ReturnValue {
			if call.FunctionName != "HostPrint" {
				t.Fatalf("unexpected call to %q", call.FunctionName)
			}

			return wire.IntReturn(int32(len(call.Parameters[0].StringValue)))
		},
	}

	rt := guest.NewRuntime(host.outb, sharedInput, sharedOutput)

	rv, err := rt.CallHostFunction("HostPrint", []wire.ParameterValue{wire.String("hello")}, wire.ReturnInt)
	if err != nil {
		t.Fatal(err)
	}

	if rv.IntValue != 5 {
		t.Fatalf("got %d, want 5", rv.IntValue)
	}
}

func TestGuestDispatchFunctionUnknownName(t *testing.T) {
	rt := guest.NewRuntime(func(uint16, uint8) {}, make([]byte, 64), make([]byte, 64))

	_, err := rt.GuestDispatchFunction(wire.FunctionCall{FunctionName: "Missing"})

	gerr, ok := err.(wire.GuestError)
	if !ok || gerr.Code != wire.GuestFunctionNotFound {
		t.Fatalf("got %v, want GuestFunctionNotFound", err)
	}
}

func TestGuestDispatchFunctionInvokesRegistered(t *testing.T) {
	rt := guest.NewRuntime(func(uint16, uint8) {}, make([]byte, 64), make([]byte, 64))

	rt.RegisterFunction(wire.GuestFunctionDefinition{
		Name:           "Double",
		ParameterTypes: []wire.ParameterType{wire.ParamInt},
		ReturnType:     wire.ReturnInt,
	}, func(params []wire.ParameterValue) (wire.ReturnValue, error) {
		return wire.IntReturn(params[0].IntValue * 2), nil
	})

	rv, err := rt.GuestDispatchFunction(wire.FunctionCall{
		FunctionName: "Double",
		Parameters:   []wire.ParameterValue{wire.Int(21)},
	})
	if err != nil {
		t.Fatal(err)
	}

	if rv.IntValue != 42 {
		t.Fatalf("got %d, want 42", rv.IntValue)
	}
}

func TestAbortWithCodeAndMessage(t *testing.T) {
	var gotPort uint16
	var gotValue uint8

	sharedOutput := make([]byte, 4096)

	rt := guest.NewRuntime(func(port uint16, value uint8) {
		gotPort = port
		gotValue = value
	}, make([]byte, 64), sharedOutput)

	if err := rt.AbortWithCodeAndMessage(1<<31, "bad state"); err != nil {
		t.Fatal(err)
	}

	if gotPort != uint16(guest.ActionAbort) || gotValue != 0 {
		t.Fatalf("got port=%d value=%d, want port=%d value=0", gotPort, gotValue, guest.ActionAbort)
	}

	var rec struct {
		Code    uint32
		Message string
	}
	if err := wire.DecodeFrame(sharedOutput, &rec); err != nil {
		t.Fatal(err)
	}

	if rec.Code != 1<<31 || rec.Message != "bad state" {
		t.Fatalf("got %+v, want code=%d message=%q", rec, uint32(1<<31), "bad state")
	}
}
