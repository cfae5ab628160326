package dispatch_test

import (
	"testing"

	"github.com/nanovisor/sandbox/dispatch"
	"github.com/nanovisor/sandbox/guestmem"
	"github.com/nanovisor/sandbox/hypervisor"
	"github.com/nanovisor/sandbox/registry"
	"github.com/nanovisor/sandbox/wire"
)

func newFixture(t *testing.T) (*dispatch.Dispatcher, *hypervisor.FakeDriver, hypervisor.VCPUHandle, []byte, *guestmem.Layout) {
	t.Helper()

	layout, err := guestmem.NewLayout(1 << 25)
	if err != nil {
		t.Fatal(err)
	}

	mem := make([]byte, layout.MemSize)
	if err := layout.StampCookie(mem); err != nil {
		t.Fatal(err)
	}

	driver := hypervisor.NewFakeDriver()
	vm, _ := driver.CreateVM()
	vcpu, _ := driver.CreateVCPU(vm)

	reg := registry.New()

	d := dispatch.New(driver, vcpu, mem, layout, reg, nil)

	return d, driver, vcpu, mem, layout
}

func TestRunHaltsAndReadsReturnValue(t *testing.T) {
	d, driver, vcpu, mem, layout := newFixture(t)

	rv := wire.StringReturn("done")
	region := mem[layout.SharedOutputAddr : layout.SharedOutputAddr+layout.SharedOutputCapacity]
	if err := wire.WriteFrame(region, rv); err != nil {
		t.Fatal(err)
	}

	driver.QueueExit(vcpu, hypervisor.ExitReason{Kind: hypervisor.ExitHalt})

	outcome := d.Run()
	if !outcome.Halted {
		t.Fatalf("expected Halted outcome, got %+v", outcome)
	}

	if outcome.ReturnValue.StringValue != "done" {
		t.Fatalf("got %q, want %q", outcome.ReturnValue.StringValue, "done")
	}
}

func TestRunCallFunctionInvokesRegisteredHandler(t *testing.T) {
	layout, err := guestmem.NewLayout(1 << 25)
	if err != nil {
		t.Fatal(err)
	}

	mem := make([]byte, layout.MemSize)
	if err := layout.StampCookie(mem); err != nil {
		t.Fatal(err)
	}

	driver := hypervisor.NewFakeDriver()
	vm, _ := driver.CreateVM()
	vcpu, _ := driver.CreateVCPU(vm)

	reg := registry.New()
	called := false

	if err := reg.Register(wire.HostFunctionDefinition{
		Name:           "Greet",
		ParameterTypes: []wire.ParameterType{wire.ParamString},
		ReturnType:     wire.ReturnString,
		Handler: func(params []wire.ParameterValue) (wire.ReturnValue, error) {
			called = true
			return wire.StringReturn("hello " + params[0].StringValue), nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	d := dispatch.New(driver, vcpu, mem, layout, reg, nil)

	call := wire.FunctionCall{
		FunctionName: "Greet",
		Parameters:   []wire.ParameterValue{wire.String("world")},
		Kind:         wire.CallHost,
		ReturnType:   wire.ReturnString,
	}

	outRegion := mem[layout.SharedOutputAddr : layout.SharedOutputAddr+layout.SharedOutputCapacity]
	if err := wire.WriteFrame(outRegion, call); err != nil {
		t.Fatal(err)
	}

	// Only the CallFunction exit is queued; with the queue then empty,
	// FakeDriver's default Halt lets Run return once the handler has
	// replied, without needing a second exit to stand in for the guest
	// consuming the reply and writing its own final return value.
	driver.QueueExit(vcpu, hypervisor.ExitReason{Kind: hypervisor.ExitIoOut, Port: dispatch.PortCallFunction})

	_ = d.Run()

	if !called {
		t.Fatal("handler was never invoked")
	}

	// The host's response to the guest's CallFunction request lands in
	// shared input (step 4 of the host-call protocol), distinct from
	// shared output's role in a completed guest call's own return path.
	inRegion := mem[layout.SharedInputAddr : layout.SharedInputAddr+layout.SharedInputCapacity]

	got, err := wire.DecodeReturnValue(mustFramePayload(t, inRegion))
	if err != nil {
		t.Fatal(err)
	}

	if got.StringValue != "hello world" {
		t.Fatalf("got %q, want %q", got.StringValue, "hello world")
	}
}

func mustFramePayload(t *testing.T, region []byte) []byte {
	t.Helper()

	payload, err := wire.FramePayload(region)
	if err != nil {
		t.Fatal(err)
	}

	return payload
}

func TestRunStackOverflowTerminatesOnCorruptCookie(t *testing.T) {
	d, driver, vcpu, mem, layout := newFixture(t)

	mem[layout.StackCookieAddr] ^= 0xFF

	call := wire.FunctionCall{FunctionName: "Anything", ReturnType: wire.ReturnVoid}
	outRegion := mem[layout.SharedOutputAddr : layout.SharedOutputAddr+layout.SharedOutputCapacity]
	if err := wire.WriteFrame(outRegion, call); err != nil {
		t.Fatal(err)
	}

	driver.QueueExit(vcpu, hypervisor.ExitReason{Kind: hypervisor.ExitIoOut, Port: dispatch.PortCallFunction})

	outcome := d.Run()
	if !outcome.Terminated || outcome.TermError == nil || outcome.TermError.Code != wire.StackOverflow {
		t.Fatalf("expected StackOverflow termination, got %+v", outcome)
	}
}

func TestRunMmioFaultTerminates(t *testing.T) {
	d, driver, vcpu, _, _ := newFixture(t)

	driver.QueueExit(vcpu, hypervisor.ExitReason{Kind: hypervisor.ExitMmioRead, MMIOAddr: 0xdeadbeef})

	outcome := d.Run()
	if !outcome.Terminated || outcome.TermError.Code != wire.GuestMemoryFault {
		t.Fatalf("expected GuestMemoryFault termination, got %+v", outcome)
	}
}

func TestRunAbortTerminates(t *testing.T) {
	d, driver, vcpu, _, _ := newFixture(t)

	driver.QueueExit(vcpu, hypervisor.ExitReason{Kind: hypervisor.ExitIoOut, Port: dispatch.PortAbort, Data: 7})

	outcome := d.Run()
	if !outcome.Terminated || outcome.TermError.Code != wire.GuestAborted {
		t.Fatalf("expected GuestAborted termination, got %+v", outcome)
	}
}
