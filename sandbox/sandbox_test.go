package sandbox

import (
	"context"
	"sync"
	"testing"

	"github.com/nanovisor/sandbox/hypervisor"
	"github.com/nanovisor/sandbox/wire"
)

// newTestSandbox builds a Sandbox over a FakeDriver and evolves it. Being
// an in-package test, it can reach s.mem/s.layout directly to stage the
// shared-output frame a real guest would have written before halting —
// FakeDriver has no guest code to do that for us.
func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()

	driver := hypervisor.NewFakeDriver()

	sb, err := NewUninitialized(driver, Config{MemSize: 1 << 25})
	if err != nil {
		t.Fatal(err)
	}

	if err := sb.Evolve(context.Background()); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { _ = sb.Close() })

	return sb
}

// stageVoidReturn writes a well-formed Void ReturnValue into shared
// output, the position dispatch.readReturnValue reads from on Halt —
// standing in for a completed guest call's own return path.
func stageVoidReturn(t *testing.T, sb *Sandbox) {
	t.Helper()

	region := sb.mem[sb.layout.SharedOutputAddr : sb.layout.SharedOutputAddr+sb.layout.SharedOutputCapacity]
	if err := wire.WriteFrame(region, wire.VoidReturn()); err != nil {
		t.Fatal(err)
	}
}

func TestEvolveTransitionsToReady(t *testing.T) {
	sb := newTestSandbox(t)

	if sb.State() != StateReady {
		t.Fatalf("state = %v, want Ready", sb.State())
	}
}

func TestRegisterAfterEvolveFails(t *testing.T) {
	sb := newTestSandbox(t)

	if err := sb.RegisterHostFunction(wire.HostFunctionDefinition{Name: "X"}); err == nil {
		t.Fatal("expected registration after Evolve to fail")
	}
}

func TestCallGuestFunctionBeforeEvolveFails(t *testing.T) {
	driver := hypervisor.NewFakeDriver()

	sb, err := NewUninitialized(driver, Config{MemSize: 1 << 25})
	if err != nil {
		t.Fatal(err)
	}
	defer sb.Close()

	_, err = sb.CallGuestFunction(context.Background(), "X", nil, wire.ReturnVoid)
	if err != ErrNotInitialized {
		t.Fatalf("got %v, want ErrNotInitialized", err)
	}
}

func TestCallGuestFunctionHappyPath(t *testing.T) {
	sb := newTestSandbox(t)
	stageVoidReturn(t, sb)

	rv, err := sb.CallGuestFunction(context.Background(), "Noop", nil, wire.ReturnVoid)
	if err != nil {
		t.Fatal(err)
	}

	if rv.Type != wire.ReturnVoid {
		t.Fatalf("Type = %v, want Void", rv.Type)
	}

	if sb.State() != StateReady {
		t.Fatalf("state after a successful call = %v, want Ready", sb.State())
	}
}

func TestCallGuestFunctionTypeMismatchPoisons(t *testing.T) {
	sb := newTestSandbox(t)
	stageVoidReturn(t, sb)

	_, err := sb.CallGuestFunction(context.Background(), "Noop", nil, wire.ReturnInt)
	if err == nil {
		t.Fatal("expected a return-type mismatch error")
	}

	if sb.State() != StatePoisoned {
		t.Fatalf("state = %v, want Poisoned", sb.State())
	}

	_, err = sb.CallGuestFunction(context.Background(), "Noop", nil, wire.ReturnVoid)
	if err != ErrSandboxPoisoned {
		t.Fatalf("got %v, want ErrSandboxPoisoned", err)
	}
}

func TestResetClearsPoisonedState(t *testing.T) {
	sb := newTestSandbox(t)
	stageVoidReturn(t, sb)

	if _, err := sb.CallGuestFunction(context.Background(), "Noop", nil, wire.ReturnInt); err == nil {
		t.Fatal("expected mismatch error to poison the sandbox")
	}

	if err := sb.Reset(); err != nil {
		t.Fatal(err)
	}

	if sb.State() != StateReady {
		t.Fatalf("state after reset = %v, want Ready", sb.State())
	}
}

func TestCallGuestFunctionSingleFlight(t *testing.T) {
	sb := newTestSandbox(t)

	// Hold the token manually so the call below deterministically loses
	// the same CompareAndSwap CallGuestFunction itself performs.
	if !sb.executingGuestCall.CompareAndSwap(false, true) {
		t.Fatal("expected to acquire the token")
	}

	var wg sync.WaitGroup
	results := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := sb.CallGuestFunction(context.Background(), "Noop", nil, wire.ReturnVoid)
		results <- err
	}()
	wg.Wait()
	close(results)

	err := <-results
	if err != ErrCallAlreadyInProgress {
		t.Fatalf("got %v, want ErrCallAlreadyInProgress", err)
	}

	sb.executingGuestCall.Store(false)
}

func TestCloseTerminatesSandbox(t *testing.T) {
	sb := newTestSandbox(t)

	if err := sb.Close(); err != nil {
		t.Fatal(err)
	}

	if sb.State() != StateTerminated {
		t.Fatalf("state = %v, want Terminated", sb.State())
	}
}
