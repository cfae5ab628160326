package hypervisor_test

import (
	"os"
	"testing"

	"github.com/nanovisor/sandbox/hypervisor"
)

func TestKVMDriverLifecycle(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	driver := hypervisor.NewKVMDriver()
	if !driver.IsPresent() {
		t.Skip("/dev/kvm not present on this host")
	}

	if err := driver.Open(); err != nil {
		t.Fatal(err)
	}
	defer driver.Close()

	vm, err := driver.CreateVM()
	if err != nil {
		t.Fatal(err)
	}

	vcpu, err := driver.CreateVCPU(vm)
	if err != nil {
		t.Fatal(err)
	}

	mem := make([]byte, 1<<20)
	region, err := driver.MapMemory(vm, 0, mem)
	if err != nil {
		t.Fatal(err)
	}

	regs := hypervisor.EntryRegs(0x1000, 0x2000)
	if err := driver.SetRegisters(vcpu, regs); err != nil {
		t.Fatal(err)
	}

	got, err := driver.GetRegisters(vcpu)
	if err != nil {
		t.Fatal(err)
	}

	if got.RIP != 0x1000 {
		t.Fatalf("RIP = %#x, want %#x", got.RIP, 0x1000)
	}

	if err := driver.UnmapMemory(region); err != nil {
		t.Fatal(err)
	}

	if err := driver.DestroyVCPU(vcpu); err != nil {
		t.Fatal(err)
	}

	if err := driver.DestroyVM(vm); err != nil {
		t.Fatal(err)
	}
}

func TestFakeDriverQueuedExits(t *testing.T) {
	driver := hypervisor.NewFakeDriver()

	vm, err := driver.CreateVM()
	if err != nil {
		t.Fatal(err)
	}

	vcpu, err := driver.CreateVCPU(vm)
	if err != nil {
		t.Fatal(err)
	}

	driver.QueueExit(vcpu, hypervisor.ExitReason{Kind: hypervisor.ExitIoOut, Port: 101, Data: 7})
	driver.QueueExit(vcpu, hypervisor.ExitReason{Kind: hypervisor.ExitHalt})

	first, err := driver.RunVCPU(vcpu)
	if err != nil {
		t.Fatal(err)
	}

	if first.Kind != hypervisor.ExitIoOut || first.Port != 101 || first.Data != 7 {
		t.Fatalf("unexpected first exit: %+v", first)
	}

	second, err := driver.RunVCPU(vcpu)
	if err != nil {
		t.Fatal(err)
	}

	if second.Kind != hypervisor.ExitHalt {
		t.Fatalf("unexpected second exit: %+v", second)
	}

	third, err := driver.RunVCPU(vcpu)
	if err != nil {
		t.Fatal(err)
	}

	if third.Kind != hypervisor.ExitHalt {
		t.Fatalf("drained queue should keep returning Halt, got %+v", third)
	}
}

func TestFakeDriverCancel(t *testing.T) {
	driver := hypervisor.NewFakeDriver()

	vm, _ := driver.CreateVM()
	vcpu, _ := driver.CreateVCPU(vm)

	if err := driver.Cancel(vcpu); err != nil {
		t.Fatal(err)
	}

	exit, err := driver.RunVCPU(vcpu)
	if err != nil {
		t.Fatal(err)
	}

	if exit.Kind != hypervisor.ExitCancelled {
		t.Fatalf("Kind = %v, want Cancelled", exit.Kind)
	}
}

func TestLongModeSregsFields(t *testing.T) {
	sregs := hypervisor.LongModeSregs(0x30000)

	if sregs.CR3 != 0x30000 {
		t.Fatalf("CR3 = %#x, want %#x", sregs.CR3, 0x30000)
	}

	if sregs.CS.L != 1 {
		t.Fatal("CS.L must be set for 64-bit long mode")
	}
}
