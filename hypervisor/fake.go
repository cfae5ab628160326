package hypervisor

import "sync"

// FakeDriver is a hardware-independent Driver double for tests that do not
// need a real /dev/kvm. It accepts the same call shape as KVMDriver but
// keeps all state in Go maps, and lets a test script the next exit via
// QueueExit so dispatch-level logic can be exercised without root.
// CreateVCPU does not enforce the one-vCPU-per-VM limit: every call
// succeeds, and ErrTooManyVCPUs is never returned.
type FakeDriver struct {
	mu sync.Mutex

	present bool
	nextVM  int
	nextVCPU int

	regs  map[int]Regs
	sregs map[int]Sregs

	// exits is a per-vcpu queue of canned ExitReason values RunVCPU will
	// return in order; once drained, RunVCPU returns ExitHalt.
	exits map[int][]ExitReason

	cancelled map[int]bool
}

// NewFakeDriver returns a FakeDriver that reports itself present.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		present:   true,
		regs:      map[int]Regs{},
		sregs:     map[int]Sregs{},
		exits:     map[int][]ExitReason{},
		cancelled: map[int]bool{},
	}
}

func (f *FakeDriver) IsPresent() bool { return f.present }
func (f *FakeDriver) Open() error     { return nil }
func (f *FakeDriver) Close() error    { return nil }

func (f *FakeDriver) CreateVM() (VMHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextVM
	f.nextVM++

	return VMHandle{id: id}, nil
}

func (f *FakeDriver) CreateVCPU(vm VMHandle) (VCPUHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextVCPU
	f.nextVCPU++

	return VCPUHandle{vm: vm, id: id}, nil
}

func (f *FakeDriver) MapMemory(vm VMHandle, guestPhysAddr uint64, host []byte) (RegionHandle, error) {
	return RegionHandle{vm: vm, slot: 0}, nil
}

func (f *FakeDriver) UnmapMemory(region RegionHandle) error { return nil }

func (f *FakeDriver) GetRegisters(vcpu VCPUHandle) (Regs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.regs[vcpu.id], nil
}

func (f *FakeDriver) SetRegisters(vcpu VCPUHandle, regs Regs) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.regs[vcpu.id] = regs

	return nil
}

func (f *FakeDriver) GetSregs(vcpu VCPUHandle) (Sregs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.sregs[vcpu.id], nil
}

func (f *FakeDriver) SetSregs(vcpu VCPUHandle, sregs Sregs) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sregs[vcpu.id] = sregs

	return nil
}

// QueueExit appends a canned exit reason RunVCPU will deliver on its next
// call for vcpu, letting dispatch tests drive a scripted exit sequence
// without hardware.
func (f *FakeDriver) QueueExit(vcpu VCPUHandle, reason ExitReason) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.exits[vcpu.id] = append(f.exits[vcpu.id], reason)
}

func (f *FakeDriver) RunVCPU(vcpu VCPUHandle) (ExitReason, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancelled[vcpu.id] {
		f.cancelled[vcpu.id] = false
		return ExitReason{Kind: ExitCancelled}, nil
	}

	queue := f.exits[vcpu.id]
	if len(queue) == 0 {
		return ExitReason{Kind: ExitHalt}, nil
	}

	next := queue[0]
	f.exits[vcpu.id] = queue[1:]

	return next, nil
}

func (f *FakeDriver) IOData(vcpu VCPUHandle, size uint32) []byte {
	return nil
}

func (f *FakeDriver) Cancel(vcpu VCPUHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelled[vcpu.id] = true

	return nil
}

func (f *FakeDriver) DestroyVCPU(vcpu VCPUHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.regs, vcpu.id)
	delete(f.sregs, vcpu.id)
	delete(f.exits, vcpu.id)

	return nil
}

func (f *FakeDriver) DestroyVM(vm VMHandle) error { return nil }

var _ Driver = (*FakeDriver)(nil)
var _ Driver = (*KVMDriver)(nil)
