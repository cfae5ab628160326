package hypervisor

import "errors"

// Sentinel errors shared by every Driver implementation.
var (
	// ErrUnavailable is returned by Open when the platform hypervisor
	// device cannot be reached. Non-fatal: callers may fall back to a
	// different backend.
	ErrUnavailable = errors.New("hypervisor unavailable")

	// ErrTooManyVCPUs is returned by CreateVCPU on a VM that already has
	// one; this driver supports exactly one vCPU per VM.
	ErrTooManyVCPUs = errors.New("vm already has a vcpu")

	// ErrOverlappingRegion is returned by MapMemory when the requested
	// guest-physical range overlaps an existing mapping.
	ErrOverlappingRegion = errors.New("overlapping memory region")

	// ErrUnalignedRegion is returned by MapMemory when host_addr is not
	// page-aligned or size is not a multiple of the page size.
	ErrUnalignedRegion = errors.New("memory region is not page-aligned")

	// ErrRegionNotFound is returned by UnmapMemory for an unknown handle.
	ErrRegionNotFound = errors.New("memory region not found")

	// ErrUnexpectedExit is returned when RunVCPU produces an exit reason
	// this driver does not know how to classify.
	ErrUnexpectedExit = errors.New("unexpected vcpu exit reason")
)

// VMHandle, VCPUHandle and RegionHandle are opaque resource handles. They
// carry no exported fields: a VCPUHandle and a RegionHandle each
// reference their VMHandle, and destruction releases the vCPU and the
// region before the VM they belong to.
type VMHandle struct{ id int }

type VCPUHandle struct {
	vm  VMHandle
	id  int
	idx int
}

type RegionHandle struct {
	vm   VMHandle
	slot uint32
}

// Driver is the hypervisor partition control contract.
// KVMDriver is the only production implementation; FakeDriver backs tests
// that do not need a real /dev/kvm. A WHP or HVF backend would implement
// the same interface.
type Driver interface {
	// IsPresent reports whether the platform hypervisor is reachable.
	IsPresent() bool

	// Open acquires a connection to the hypervisor.
	Open() error

	// Close releases the hypervisor connection. Must be called only
	// after every VM created through it has been torn down.
	Close() error

	// CreateVM creates a fresh partition.
	CreateVM() (VMHandle, error)

	// CreateVCPU creates the single vCPU for vm. A second call for the
	// same VM returns ErrTooManyVCPUs.
	CreateVCPU(vm VMHandle) (VCPUHandle, error)

	// MapMemory installs a userspace->guest-physical mapping. size must
	// be a multiple of the host page size and hostAddr page-aligned.
	MapMemory(vm VMHandle, guestPhysAddr uint64, host []byte) (RegionHandle, error)

	// UnmapMemory removes a mapping installed by MapMemory. Must
	// succeed before the backing host pages are freed.
	UnmapMemory(region RegionHandle) error

	// GetRegisters / SetRegisters access the general-purpose bank.
	GetRegisters(vcpu VCPUHandle) (Regs, error)
	SetRegisters(vcpu VCPUHandle, regs Regs) error

	// GetSregs / SetSregs access the segment/control register bank.
	GetSregs(vcpu VCPUHandle) (Sregs, error)
	SetSregs(vcpu VCPUHandle, sregs Sregs) error

	// RunVCPU resumes execution until the next VM exit.
	RunVCPU(vcpu VCPUHandle) (ExitReason, error)

	// IOData returns the byte(s) carried by the most recent IoOut/IoIn
	// exit for vcpu, without another round-trip through the kernel.
	IOData(vcpu VCPUHandle, size uint32) []byte

	// Cancel requests that the next (or currently blocked) RunVCPU call
	// for vcpu return ExitCancelled.
	Cancel(vcpu VCPUHandle) error

	// DestroyVCPU releases a vCPU. Must precede DestroyVM for the same
	// VM.
	DestroyVCPU(vcpu VCPUHandle) error

	// DestroyVM releases a VM. Must follow DestroyVCPU and precede
	// releasing the hypervisor connection itself.
	DestroyVM(vm VMHandle) error
}
