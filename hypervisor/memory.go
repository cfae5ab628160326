package hypervisor

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region: the
// descriptor KVM_SET_USER_MEMORY_REGION installs or removes.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// regionRemoved is the MemorySize==0 convention KVM uses to mean "tear
// down this slot": the same descriptor must be resubmitted with this
// size before the mapping is considered released.
const regionRemoved = 0

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}
