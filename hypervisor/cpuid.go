package hypervisor

// CPUID and CPUIDEntry2 mirror struct kvm_cpuid2 / kvm_cpuid_entry2. Kept at
// a fixed 100-entry capacity since KVM_GET_SUPPORTED_CPUID wants a
// pre-sized buffer.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// KVM advertises its presence to the guest through a reserved CPUID leaf
// range; a sandboxed guest has no reason to probe for it, but the signature
// still needs installing so guest CPUID instructions do not fault into
// undefined behaviour.
const (
	cpuidSignature = 0x40000000
	cpuidFeatures  = 0x40000001
)

func stampHypervisorSignature(c *CPUID) {
	for i := 0; i < int(c.Nent); i++ {
		if c.Entries[i].Function != cpuidSignature {
			continue
		}

		c.Entries[i].Eax = cpuidFeatures
		c.Entries[i].Ebx = 0x4e4f4e41 // "ANON" in little-endian byte order
		c.Entries[i].Ecx = 0x49534f56 // "VOSI" in little-endian byte order
		c.Entries[i].Edx = 0x52       // "R"
	}
}
