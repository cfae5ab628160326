package hypervisor

import "fmt"

// Capability numbers are the KVM_CAP_* constants from the Linux kernel's
// kvm uapi header, restricted to a handful: UserMemory backs MapMemory,
// IRQChip/PIT2 back CreateVM. SetTSSAddr and ExtCPUID are reported as
// well, though the long-mode bring-up sequence issues no TSS or CPUID
// ioctl.
type Capability int

const (
	CapIRQChip    Capability = 0
	CapUserMemory Capability = 3
	CapSetTSSAddr Capability = 4
	CapExtCPUID   Capability = 7
	CapPIT2       Capability = 33
)

func (c Capability) String() string {
	switch c {
	case CapIRQChip:
		return "CapIRQChip"
	case CapUserMemory:
		return "CapUserMemory"
	case CapSetTSSAddr:
		return "CapSetTSSAddr"
	case CapExtCPUID:
		return "CapExtCPUID"
	case CapPIT2:
		return "CapPIT2"
	default:
		return fmt.Sprintf("Capability(%d)", int(c))
	}
}

// Capabilities reports, for each capability this driver depends on,
// whether KVM_CHECK_EXTENSION reports it present. Open must have
// succeeded first.
func (d *KVMDriver) Capabilities() (map[Capability]bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	want := []Capability{CapIRQChip, CapUserMemory, CapSetTSSAddr, CapExtCPUID, CapPIT2}
	result := make(map[Capability]bool, len(want))

	for _, cap := range want {
		n, err := ioctl(d.fd, kvmCheckExtension, uintptr(cap))
		if err != nil {
			return nil, fmt.Errorf("check extension %s: %w", cap, err)
		}

		result[cap] = n != 0
	}

	return result, nil
}
