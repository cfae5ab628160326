package hypervisor

// Regs mirrors struct kvm_regs: the general purpose register bank.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

const numInterrupts = 0x100

// Segment is an x86 segment descriptor, as kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor is a GDTR/IDTR-style base+limit pointer.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs: segment and control registers.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// Long-mode bring-up bits, named rather than left as magic numbers.
const (
	cr0PE = 1
	cr0PG = 1 << 31

	cr4PAE = 1 << 5

	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// FlatSegment returns a 64-bit flat code or data segment descriptor, used
// to build the CS/DS/ES/FS/GS/SS bank during long-mode bring-up.
func FlatSegment(selector uint16, code bool) Segment {
	typ := uint8(3) // data: read/write, accessed
	if code {
		typ = 11 // code: execute/read, accessed
	}

	return Segment{
		Base:     0,
		Limit:    0xFFFFFFFF,
		Selector: selector,
		Typ:      typ,
		Present:  1,
		DPL:      0,
		S:        1,
		L:        1,
		G:        1,
	}
}

// LongModeSregs builds the Sregs bank for 64-bit long mode with paging
// enabled: flat code64/data segments, CR0 PE|PG, CR4 PAE, EFER LME|LMA,
// and CR3 pointing at the loader's top-level page table.
func LongModeSregs(pml4Addr uint64) Sregs {
	var s Sregs

	s.CS = FlatSegment(1<<3, true)
	s.DS = FlatSegment(2<<3, false)
	s.ES, s.FS, s.GS, s.SS = s.DS, s.DS, s.DS, s.DS

	s.CR0 = cr0PE | cr0PG
	s.CR4 = cr4PAE
	s.EFER = eferLME | eferLMA
	s.CR3 = pml4Addr

	return s
}

// EntryRegs builds the Regs bank for the guest entrypoint: RIP at the
// entry address, RSP at the top of the stack region, reserved bit 1 set
// in RFLAGS and nothing else.
func EntryRegs(entry, stackTop uint64) Regs {
	return Regs{
		RIP:    entry,
		RSP:    stackTop,
		RFLAGS: 0x2,
	}
}
