package hypervisor

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// runData mirrors struct kvm_run, the page KVM mmaps over each vCPU fd to
// exchange exit information. ImmediateExit is the kernel's second header
// byte, flipped from another goroutine to cancel an in-flight run.
type runData struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]uint8
	ExitReason             uint32
	ReadyForInterrupt      uint8
	IfFlag                 uint8
	_                      [2]uint8
	CR8                    uint64
	ApicBase               uint64
	Data                   [32]uint64
}

// io decodes the IoOut/IoIn payload: direction, size, port, count, offset
// packed into Data[0]/Data[1].
func (r *runData) io() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// mmio decodes the kvm_run mmio union: phys_addr in Data[0], the up-to-8
// data bytes in Data[1], length and is_write packed into the low 40 bits
// of Data[2] (len in bits 0-31, is_write in bit 32).
func (r *runData) mmio() (physAddr uint64, data [8]byte, length uint32, isWrite bool) {
	physAddr = r.Data[0]

	for i := 0; i < 8; i++ {
		data[i] = byte(r.Data[1] >> (8 * i))
	}

	length = uint32(r.Data[2] & 0xFFFFFFFF)
	isWrite = (r.Data[2]>>32)&0xFF != 0

	return physAddr, data, length, isWrite
}

const (
	kvmExitUnknown       = 0
	kvmExitIO            = 2
	kvmExitHlt           = 5
	kvmExitMmio          = 6
	kvmExitIntr          = 10
	kvmExitInternalError = 17
)

const (
	kvmIODirOut = 0
	kvmIODirIn  = 1
)

// vcpuState bundles the per-vCPU fd and its mmap'd run page so RunVCPU and
// Cancel can reach both without a map lookup on every call.
type vcpuState struct {
	fd  int
	run []byte
	tid int
}

// vmState tracks everything owned by one partition: its fd, the mapped
// memory regions keyed by slot, and the single vCPU once created.
type vmState struct {
	fd     int
	slots  map[uint32]UserspaceMemoryRegion
	vcpu   *vcpuState
	nextID int
}

// KVMDriver implements Driver against Linux /dev/kvm, using
// golang.org/x/sys/unix for every ioctl instead of raw syscall.Syscall.
type KVMDriver struct {
	mu       sync.Mutex
	fd       int
	mmapSize int
	vms      map[int]*vmState
	nextVM   int
}

// NewKVMDriver constructs a driver that has not yet opened /dev/kvm.
func NewKVMDriver() *KVMDriver {
	return &KVMDriver{vms: map[int]*vmState{}}
}

func (d *KVMDriver) IsPresent() bool {
	_, err := os.Stat("/dev/kvm")
	return err == nil
}

func (d *KVMDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	version, err := ioctl(fd, kvmGetAPIVersion, 0)
	if err != nil || version != 12 {
		unix.Close(fd)
		return fmt.Errorf("%w: unsupported api version %d", ErrUnavailable, version)
	}

	size, err := ioctl(fd, kvmGetVCPUMMapSize, 0)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("kvm get vcpu mmap size: %w", err)
	}

	d.fd = fd
	d.mmapSize = int(size)

	return nil
}

func (d *KVMDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fd == 0 {
		return nil
	}

	if err := unix.Close(d.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	d.fd = 0

	return nil
}

func (d *KVMDriver) CreateVM() (VMHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fd, err := ioctl(d.fd, kvmCreateVM, 0)
	if err != nil {
		return VMHandle{}, fmt.Errorf("create vm: %w", err)
	}

	id := d.nextVM
	d.nextVM++
	d.vms[id] = &vmState{fd: int(fd), slots: map[uint32]UserspaceMemoryRegion{}}

	if _, err := ioctl(int(fd), kvmCreateIRQChip, 0); err != nil {
		return VMHandle{}, fmt.Errorf("create irqchip: %w", err)
	}

	var pit pitConfig
	if err := ioctlPtr(int(fd), kvmCreatePIT2, unsafe.Pointer(&pit)); err != nil {
		return VMHandle{}, fmt.Errorf("create pit2: %w", err)
	}

	return VMHandle{id: id}, nil
}

func (d *KVMDriver) CreateVCPU(vm VMHandle) (VCPUHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.vms[vm.id]
	if !ok {
		return VCPUHandle{}, ErrRegionNotFound
	}

	if state.vcpu != nil {
		return VCPUHandle{}, ErrTooManyVCPUs
	}

	fd, err := ioctl(state.fd, kvmCreateVCPU, 0)
	if err != nil {
		return VCPUHandle{}, fmt.Errorf("create vcpu: %w", err)
	}

	run, err := unix.Mmap(int(fd), 0, d.mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return VCPUHandle{}, fmt.Errorf("mmap vcpu run page: %w", err)
	}

	id := state.nextID
	state.nextID++
	state.vcpu = &vcpuState{fd: int(fd), run: run, tid: unix.Gettid()}

	return VCPUHandle{vm: vm, id: id, idx: 0}, nil
}

func (d *KVMDriver) lookupVCPU(vcpu VCPUHandle) (*vmState, *vcpuState, error) {
	state, ok := d.vms[vcpu.vm.id]
	if !ok || state.vcpu == nil {
		return nil, nil, ErrRegionNotFound
	}

	return state, state.vcpu, nil
}

func (d *KVMDriver) MapMemory(vm VMHandle, guestPhysAddr uint64, host []byte) (RegionHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.vms[vm.id]
	if !ok {
		return RegionHandle{}, ErrRegionNotFound
	}

	if len(host) == 0 || len(host)%os.Getpagesize() != 0 {
		return RegionHandle{}, ErrUnalignedRegion
	}

	if uintptr(unsafe.Pointer(&host[0]))%uintptr(os.Getpagesize()) != 0 {
		return RegionHandle{}, ErrUnalignedRegion
	}

	for _, region := range state.slots {
		if guestPhysAddr < region.GuestPhysAddr+region.MemorySize && region.GuestPhysAddr < guestPhysAddr+uint64(len(host)) {
			return RegionHandle{}, ErrOverlappingRegion
		}
	}

	slot := uint32(len(state.slots))
	region := UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    uint64(len(host)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&host[0]))),
	}

	if err := ioctlPtr(state.fd, kvmSetUserMemoryRegion, unsafe.Pointer(&region)); err != nil {
		return RegionHandle{}, fmt.Errorf("set user memory region: %w", err)
	}

	state.slots[slot] = region

	return RegionHandle{vm: vm, slot: slot}, nil
}

func (d *KVMDriver) UnmapMemory(region RegionHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.vms[region.vm.id]
	if !ok {
		return ErrRegionNotFound
	}

	existing, ok := state.slots[region.slot]
	if !ok {
		return ErrRegionNotFound
	}

	existing.MemorySize = regionRemoved
	if err := ioctlPtr(state.fd, kvmSetUserMemoryRegion, unsafe.Pointer(&existing)); err != nil {
		return fmt.Errorf("unmap memory region: %w", err)
	}

	delete(state.slots, region.slot)

	return nil
}

func (d *KVMDriver) GetRegisters(vcpu VCPUHandle) (Regs, error) {
	d.mu.Lock()
	_, v, err := d.lookupVCPU(vcpu)
	d.mu.Unlock()
	if err != nil {
		return Regs{}, err
	}

	var regs Regs
	if err := ioctlPtr(v.fd, kvmGetRegs, unsafe.Pointer(&regs)); err != nil {
		return Regs{}, fmt.Errorf("get regs: %w", err)
	}

	return regs, nil
}

func (d *KVMDriver) SetRegisters(vcpu VCPUHandle, regs Regs) error {
	d.mu.Lock()
	_, v, err := d.lookupVCPU(vcpu)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	if err := ioctlPtr(v.fd, kvmSetRegs, unsafe.Pointer(&regs)); err != nil {
		return fmt.Errorf("set regs: %w", err)
	}

	return nil
}

func (d *KVMDriver) GetSregs(vcpu VCPUHandle) (Sregs, error) {
	d.mu.Lock()
	_, v, err := d.lookupVCPU(vcpu)
	d.mu.Unlock()
	if err != nil {
		return Sregs{}, err
	}

	var sregs Sregs
	if err := ioctlPtr(v.fd, kvmGetSregs, unsafe.Pointer(&sregs)); err != nil {
		return Sregs{}, fmt.Errorf("get sregs: %w", err)
	}

	return sregs, nil
}

func (d *KVMDriver) SetSregs(vcpu VCPUHandle, sregs Sregs) error {
	d.mu.Lock()
	_, v, err := d.lookupVCPU(vcpu)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	if err := ioctlPtr(v.fd, kvmSetSregs, unsafe.Pointer(&sregs)); err != nil {
		return fmt.Errorf("set sregs: %w", err)
	}

	return nil
}

func (d *KVMDriver) RunVCPU(vcpu VCPUHandle) (ExitReason, error) {
	d.mu.Lock()
	_, v, err := d.lookupVCPU(vcpu)
	d.mu.Unlock()
	if err != nil {
		return ExitReason{}, err
	}

	v.tid = unix.Gettid()

	_, ioErr := ioctl(v.fd, kvmRun, 0)

	run := (*runData)(unsafe.Pointer(&v.run[0]))

	if ioErr != nil {
		if ioErr == unix.EINTR {
			run.ImmediateExit = 0
			return ExitReason{Kind: ExitCancelled}, nil
		}

		return ExitReason{}, fmt.Errorf("kvm run: %w", ioErr)
	}

	switch run.ExitReason {
	case kvmExitHlt:
		return ExitReason{Kind: ExitHalt}, nil

	case kvmExitIO:
		direction, size, port, _, offset := run.io()

		data := dataAt(run, offset, size)

		if direction == kvmIODirOut {
			return ExitReason{Kind: ExitIoOut, Port: uint16(port), Data: data}, nil
		}

		return ExitReason{Kind: ExitIoIn, Port: uint16(port), Data: data}, nil

	case kvmExitMmio:
		physAddr, data, length, isWrite := run.mmio()
		if length > uint32(len(data)) {
			length = uint32(len(data))
		}

		if isWrite {
			return ExitReason{Kind: ExitMmioWrite, MMIOAddr: physAddr, MMIOSize: length, MMIOData: append([]byte(nil), data[:length]...)}, nil
		}

		return ExitReason{Kind: ExitMmioRead, MMIOAddr: physAddr, MMIOSize: length}, nil

	case kvmExitInternalError:
		return ExitReason{Kind: ExitInternalError, Subcode: run.Data[0]}, nil

	default:
		return ExitReason{}, fmt.Errorf("%w: %d", ErrUnexpectedExit, run.ExitReason)
	}
}

// dataAt reads the single byte an IoOut/IoIn exit carries at the given
// offset into the run page: the run page's data array doubles as the IO
// data buffer at KVM_EXIT_IO_OFFSET past the struct header.
func dataAt(run *runData, offset, size uint64) uint8 {
	base := (*[4096]byte)(unsafe.Pointer(run))
	if int(offset)+int(size) > len(base) {
		return 0
	}

	return base[offset]
}

func (d *KVMDriver) IOData(vcpu VCPUHandle, size uint32) []byte {
	d.mu.Lock()
	_, v, err := d.lookupVCPU(vcpu)
	d.mu.Unlock()
	if err != nil {
		return nil
	}

	run := (*runData)(unsafe.Pointer(&v.run[0]))
	_, _, _, _, offset := run.io()

	base := (*[4096]byte)(unsafe.Pointer(run))
	return append([]byte(nil), base[offset:int(offset)+int(size)]...)
}

// Cancel flips immediate_exit on the shared run page and signals the
// thread blocked in KVM_RUN so the ioctl returns EINTR instead of
// resuming the guest.
func (d *KVMDriver) Cancel(vcpu VCPUHandle) error {
	d.mu.Lock()
	_, v, err := d.lookupVCPU(vcpu)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	run := (*runData)(unsafe.Pointer(&v.run[0]))
	run.ImmediateExit = 1

	if err := unix.Tgkill(unix.Getpid(), v.tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("signal vcpu thread: %w", err)
	}

	return nil
}

func (d *KVMDriver) DestroyVCPU(vcpu VCPUHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.vms[vcpu.vm.id]
	if !ok || state.vcpu == nil {
		return ErrRegionNotFound
	}

	if err := unix.Munmap(state.vcpu.run); err != nil {
		return fmt.Errorf("munmap vcpu run page: %w", err)
	}

	if err := unix.Close(state.vcpu.fd); err != nil {
		return fmt.Errorf("close vcpu fd: %w", err)
	}

	state.vcpu = nil

	return nil
}

func (d *KVMDriver) DestroyVM(vm VMHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.vms[vm.id]
	if !ok {
		return ErrRegionNotFound
	}

	if state.vcpu != nil {
		return fmt.Errorf("destroy vm %d: vcpu still live", vm.id)
	}

	if err := unix.Close(state.fd); err != nil {
		return fmt.Errorf("close vm fd: %w", err)
	}

	delete(d.vms, vm.id)

	return nil
}

// ioctl issues a no-argument-return-value ioctl and returns the raw
// result, using unix.Syscall instead of syscall.Syscall directly.
func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return r, errno
	}

	return r, nil
}

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}
