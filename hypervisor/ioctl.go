// Package hypervisor wraps the platform hypervisor (KVM on Linux) behind a
// small Driver interface: open a connection, create a VM, map guest memory,
// create the single vCPU, push register state, and run it to the next exit.
package hypervisor

import "unsafe"

// ioctl direction bits, mirroring <asm-generic/ioctl.h>. KVM encodes most of
// its requests with these rather than exposing raw numbers, so we rebuild
// them here instead of hard-coding the magic request constants directly.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr uintptr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func iio(typ, nr uintptr) uintptr {
	return ioc(iocNone, typ, nr, 0)
}

func iiow(typ, nr uintptr, size uintptr) uintptr {
	return ioc(iocWrite, typ, nr, size)
}

func iior(typ, nr uintptr, size uintptr) uintptr {
	return ioc(iocRead, typ, nr, size)
}

func iiowr(typ, nr uintptr, size uintptr) uintptr {
	return ioc(iocWrite|iocRead, typ, nr, size)
}

const kvmIOCType = 0xAE

// KVM ioctl numbers. kvmGetSupportedCPUID, kvmSetTSSAddr,
// kvmSetIdentityMapAddr, kvmIRQLine and kvmSetCPUID2 are defined here but
// not issued anywhere in this driver.
const (
	kvmGetAPIVersion       = iio(kvmIOCType, 0x00)
	kvmCreateVM            = iio(kvmIOCType, 0x01)
	kvmGetVCPUMMapSize     = iio(kvmIOCType, 0x04)
	kvmCreateVCPU          = iio(kvmIOCType, 0x41)
	kvmGetSupportedCPUID   = iiowr(kvmIOCType, 0x05, unsafe.Sizeof(CPUID{}))
	kvmSetUserMemoryRegion = iiow(kvmIOCType, 0x46, unsafe.Sizeof(UserspaceMemoryRegion{}))
	kvmSetTSSAddr          = iio(kvmIOCType, 0x47)
	kvmSetIdentityMapAddr  = iiow(kvmIOCType, 0x48, 8)
	kvmCreateIRQChip       = iio(kvmIOCType, 0x60)
	kvmCreatePIT2          = iiow(kvmIOCType, 0x77, unsafe.Sizeof(pitConfig{}))
	kvmIRQLine             = iiow(kvmIOCType, 0x61, unsafe.Sizeof(irqLevel{}))
	kvmRun                 = iio(kvmIOCType, 0x80)
	kvmGetRegs             = iior(kvmIOCType, 0x81, unsafe.Sizeof(Regs{}))
	kvmSetRegs             = iiow(kvmIOCType, 0x82, unsafe.Sizeof(Regs{}))
	kvmGetSregs            = iior(kvmIOCType, 0x83, unsafe.Sizeof(Sregs{}))
	kvmSetSregs            = iiow(kvmIOCType, 0x84, unsafe.Sizeof(Sregs{}))
	kvmSetCPUID2           = iiow(kvmIOCType, 0x90, unsafe.Sizeof(CPUID{}))
	kvmCheckExtension      = iio(kvmIOCType, 0x03)
)
