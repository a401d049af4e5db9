// Package hypervisor wraps the Linux KVM ioctl interface used to create a
// VM, create a single vCPU, configure its registers, and run it to
// completion.
package hypervisor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl numbers, matching <linux/kvm.h> on x86-64. These are not
// derivable from first principles (they're _IO/_IOR/_IOW-encoded) so they
// are taken verbatim from the kernel ABI rather than recomputed.
const (
	kvmGetAPIVersion       = 44544
	kvmCreateVM            = 44545
	kvmCreateVCPU          = 44609
	kvmRun                 = 44672
	kvmGetVCPUMMapSize     = 44548
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmSetUserMemoryRegion = 1075883590
	kvmSetTSSAddr          = 0xae47
	kvmSetIdentityMapAddr  = 0x4008ae48
)

// KVM exit reasons relevant to this VMM.
const (
	ExitUnknown = 0
	ExitIO      = 2
	ExitHLT     = 5
	ExitMMIO    = 6
	ExitShutdown = 8
	ExitFailEntry = 9
)

// Port I/O exit directions, as reported in RunData.IO().
const (
	ExitIOIn  = 0
	ExitIOOut = 1
)

// Regs mirrors struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
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

// Descriptor mirrors struct kvm_dtable (GDT/IDT pointer).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterrupts = 0x100

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Descriptor
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterrupts + 63) / 64]uint64
}

// RunData mirrors the fixed-size prefix of struct kvm_run that is common to
// every exit reason, plus the raw union storage for exit-specific data. Port
// I/O exits pack direction/size/port/count/offset into Data[0] and Data[1];
// see IO().
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the union for a KVM_EXIT_IO exit: direction, size, port, count,
// and the byte offset (from the start of RunData) of the data buffer.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]
	return
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func ioctl(fd int, op uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, arg)
	if errno != 0 {
		return res, errno
	}
	return res, nil
}

// OpenDevice opens the host's /dev/kvm control device.
func OpenDevice() (int, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("open /dev/kvm: %w", err)
	}
	return fd, nil
}

// GetAPIVersion returns the KVM API version; callers should verify it is 12.
func GetAPIVersion(kvmFD int) (int, error) {
	v, err := ioctl(kvmFD, kvmGetAPIVersion, 0)
	return int(v), err
}

// DoKVMCreateVM creates a VM and returns its file descriptor.
func DoKVMCreateVM(kvmFD int) (int, error) {
	fd, err := ioctl(kvmFD, kvmCreateVM, 0)
	if err != nil {
		return -1, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}
	return int(fd), nil
}

// DoKVMCreateVCPU creates vCPU id and returns its file descriptor.
func DoKVMCreateVCPU(vmFD int, id int) (int, error) {
	fd, err := ioctl(vmFD, kvmCreateVCPU, uintptr(id))
	if err != nil {
		return -1, fmt.Errorf("KVM_CREATE_VCPU: %w", err)
	}
	return int(fd), nil
}

// DoKVMGetVCPUMMapSize returns the size to mmap from a vCPU fd to obtain its
// RunData region.
func DoKVMGetVCPUMMapSize(kvmFD int) (int, error) {
	v, err := ioctl(kvmFD, kvmGetVCPUMMapSize, 0)
	if err != nil {
		return 0, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	return int(v), nil
}

// DoKVMSetTSSAddr satisfies Intel hosts that require a TSS area below 4GB.
func DoKVMSetTSSAddr(vmFD int) error {
	_, err := ioctl(vmFD, kvmSetTSSAddr, 0xffffd000)
	if err != nil {
		return fmt.Errorf("KVM_SET_TSS_ADDR: %w", err)
	}
	return nil
}

// DoKVMSetIdentityMapAddr satisfies Intel hosts that require an identity map
// page below 4GB, even though this VMM never enables paging.
func DoKVMSetIdentityMapAddr(vmFD int) error {
	addr := uint64(0xffffc000)
	_, err := ioctl(vmFD, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))
	if err != nil {
		return fmt.Errorf("KVM_SET_IDENTITY_MAP_ADDR: %w", err)
	}
	return nil
}

// DoKVMSetUserMemoryRegion installs guest RAM backed by the host memory at
// userspaceAddr.
func DoKVMSetUserMemoryRegion(vmFD int, slot uint32, guestPhysAddr, memorySize uint64, userspaceAddr uintptr) error {
	region := UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    memorySize,
		UserspaceAddr: uint64(userspaceAddr),
	}
	_, err := ioctl(vmFD, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	if err != nil {
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION: %w", err)
	}
	return nil
}

// DoKVMGetRegs reads the vCPU's general-purpose registers.
func DoKVMGetRegs(vcpuFD int) (*Regs, error) {
	var regs Regs
	_, err := ioctl(vcpuFD, kvmGetRegs, uintptr(unsafe.Pointer(&regs)))
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_REGS: %w", err)
	}
	return &regs, nil
}

// DoKVMSetRegs writes the vCPU's general-purpose registers.
func DoKVMSetRegs(vcpuFD int, regs *Regs) error {
	_, err := ioctl(vcpuFD, kvmSetRegs, uintptr(unsafe.Pointer(regs)))
	if err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w", err)
	}
	return nil
}

// DoKVMGetSregs reads the vCPU's segment/control registers.
func DoKVMGetSregs(vcpuFD int) (*Sregs, error) {
	var sregs Sregs
	_, err := ioctl(vcpuFD, kvmGetSregs, uintptr(unsafe.Pointer(&sregs)))
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_SREGS: %w", err)
	}
	return &sregs, nil
}

// DoKVMSetSregs writes the vCPU's segment/control registers.
func DoKVMSetSregs(vcpuFD int, sregs *Sregs) error {
	_, err := ioctl(vcpuFD, kvmSetSregs, uintptr(unsafe.Pointer(sregs)))
	if err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}
	return nil
}

// DoKVMRun resumes the vCPU until its next exit. EAGAIN/EINTR are not
// errors; the caller should simply inspect the exit reason again.
func DoKVMRun(vcpuFD int) error {
	_, err := ioctl(vcpuFD, kvmRun, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("KVM_RUN: %w", err)
	}
	return nil
}

// MmapRunData maps the vCPU's RunData region.
func MmapRunData(vcpuFD int, size int) (*RunData, []byte, error) {
	b, err := unix.Mmap(vcpuFD, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap vcpu run region: %w", err)
	}
	return (*RunData)(unsafe.Pointer(&b[0])), b, nil
}

// Munmap releases a region obtained from MmapRunData or guest memory setup.
func Munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}
