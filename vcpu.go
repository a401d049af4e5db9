package hawkvmm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dopecoder/hawkvmm/devices"
	"github.com/dopecoder/hawkvmm/hypervisor"
)

// VCPU is the single virtual CPU this VMM drives.
type VCPU struct {
	fd     int
	run    *hypervisor.RunData
	runMem []byte
	bus    *devices.IOBus
}

// NewVCPU creates vCPU 0 on vm, maps its RunData region, and initializes its
// registers for flat 32-bit protected mode with rip=0.
func NewVCPU(vmFD, kvmFD int, bus *devices.IOBus) (*VCPU, error) {
	fd, err := hypervisor.DoKVMCreateVCPU(vmFD, 0)
	if err != nil {
		return nil, err
	}

	mmapSize, err := hypervisor.DoKVMGetVCPUMMapSize(kvmFD)
	if err != nil {
		return nil, err
	}

	run, runMem, err := hypervisor.MmapRunData(fd, mmapSize)
	if err != nil {
		return nil, err
	}

	vcpu := &VCPU{fd: fd, run: run, runMem: runMem, bus: bus}
	if err := vcpu.initRegisters(); err != nil {
		return nil, err
	}
	return vcpu, nil
}

func (v *VCPU) initRegisters() error {
	sregs, err := hypervisor.DoKVMGetSregs(v.fd)
	if err != nil {
		return err
	}

	flat := hypervisor.Segment{
		Base: 0, Limit: 0xFFFFFFFF,
		Present: 1, DB: 1, S: 1, G: 1,
	}
	sregs.CS = flat
	sregs.CS.Selector = 1 << 3
	sregs.CS.Type = 11 // execute/read, accessed

	for _, seg := range []*hypervisor.Segment{&sregs.DS, &sregs.ES, &sregs.FS, &sregs.GS, &sregs.SS} {
		*seg = flat
		seg.Selector = 2 << 3
		seg.Type = 3 // read/write, accessed
	}
	sregs.CR0 |= 1 // PE

	if err := hypervisor.DoKVMSetSregs(v.fd, sregs); err != nil {
		return err
	}

	regs, err := hypervisor.DoKVMGetRegs(v.fd)
	if err != nil {
		return err
	}
	regs.RIP = 0
	regs.RFLAGS = 2
	return hypervisor.DoKVMSetRegs(v.fd, regs)
}

// ErrUnknownExit is returned when KVM reports an exit reason this VMM does
// not know how to handle.
type ErrUnknownExit struct {
	Reason uint32
}

func (e *ErrUnknownExit) Error() string {
	return fmt.Sprintf("unexpected vm exit reason %d", e.Reason)
}

// Run drives the vCPU until it halts or hits a fatal exit. It returns nil on
// a clean guest halt.
func (v *VCPU) Run() error {
	for {
		if err := hypervisor.DoKVMRun(v.fd); err != nil {
			return err
		}

		switch v.run.ExitReason {
		case hypervisor.ExitIO:
			if err := v.handleIO(); err != nil {
				return err
			}
		case hypervisor.ExitMMIO:
			// Non-goal: no MMIO devices are modeled; ignore and continue.
		case hypervisor.ExitHLT:
			return nil
		case hypervisor.ExitShutdown, hypervisor.ExitFailEntry:
			return &ErrUnknownExit{Reason: v.run.ExitReason}
		default:
			return &ErrUnknownExit{Reason: v.run.ExitReason}
		}
	}
}

func (v *VCPU) handleIO() error {
	direction, size, port, count, offset := v.run.IO()
	if count == 0 {
		count = 1
	}
	stride := size
	for i := uint64(0); i < count; i++ {
		start := offset + i*stride
		end := start + size
		if end > uint64(len(v.runMem)) {
			return fmt.Errorf("vcpu: io data offset out of range")
		}
		dir := devices.IODirectionOut
		if direction == hypervisor.ExitIOIn {
			dir = devices.IODirectionIn
		}
		if err := v.bus.HandleIO(uint16(port), dir, uint8(size), v.runMem[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps the vCPU's RunData region and closes its file descriptor.
func (v *VCPU) Close() error {
	if err := hypervisor.Munmap(v.runMem); err != nil {
		return err
	}
	return unix.Close(v.fd)
}
