// Package hawkvmm boots a single-vCPU 32-bit protected-mode freestanding
// guest binary under Linux KVM and services its console, keyboard, and
// timer ports until it halts.
package hawkvmm

import (
	"context"
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dopecoder/hawkvmm/devices"
	"github.com/dopecoder/hawkvmm/hypervisor"
)

// DefaultMemorySize is the guest RAM size used when the caller does not
// override it.
const DefaultMemorySize = 2 * 1024 * 1024

// Machine owns a KVM VM, its single vCPU, guest memory, and the devices
// reachable from the guest over port I/O.
type Machine struct {
	kvmFD       int
	vmFD        int
	guestMemory []byte
	vcpu        *VCPU

	bus      *devices.IOBus
	console  *devices.Console
	keyboard *devices.Keyboard
	timer    *devices.Timer

	readerCancel context.CancelFunc
	readerDone   chan struct{}
}

// New opens /dev/kvm, creates a VM and a single vCPU, loads the guest binary
// at guestImagePath into guest-physical 0, wires up the console/keyboard/
// timer devices, and spawns the host reader task. The returned Machine is
// ready to Run.
func New(guestImagePath string, memorySize uint64) (*Machine, error) {
	if memorySize == 0 {
		memorySize = DefaultMemorySize
	}

	kvmFD, err := hypervisor.OpenDevice()
	if err != nil {
		return nil, err
	}

	vmFD, err := hypervisor.DoKVMCreateVM(kvmFD)
	if err != nil {
		unix.Close(kvmFD)
		return nil, err
	}

	if err := hypervisor.DoKVMSetTSSAddr(vmFD); err != nil {
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, err
	}
	if err := hypervisor.DoKVMSetIdentityMapAddr(vmFD); err != nil {
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, err
	}

	guestMem, err := unix.Mmap(-1, 0, int(memorySize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("allocate guest memory: %w", err)
	}

	if err := hypervisor.DoKVMSetUserMemoryRegion(vmFD, 0, 0, memorySize, uintptr(unsafe.Pointer(&guestMem[0]))); err != nil {
		unix.Munmap(guestMem)
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, err
	}

	if err := loadGuestImage(guestImagePath, guestMem); err != nil {
		unix.Munmap(guestMem)
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, err
	}

	bus := devices.NewIOBus()
	console := devices.NewConsole(os.Stdout)
	keyboard := devices.NewKeyboard()
	timer := devices.NewTimer(devices.NewSystemClock())
	bus.RegisterDevice(devices.PortConsoleOut, devices.PortConsoleOut, console)
	bus.RegisterDevice(devices.PortKeyboardChar, devices.PortKeyboardChar, keyboard)
	bus.RegisterDevice(devices.PortKeyboardStatus, devices.PortKeyboardStatus, keyboard)
	bus.RegisterDevice(devices.PortTimerInterval, devices.PortTimerEnable, timer)

	vcpu, err := NewVCPU(vmFD, kvmFD, bus)
	if err != nil {
		unix.Munmap(guestMem)
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, err
	}

	m := &Machine{
		kvmFD:       kvmFD,
		vmFD:        vmFD,
		guestMemory: guestMem,
		vcpu:        vcpu,
		bus:         bus,
		console:     console,
		keyboard:    keyboard,
		timer:       timer,
	}
	m.startReader(os.Stdin)
	return m, nil
}

func (m *Machine) startReader(input io.Reader) {
	ctx, cancel := context.WithCancel(context.Background())
	m.readerCancel = cancel
	m.readerDone = make(chan struct{})
	go func() {
		defer close(m.readerDone)
		devices.RunReader(ctx, input, m.keyboard)
	}()
}

func loadGuestImage(path string, guestMem []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open guest image: %w", err)
	}
	defer f.Close()

	n, err := io.ReadFull(f, guestMem)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return fmt.Errorf("read guest image: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("guest image %q is empty", path)
	}
	if n == len(guestMem) {
		var extra [1]byte
		if m, _ := f.Read(extra[:]); m > 0 {
			return fmt.Errorf("guest image %q is larger than guest memory (%d bytes)", path, len(guestMem))
		}
	}
	return nil
}

// Run drives the vCPU until the guest halts or a fatal error occurs. On
// return, guest memory, the vCPU, and the VM/KVM descriptors have been
// released and the reader task's context has been cancelled. Run does not
// wait for the reader: a reader blocked inside a stdin read keeps running
// until that read returns or the process exits.
func (m *Machine) Run() error {
	runErr := m.vcpu.Run()
	m.teardown()
	return runErr
}

func (m *Machine) teardown() {
	m.readerCancel()
	// Cancellation unblocks a reader parked in PublishLine (awaiting drain)
	// immediately. A reader parked in the stdin read itself can't be
	// interrupted out-of-band; it is reaped when the process exits.
	m.vcpu.Close()
	unix.Munmap(m.guestMemory)
	unix.Close(m.vmFD)
	unix.Close(m.kvmFD)
}
