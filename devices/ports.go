package devices

// Port map for the guest<->VMM ABI (spec §4.4). Bit-exact; do not renumber.
const (
	PortConsoleOut     uint16 = 0x42
	PortKeyboardChar   uint16 = 0x44
	PortKeyboardStatus uint16 = 0x45
	PortTimerInterval  uint16 = 0x46
	PortTimerEnable    uint16 = 0x47
)
