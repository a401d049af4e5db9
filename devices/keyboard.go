package devices

import (
	"context"
	"log"
	"runtime"
	"sync"
)

// KeyboardLineCapacity bounds a single buffered line.
const KeyboardLineCapacity = 256

// Keyboard is the host-to-guest character pipe. A host reader task
// publishes complete lines; the guest polls status, reads a character, and
// acks to advance. The guest-facing view is shared between the reader
// goroutine and the VM-exit thread and is guarded by mu for every access,
// satisfying the release/acquire discipline the handoff requires.
type Keyboard struct {
	mu        sync.Mutex
	bytes     [KeyboardLineCapacity]byte
	readPtr   int
	size      int
	available bool
}

// NewKeyboard creates an empty, undrained keyboard pipe.
func NewKeyboard() *Keyboard {
	return &Keyboard{}
}

// PublishLine hands a complete line to the guest-facing view. It blocks
// (busy-waiting with a scheduler yield) until the previous line has been
// fully drained, so the reader task never overwrites an unread line. It
// returns early, without publishing, if ctx is cancelled first, so the
// reader task can be reaped at halt instead of spinning forever on a line
// the guest will never drain.
func (k *Keyboard) PublishLine(ctx context.Context, line []byte) {
	if len(line) > KeyboardLineCapacity {
		log.Printf("keyboard: line of %d bytes exceeds capacity %d, dropping tail", len(line), KeyboardLineCapacity)
		line = line[:KeyboardLineCapacity]
	}
	for {
		if ctx.Err() != nil {
			return
		}
		k.mu.Lock()
		if !k.available {
			copy(k.bytes[:], line)
			k.size = len(line)
			k.readPtr = 0
			k.available = true
			k.mu.Unlock()
			return
		}
		k.mu.Unlock()
		runtime.Gosched()
	}
}

// HandleIO implements PioDevice for ports 0x44 (char read) and 0x45
// (status read, ack write).
func (k *Keyboard) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	if size != 1 || len(data) < 1 {
		log.Printf("keyboard: ignoring width %d access to port 0x%x", size, port)
		return nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	switch {
	case port == PortKeyboardStatus && direction == IODirectionIn:
		if k.available && k.readPtr < k.size {
			data[0] = 1
		} else {
			data[0] = 0
			k.available = false
		}
	case port == PortKeyboardChar && direction == IODirectionIn:
		if k.available && k.readPtr < k.size {
			data[0] = k.bytes[k.readPtr]
		} else {
			data[0] = 0
		}
	case port == PortKeyboardStatus && direction == IODirectionOut:
		if data[0] == 0 {
			k.readPtr++
		}
	default:
		log.Printf("keyboard: unhandled access to port 0x%x dir=%d", port, direction)
	}
	return nil
}
