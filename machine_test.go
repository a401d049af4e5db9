package hawkvmm_test

import (
	"os"
	"strings"
	"testing"
	"time"

	hawkvmm "github.com/dopecoder/hawkvmm"
)

func requireKVM(t *testing.T) {
	t.Helper()
	if os.Getuid() != 0 {
		t.Skip("requires root to open /dev/kvm")
	}
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("/dev/kvm unavailable: %v", err)
	}
}

func writeGuestImage(t *testing.T, code []byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "guest-*.bin")
	if err != nil {
		t.Fatalf("create temp guest image: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(code); err != nil {
		t.Fatalf("write guest image: %v", err)
	}
	return f.Name()
}

// TestProtectedModeBootConsoleAndHalt boots a guest that writes 'P' to the
// console port and halts, and checks the VMM observes a clean halt.
func TestProtectedModeBootConsoleAndHalt(t *testing.T) {
	requireKVM(t)

	// Flat 32-bit protected mode, no GDT reload needed (sregs already set):
	//   mov al, 'P'
	//   out 0x42, al
	//   mov al, 0x0A
	//   out 0x42, al
	//   hlt
	guest := []byte{
		0xB0, 'P', // mov al, 'P'
		0xE6, 0x42, // out 0x42, al
		0xB0, 0x0A, // mov al, '\n'
		0xE6, 0x42, // out 0x42, al
		0xF4, // hlt
	}
	path := writeGuestImage(t, guest)

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	m, err := hawkvmm.New(path, hawkvmm.DefaultMemorySize)
	if err != nil {
		w.Close()
		t.Fatalf("New: %v", err)
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- m.Run() }()

	var runErr error
	select {
	case runErr = <-runErrCh:
	case <-time.After(5 * time.Second):
		t.Fatal("guest did not halt within 5s")
	}
	w.Close()

	buf := make([]byte, 64)
	n, _ := r.Read(buf)
	r.Close()

	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if got := string(buf[:n]); !strings.Contains(got, "P") {
		t.Fatalf("expected console output to contain %q, got %q", "P", got)
	}
}
