package devices

import (
	"context"
	"testing"
)

func readStatus(t *testing.T, k *Keyboard) byte {
	t.Helper()
	data := []byte{0}
	if err := k.HandleIO(PortKeyboardStatus, IODirectionIn, 1, data); err != nil {
		t.Fatalf("status read: %v", err)
	}
	return data[0]
}

func readChar(t *testing.T, k *Keyboard) byte {
	t.Helper()
	data := []byte{0}
	if err := k.HandleIO(PortKeyboardChar, IODirectionIn, 1, data); err != nil {
		t.Fatalf("char read: %v", err)
	}
	return data[0]
}

func ack(t *testing.T, k *Keyboard) {
	t.Helper()
	if err := k.HandleIO(PortKeyboardStatus, IODirectionOut, 1, []byte{0}); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestKeyboardLosslessDrain(t *testing.T) {
	k := NewKeyboard()
	line := "hello\n"
	k.PublishLine(context.Background(), []byte(line))

	var got []byte
	for readStatus(t, k) == 1 {
		got = append(got, readChar(t, k))
		ack(t, k)
	}

	if string(got) != line {
		t.Fatalf("got %q, want %q", got, line)
	}
	if readStatus(t, k) != 0 {
		t.Fatalf("expected status 0 after full drain")
	}
}

func TestKeyboardMissedAckRereadsSameByte(t *testing.T) {
	k := NewKeyboard()
	k.PublishLine(context.Background(), []byte("ab\n"))

	first := readChar(t, k)
	second := readChar(t, k) // no ack between reads
	if first != second {
		t.Fatalf("expected re-read of same byte without ack, got %q then %q", first, second)
	}
}

func TestKeyboardHandoffSafety(t *testing.T) {
	k := NewKeyboard()
	k.PublishLine(context.Background(), []byte("x\n"))

	done := make(chan struct{})
	go func() {
		k.PublishLine(context.Background(), []byte("y\n"))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second PublishLine returned before first line was drained")
	default:
	}

	for readStatus(t, k) == 1 {
		readChar(t, k)
		ack(t, k)
	}
	<-done
}

func TestKeyboardPublishLineReturnsOnCancel(t *testing.T) {
	k := NewKeyboard()
	k.PublishLine(context.Background(), []byte("stuck\n")) // guest never drains this one

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		k.PublishLine(ctx, []byte("never published\n"))
		close(done)
	}()

	cancel()
	<-done // PublishLine must observe cancellation and return without publishing
}
