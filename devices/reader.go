package devices

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
)

// RunReader blocks reading bytes one at a time from input, assembling lines
// and publishing each to kbd on newline. It returns when input is exhausted
// or errors, or when it finds ctx cancelled. ctx is checked before each read
// and while PublishLine waits for a drain; a reader blocked inside a read
// returns only after that read completes. The caller runs it in its own
// goroutine and cancels ctx on guest halt.
func RunReader(ctx context.Context, input io.Reader, kbd *Keyboard) {
	r := bufio.NewReader(input)
	var line []byte

	for {
		if ctx.Err() != nil {
			return
		}
		b, err := r.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("reader: stdin read error: %v", err)
			}
			return
		}
		line = append(line, b)
		if b != '\n' {
			continue
		}
		kbd.PublishLine(ctx, line)
		line = line[:0]
	}
}
