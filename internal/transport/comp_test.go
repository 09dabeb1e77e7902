package transport

import (
	"bytes"
	"io"
	"net"
	"testing"
)

func TestCompStreamRoundTrip(t *testing.T) {
	left, right := net.Pipe()
	compWriter := NewCompStream(left)
	compReader := NewCompStream(right)
	t.Cleanup(func() {
		compWriter.Close()
		compReader.Close()
	})

	payload := bytes.Repeat([]byte("compressed payload"), 64)
	readErr := make(chan error, 1)

	go func() {
		buf := make([]byte, len(payload))
		if _, err := io.ReadFull(compReader, buf); err != nil {
			readErr <- err
			return
		}
		if !bytes.Equal(buf, payload) {
			readErr <- errNotEqual
			return
		}
		readErr <- nil
	}()

	if n, err := compWriter.Write(append([]byte(nil), payload...)); err != nil {
		t.Fatalf("Write error: %v", err)
	} else if n != len(payload) {
		t.Fatalf("Write returned %d, want %d", n, len(payload))
	}

	if err := <-readErr; err != nil {
		t.Fatalf("reader error: %v", err)
	}
}

var errNotEqual = &mismatchError{}

type mismatchError struct{}

func (*mismatchError) Error() string { return "payload mismatch" }
