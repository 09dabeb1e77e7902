package dcs

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/priomux/priomux/internal/wire"
)

func pipeDialer(target io.ReadWriteCloser) Dialer {
	return func(ctx context.Context, host string, port int) (io.ReadWriteCloser, error) {
		return target, nil
	}
}

func newTestPeer(t *testing.T, cfg Config) (net.Conn, net.Conn) {
	t.Helper()
	tunnelLocal, tunnelRemote := net.Pipe()
	p := NewPeer(tunnelLocal, cfg)
	done := make(chan struct{})
	go func() { p.Run(); close(done) }()
	t.Cleanup(func() {
		tunnelRemote.Close()
		<-done
	})
	return tunnelLocal, tunnelRemote
}

func TestOpenEchoClose(t *testing.T) {
	targetLocal, targetRemote := net.Pipe()
	t.Cleanup(func() { targetRemote.Close() })

	_, tunnelRemote := newTestPeer(t, Config{Dial: pipeDialer(targetLocal)})

	tunnelRemote.Write(wire.Encode(wire.OPEN, 7, 1, wire.EncodeAddressASCII("127.0.0.1", 7)))

	ack, err := wire.ReadFrame(tunnelRemote)
	if err != nil {
		t.Fatalf("ReadFrame ack: %v", err)
	}
	if ack.MsgType != wire.OPEN || ack.StreamID != 1 || string(ack.Payload) != "ok" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	go tunnelRemote.Write(wire.Encode(wire.DATA, 7, 1, []byte("ping")))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(targetRemote, buf); err != nil {
		t.Fatalf("target read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("target got %q, want ping", buf)
	}

	go targetRemote.Write([]byte("pong"))
	data, err := wire.ReadFrame(tunnelRemote)
	if err != nil {
		t.Fatalf("ReadFrame data: %v", err)
	}
	if data.MsgType != wire.DATA || data.StreamID != 1 || string(data.Payload) != "pong" {
		t.Fatalf("unexpected data frame: %+v", data)
	}

	go tunnelRemote.Write(wire.Encode(wire.CLOSE, 0, 1, nil))
	eofBuf := make([]byte, 1)
	if _, err := targetRemote.Read(eofBuf); err != io.EOF {
		t.Fatalf("target read after CLOSE = %v, want io.EOF", err)
	}
}

func TestDialFailureSendsClose(t *testing.T) {
	dialer := func(ctx context.Context, host string, port int) (io.ReadWriteCloser, error) {
		return nil, errDial
	}
	_, tunnelRemote := newTestPeer(t, Config{Dial: dialer})

	tunnelRemote.Write(wire.Encode(wire.OPEN, 0, 5, wire.EncodeAddressASCII("127.0.0.1", 1)))
	f, err := wire.ReadFrame(tunnelRemote)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.MsgType != wire.CLOSE || f.StreamID != 5 {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if string(f.Payload)[:12] != "open_failed:" {
		t.Fatalf("payload = %q, want open_failed: prefix", f.Payload)
	}
}

type dialErr struct{}

func (*dialErr) Error() string { return "dial refused" }

var errDial = &dialErr{}

func TestTargetEOFSendsClose(t *testing.T) {
	targetLocal, targetRemote := net.Pipe()

	_, tunnelRemote := newTestPeer(t, Config{Dial: pipeDialer(targetLocal)})

	tunnelRemote.Write(wire.Encode(wire.OPEN, 0, 9, wire.EncodeAddressASCII("127.0.0.1", 7)))
	if _, err := wire.ReadFrame(tunnelRemote); err != nil {
		t.Fatalf("ReadFrame ack: %v", err)
	}

	go func() {
		targetRemote.Write([]byte("abc"))
		targetRemote.Close()
	}()

	data, err := wire.ReadFrame(tunnelRemote)
	if err != nil {
		t.Fatalf("ReadFrame data: %v", err)
	}
	if string(data.Payload) != "abc" {
		t.Fatalf("data payload = %q, want abc", data.Payload)
	}

	closeFrame, err := wire.ReadFrame(tunnelRemote)
	if err != nil {
		t.Fatalf("ReadFrame close: %v", err)
	}
	if closeFrame.MsgType != wire.CLOSE || string(closeFrame.Payload) != "eof" {
		t.Fatalf("unexpected close frame: %+v", closeFrame)
	}
}

func TestDuplicateOpenRejected(t *testing.T) {
	targetLocal, _ := net.Pipe()

	_, tunnelRemote := newTestPeer(t, Config{Dial: pipeDialer(targetLocal)})

	tunnelRemote.Write(wire.Encode(wire.OPEN, 0, 3, wire.EncodeAddressASCII("127.0.0.1", 7)))
	if _, err := wire.ReadFrame(tunnelRemote); err != nil {
		t.Fatalf("ReadFrame ack: %v", err)
	}

	tunnelRemote.Write(wire.Encode(wire.OPEN, 0, 3, wire.EncodeAddressASCII("127.0.0.1", 7)))
	f, err := wire.ReadFrame(tunnelRemote)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.MsgType != wire.CLOSE || f.StreamID != 3 {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestTunnelLossClosesTargets(t *testing.T) {
	targetLocal, targetRemote := net.Pipe()

	tunnelLocal, tunnelRemote := net.Pipe()
	p := NewPeer(tunnelLocal, Config{Dial: pipeDialer(targetLocal)})
	done := make(chan struct{})
	go func() { p.Run(); close(done) }()

	tunnelRemote.Write(wire.Encode(wire.OPEN, 0, 1, wire.EncodeAddressASCII("127.0.0.1", 7)))
	if _, err := wire.ReadFrame(tunnelRemote); err != nil {
		t.Fatalf("ReadFrame ack: %v", err)
	}

	tunnelRemote.Close()
	<-done

	buf := make([]byte, 1)
	if _, err := targetRemote.Read(buf); err != io.EOF {
		t.Fatalf("target read after tunnel loss = %v, want io.EOF", err)
	}
}

func TestDataToUnknownStreamDroppedSilently(t *testing.T) {
	targetLocal, _ := net.Pipe()
	_, tunnelRemote := newTestPeer(t, Config{Dial: pipeDialer(targetLocal)})

	tunnelRemote.Write(wire.Encode(wire.DATA, 0, 42, []byte("ignored")))

	// Give the reader loop a moment to process, then confirm the tunnel
	// is still alive by completing an unrelated OPEN.
	time.Sleep(10 * time.Millisecond)
	tunnelRemote.Write(wire.Encode(wire.OPEN, 0, 1, wire.EncodeAddressASCII("127.0.0.1", 7)))
	f, err := wire.ReadFrame(tunnelRemote)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.MsgType != wire.OPEN || f.StreamID != 1 {
		t.Fatalf("unexpected frame: %+v", f)
	}
}
