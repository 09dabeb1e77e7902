package ppp

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/priomux/priomux/internal/wire"
)

func newTestPeer(t *testing.T, cfg Config) (*Peer, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { local.Close(); remote.Close() })
	p := NewPeer(local, cfg)
	return p, remote
}

func TestOpenEnqueuesOpenFrame(t *testing.T) {
	p, remote := newTestPeer(t, Config{TickInterval: 5 * time.Millisecond})
	defer p.Close()

	if _, err := p.Open("127.0.0.1", 7, 7); err != nil {
		t.Fatalf("Open: %v", err)
	}

	f, err := wire.ReadFrame(remote)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.MsgType != wire.OPEN || f.StreamID != 0 || string(f.Payload) != "127.0.0.1:7" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestDataDeliveredToStream(t *testing.T) {
	p, remote := newTestPeer(t, Config{TickInterval: 5 * time.Millisecond})
	defer p.Close()

	s, err := p.Open("127.0.0.1", 7, 7)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := wire.ReadFrame(remote); err != nil { // drain OPEN
		t.Fatalf("ReadFrame OPEN: %v", err)
	}

	go func() {
		remote.Write(wire.Encode(wire.OPEN, 0, s.ID(), nil))
		remote.Write(wire.Encode(wire.DATA, 0, s.ID(), []byte("pong")))
	}()

	buf := make([]byte, 4)
	if _, err := io.ReadFull(s, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "pong" {
		t.Fatalf("got %q, want pong", buf)
	}
}

func TestCloseFrameMarksStreamEOF(t *testing.T) {
	p, remote := newTestPeer(t, Config{TickInterval: 5 * time.Millisecond})
	defer p.Close()

	s, err := p.Open("127.0.0.1", 7, 7)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := wire.ReadFrame(remote); err != nil {
		t.Fatalf("ReadFrame OPEN: %v", err)
	}

	go remote.Write(wire.Encode(wire.CLOSE, 0, s.ID(), nil))

	buf := make([]byte, 1)
	if _, err := s.Read(buf); err != io.EOF {
		t.Fatalf("Read after CLOSE = %v, want io.EOF", err)
	}
}

func TestWriteChunksAtConfiguredSize(t *testing.T) {
	p, remote := newTestPeer(t, Config{TickInterval: 5 * time.Millisecond, ChunkSize: 4, BytesPerTick: 4096})
	defer p.Close()

	s, err := p.Open("127.0.0.1", 7, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := wire.ReadFrame(remote); err != nil {
		t.Fatalf("ReadFrame OPEN: %v", err)
	}

	if _, err := s.Write([]byte("abcdefgh")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f1, err := wire.ReadFrame(remote)
	if err != nil {
		t.Fatalf("ReadFrame 1: %v", err)
	}
	f2, err := wire.ReadFrame(remote)
	if err != nil {
		t.Fatalf("ReadFrame 2: %v", err)
	}
	if string(f1.Payload) != "abcd" || string(f2.Payload) != "efgh" {
		t.Fatalf("unexpected chunks: %q %q", f1.Payload, f2.Payload)
	}
}

func TestTunnelGoneSurfacesEOFOnLiveStreams(t *testing.T) {
	p, remote := newTestPeer(t, Config{TickInterval: 5 * time.Millisecond})

	s, err := p.Open("127.0.0.1", 7, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := wire.ReadFrame(remote); err != nil {
		t.Fatalf("ReadFrame OPEN: %v", err)
	}

	remote.Close() // simulate tunnel loss

	buf := make([]byte, 1)
	if _, err := s.Read(buf); err != io.EOF {
		t.Fatalf("Read after tunnel loss = %v, want io.EOF", err)
	}
}

func TestStreamWriteAfterCloseReturnsClosedPipe(t *testing.T) {
	p, remote := newTestPeer(t, Config{TickInterval: 5 * time.Millisecond})
	defer p.Close()

	s, err := p.Open("127.0.0.1", 7, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := wire.ReadFrame(remote); err != nil {
		t.Fatalf("ReadFrame OPEN: %v", err)
	}

	s.Close()
	if _, err := s.Write([]byte("x")); err != io.ErrClosedPipe {
		t.Fatalf("Write after Close = %v, want io.ErrClosedPipe", err)
	}
}
