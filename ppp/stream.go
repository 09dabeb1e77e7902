// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package ppp

import (
	"io"
	"sync"

	"github.com/priomux/priomux/internal/wire"
)

// Stream is the client-side (initiator) upper-layer handle for one
// multiplexed stream, offered to the SOCKS5 ingress adapter or any other
// caller of Peer.Open. It implements streamtable.Inbox so the tunnel reader
// loop can deliver inbound DATA/CLOSE straight into it (spec.md §4.5).
//
// Buffering and wakeup follow the teacher's vendored smux stream
// (vendor/github.com/xtaci/smux/stream.go): a mutex-guarded slice of
// pending buffers and a single-slot wakeup channel, rather than an
// unbounded channel of []byte, so a slow reader doesn't make the ingress
// dispatch loop block on channel capacity.
type Stream struct {
	id       uint16
	priority uint8
	peer     *Peer

	bufferLock sync.Mutex
	buffers    [][]byte
	eof        bool // CLOSE observed, peer gone, or closed locally

	chReaderWakeup chan struct{}

	closeOnce sync.Once
	closed    bool // local write-closed; guarded by bufferLock
}

func newStream(id uint16, priority uint8, peer *Peer) *Stream {
	return &Stream{
		id:             id,
		priority:       priority,
		peer:           peer,
		chReaderWakeup: make(chan struct{}, 1),
	}
}

// ID returns the stream_id assigned at Open time.
func (s *Stream) ID() uint16 { return s.id }

// Deliver appends an inbound DATA payload for this stream, implementing
// streamtable.Inbox. A zero-length payload is a legal no-op (spec.md §8).
func (s *Stream) Deliver(payload []byte) {
	if len(payload) == 0 {
		return
	}
	s.bufferLock.Lock()
	s.buffers = append(s.buffers, payload)
	s.bufferLock.Unlock()
	s.wakeupReader()
}

// CloseInbox marks the stream's read side exhausted, implementing
// streamtable.Inbox. Any blocked or future Read observes io.EOF once
// buffered bytes are drained, matching spec.md §7: "a closed stream
// surfaces as an end-of-stream to the upper-layer reader."
func (s *Stream) CloseInbox() {
	s.bufferLock.Lock()
	s.eof = true
	s.bufferLock.Unlock()
	s.wakeupReader()
}

func (s *Stream) wakeupReader() {
	select {
	case s.chReaderWakeup <- struct{}{}:
	default:
	}
}

// Read implements io.Reader, blocking until at least one byte is available
// or the stream has reached end-of-stream.
func (s *Stream) Read(b []byte) (int, error) {
	for {
		n, err := s.tryRead(b)
		if err != errWouldBlock {
			return n, err
		}
		<-s.chReaderWakeup
	}
}

// errWouldBlock is internal to tryRead/Read; it never escapes to callers.
var errWouldBlock = &blockError{}

type blockError struct{}

func (*blockError) Error() string { return "ppp: read would block" }

func (s *Stream) tryRead(b []byte) (int, error) {
	s.bufferLock.Lock()
	defer s.bufferLock.Unlock()

	if len(s.buffers) > 0 {
		n := copy(b, s.buffers[0])
		s.buffers[0] = s.buffers[0][n:]
		if len(s.buffers[0]) == 0 {
			s.buffers = s.buffers[1:]
		}
		return n, nil
	}
	if s.eof {
		return 0, io.EOF
	}
	return 0, errWouldBlock
}

// Write chunks b into DATA frames of at most the peer's configured chunk
// size (spec.md §4.4: "DATA payloads MUST be chunked by the producer to at
// most bytes_per_tick octets") and enqueues them on the egress scheduler at
// this stream's fixed priority.
func (s *Stream) Write(b []byte) (int, error) {
	if s.isClosed() {
		return 0, io.ErrClosedPipe
	}
	total := 0
	chunk := s.peer.chunkSize()
	for len(b) > 0 {
		n := len(b)
		if n > chunk {
			n = chunk
		}
		frame := wire.Encode(wire.DATA, s.priority, s.id, b[:n])
		if err := s.peer.sched.Enqueue(s.priority, frame); err != nil {
			return total, err
		}
		total += n
		b = b[n:]
	}
	return total, nil
}

func (s *Stream) isClosed() bool {
	s.bufferLock.Lock()
	defer s.bufferLock.Unlock()
	return s.closed
}

// Close enqueues a CLOSE frame for this stream and removes it from the
// table, idempotently. It does not wait for the CLOSE to reach the wire;
// callers tearing down the whole peer should use Peer.Close instead, which
// waits at least one tick per spec.md §4.4.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.bufferLock.Lock()
		s.closed = true
		s.eof = true
		s.bufferLock.Unlock()
		s.wakeupReader()

		frame := wire.Encode(wire.CLOSE, s.priority, s.id, nil)
		s.peer.sched.Enqueue(s.priority, frame)
		s.peer.forget(s.id)
	})
	return nil
}
