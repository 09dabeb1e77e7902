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

// Package wire implements the minimal-profile framing protocol that runs on
// top of the tunnel: an 8-octet big-endian header followed by the payload.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Message types carried by a Frame.
const (
	OPEN  byte = 1
	DATA  byte = 2
	CLOSE byte = 3
)

const (
	sizeOfMsgType    = 1
	sizeOfPriority   = 1
	sizeOfStreamID   = 2
	sizeOfPayloadLen = 4
	headerSize       = sizeOfMsgType + sizeOfPriority + sizeOfStreamID + sizeOfPayloadLen
)

// HeaderSize is the fixed header length every frame pays on top of its
// payload (spec.md §3). Callers that bound a payload to a byte budget (e.g.
// ppp.Config.ChunkSize against an egress.Scheduler's bytes_per_tick) must
// subtract this before comparing against the raw payload size.
const HeaderSize = headerSize

// MaxPayload bounds payload_len to keep a single malformed header from
// triggering an unbounded allocation.
const MaxPayload = 16 << 20 // 16MiB

// ErrProtocolViolation marks the tunnel as fatal: a peer sent a header this
// decoder cannot make sense of.
var ErrProtocolViolation = errors.New("wire: protocol violation")

// ErrPeerGone marks the tunnel as fatal in a different way: the underlying
// transport ended (or broke) before a full frame could be read. It is
// distinct from ErrProtocolViolation because it carries no implication that
// the peer misbehaved.
var ErrPeerGone = errors.New("wire: peer gone")

// Frame is one protocol unit: header plus payload.
type Frame struct {
	MsgType   byte
	Priority  uint8
	StreamID  uint16
	Payload   []byte
}

// Encode serializes one frame (header plus payload) into a single
// contiguous byte slice suitable for
// handing straight to an egress queue — spec.md §3 requires queue entries to
// already be fully-encoded frames.
func Encode(msgType byte, priority uint8, streamID uint16, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	buf[0] = msgType
	buf[1] = priority
	binary.BigEndian.PutUint16(buf[2:4], streamID)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf
}

// ReadFrame blocks until a full frame (header and, if non-empty, payload)
// has been read from r, or until the read fails. Per spec.md §4.1 a
// premature end of transport is reported as ErrPeerGone, never as a silent
// short frame, and an unrecognized msg_type is reported as
// ErrProtocolViolation, which is connection-fatal.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, errors.Wrap(ErrPeerGone, err.Error())
	}

	msgType := hdr[0]
	if msgType != OPEN && msgType != DATA && msgType != CLOSE {
		return Frame{}, errors.Wrapf(ErrProtocolViolation, "unknown msg_type %d", msgType)
	}

	priority := hdr[1]
	streamID := binary.BigEndian.Uint16(hdr[2:4])
	payloadLen := binary.BigEndian.Uint32(hdr[4:8])
	if payloadLen > MaxPayload {
		return Frame{}, errors.Wrapf(ErrProtocolViolation, "payload_len %d exceeds limit", payloadLen)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, errors.Wrap(ErrPeerGone, err.Error())
		}
	}

	return Frame{
		MsgType:  msgType,
		Priority: priority,
		StreamID: streamID,
		Payload:  payload,
	}, nil
}

// ClampPriority restricts a priority value from the public API to the wire
// range 0..7 (spec.md §4.4: "appends to the queue for clamp(priority, 0, 7)").
// Priority values arriving on the wire from a peer are accepted as-is and
// must not be re-clamped by the receiver (spec.md §8 boundary behavior).
func ClampPriority(p int) uint8 {
	if p < 0 {
		return 0
	}
	if p > 7 {
		return 7
	}
	return uint8(p)
}
