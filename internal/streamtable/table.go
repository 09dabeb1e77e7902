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

// Package streamtable implements the stream_id -> state mapping described in
// spec.md §3/§4.2. The table itself is a dumb, mutex-guarded map, safe to
// use from several goroutines (the peers insert and delete entries from
// their reader loops, from Open/Close callers and from return pumps);
// lifecycle decisions live in the ppp and dcs peers that own it.
package streamtable

import (
	"io"
	"sync"
	"sync/atomic"
)

// Phase is a stream's position in the OPENING -> OPEN -> CLOSING -> CLOSED
// lifecycle of spec.md §4.2.
type Phase int32

const (
	Opening Phase = iota
	Open
	Closing
	Closed
)

func (p Phase) String() string {
	switch p {
	case Opening:
		return "OPENING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Role records which side originated the stream's OPEN frame.
type Role int

const (
	Initiator Role = iota
	Responder
)

// State is one entry in the table. Fields below the embedded phase/closed
// pair are deliberately untyped (interface{}-free but side-specific): the
// client peer only ever populates Inbox, the server peer only ever populates
// Target/CancelPump/PumpDone. Keeping one State type for both sides mirrors
// the teacher's own single smux.Stream type serving both roles, rather than
// introducing parallel ClientState/ServerState types for fields that differ
// only in which side uses them.
type State struct {
	ID   uint16
	Role Role

	phase  int32 // Phase, accessed atomically
	closed int32 // 0/1, monotonic once set to 1

	// Server-side only: the outbound byte-stream for this id, and the
	// means to cancel and await its return pump.
	Target     io.ReadWriteCloser
	CancelPump func()
	PumpDone   chan struct{}

	// Client-side only: where inbound DATA/CLOSE for this id are
	// delivered to the upper-layer reader.
	Inbox Inbox
}

// Inbox is the client-side delivery target for inbound DATA and CLOSE
// frames, implemented by ppp.Stream.
type Inbox interface {
	Deliver(payload []byte)
	CloseInbox()
}

// SetPhase transitions the state's lifecycle phase.
func (s *State) SetPhase(p Phase) {
	atomic.StoreInt32(&s.phase, int32(p))
}

// GetPhase reads the current lifecycle phase.
func (s *State) GetPhase() Phase {
	return Phase(atomic.LoadInt32(&s.phase))
}

// MarkClosed sets the closed flag. It is monotonic: once true, callers
// relying on it may not observe it becoming false again. Returns true the
// first time it transitions (so callers can tell "I closed it" from
// "someone already had").
func (s *State) MarkClosed() (first bool) {
	return atomic.CompareAndSwapInt32(&s.closed, 0, 1)
}

// IsClosed reports the monotonic closed flag without synchronization beyond
// the atomic read (spec.md §5: "may be read without synchronization beyond a
// publication barrier").
func (s *State) IsClosed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

// Table is the stream_id -> *State map for one tunnel side.
type Table struct {
	mu      sync.Mutex
	streams map[uint16]*State
}

// New returns an empty Table.
func New() *Table {
	return &Table{streams: make(map[uint16]*State)}
}

// Insert adds state under id. It reports false (and does not insert) if an
// entry already exists — spec.md §3 invariant 5: "the stream table never
// contains two distinct live entries with the same stream_id", and §8: "an
// OPEN for an id already live is a protocol violation."
func (t *Table) Insert(id uint16, state *State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.streams[id]; exists {
		return false
	}
	t.streams[id] = state
	return true
}

// Get returns the state for id, if any.
func (t *Table) Get(id uint16) (*State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	return s, ok
}

// Delete removes id from the table unconditionally.
func (t *Table) Delete(id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, id)
}

// Len reports the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// IDs returns a snapshot of every live stream_id, used when a tunnel-wide
// shutdown needs to enumerate streams to close (spec.md §4.3 "Tunnel
// teardown") without holding the table lock while running each close
// procedure.
func (t *Table) IDs() []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uint16, 0, len(t.streams))
	for id := range t.streams {
		ids = append(ids, id)
	}
	return ids
}
