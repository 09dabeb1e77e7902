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

// Package ppp implements the client (initiator) peer of spec.md §4.4/§4.5:
// it accepts local Open calls, frames and schedules them onto one tunnel
// connection via an internal/egress.Scheduler, and dispatches inbound
// frames from a tunnel reader loop back to the matching Stream.
//
// Grounded throughout on the teacher's client/main.go wiring (session
// construction, config application) and std/copy.go (stream-pumping
// idiom), generalized from kcptun's fixed local<->remote stream copy to
// the spec's per-stream multiplexing over one tunnel.
package ppp

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/priomux/priomux/internal/egress"
	"github.com/priomux/priomux/internal/streamtable"
	"github.com/priomux/priomux/internal/wire"
)

// ErrStreamsExhausted is returned by Open once all 65536 stream_id values
// (0 through 65535) have been handed out without reuse (spec.md §3: "not
// reused until both peers have observed CLOSE" — this peer chooses never to
// reuse at all, see SPEC_FULL.md Design Note ii).
var ErrStreamsExhausted = errors.New("ppp: stream_id space exhausted")

// ErrPeerClosed is returned by Open once the peer has begun or finished
// shutdown.
var ErrPeerClosed = errors.New("ppp: peer closed")

// Config configures a Peer.
type Config struct {
	// AddrMode selects how Open encodes its target into the OPEN payload.
	AddrMode wire.AddressMode

	// ChunkSize bounds DATA payload size. It is clamped to at most
	// BytesPerTick minus the wire header (spec.md §4.4 Rationale: "a
	// frame larger than bytes_per_tick would stall the link forever"),
	// so a caller-supplied value that would otherwise wedge the
	// scheduler is silently tightened rather than trusted. Defaults to
	// 64KiB before clamping.
	ChunkSize int

	// TickInterval and BytesPerTick configure the egress scheduler
	// (internal/egress.Scheduler). Defaults: 50ms / 64KiB.
	TickInterval time.Duration
	BytesPerTick int

	// KeepAlive, when positive, sends an empty DATA heartbeat frame on
	// this interval to keep the tunnel's NAT/firewall state alive while
	// otherwise idle. The teacher wires this into smux's
	// KeepAliveInterval; since the mux layer here is reimplemented
	// rather than smux, the heartbeat lives at this level instead. A
	// zero-length DATA payload is a defined no-op on both peers
	// (spec.md §8) regardless of whether its stream_id is live, so
	// heartbeatLoop can safely reuse id 0 without reserving it.
	KeepAlive time.Duration

	// OnTunnelGone, if set, is called once when the tunnel is judged gone
	// (read or write failure), after all live streams have been flushed
	// to EOF. Useful for triggering a process-level reconnect.
	OnTunnelGone func(error)
}

func (c Config) bytesPerTick() int {
	if c.BytesPerTick > 0 {
		return c.BytesPerTick
	}
	return egress.DefaultBytesPerTick
}

func (c Config) chunkSize() int {
	cs := c.ChunkSize
	if cs <= 0 {
		cs = 64 * 1024
	}
	if max := c.bytesPerTick() - wire.HeaderSize; max > 0 && cs > max {
		cs = max
	}
	return cs
}

// Peer is one client-side tunnel endpoint: one egress scheduler, one stream
// table, one tunnel reader loop. The scheduler is the sole writer to the
// tunnel (spec.md §5, §9 "On the client, the scheduler *is* that actor").
type Peer struct {
	conn  io.ReadWriteCloser
	sched *egress.Scheduler
	table *streamtable.Table
	cfg   Config

	nextID  uint32 // next stream_id to hand out; never reused
	idMu    sync.Mutex
	goneOne sync.Once
	closed  int32 // atomic bool

	done     chan struct{}
	stopOnce sync.Once
}

// NewPeer wraps conn as a client tunnel endpoint and starts its scheduler,
// reader loop, and (if cfg.KeepAlive is set) heartbeat goroutines. Callers
// must call Close to release them.
func NewPeer(conn io.ReadWriteCloser, cfg Config) *Peer {
	p := &Peer{
		conn:  conn,
		table: streamtable.New(),
		cfg:   cfg,
		done:  make(chan struct{}),
	}
	p.sched = egress.New(conn, cfg.TickInterval, p.onWriteError)
	if cfg.BytesPerTick > 0 {
		p.sched.SetLinkBandwidth(cfg.BytesPerTick)
	}
	go p.sched.Run()
	go p.recvLoop()
	if cfg.KeepAlive > 0 {
		go p.heartbeatLoop(cfg.KeepAlive)
	}
	return p
}

// heartbeatLoop enqueues an empty DATA frame on stream_id 0 every interval,
// keeping NAT/firewall state alive across otherwise-idle tunnels. See
// Config.KeepAlive.
func (p *Peer) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sched.Enqueue(0, wire.Encode(wire.DATA, 0, 0, nil))
		case <-p.done:
			return
		}
	}
}

func (p *Peer) stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

// Open allocates a stream_id, installs OPENING state, encodes target per
// cfg.AddrMode, and enqueues an OPEN frame at priority (clamped to 0..7).
// It returns the Stream immediately; callers should not assume OPEN has
// reached the wire, let alone been acked — spec.md §9 leaves OPEN-ACK
// gating an open question the source answers "no" to, and this peer keeps
// that answer: Open never blocks waiting for the echoed OPEN.
func (p *Peer) Open(host string, port int, priority int) (*Stream, error) {
	if atomic.LoadInt32(&p.closed) != 0 {
		return nil, ErrPeerClosed
	}

	id, err := p.allocID()
	if err != nil {
		return nil, err
	}

	prio := wire.ClampPriority(priority)
	st := newStream(id, prio, p)
	state := &streamtable.State{ID: id, Role: streamtable.Initiator, Inbox: st}
	state.SetPhase(streamtable.Opening)
	if !p.table.Insert(id, state) {
		// Can only happen if allocID's invariant (never reuse) is
		// violated; treated as a programmer error, not a wire event.
		return nil, errors.Errorf("ppp: stream_id %d already live", id)
	}

	var payload []byte
	if p.cfg.AddrMode == wire.AddressTyped {
		atyp := wire.ATypDomain
		if net.ParseIP(host).To4() != nil {
			atyp = wire.ATypIPv4
		}
		payload, err = wire.EncodeAddressTyped(atyp, host, port)
		if err != nil {
			p.table.Delete(id)
			return nil, err
		}
	} else {
		payload = wire.EncodeAddressASCII(host, port)
	}

	frame := wire.Encode(wire.OPEN, prio, id, payload)
	if err := p.sched.Enqueue(prio, frame); err != nil {
		p.table.Delete(id)
		return nil, err
	}
	return st, nil
}

func (p *Peer) allocID() (uint16, error) {
	p.idMu.Lock()
	defer p.idMu.Unlock()
	if p.nextID > 65535 {
		return 0, ErrStreamsExhausted
	}
	id := uint16(p.nextID)
	p.nextID++
	return id, nil
}

func (p *Peer) chunkSize() int { return p.cfg.chunkSize() }

// forget removes id from the table without touching the wire; used by
// Stream.Close after it has already enqueued its own CLOSE frame.
func (p *Peer) forget(id uint16) {
	if st, ok := p.table.Get(id); ok {
		st.SetPhase(streamtable.Closed)
		st.MarkClosed()
	}
	p.table.Delete(id)
}

// recvLoop is the client-side tunnel reader loop of spec.md §4.5.
func (p *Peer) recvLoop() {
	for {
		f, err := wire.ReadFrame(p.conn)
		if err != nil {
			p.onTunnelGone(err)
			return
		}

		switch f.MsgType {
		case wire.OPEN:
			// OPEN-ACK: complete OPENING -> OPEN if the id is still
			// live and waiting; otherwise it is dropped (spec.md
			// §4.5).
			if st, ok := p.table.Get(f.StreamID); ok {
				st.SetPhase(streamtable.Open)
			}
		case wire.DATA:
			st, ok := p.table.Get(f.StreamID)
			if !ok || st.IsClosed() {
				continue // dropped silently, spec.md §8
			}
			if stream, ok := st.Inbox.(*Stream); ok {
				stream.Deliver(f.Payload)
			}
		case wire.CLOSE:
			st, ok := p.table.Get(f.StreamID)
			if !ok {
				continue // unknown id, silently ignored, spec.md §8
			}
			if !st.MarkClosed() {
				continue // already closed locally; idempotent
			}
			st.SetPhase(streamtable.Closed)
			if st.Inbox != nil {
				st.Inbox.CloseInbox()
			}
			p.table.Delete(f.StreamID)
		}
	}
}

// onWriteError is the egress scheduler's failure callback; a tunnel write
// failure is treated identically to a tunnel read failure (spec.md §7
// "transport-gone ... fatal to all streams on that tunnel").
func (p *Peer) onWriteError(err error) {
	p.onTunnelGone(err)
}

func (p *Peer) onTunnelGone(err error) {
	p.goneOne.Do(func() {
		for _, id := range p.table.IDs() {
			if st, ok := p.table.Get(id); ok {
				st.MarkClosed()
				st.SetPhase(streamtable.Closed)
				if st.Inbox != nil {
					st.Inbox.CloseInbox()
				}
			}
			p.table.Delete(id)
		}
		p.sched.Stop()
		p.stop()
		if p.cfg.OnTunnelGone != nil {
			p.cfg.OnTunnelGone(err)
		}
	})
}

// Close enqueues CLOSE for every live stream, waits at least one tick for
// those frames to reach the wire (spec.md §4.4 "Shutdown"), then stops the
// scheduler and closes the tunnel connection.
func (p *Peer) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}

	for _, id := range p.table.IDs() {
		st, ok := p.table.Get(id)
		if !ok {
			continue
		}
		if stream, ok := st.Inbox.(*Stream); ok {
			stream.Close()
		}
	}

	tick := p.cfg.TickInterval
	if tick <= 0 {
		tick = egress.DefaultTickInterval
	}
	time.Sleep(tick + tick/2)

	p.sched.Stop()
	p.stop()
	return p.conn.Close()
}
