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

// Package dcs implements the server (responder) peer of spec.md §4.3: it
// decodes frames from one tunnel connection, dials an outbound target per
// OPEN, forwards DATA to that target, and runs the ordered close procedure
// on CLOSE, dial failure, target-write failure, or target EOF.
//
// Grounded on the teacher's server/main.go (session accept + per-stream
// handling loop) and std/copy.go (pump idiom), generalized from kcptun's
// fixed single target to one target dialed per incoming OPEN.
package dcs

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/priomux/priomux/internal/streamtable"
	"github.com/priomux/priomux/internal/wire"
)

// DefaultDialTimeout is the recommended dial timeout of spec.md §5.
const DefaultDialTimeout = 10 * time.Second

// DefaultPumpBufferSize is the return pump's recommended read chunk size
// (spec.md §4.3).
const DefaultPumpBufferSize = 64 * 1024

// Dialer opens the outbound byte-stream for one OPEN. The default dials TCP
// with net.Dialer; tests and alternative deployments may substitute their
// own (e.g. to reach an in-process echo target).
type Dialer func(ctx context.Context, host string, port int) (io.ReadWriteCloser, error)

func defaultDialer(ctx context.Context, host string, port int) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

// Config configures a Peer.
type Config struct {
	AddrMode    wire.AddressMode
	DialTimeout time.Duration
	BufferSize  int
	Dial        Dialer
	Quiet       bool

	// KeepAlive, when positive, sends an empty DATA heartbeat frame on
	// this interval to keep the tunnel's NAT/firewall state alive. See
	// ppp.Config.KeepAlive for the matching client-side field and the
	// reasoning for why this lives here instead of internal/transport.
	KeepAlive time.Duration
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return DefaultDialTimeout
}

func (c Config) bufferSize() int {
	if c.BufferSize > 0 {
		return c.BufferSize
	}
	return DefaultPumpBufferSize
}

func (c Config) dialer() Dialer {
	if c.Dial != nil {
		return c.Dial
	}
	return defaultDialer
}

// Peer is one server-side tunnel endpoint. Unlike the client side, there is
// no scheduler: the reader loop and every return pump share the tunnel's
// write half behind writeMu (spec.md §5: "both the reader loop and each
// return pump write to the tunnel and must coordinate via a mutex").
type Peer struct {
	conn  io.ReadWriteCloser
	table *streamtable.Table
	cfg   Config

	writeMu sync.Mutex
	done    chan struct{}
}

// NewPeer wraps conn as a server tunnel endpoint. Call Run to drive it.
func NewPeer(conn io.ReadWriteCloser, cfg Config) *Peer {
	p := &Peer{conn: conn, table: streamtable.New(), cfg: cfg, done: make(chan struct{})}
	if cfg.KeepAlive > 0 {
		go p.heartbeatLoop(cfg.KeepAlive)
	}
	return p
}

func (p *Peer) writeFrame(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.conn.Write(frame)
	return err
}

// heartbeatLoop periodically writes an empty DATA frame on stream_id 0,
// stopping once Run returns. See Config.KeepAlive.
func (p *Peer) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.writeFrame(wire.Encode(wire.DATA, 0, 0, nil))
		case <-p.done:
			return
		}
	}
}

// Run is the tunnel reader loop. It blocks until the tunnel ends, running
// the close procedure for every live stream before returning (spec.md §4.3
// "Tunnel teardown").
func (p *Peer) Run() error {
	defer p.conn.Close()
	defer close(p.done)
	for {
		f, err := wire.ReadFrame(p.conn)
		if err != nil {
			p.shutdownAll()
			if errors.Is(err, wire.ErrPeerGone) {
				// spec.md §7: transport-gone is fatal to the
				// tunnel but not an error condition in itself —
				// the caller exits cleanly.
				return nil
			}
			return err
		}

		switch f.MsgType {
		case wire.OPEN:
			p.handleOpen(f.StreamID, f.Payload)
		case wire.DATA:
			p.handleData(f.StreamID, f.Payload)
		case wire.CLOSE:
			p.closeStream(f.StreamID)
		}
	}
}

func (p *Peer) handleOpen(id uint16, payload []byte) {
	if _, exists := p.table.Get(id); exists {
		// spec.md §8: "An OPEN for an id already live is a protocol
		// violation." Scoped to the stream: refuse it with CLOSE
		// rather than killing the tunnel, since the violation cannot
		// corrupt any other stream's framing.
		p.writeFrame(wire.Encode(wire.CLOSE, 0, id, []byte("open_failed:duplicate_stream_id")))
		return
	}

	host, port, err := wire.ParseAddress(p.cfg.AddrMode, payload)
	if err != nil {
		p.writeFrame(wire.Encode(wire.CLOSE, 0, id, []byte("open_failed:"+err.Error())))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.dialTimeout())
	target, err := p.cfg.dialer()(ctx, host, port)
	cancel()
	if err != nil {
		p.writeFrame(wire.Encode(wire.CLOSE, 0, id, []byte("open_failed:"+err.Error())))
		return
	}

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	state := &streamtable.State{
		ID:         id,
		Role:       streamtable.Responder,
		Target:     target,
		CancelPump: pumpCancel,
		PumpDone:   make(chan struct{}),
	}
	state.SetPhase(streamtable.Open)
	if !p.table.Insert(id, state) {
		pumpCancel()
		target.Close()
		return
	}

	go p.returnPump(pumpCtx, id, target, state)

	if !p.cfg.Quiet {
		log.Printf("dcs: stream %d open -> %s:%d", id, host, port)
	}
	p.writeFrame(wire.Encode(wire.OPEN, 0, id, []byte("ok")))
}

func (p *Peer) handleData(id uint16, payload []byte) {
	st, ok := p.table.Get(id)
	if !ok || st.IsClosed() {
		return // dropped silently, spec.md §8
	}
	if len(payload) == 0 {
		return // legal no-op, spec.md §8
	}

	if _, err := st.Target.Write(payload); err != nil {
		if st.MarkClosed() {
			st.SetPhase(streamtable.Closed)
			if st.CancelPump != nil {
				st.CancelPump()
			}
			if st.PumpDone != nil {
				<-st.PumpDone
			}
			st.Target.Close()
			p.table.Delete(id)
			p.writeFrame(wire.Encode(wire.CLOSE, 0, id, []byte("target_write_failed")))
		}
	}
}

// closeStream runs the five-step close procedure of spec.md §4.3. It is
// idempotent: a second call for an already-closed or unknown id is a no-op.
func (p *Peer) closeStream(id uint16) {
	st, ok := p.table.Get(id)
	if !ok {
		return
	}
	if !st.MarkClosed() {
		return
	}
	st.SetPhase(streamtable.Closed)
	if st.CancelPump != nil {
		st.CancelPump()
	}
	if st.PumpDone != nil {
		<-st.PumpDone
	}
	if st.Target != nil {
		st.Target.Close()
	}
	p.table.Delete(id)
}

func (p *Peer) shutdownAll() {
	for _, id := range p.table.IDs() {
		p.closeStream(id)
	}
}

// returnPump reads from target in bufSize chunks and emits DATA frames at
// priority 0 in FIFO order (spec.md §4.3: "the server does not schedule, it
// writes in FIFO order"). Cancellation is observed between reads via a
// short read deadline when target supports one, so the close procedure's
// "cancel, then wait for exit, then close" ordering (spec.md §4.3) does not
// deadlock waiting for a read that only target.Close would unblock.
func (p *Peer) returnPump(ctx context.Context, id uint16, target io.ReadWriteCloser, state *streamtable.State) {
	defer close(state.PumpDone)

	deadliner, hasDeadline := target.(interface{ SetReadDeadline(time.Time) error })
	buf := make([]byte, p.cfg.bufferSize())

	for {
		if ctx.Err() != nil {
			return
		}
		if hasDeadline {
			deadliner.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		}

		n, err := target.Read(buf)
		if ctx.Err() != nil {
			return
		}

		if n > 0 {
			if state.IsClosed() {
				return // invariant 4: no DATA after closed is set
			}
			chunk := append([]byte(nil), buf[:n]...)
			if werr := p.writeFrame(wire.Encode(wire.DATA, 0, id, chunk)); werr != nil {
				return // tunnel gone; the reader loop will detect it
			}
		}

		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // our own polling deadline, not a real failure
			}
			// Target EOF or read error: close the stream from the
			// pump's side. The pump is the task exiting, so there is
			// nothing left to cancel or await before closing target.
			if state.MarkClosed() {
				state.SetPhase(streamtable.Closed)
				p.writeFrame(wire.Encode(wire.CLOSE, 0, id, []byte("eof")))
				target.Close()
				p.table.Delete(id)
			}
			return
		}
	}
}
