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

package transport

import (
	"io"
	"log"
	"net"

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
)

// Listener accepts incoming KCP sessions and applies the same tuning Dial
// applies on the client side, so either peer can be the listener.
type Listener struct {
	inner *kcp.Listener
	cfg   Config
}

// Listen opens a listener for the tunnel on laddr.
func Listen(laddr string, cfg Config) (*Listener, error) {
	lis, err := newKCPListener(laddr, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "transport.Listen")
	}
	if cfg.DSCP != 0 {
		if err := lis.SetDSCP(cfg.DSCP); err != nil {
			log.Println("transport: SetDSCP:", err)
		}
	}
	if err := lis.SetReadBuffer(cfg.SockBuf); err != nil {
		log.Println("transport: SetReadBuffer:", err)
	}
	if err := lis.SetWriteBuffer(cfg.SockBuf); err != nil {
		log.Println("transport: SetWriteBuffer:", err)
	}
	return &Listener{inner: lis, cfg: cfg}, nil
}

// Accept blocks until a client dials in, then returns the tuned,
// optionally compressed tunnel connection.
func (l *Listener) Accept() (io.ReadWriteCloser, error) {
	sess, err := l.inner.AcceptKCP()
	if err != nil {
		return nil, err
	}

	sess.SetStreamMode(true)
	sess.SetWriteDelay(false)
	sess.SetNoDelay(l.cfg.NoDelay, l.cfg.Interval, l.cfg.Resend, l.cfg.NoCongestion)
	sess.SetMtu(l.cfg.MTU)
	sess.SetWindowSize(l.cfg.SndWnd, l.cfg.RcvWnd)
	sess.SetACKNoDelay(l.cfg.AckNodelay)
	sess.SetRateLimit(uint32(l.cfg.RateLimit))

	if l.cfg.NoComp {
		return sess, nil
	}
	return NewCompStream(sess), nil
}

// Addr returns the listener's local address.
func (l *Listener) Addr() net.Addr {
	return l.inner.Addr()
}

// Close releases the listener.
func (l *Listener) Close() error {
	return l.inner.Close()
}
