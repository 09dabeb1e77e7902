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

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
)

// Dial opens the tunnel's underlying KCP session to raddr. Per SPEC_FULL.md
// §2, transport encryption is out of scope (spec.md §1 Non-goals), so the
// session is always opened with a nil BlockCrypt — FEC, window sizing and
// rate limiting are still fully configured, mirroring the teacher's
// createConn() in client/main.go minus cipher selection.
func Dial(raddr string, cfg Config) (io.ReadWriteCloser, error) {
	sess, err := kcp.DialWithOptions(raddr, nil, cfg.DataShard, cfg.ParityShard)
	if err != nil {
		return nil, errors.Wrap(err, "transport.Dial")
	}

	sess.SetStreamMode(true)
	sess.SetWriteDelay(false)
	sess.SetNoDelay(cfg.NoDelay, cfg.Interval, cfg.Resend, cfg.NoCongestion)
	sess.SetWindowSize(cfg.SndWnd, cfg.RcvWnd)
	sess.SetMtu(cfg.MTU)
	sess.SetACKNoDelay(cfg.AckNodelay)
	sess.SetRateLimit(uint32(cfg.RateLimit))

	if cfg.DSCP != 0 {
		if err := sess.SetDSCP(cfg.DSCP); err != nil {
			log.Println("transport: SetDSCP:", err)
		}
	}
	if err := sess.SetReadBuffer(cfg.SockBuf); err != nil {
		log.Println("transport: SetReadBuffer:", err)
	}
	if err := sess.SetWriteBuffer(cfg.SockBuf); err != nil {
		log.Println("transport: SetWriteBuffer:", err)
	}

	if cfg.NoComp {
		return sess, nil
	}
	return NewCompStream(sess), nil
}
