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

// Package transport establishes the reliable, ordered, bidirectional
// byte-oriented connection spec.md §2 calls "the tunnel". It is grounded on
// the teacher's own transport layer (client/dial.go, server/listen.go,
// server/listen_linux.go, std/comp.go): a KCP session over UDP, optionally
// emulated over raw TCP sockets for NAT traversal, optionally wrapped in
// snappy stream compression. Stream multiplexing itself is not this
// package's concern — see internal/wire, internal/egress, ppp and dcs.
package transport

// Config tunes the KCP session both peers open. Field names mirror the
// teacher's CLI flags (client/main.go, server/main.go) so operators already
// familiar with kcptun-shaped tools feel at home.
//
// There is no KeepAlive field here: the teacher wires its keepalive into
// smux's KeepAliveInterval, a mux-layer concern. Since the mux layer is
// reimplemented by internal/wire, ppp and dcs rather than smux, keepalive
// is a ppp.Config / dcs.Config field instead — see heartbeatLoop in both
// packages.
type Config struct {
	MTU          int
	SndWnd       int
	RcvWnd       int
	DataShard    int
	ParityShard  int
	DSCP         int
	SockBuf      int
	NoDelay      int
	Interval     int
	Resend       int
	NoCongestion int
	AckNodelay   bool
	RateLimit    int // bytes/sec, 0 disables
	NoComp       bool
	TCP          bool // Listen on linux: emulate TCP via tcpraw instead of raw UDP; Dial ignores it and always uses UDP
}

// DefaultConfig mirrors the teacher's "fast" mode defaults.
func DefaultConfig() Config {
	return Config{
		MTU:          1350,
		SndWnd:       128,
		RcvWnd:       512,
		DataShard:    10,
		ParityShard:  3,
		SockBuf:      4194304,
		NoDelay:      0,
		Interval:     30,
		Resend:       2,
		NoCongestion: 1,
	}
}

// Mode applies one of the teacher's named latency/throughput profiles.
func (c *Config) Mode(name string) {
	switch name {
	case "normal":
		c.NoDelay, c.Interval, c.Resend, c.NoCongestion = 0, 40, 2, 1
	case "fast":
		c.NoDelay, c.Interval, c.Resend, c.NoCongestion = 0, 30, 2, 1
	case "fast2":
		c.NoDelay, c.Interval, c.Resend, c.NoCongestion = 1, 20, 2, 1
	case "fast3":
		c.NoDelay, c.Interval, c.Resend, c.NoCongestion = 1, 10, 2, 1
	}
}
