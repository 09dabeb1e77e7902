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

package main

import (
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/priomux/priomux/internal/transport"
	"github.com/priomux/priomux/internal/wire"
	"github.com/priomux/priomux/ppp"
)

// VERSION is injected by build flags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "ppp"
	app.Usage = "stream-multiplexing tunnel client (initiator peer)"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "localaddr,l", Value: ":12948", Usage: "local listen address accepting byte-streams to multiplex"},
		cli.StringFlag{Name: "remoteaddr,r", Value: "vps:29900", Usage: `tunnel server address with a single port, eg "IP:29900"; port ranges are not accepted`},
		cli.StringFlag{Name: "target,t", Value: "127.0.0.1:12948", Usage: "target address the server peer dials for every opened stream"},
		cli.StringFlag{Name: "mode", Value: "fast", Usage: "profiles: fast3, fast2, fast, normal"},
		cli.StringFlag{Name: "addrmode", Value: "ascii", Usage: "OPEN payload encoding to send: ascii or typed"},
		cli.IntFlag{Name: "priority", Value: 4, Usage: "egress priority 0..7 for streams opened on localaddr"},
		cli.IntFlag{Name: "tickinterval", Value: 50, Usage: "egress scheduler tick interval in milliseconds"},
		cli.IntFlag{Name: "bytespertick", Value: 65536, Usage: "egress scheduler per-tick byte budget"},
		cli.IntFlag{Name: "chunksize", Value: 65536, Usage: "maximum DATA payload size; clamped to bytespertick minus the 8-byte frame header"},
		cli.IntFlag{Name: "conn", Value: 1, Usage: "number of tunnel connections to the server"},
		cli.IntFlag{Name: "autoexpire", Value: 0, Usage: "auto expiration in seconds for a tunnel connection, 0 disables"},
		cli.IntFlag{Name: "scavengettl", Value: 600, Usage: "how long an expired tunnel connection may live, in seconds"},
		cli.IntFlag{Name: "mtu", Value: 1350, Usage: "maximum transmission unit for UDP packets"},
		cli.IntFlag{Name: "ratelimit", Value: 0, Usage: "maximum outgoing speed in bytes/sec, 0 disables"},
		cli.IntFlag{Name: "sndwnd", Value: 128, Usage: "send window size (packets)"},
		cli.IntFlag{Name: "rcvwnd", Value: 512, Usage: "receive window size (packets)"},
		cli.IntFlag{Name: "datashard,ds", Value: 10, Usage: "reed-solomon erasure coding data shard count"},
		cli.IntFlag{Name: "parityshard,ps", Value: 3, Usage: "reed-solomon erasure coding parity shard count"},
		cli.IntFlag{Name: "dscp", Value: 0, Usage: "DSCP (6 bit)"},
		cli.BoolFlag{Name: "nocomp", Usage: "disable snappy compression on the tunnel"},
		cli.BoolFlag{Name: "acknodelay", Hidden: true},
		cli.IntFlag{Name: "nodelay", Hidden: true},
		cli.IntFlag{Name: "interval", Value: 50, Hidden: true},
		cli.IntFlag{Name: "resend", Hidden: true},
		cli.IntFlag{Name: "nc", Hidden: true},
		cli.IntFlag{Name: "sockbuf", Value: 4194304, Usage: "per-socket buffer in bytes"},
		cli.IntFlag{Name: "keepalive", Value: 10, Usage: "seconds between empty DATA heartbeat frames on the tunnel, 0 disables"},
		cli.StringFlag{Name: "snmplog", Usage: "collect KCP SNMP counters to a CSV file"},
		cli.IntFlag{Name: "snmpperiod", Value: 60, Usage: "seconds between SNMP samples"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress per-stream open/close log lines"},
		cli.BoolFlag{Name: "tcp", Usage: "no effect on the client: transport.Dial always dials the tunnel over UDP"},
		cli.StringFlag{Name: "c", Usage: "load configuration from a JSON file, overriding flags"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(c *cli.Context) error {
	config := Config{
		LocalAddr:    c.String("localaddr"),
		RemoteAddr:   c.String("remoteaddr"),
		Mode:         c.String("mode"),
		AddrMode:     c.String("addrmode"),
		Priority:     c.Int("priority"),
		TickInterval: c.Int("tickinterval"),
		BytesPerTick: c.Int("bytespertick"),
		ChunkSize:    c.Int("chunksize"),
		Conn:         c.Int("conn"),
		AutoExpire:   c.Int("autoexpire"),
		ScavengeTTL:  c.Int("scavengettl"),
		MTU:          c.Int("mtu"),
		RateLimit:    c.Int("ratelimit"),
		SndWnd:       c.Int("sndwnd"),
		RcvWnd:       c.Int("rcvwnd"),
		DataShard:    c.Int("datashard"),
		ParityShard:  c.Int("parityshard"),
		DSCP:         c.Int("dscp"),
		NoComp:       c.Bool("nocomp"),
		AckNodelay:   c.Bool("acknodelay"),
		NoDelay:      c.Int("nodelay"),
		Interval:     c.Int("interval"),
		Resend:       c.Int("resend"),
		NoCongestion: c.Int("nc"),
		SockBuf:      c.Int("sockbuf"),
		KeepAlive:    c.Int("keepalive"),
		SnmpLog:      c.String("snmplog"),
		SnmpPeriod:   c.Int("snmpperiod"),
		Quiet:        c.Bool("quiet"),
		TCP:          c.Bool("tcp"),
	}
	target := c.String("target")
	if c.String("c") != "" {
		if err := parseJSONConfig(&config, c.String("c")); err != nil {
			return err
		}
	}

	targetHost, targetPortStr, err := net.SplitHostPort(target)
	if err != nil {
		return err
	}
	targetPort, err := strconv.Atoi(targetPortStr)
	if err != nil {
		return err
	}

	if config.AutoExpire != 0 && config.ScavengeTTL > config.AutoExpire {
		color.Red("WARNING: scavengettl is bigger than autoexpire, tunnel connections may race hard to use bandwidth.")
		color.Red("Try limiting scavengettl to a smaller value.")
	}

	tcfg := transport.DefaultConfig()
	tcfg.MTU = config.MTU
	tcfg.SndWnd = config.SndWnd
	tcfg.RcvWnd = config.RcvWnd
	tcfg.DataShard = config.DataShard
	tcfg.ParityShard = config.ParityShard
	tcfg.DSCP = config.DSCP
	tcfg.SockBuf = config.SockBuf
	tcfg.NoDelay = config.NoDelay
	tcfg.Interval = config.Interval
	tcfg.Resend = config.Resend
	tcfg.NoCongestion = config.NoCongestion
	tcfg.AckNodelay = config.AckNodelay
	tcfg.RateLimit = config.RateLimit
	tcfg.NoComp = config.NoComp
	tcfg.TCP = config.TCP
	tcfg.Mode(config.Mode)

	addrMode := wire.AddressASCII
	if config.AddrMode == "typed" {
		addrMode = wire.AddressTyped
	}

	log.Println("version:", VERSION)
	log.Println("remote address:", config.RemoteAddr)
	log.Println("target:", target)
	log.Println("compression:", !config.NoComp)

	go transport.SnmpLogger(config.SnmpLog, time.Duration(config.SnmpPeriod)*time.Second)

	listener, err := net.Listen("tcp", config.LocalAddr)
	if err != nil {
		return err
	}
	log.Println("listening on:", listener.Addr())

	peerCfg := ppp.Config{
		AddrMode:     addrMode,
		ChunkSize:    config.ChunkSize,
		TickInterval: time.Duration(config.TickInterval) * time.Millisecond,
		BytesPerTick: config.BytesPerTick,
		KeepAlive:    time.Duration(config.KeepAlive) * time.Second,
	}

	waitConn := func() *ppp.Peer {
		for {
			conn, err := transport.Dial(config.RemoteAddr, tcfg)
			if err == nil {
				return ppp.NewPeer(conn, peerCfg)
			}
			log.Println("re-connecting:", err)
			time.Sleep(time.Second)
		}
	}

	numConn := config.Conn
	if numConn < 1 {
		numConn = 1
	}
	pool := make([]timedPeer, numConn)
	rr := 0

	chScavenger := make(chan timedPeer, 128)
	if config.AutoExpire > 0 {
		go scavenger(chScavenger, config.ScavengeTTL)
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("%+v", err)
			continue
		}

		idx := rr % numConn
		rr++
		if pool[idx].peer == nil || (config.AutoExpire > 0 && time.Now().After(pool[idx].expiry)) {
			pool[idx] = timedPeer{
				peer:   waitConn(),
				expiry: time.Now().Add(time.Duration(config.AutoExpire) * time.Second),
			}
			if config.AutoExpire > 0 {
				chScavenger <- pool[idx]
			}
		}

		go handleLocal(pool[idx].peer, conn, targetHost, targetPort, config.Priority, config.Quiet)
	}
}

// timedPeer pairs a tunnel peer with the time its connection should be
// retired, mirroring the teacher's timedSession/scavenger pattern
// (client/main.go), generalized to expire the tunnel session rather than a
// single smux session — live streams on an expired tunnel simply surface
// end-of-stream the same way any other tunnel loss does (spec.md §8
// scenario 6).
type timedPeer struct {
	peer   *ppp.Peer
	expiry time.Time
}

// scavenger closes tunnel peers once scavengeTTL seconds have passed beyond
// their recorded expiry, whether or not they still carry traffic.
func scavenger(ch chan timedPeer, scavengeTTL int) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var pending []timedPeer
	for {
		select {
		case item := <-ch:
			item.expiry = item.expiry.Add(time.Duration(scavengeTTL) * time.Second)
			pending = append(pending, item)
		case <-ticker.C:
			var remaining []timedPeer
			for _, item := range pending {
				if time.Now().After(item.expiry) {
					item.peer.Close()
				} else {
					remaining = append(remaining, item)
				}
			}
			pending = remaining
		}
	}
}

func handleLocal(peer *ppp.Peer, local net.Conn, targetHost string, targetPort, priority int, quiet bool) {
	defer local.Close()

	stream, err := peer.Open(targetHost, targetPort, priority)
	if err != nil {
		if !quiet {
			log.Println("open:", err)
		}
		return
	}
	defer stream.Close()

	if !quiet {
		log.Println("stream opened", "id:", stream.ID(), "local:", local.RemoteAddr())
		defer log.Println("stream closed", "id:", stream.ID(), "local:", local.RemoteAddr())
	}

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(stream, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, stream)
		done <- struct{}{}
	}()
	<-done
}
