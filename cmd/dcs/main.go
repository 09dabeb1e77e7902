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
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/urfave/cli"

	"github.com/priomux/priomux/dcs"
	"github.com/priomux/priomux/internal/transport"
	"github.com/priomux/priomux/internal/wire"
)

// VERSION is injected by build flags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "dcs"
	app.Usage = "stream-multiplexing tunnel server (responder peer)"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen,l", Value: ":29900", Usage: `tunnel listen address, eg "IP:29900" or "IP:minport-maxport" for a port range`},
		cli.StringFlag{Name: "mode", Value: "fast", Usage: "profiles: fast3, fast2, fast, normal"},
		cli.StringFlag{Name: "addrmode", Value: "ascii", Usage: "OPEN payload encoding expected from clients: ascii or typed"},
		cli.IntFlag{Name: "mtu", Value: 1350, Usage: "maximum transmission unit for UDP packets"},
		cli.IntFlag{Name: "ratelimit", Value: 0, Usage: "maximum outgoing speed in bytes/sec, 0 disables"},
		cli.IntFlag{Name: "sndwnd", Value: 1024, Usage: "send window size (packets)"},
		cli.IntFlag{Name: "rcvwnd", Value: 1024, Usage: "receive window size (packets)"},
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
		cli.IntFlag{Name: "dialtimeout", Value: 10, Usage: "seconds allowed for a target dial before it is reported as open_failed"},
		cli.IntFlag{Name: "buffersize", Value: 65536, Usage: "return-pump read chunk size in bytes"},
		cli.StringFlag{Name: "snmplog", Usage: "collect KCP SNMP counters to a CSV file"},
		cli.IntFlag{Name: "snmpperiod", Value: 60, Usage: "seconds between SNMP samples"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress per-stream open/close log lines"},
		cli.BoolFlag{Name: "tcp", Usage: "emulate a TCP tunnel via raw sockets (linux)"},
		cli.StringFlag{Name: "c", Usage: "load configuration from a JSON file, overriding flags"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(c *cli.Context) error {
	config := Config{
		Listen:       c.String("listen"),
		Mode:         c.String("mode"),
		AddrMode:     c.String("addrmode"),
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
		DialTimeout:  c.Int("dialtimeout"),
		BufferSize:   c.Int("buffersize"),
		SnmpLog:      c.String("snmplog"),
		SnmpPeriod:   c.Int("snmpperiod"),
		Quiet:        c.Bool("quiet"),
		TCP:          c.Bool("tcp"),
	}
	if c.String("c") != "" {
		if err := parseJSONConfig(&config, c.String("c")); err != nil {
			return err
		}
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
	tcfg.Mode(config.Mode) // a named profile (normal, fast, fast2, fast3) overrides the nodelay/interval/resend/nc fields above; any other name leaves them

	addrMode := wire.AddressASCII
	if config.AddrMode == "typed" {
		addrMode = wire.AddressTyped
	}

	log.Println("version:", VERSION)
	log.Println("listening on:", config.Listen)
	log.Println("address mode:", config.AddrMode)
	log.Println("compression:", !config.NoComp)

	go transport.SnmpLogger(config.SnmpLog, time.Duration(config.SnmpPeriod)*time.Second)

	mp, err := transport.ParseMultiPort(config.Listen)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for port := mp.MinPort; port <= mp.MaxPort; port++ {
		listenAddr := fmt.Sprintf("%s:%d", mp.Host, port)
		lis, err := transport.Listen(listenAddr, tcfg)
		if err != nil {
			return err
		}
		log.Println("listening on:", listenAddr)

		wg.Add(1)
		go acceptLoop(lis, addrMode, config, &wg)
	}

	wg.Wait()
	return nil
}

func acceptLoop(lis *transport.Listener, addrMode wire.AddressMode, config Config, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		conn, err := lis.Accept()
		if err != nil {
			log.Printf("%+v", err)
			return
		}

		peer := dcs.NewPeer(conn, dcs.Config{
			AddrMode:    addrMode,
			DialTimeout: time.Duration(config.DialTimeout) * time.Second,
			BufferSize:  config.BufferSize,
			Quiet:       config.Quiet,
			KeepAlive:   time.Duration(config.KeepAlive) * time.Second,
		})
		go func() {
			if err := peer.Run(); err != nil {
				log.Printf("dcs: tunnel ended: %+v", err)
			}
		}()
	}
}
