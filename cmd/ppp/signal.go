//go:build linux || darwin || freebsd

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	kcp "github.com/xtaci/kcp-go/v5"
)

func init() {
	go sigHandler()
}

// sigHandler dumps the underlying KCP session's SNMP counters to the log on
// SIGUSR1, adapted from the teacher's client/signal.go.
func sigHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	signal.Ignore(syscall.SIGPIPE)

	for range ch {
		log.Printf("KCP SNMP: %+v", kcp.DefaultSnmp.Copy())
	}
}
