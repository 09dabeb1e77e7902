//go:build !linux

package transport

import kcp "github.com/xtaci/kcp-go/v5"

func newKCPListener(laddr string, cfg Config) (*kcp.Listener, error) {
	return kcp.ListenWithOptions(laddr, nil, cfg.DataShard, cfg.ParityShard)
}
