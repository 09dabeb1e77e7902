//go:build linux

package transport

import (
	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/tcpraw"
)

func newKCPListener(laddr string, cfg Config) (*kcp.Listener, error) {
	if cfg.TCP {
		conn, err := tcpraw.Listen("tcp", laddr)
		if err != nil {
			return nil, errors.Wrap(err, "tcpraw.Listen")
		}
		return kcp.ServeConn(nil, cfg.DataShard, cfg.ParityShard, conn)
	}
	return kcp.ListenWithOptions(laddr, nil, cfg.DataShard, cfg.ParityShard)
}
