package pgm

import (
	"net"

	"github.com/openpgm/pgm/netio"
	"github.com/openpgm/pgm/ratelimit"
	"github.com/openpgm/pgm/rscodec"
)

// NewDefaultDeps builds TransportDeps from this package's reference
// domain-stack implementations (netio, rscodec, ratelimit) instead of the
// caller having to wire its own. conn must already be bound to the
// interface the transport should use; groups are the multicast groups to
// join (send and/or receive group, per cfg.SendOnly/RecvOnly).
func NewDefaultDeps(cfg Config, conn *net.UDPConn, iface *net.Interface, groups []*net.UDPAddr) (TransportDeps, error) {
	sock, err := netio.NewMulticastSocket(conn, iface, groups, int(cfg.Hops), false)
	if err != nil {
		return TransportDeps{}, err
	}
	deps := TransportDeps{IO: sock}

	if cfg.TxwMaxRte > 0 {
		deps.Limiter = ratelimit.New(int(cfg.TxwMaxRte), int(cfg.TxwMaxRte))
	}
	if cfg.FEC.RsK > 0 {
		codec, err := rscodec.New(int(cfg.FEC.RsK), int(cfg.FEC.H()))
		if err != nil {
			return TransportDeps{}, err
		}
		deps.Codec = codec
	}
	return deps, nil
}
