// Package netio is the reference PacketIO implementation: IPv4 multicast
// datagram I/O over golang.org/x/net/ipv4, using the ipv4.PacketConn
// surface for multicast group membership, TTL/hops and per-packet control
// messages.
package netio

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// pollInterval bounds how long a blocking ReadFrom waits between checks of
// ctx.Done(), since ipv4.PacketConn's ReadFrom has no context parameter.
const pollInterval = 200 * time.Millisecond

// MulticastSocket implements pgm.PacketIO over one UDP socket joined to one
// or more multicast groups. A second MulticastSocket bound to a
// router-alert-tagged socket may be layered in by the caller to realise
// the plain/router-alert send split: this type itself only owns one
// underlying net.PacketConn.
type MulticastSocket struct {
	raw   net.PacketConn
	pc    *ipv4.PacketConn
	local net.Addr
	iface *net.Interface
}

// NewMulticastSocket wraps conn, joins every group on iface (nil means the
// system default interface), and sets the multicast hop limit and
// loopback behaviour.
func NewMulticastSocket(conn net.PacketConn, iface *net.Interface, groups []*net.UDPAddr, hops int, loopback bool) (*MulticastSocket, error) {
	pc := ipv4.NewPacketConn(conn)
	for _, g := range groups {
		if err := pc.JoinGroup(iface, g); err != nil {
			return nil, errors.Wrapf(err, "netio: join group %s", g)
		}
	}
	if hops > 0 {
		if err := pc.SetMulticastTTL(hops); err != nil {
			return nil, errors.Wrap(err, "netio: set multicast ttl")
		}
	}
	if err := pc.SetMulticastLoopback(loopback); err != nil {
		return nil, errors.Wrap(err, "netio: set multicast loopback")
	}
	if err := pc.SetControlMessage(ipv4.FlagDst|ipv4.FlagSrc|ipv4.FlagInterface, true); err != nil {
		return nil, errors.Wrap(err, "netio: set control message flags")
	}
	return &MulticastSocket{raw: conn, pc: pc, local: conn.LocalAddr(), iface: iface}, nil
}

// ReadFrom reads one datagram, honouring ctx cancellation by polling a
// short read deadline (ipv4.PacketConn.ReadFrom predates context.Context).
func (s *MulticastSocket) ReadFrom(ctx context.Context, buf []byte) (int, net.Addr, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		default:
		}
		if err := s.raw.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return 0, nil, errors.Wrap(err, "netio: set read deadline")
		}
		n, _, src, err := s.pc.ReadFrom(buf)
		if err == nil {
			return n, src, nil
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		return 0, nil, errors.Wrap(err, "netio: read")
	}
}

// WriteTo writes buf to dst. routerAlert is a documentation-only hint on
// this type (a genuine IP Router Alert option requires raw-socket IP_OPTIONS
// support this package does not attempt); callers that need it should bind
// a second MulticastSocket to a raw-IP-layer conn and route router-alert
// traffic there, keeping the plain/router-alert socket split at the
// caller's level. noReplyExpected is passed to the platform-specific
// confirmWrite hook, which applies MSG_CONFIRM on Linux and is a no-op
// elsewhere.
func (s *MulticastSocket) WriteTo(ctx context.Context, buf []byte, dst net.Addr, routerAlert, noReplyExpected bool) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	udst, ok := dst.(*net.UDPAddr)
	if !ok {
		return 0, errors.New("netio: dst must be a *net.UDPAddr")
	}
	if noReplyExpected {
		if n, err, handled := confirmWrite(s.raw, buf, udst); handled {
			if err != nil {
				return n, errors.Wrap(err, "netio: confirm write")
			}
			return n, nil
		}
	}
	n, err := s.pc.WriteTo(buf, nil, udst)
	if err != nil {
		return n, errors.Wrap(err, "netio: write")
	}
	return n, nil
}

// LocalNLA returns the socket's bound local address.
func (s *MulticastSocket) LocalNLA() net.Addr { return s.local }

// Close releases the underlying socket.
func (s *MulticastSocket) Close() error { return s.raw.Close() }
