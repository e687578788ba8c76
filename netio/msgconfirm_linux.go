//go:build linux

package netio

import (
	"net"

	"golang.org/x/sys/unix"
)

// confirmWrite sends buf to dst with MSG_CONFIRM, telling the kernel the
// peer is reachable and suppressing the neighbour-solicitation/ARP refresh
// it would otherwise schedule, appropriate for NAK/NCF/RDATA replies,
// which are themselves proof of a live path. Returns handled=false if dst
// isn't an IPv4 UDP address or the socket can't be reached as a raw fd, so
// the caller falls back to the portable write path.
func confirmWrite(raw net.PacketConn, buf []byte, dst *net.UDPAddr) (n int, err error, handled bool) {
	udpConn, ok := raw.(*net.UDPConn)
	if !ok {
		return 0, nil, false
	}
	ip4 := dst.IP.To4()
	if ip4 == nil {
		return 0, nil, false
	}
	sc, err := udpConn.SyscallConn()
	if err != nil {
		return 0, nil, false
	}
	sa := &unix.SockaddrInet4{Port: dst.Port}
	copy(sa.Addr[:], ip4)

	var sendErr error
	ctrlErr := sc.Control(func(fd uintptr) {
		sendErr = unix.Sendto(int(fd), buf, unix.MSG_CONFIRM, sa)
	})
	if ctrlErr != nil {
		return 0, nil, false
	}
	if sendErr != nil {
		return 0, sendErr, true
	}
	return len(buf), nil, true
}
