//go:build !linux

package netio

import "net"

// confirmWrite has no MSG_CONFIRM equivalent outside Linux; the caller
// falls back to the portable write path.
func confirmWrite(raw net.PacketConn, buf []byte, dst *net.UDPAddr) (n int, err error, handled bool) {
	return 0, nil, false
}
