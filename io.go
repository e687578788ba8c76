package pgm

import (
	"context"
	"net"
	"time"
)

// PacketIO is the external collaborator that owns the raw/UDP socket, IP
// header stripping, multicast-group membership and interface binding. A
// reference implementation over golang.org/x/net/ipv4 lives in package
// netio.
type PacketIO interface {
	// ReadFrom reads one datagram into buf, returning the number of bytes
	// read and the NLA (network layer address) it arrived from.
	ReadFrom(ctx context.Context, buf []byte) (n int, src net.Addr, err error)

	// WriteTo writes buf to dst. routerAlert selects which of the two
	// sockets/mutexes is used (plain vs router-alert). noReplyExpected
	// carries the MSG_CONFIRM hint for neighbour-table maintenance.
	WriteTo(ctx context.Context, buf []byte, dst net.Addr, routerAlert, noReplyExpected bool) (n int, err error)

	// LocalNLA returns this endpoint's source interface address.
	LocalNLA() net.Addr

	Close() error
}

// FECCodec is the external collaborator performing byte-level Reed-Solomon
// encode/decode. A reference implementation over
// github.com/klauspost/reedsolomon lives in package rscodec.
type FECCodec interface {
	// Encode takes k equally-sized data blocks and returns h = n-k parity
	// blocks.
	Encode(dataBlocks [][]byte) (parity [][]byte, err error)

	// Decode reconstructs missing blocks in place. erasures[i] == true
	// means blocks[i] is missing/unreliable and must be reconstructed;
	// blocks must be pre-sized (nil or zeroed) for erased entries.
	Decode(blocks [][]byte, erasures []bool) error

	// K and H report the configured data/parity shard counts.
	K() int
	H() int
}

// RateLimiter is the external token-bucket collaborator. A reference
// implementation over golang.org/x/time/rate lives in package ratelimit.
type RateLimiter interface {
	// Check reports whether sending length bytes now is permitted.
	// Returns false ("would-block") without blocking the caller.
	Check(length int) (ok bool)
}

// clock abstracts monotonic time so timer logic is testable without real
// sleeps; the default is the real wall clock.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
