// Package idgen generates the 6-byte GSI (Global Source Identifier) half of
// a transport session identifier when a caller does not supply its own,
// using github.com/rs/xid for collision-resistant identifiers. xid's
// 12-byte id already packs a timestamp, machine id and process id, so
// only the leading 6 bytes are kept.
package idgen

import "github.com/rs/xid"

// NewGSI returns a fresh 6-byte GSI.
func NewGSI() []byte {
	id := xid.New()
	b := id.Bytes()
	out := make([]byte, 6)
	copy(out, b[:6])
	return out
}
