// Package rscodec is the reference FECCodec implementation: byte-level
// Reed-Solomon erasure coding over github.com/klauspost/reedsolomon, the
// ecosystem-standard Go RS implementation.
package rscodec

import (
	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
)

// Codec implements pgm.FECCodec for a fixed (k, h) transmission group size.
type Codec struct {
	k, h int
	enc  reedsolomon.Encoder
}

// New builds a codec for k data shards and h parity shards.
func New(k, h int) (*Codec, error) {
	enc, err := reedsolomon.New(k, h)
	if err != nil {
		return nil, errors.Wrap(err, "rscodec: new encoder")
	}
	return &Codec{k: k, h: h, enc: enc}, nil
}

// K reports the configured data-shard count.
func (c *Codec) K() int { return c.k }

// H reports the configured parity-shard count.
func (c *Codec) H() int { return c.h }

// Encode computes h parity blocks for the given k data blocks. The data
// blocks must all share reedsolomon's one requirement: equal length
// (OPT_VAR_PKTLEN padding, applied by fec.go before this is called,
// guarantees that for PGM transmission groups).
func (c *Codec) Encode(dataBlocks [][]byte) ([][]byte, error) {
	if len(dataBlocks) != c.k {
		return nil, errors.Errorf("rscodec: expected %d data blocks, got %d", c.k, len(dataBlocks))
	}
	shardLen := len(dataBlocks[0])
	shards := make([][]byte, c.k+c.h)
	copy(shards, dataBlocks)
	for i := c.k; i < c.k+c.h; i++ {
		shards[i] = make([]byte, shardLen)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, errors.Wrap(err, "rscodec: encode")
	}
	return shards[c.k:], nil
}

// Decode reconstructs every erased block in blocks (len(blocks) == k+h) in
// place, given the erasure map produced by the caller's present-block
// tracking.
func (c *Codec) Decode(blocks [][]byte, erasures []bool) error {
	if len(blocks) != c.k+c.h || len(erasures) != c.k+c.h {
		return errors.Errorf("rscodec: expected %d blocks, got %d", c.k+c.h, len(blocks))
	}
	for i, erased := range erasures {
		if erased {
			blocks[i] = nil
		}
	}
	if err := c.enc.Reconstruct(blocks); err != nil {
		return errors.Wrap(err, "rscodec: reconstruct")
	}
	return nil
}
