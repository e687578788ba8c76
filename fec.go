package pgm

import (
	"github.com/pkg/errors"
)

// FECConfig carries the transport's Reed-Solomon FEC parameters.
type FECConfig struct {
	RsN             uint32
	RsK             uint32
	TgSqnShift      uint
	UseProactive    bool
	UseOndemand     bool
	UseVarPktLen    bool
}

// H returns the parity shard count rs_n - rs_k.
func (c FECConfig) H() uint32 { return c.RsN - c.RsK }

// validate enforces the fec(n,k,...) configuration constraints.
func (c FECConfig) validate() error {
	if c.RsK < 2 || c.RsK > 128 || c.RsK&(c.RsK-1) != 0 {
		return errors.Wrapf(ErrInvalidArgument, "fec: k=%d must be a power of two in [2,128]", c.RsK)
	}
	if c.RsN <= c.RsK || c.RsN > 255 {
		return errors.Wrapf(ErrInvalidArgument, "fec: n=%d must be in [k+1,255]", c.RsN)
	}
	if c.RsK > 223 {
		h := c.RsN - c.RsK
		if float64(h)/float64(c.RsK) < 1.0/(float64(c.RsK)/223.0) {
			return errors.Wrap(ErrInvalidArgument, "fec: h/k ratio too low for k>223")
		}
	}
	return nil
}

// FECEncoder builds proactive or on-demand parity TPDUs for a transmission
// group held in a TXW, the glue between the sender/receiver and a
// FECCodec.
type FECEncoder struct {
	cfg   FECConfig
	codec FECCodec
}

func NewFECEncoder(cfg FECConfig, codec FECCodec) *FECEncoder {
	return &FECEncoder{cfg: cfg, codec: codec}
}

// EncodeGroup pads the group's data blocks to a common length (appending
// the true length as a trailing u16 when OPT_VAR_PKTLEN is in play), then
// returns h parity blocks.
func (f *FECEncoder) EncodeGroup(dataBlocks [][]byte) (parity [][]byte, varPktLen bool, err error) {
	maxLen := 0
	uniform := true
	for _, b := range dataBlocks {
		if len(b) != len(dataBlocks[0]) {
			uniform = false
		}
		if len(b) > maxLen {
			maxLen = len(b)
		}
	}
	varPktLen = f.cfg.UseVarPktLen && !uniform
	padded := dataBlocks
	if varPktLen {
		padded = make([][]byte, len(dataBlocks))
		for i, b := range dataBlocks {
			slot := make([]byte, maxLen+2)
			copy(slot, b)
			slot[maxLen] = byte(len(b) >> 8)
			slot[maxLen+1] = byte(len(b))
			padded[i] = slot
		}
	}
	parity, err = f.codec.Encode(padded)
	if err != nil {
		return nil, false, errors.Wrap(err, "fec encode")
	}
	return parity, varPktLen, nil
}

// RecoverGroup reconstructs missing original blocks given whatever data
// and parity blocks have arrived. present marks which of the k+h combined
// slots (data first, then parity) hold a real block; missing slots must
// be nil.
func (f *FECEncoder) RecoverGroup(blocks [][]byte, present []bool) error {
	erasures := make([]bool, len(present))
	missing := 0
	for i, ok := range present {
		erasures[i] = !ok
		if !ok {
			missing++
		}
	}
	if uint32(missing) > f.cfg.H() {
		return errors.Wrapf(ErrApduLost, "fec: %d missing exceeds h=%d", missing, f.cfg.H())
	}
	return f.codec.Decode(blocks, erasures)
}

// stripVarPktLen removes the trailing-length padding applied by
// EncodeGroup, returning the original TSDU bytes.
func stripVarPktLen(block []byte) []byte {
	if len(block) < 2 {
		return block
	}
	n := len(block)
	trueLen := int(block[n-2])<<8 | int(block[n-1])
	if trueLen < 0 || trueLen > n-2 {
		return block
	}
	return block[:trueLen]
}
