package pgm

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PacketType identifies a PGM TPDU's pgm_type field.
type PacketType uint8

const (
	TypeODATA PacketType = 0x04
	TypeRDATA PacketType = 0x05
	TypeNAK   PacketType = 0x08
	TypeNNAK  PacketType = 0x0A
	TypeSPM   PacketType = 0x00
	TypeSPMR  PacketType = 0x0C
	TypePOLL  PacketType = 0x01
	TypePOLR  PacketType = 0x02
	TypeNCF   PacketType = 0x09
)

// Header option bits.
const (
	optBitParity     = 0x80
	optBitVarPktLen  = 0x40
	optBitPresent    = 0x01
	optBitNetwork    = 0x02
)

// Option TLV types.
const (
	optTypeLength    = 0x00
	optTypeFragment  = 0x01
	optTypeNakList   = 0x02
	optTypeParityPrm = 0x08
	optTypeParityGrp = 0x09
	optEndMask       = 0x80 // high bit of an option's type byte signals OPT_END
)

const headerLen = 16 // sport,dport,type,options,checksum,gsi[6],tsdu_length

// Header is the fixed 16-byte PGM header common to every TPDU.
type Header struct {
	Sport       uint16
	Dport       uint16
	Type        PacketType
	Options     uint8
	Checksum    uint16
	GSI         [6]byte
	TSDULength  uint16
}

func (h Header) hasOptions() bool { return h.Options&optBitPresent != 0 }
func (h Header) hasParity() bool  { return h.Options&optBitParity != 0 }
func (h Header) hasVarPktLen() bool {
	return h.Options&optBitVarPktLen != 0
}

// FragmentOption is the decoded OPT_FRAGMENT payload.
type FragmentOption struct {
	FirstSqn SQN
	FragOff  uint32
	FragLen  uint32
}

// ParityPrmOption is the decoded OPT_PARITY_PRM payload carried on SPM.
type ParityPrmOption struct {
	TransmissionGroupSize uint32 // parity_prm_tgs = rs_k
	Proactive             bool
	OnDemand               bool
}

// ParityGrpOption is the decoded OPT_PARITY_GRP payload carried on a
// Parity-NAK.
type ParityGrpOption struct {
	TgSqn SQN // transmission group base sqn
}

// Options is the set of TLV options decoded from a TPDU's option chain.
type Options struct {
	Fragment  *FragmentOption
	NakList   []SQN
	ParityPrm *ParityPrmOption
	ParityGrp *ParityGrpOption
}

// Packet is a fully decoded TPDU: fixed header, type-specific body fields,
// options, and the TSDU payload (if any).
type Packet struct {
	Header Header

	// Body fields, populated depending on Header.Type.
	DataSqn  SQN // ODATA/RDATA sequence number
	SpmSqn   SQN
	SpmTrail SQN
	SpmLead  SQN
	PathNLA  [4]byte

	NakSqn SQN // primary NAK sqn (and NCF/NNAK echo)

	Options Options
	Payload []byte // TSDU bytes (ODATA/RDATA only)
}

// pgmChecksum computes the RFC 1071 16-bit ones-complement checksum used by
// PGM over the header+body with the checksum field itself zeroed.
func pgmChecksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// encodeHeader writes the fixed 16-byte header to buf[0:16].
func encodeHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint16(buf[0:2], h.Sport)
	binary.BigEndian.PutUint16(buf[2:4], h.Dport)
	buf[4] = byte(h.Type)
	buf[5] = h.Options
	binary.BigEndian.PutUint16(buf[6:8], h.Checksum)
	copy(buf[8:14], h.GSI[:])
	binary.BigEndian.PutUint16(buf[14:16], h.TSDULength)
}

// decodeHeader reads the fixed 16-byte header from buf[0:16].
func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerLen {
		return Header{}, errors.Wrapf(ErrMalformed, "short header: %d bytes", len(buf))
	}
	var h Header
	h.Sport = binary.BigEndian.Uint16(buf[0:2])
	h.Dport = binary.BigEndian.Uint16(buf[2:4])
	h.Type = PacketType(buf[4])
	h.Options = buf[5]
	h.Checksum = binary.BigEndian.Uint16(buf[6:8])
	copy(h.GSI[:], buf[8:14])
	h.TSDULength = binary.BigEndian.Uint16(buf[14:16])
	return h, nil
}

// encodeOptionChain serialises the present options, terminating the last
// one's type byte with optEndMask (OPT_END).
func encodeOptionChain(opts Options) []byte {
	var segs [][]byte

	if opts.Fragment != nil {
		b := make([]byte, 4+2+4+4+4)
		b[0] = optTypeFragment
		b[1] = byte(len(b))
		binary.BigEndian.PutUint16(b[2:4], uint16(len(b))) // mirrors OPT_LENGTH convention; redundant with b[1] but kept for uniform option-header shape
		binary.BigEndian.PutUint32(b[6:10], uint32(opts.Fragment.FirstSqn))
		binary.BigEndian.PutUint32(b[10:14], opts.Fragment.FragOff)
		binary.BigEndian.PutUint32(b[14:18], opts.Fragment.FragLen)
		segs = append(segs, b)
	}
	if len(opts.NakList) > 0 {
		n := len(opts.NakList)
		if n > 62 {
			n = 62 // at most 62 additional sqns (63 total with primary)
		}
		b := make([]byte, 4+4*n)
		b[0] = optTypeNakList
		b[1] = byte(len(b))
		binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
		for i := 0; i < n; i++ {
			binary.BigEndian.PutUint32(b[4+4*i:], uint32(opts.NakList[i]))
		}
		segs = append(segs, b)
	}
	if opts.ParityPrm != nil {
		b := make([]byte, 4+4)
		b[0] = optTypeParityPrm
		b[1] = byte(len(b))
		binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
		var mode uint32
		if opts.ParityPrm.Proactive {
			mode |= 0x1
		}
		if opts.ParityPrm.OnDemand {
			mode |= 0x2
		}
		binary.BigEndian.PutUint32(b[4:8], opts.ParityPrm.TransmissionGroupSize|(mode<<28))
		segs = append(segs, b)
	}
	if opts.ParityGrp != nil {
		b := make([]byte, 4+4)
		b[0] = optTypeParityGrp
		b[1] = byte(len(b))
		binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
		binary.BigEndian.PutUint32(b[4:8], uint32(opts.ParityGrp.TgSqn))
		segs = append(segs, b)
	}

	if len(segs) == 0 {
		return nil
	}
	segs[len(segs)-1][0] |= optEndMask

	// OPT_LENGTH header: type=0, length=4, total_length=u16 over the
	// whole chain including itself.
	total := 4
	for _, s := range segs {
		total += len(s)
	}
	out := make([]byte, 4, total)
	out[0] = optTypeLength
	out[1] = 4
	binary.BigEndian.PutUint16(out[2:4], uint16(total))
	for _, s := range segs {
		out = append(out, s...)
	}
	return out
}

// decodeOptionChain parses the TLV chain beginning with OPT_LENGTH,
// bounds-checking every option against the tail of buf.
func decodeOptionChain(buf []byte) (Options, error) {
	var opts Options
	if len(buf) < 4 {
		return opts, errors.Wrap(ErrMalformed, "option chain: short OPT_LENGTH")
	}
	if buf[0]&^optEndMask != optTypeLength || buf[1] != 4 {
		return opts, errors.Wrap(ErrMalformed, "option chain: missing OPT_LENGTH")
	}
	total := int(binary.BigEndian.Uint16(buf[2:4]))
	if total < 4 || total > len(buf) {
		return opts, errors.Wrapf(ErrMalformed, "option chain: total_length %d exceeds tpdu", total)
	}
	pos := 4
	for pos < total {
		if pos+4 > total {
			return opts, errors.Wrap(ErrMalformed, "option: truncated TLV")
		}
		typ := buf[pos] &^ optEndMask
		isEnd := buf[pos]&optEndMask != 0
		length := int(buf[pos+1])
		if length < 4 || pos+length > total {
			return opts, errors.Wrapf(ErrMalformed, "option type=%d: bad length %d", typ, length)
		}
		body := buf[pos+4 : pos+length]
		switch typ {
		case optTypeFragment:
			// body layout: [reserved(2)][first_sqn(4)][frag_off(4)][frag_len(4)]
			if len(body) < 14 {
				return opts, errors.Wrap(ErrMalformed, "opt_fragment: short body")
			}
			opts.Fragment = &FragmentOption{
				FirstSqn: SQN(binary.BigEndian.Uint32(body[2:6])),
				FragOff:  binary.BigEndian.Uint32(body[6:10]),
				FragLen:  binary.BigEndian.Uint32(body[10:14]),
			}
		case optTypeNakList:
			n := (len(body)) / 4
			opts.NakList = make([]SQN, 0, n)
			for i := 0; i < n; i++ {
				opts.NakList = append(opts.NakList, SQN(binary.BigEndian.Uint32(body[4*i:4*i+4])))
			}
		case optTypeParityPrm:
			if len(body) < 4 {
				return opts, errors.Wrap(ErrMalformed, "opt_parity_prm: short body")
			}
			v := binary.BigEndian.Uint32(body[0:4])
			mode := v >> 28
			opts.ParityPrm = &ParityPrmOption{
				TransmissionGroupSize: v &^ (0xF << 28),
				Proactive:             mode&0x1 != 0,
				OnDemand:              mode&0x2 != 0,
			}
		case optTypeParityGrp:
			if len(body) < 4 {
				return opts, errors.Wrap(ErrMalformed, "opt_parity_grp: short body")
			}
			opts.ParityGrp = &ParityGrpOption{TgSqn: SQN(binary.BigEndian.Uint32(body[0:4]))}
		default:
			// unrecognised option: skip, per "bounds-check every option"
			// without treating unknown TLVs as malformed.
		}
		pos += length
		if isEnd {
			break
		}
	}
	return opts, nil
}

// dataSqnLen is the ODATA/RDATA body's leading sequence-number field.
const dataSqnLen = 4

// EncodeDataPacket builds an ODATA/RDATA TPDU carrying sqn as the first
// four body bytes, per the wire layout decoded by DecodePacket below. The
// packet is RDATA when h.Type is TypeRDATA and ODATA otherwise.
func EncodeDataPacket(h Header, sqn SQN, opts Options, payload []byte) []byte {
	if h.Type != TypeRDATA {
		h.Type = TypeODATA
	}
	h.Options &^= optBitPresent
	optBytes := encodeOptionChain(opts)
	if len(optBytes) > 0 {
		h.Options |= optBitPresent
	}
	h.TSDULength = uint16(len(payload))

	buf := make([]byte, headerLen+dataSqnLen+len(optBytes)+len(payload))
	encodeHeader(buf, h)
	binary.BigEndian.PutUint32(buf[headerLen:headerLen+dataSqnLen], uint32(sqn))
	copy(buf[headerLen+dataSqnLen:], optBytes)
	copy(buf[headerLen+dataSqnLen+len(optBytes):], payload)

	buf[6] = 0
	buf[7] = 0
	cksum := pgmChecksum(buf)
	binary.BigEndian.PutUint16(buf[6:8], cksum)
	return buf
}

// DecodePacket validates checksum/framing and decodes a full TPDU.
func DecodePacket(buf []byte, verifyChecksum bool) (Packet, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return Packet{}, err
	}
	if verifyChecksum && h.Checksum != 0 {
		tmp := make([]byte, len(buf))
		copy(tmp, buf)
		tmp[6], tmp[7] = 0, 0
		if pgmChecksum(tmp) != h.Checksum {
			return Packet{}, errors.Wrap(ErrChecksum, "pgm checksum mismatch")
		}
	}

	p := Packet{Header: h}
	body := buf[headerLen:]

	switch h.Type {
	case TypeODATA, TypeRDATA:
		if len(body) < dataSqnLen+int(h.TSDULength) {
			return Packet{}, errors.Wrap(ErrMalformed, "data packet: short tsdu")
		}
		p.DataSqn = SQN(binary.BigEndian.Uint32(body[0:dataSqnLen]))
		rest := body[dataSqnLen:]
		optLen := len(rest) - int(h.TSDULength)
		if h.hasOptions() {
			opts, err := decodeOptionChain(rest[:optLen])
			if err != nil {
				return Packet{}, err
			}
			p.Options = opts
		}
		p.Payload = rest[optLen:]
	case TypeSPM:
		if len(body) < 16 {
			return Packet{}, errors.Wrap(ErrMalformed, "spm: short body")
		}
		p.SpmSqn = SQN(binary.BigEndian.Uint32(body[0:4]))
		p.SpmTrail = SQN(binary.BigEndian.Uint32(body[4:8]))
		p.SpmLead = SQN(binary.BigEndian.Uint32(body[8:12]))
		copy(p.PathNLA[:], body[12:16])
		if h.hasOptions() && len(body) > 16 {
			opts, err := decodeOptionChain(body[16:])
			if err != nil {
				return Packet{}, err
			}
			p.Options = opts
		}
	case TypeNAK, TypeNCF, TypeNNAK:
		if len(body) < 4 {
			return Packet{}, errors.Wrap(ErrMalformed, "nak/ncf/nnak: short body")
		}
		p.NakSqn = SQN(binary.BigEndian.Uint32(body[0:4]))
		if h.hasOptions() && len(body) > 4 {
			opts, err := decodeOptionChain(body[4:])
			if err != nil {
				return Packet{}, err
			}
			p.Options = opts
		}
	case TypeSPMR, TypePOLL, TypePOLR:
		// bodies carry no fields the core needs beyond the header.
	default:
		return Packet{}, errors.Wrapf(ErrMalformed, "unknown pgm_type %d", h.Type)
	}
	return p, nil
}

// EncodeSPM builds an SPM TPDU, optionally with OPT_PARITY_PRM.
func EncodeSPM(h Header, sqn, trail, lead SQN, pathNLA [4]byte, parityPrm *ParityPrmOption) []byte {
	body := make([]byte, 16)
	binary.BigEndian.PutUint32(body[0:4], uint32(sqn))
	binary.BigEndian.PutUint32(body[4:8], uint32(trail))
	binary.BigEndian.PutUint32(body[8:12], uint32(lead))
	copy(body[12:16], pathNLA[:])

	var optBytes []byte
	if parityPrm != nil {
		optBytes = encodeOptionChain(Options{ParityPrm: parityPrm})
		h.Options |= optBitPresent
	} else {
		h.Options &^= optBitPresent
	}

	h.Type = TypeSPM
	h.TSDULength = 0
	buf := make([]byte, headerLen+len(body)+len(optBytes))
	encodeHeader(buf, h)
	copy(buf[headerLen:], body)
	copy(buf[headerLen+len(body):], optBytes)
	buf[6], buf[7] = 0, 0
	cksum := pgmChecksum(buf)
	binary.BigEndian.PutUint16(buf[6:8], cksum)
	return buf
}

// EncodeNakLike builds a NAK/NCF/NNAK/SPMR-shaped TPDU (4-byte sqn body,
// optional trailing options). SPMR carries no sqn body.
func EncodeNakLike(h Header, typ PacketType, sqn SQN, opts Options) []byte {
	h.Type = typ
	var body []byte
	if typ != TypeSPMR && typ != TypePOLL && typ != TypePOLR {
		body = make([]byte, 4)
		binary.BigEndian.PutUint32(body, uint32(sqn))
	}
	optBytes := encodeOptionChain(opts)
	if len(optBytes) > 0 {
		h.Options |= optBitPresent
	} else {
		h.Options &^= optBitPresent
	}
	h.TSDULength = 0
	buf := make([]byte, headerLen+len(body)+len(optBytes))
	encodeHeader(buf, h)
	copy(buf[headerLen:], body)
	copy(buf[headerLen+len(body):], optBytes)
	buf[6], buf[7] = 0, 0
	cksum := pgmChecksum(buf)
	binary.BigEndian.PutUint16(buf[6:8], cksum)
	return buf
}
